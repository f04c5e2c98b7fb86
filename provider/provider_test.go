package provider

import (
	"context"
	"fmt"
	"testing"
)

func TestNewSelectsByName(t *testing.T) {
	p, err := New("", "", "")
	if err != nil {
		t.Fatalf("new default: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("default provider = %s, want mock", p.Name())
	}

	p, err = New("anthropic", "claude-sonnet-4-20250514", "sk-test")
	if err != nil {
		t.Fatalf("new anthropic: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("provider = %s, want anthropic", p.Name())
	}

	if _, err := New("anthropic", "", ""); err == nil {
		t.Error("anthropic without api key should fail")
	}
	if _, err := New("gpt", "", ""); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestMockComplete(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	got, err := m.Complete(ctx, Request{Prompt: "summarize the bill"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "[mock] summarize the bill" {
		t.Errorf("response = %q", got)
	}

	m.Response = "canned"
	got, err = m.Complete(ctx, Request{System: "be brief", Prompt: "again"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "canned" {
		t.Errorf("response = %q, want canned", got)
	}

	reqs := m.Requests()
	if len(reqs) != 2 {
		t.Fatalf("recorded %d requests, want 2", len(reqs))
	}
	if reqs[1].System != "be brief" {
		t.Errorf("second request system = %q", reqs[1].System)
	}

	m.Err = fmt.Errorf("rate limited")
	if _, err := m.Complete(ctx, Request{Prompt: "x"}); err == nil {
		t.Error("expected configured error")
	}
}
