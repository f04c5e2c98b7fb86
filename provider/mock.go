package provider

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a canned provider for tests and broker-less development. It
// records every request and returns either the configured response or a
// short echo of the prompt.
type Mock struct {
	mu       sync.Mutex
	Response string
	Err      error
	requests []Request
}

// NewMock creates a mock provider.
func NewMock() *Mock { return &Mock{} }

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// Complete records the request and returns the canned response.
func (m *Mock) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	resp, err := m.Response, m.Err
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	if resp != "" {
		return resp, nil
	}
	return fmt.Sprintf("[mock] %s", req.Prompt), nil
}

// Requests returns a copy of every request seen so far.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
