package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	b := NewInMemoryBroker()
	pub := b.Publisher()
	defer pub.Close()

	c, err := b.Consumer([]string{"t.intel"}, "analysis-group")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()

	sent := NewEnvelope("intelligence_item", "monitoring", map[string]any{"title": "markup scheduled"})
	if err := pub.Publish(context.Background(), "t.intel", sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.ID != sent.ID {
		t.Errorf("got id %s, want %s", got.ID, sent.ID)
	}
	if got.Payload["title"] != "markup scheduled" {
		t.Errorf("payload title = %v", got.Payload["title"])
	}
	// Consumers get their own copy, never the publisher's map.
	got.Payload["title"] = "mutated"
	if sent.Payload["title"] != "markup scheduled" {
		t.Error("consumer mutation leaked into the published envelope")
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	b := NewInMemoryBroker()
	pub := b.Publisher()
	defer pub.Close()

	env := NewEnvelope("bulk", "monitoring", map[string]any{
		"blob": strings.Repeat("x", MaxMessageBytes+1),
	})
	err := pub.Publish(context.Background(), "t.intel", env)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %T, want *DeliveryError", err)
	}
	if de.MessageID != env.ID {
		t.Errorf("delivery error message id = %s, want %s", de.MessageID, env.ID)
	}
}

// Two consumers in the same group split the topic's partitions: each
// message is processed exactly once across the group.
func TestGroupSharesWork(t *testing.T) {
	b := NewInMemoryBroker(WithPartitions(4))
	pub := b.Publisher()
	defer pub.Close()

	c1, err := b.Consumer([]string{"t.content"}, "content-group")
	if err != nil {
		t.Fatalf("consumer 1: %v", err)
	}
	defer c1.Close()
	c2, err := b.Consumer([]string{"t.content"}, "content-group")
	if err != nil {
		t.Fatalf("consumer 2: %v", err)
	}
	defer c2.Close()

	const n = 40
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		env := NewEnvelope("content_needs", "tactics", nil)
		ids[env.ID] = false
		if err := pub.Publish(context.Background(), "t.content", env); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := make(chan string, n)
	drain := func(c Consumer) {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			env, err := c.Next(ctx)
			cancel()
			if err != nil {
				return
			}
			got <- env.ID
		}
	}
	done := make(chan struct{}, 2)
	go func() { drain(c1); done <- struct{}{} }()
	go func() { drain(c2); done <- struct{}{} }()
	<-done
	<-done
	close(got)

	count := 0
	for id := range got {
		seen, ok := ids[id]
		if !ok {
			t.Fatalf("received unknown id %s", id)
		}
		if seen {
			t.Fatalf("id %s delivered twice within one group", id)
		}
		ids[id] = true
		count++
	}
	if count != n {
		t.Fatalf("group consumed %d messages, want %d", count, n)
	}
}

// Distinct groups each receive every message.
func TestSeparateGroupsBothReceive(t *testing.T) {
	b := NewInMemoryBroker()
	pub := b.Publisher()
	defer pub.Close()

	ca, err := b.Consumer([]string{"t.events"}, "group-a")
	if err != nil {
		t.Fatalf("consumer a: %v", err)
	}
	defer ca.Close()
	cb, err := b.Consumer([]string{"t.events"}, "group-b")
	if err != nil {
		t.Fatalf("consumer b: %v", err)
	}
	defer cb.Close()

	env := NewEnvelope("state_advanced", "orchestrator", nil)
	if err := pub.Publish(context.Background(), "t.events", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, c := range []Consumer{ca, cb} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		got, err := c.Next(ctx)
		cancel()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got.ID != env.ID {
			t.Errorf("got id %s, want %s", got.ID, env.ID)
		}
	}
}

// Messages sharing a partition key arrive in publish order.
func TestKeyedOrdering(t *testing.T) {
	b := NewInMemoryBroker(WithPartitions(4))
	pub := b.Publisher()
	defer pub.Close()

	c, err := b.Consumer([]string{"t.tactics"}, "tactics-group")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()

	var want []string
	for i := 0; i < 10; i++ {
		env := NewEnvelope("strategy_update", "strategy", map[string]any{"seq": i},
			WithTarget("tactics"))
		want = append(want, env.ID)
		if err := pub.Publish(context.Background(), "t.tactics", env); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i, id := range want {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		got, err := c.Next(ctx)
		cancel()
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if got.ID != id {
			t.Fatalf("position %d: got %s, want %s", i, got.ID, id)
		}
	}
}

// A consumer that vanishes without committing hands its uncommitted
// messages to the next group member (at-least-once redelivery).
func TestCrashRedeliversUncommitted(t *testing.T) {
	b := NewInMemoryBroker(WithPartitions(1), WithMemCommitInterval(time.Hour))
	pub := b.Publisher()
	defer pub.Close()

	c1, err := b.Consumer([]string{"t.intel"}, "analysis-group")
	if err != nil {
		t.Fatalf("consumer 1: %v", err)
	}

	env := NewEnvelope("intelligence_item", "monitoring", nil)
	if err := pub.Publish(context.Background(), "t.intel", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	got, err := c1.(*memConsumer).Next(ctx)
	cancel()
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if got.ID != env.ID {
		t.Fatalf("first read id = %s, want %s", got.ID, env.ID)
	}

	// Crash before the commit interval fires.
	c1.(*memConsumer).leave(false)

	c2, err := b.Consumer([]string{"t.intel"}, "analysis-group")
	if err != nil {
		t.Fatalf("consumer 2: %v", err)
	}
	defer c2.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	again, err := c2.Next(ctx)
	cancel()
	if err != nil {
		t.Fatalf("redelivery read: %v", err)
	}
	if again.ID != env.ID {
		t.Fatalf("redelivered id = %s, want %s", again.ID, env.ID)
	}
}

// Graceful Close commits read positions, so a successor does not replay.
func TestCloseCommitsOffsets(t *testing.T) {
	b := NewInMemoryBroker(WithPartitions(1), WithMemCommitInterval(time.Hour))
	pub := b.Publisher()
	defer pub.Close()

	c1, err := b.Consumer([]string{"t.intel"}, "analysis-group")
	if err != nil {
		t.Fatalf("consumer 1: %v", err)
	}

	first := NewEnvelope("intelligence_item", "monitoring", nil)
	if err := pub.Publish(context.Background(), "t.intel", first); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if _, err := c1.Next(ctx); err != nil {
		cancel()
		t.Fatalf("first read: %v", err)
	}
	cancel()
	if err := c1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewEnvelope("intelligence_item", "monitoring", nil)
	if err := pub.Publish(context.Background(), "t.intel", second); err != nil {
		t.Fatalf("publish second: %v", err)
	}

	c2, err := b.Consumer([]string{"t.intel"}, "analysis-group")
	if err != nil {
		t.Fatalf("consumer 2: %v", err)
	}
	defer c2.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	got, err := c2.Next(ctx)
	cancel()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("got id %s, want the second message %s (first should be committed)", got.ID, second.ID)
	}
}

func TestNextAfterClose(t *testing.T) {
	b := NewInMemoryBroker()
	c, err := b.Consumer([]string{"t.intel"}, "g")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.Next(context.Background()); !errors.Is(err, ErrConsumerClosed) {
		t.Fatalf("err = %v, want ErrConsumerClosed", err)
	}
}

func TestConsumerValidation(t *testing.T) {
	b := NewInMemoryBroker()
	if _, err := b.Consumer(nil, "g"); err == nil {
		t.Error("expected error for empty topic list")
	}
	if _, err := b.Consumer([]string{"t"}, ""); err == nil {
		t.Error("expected error for empty group")
	}
}
