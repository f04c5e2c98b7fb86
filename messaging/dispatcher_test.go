package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runDispatcher(t *testing.T, d *Dispatcher, c Consumer) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, c) }()
	return func() {
		stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("dispatcher returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	}
}

func TestDispatchRouting(t *testing.T) {
	b := NewInMemoryBroker()
	pub := b.Publisher()
	defer pub.Close()
	c, err := b.Consumer([]string{"t.cmd"}, "g")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()

	var scans, keywords atomic.Int64
	d := NewDispatcher(testLogger(), nil)
	if err := d.RegisterHandler("scan_command", func(ctx context.Context, env *Envelope) error {
		scans.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.RegisterHandler("add_keyword", func(ctx context.Context, env *Envelope) error {
		keywords.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	stop := runDispatcher(t, d, c)
	defer stop()

	for i := 0; i < 3; i++ {
		if err := pub.Publish(context.Background(), "t.cmd", NewEnvelope("scan_command", "cli", nil)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := pub.Publish(context.Background(), "t.cmd", NewEnvelope("add_keyword", "cli", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return scans.Load() == 3 && keywords.Load() == 1 })
}

func TestDuplicateHandlerRejected(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	h := func(ctx context.Context, env *Envelope) error { return nil }
	if err := d.RegisterHandler("scan_command", h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := d.RegisterHandler("scan_command", h)
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("err = %v, want ErrDuplicateHandler", err)
	}
	if !d.Handles("scan_command") {
		t.Error("original registration should survive the rejected duplicate")
	}
}

func TestRegisterValidation(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	if err := d.RegisterHandler("", func(ctx context.Context, env *Envelope) error { return nil }); err == nil {
		t.Error("expected error for empty message type")
	}
	if err := d.RegisterHandler("x", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

// A failing handler does not stop delivery of subsequent messages.
func TestHandlerErrorIsolated(t *testing.T) {
	b := NewInMemoryBroker()
	pub := b.Publisher()
	defer pub.Close()
	c, err := b.Consumer([]string{"t.intel"}, "g")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()

	var ok atomic.Int64
	var failures atomic.Int64
	d := NewDispatcher(testLogger(), func(o Outcome) {
		if o.Err != nil {
			failures.Add(1)
		}
	})
	if err := d.RegisterHandler("intelligence_item", func(ctx context.Context, env *Envelope) error {
		if env.Payload["bad"] == true {
			return fmt.Errorf("simulated failure")
		}
		ok.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	stop := runDispatcher(t, d, c)
	defer stop()

	pub.Publish(context.Background(), "t.intel", NewEnvelope("intelligence_item", "m", map[string]any{"bad": true}))
	pub.Publish(context.Background(), "t.intel", NewEnvelope("intelligence_item", "m", nil))
	pub.Publish(context.Background(), "t.intel", NewEnvelope("intelligence_item", "m", nil))

	waitFor(t, func() bool { return ok.Load() == 2 && failures.Load() == 1 })
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := NewInMemoryBroker()
	pub := b.Publisher()
	defer pub.Close()
	c, err := b.Consumer([]string{"t.intel"}, "g")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()

	var ok atomic.Int64
	var panics atomic.Int64
	d := NewDispatcher(testLogger(), func(o Outcome) {
		if o.Err != nil {
			panics.Add(1)
		}
	})
	if err := d.RegisterHandler("intelligence_item", func(ctx context.Context, env *Envelope) error {
		if env.Payload["boom"] == true {
			panic("handler exploded")
		}
		ok.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	stop := runDispatcher(t, d, c)
	defer stop()

	pub.Publish(context.Background(), "t.intel", NewEnvelope("intelligence_item", "m", map[string]any{"boom": true}))
	pub.Publish(context.Background(), "t.intel", NewEnvelope("intelligence_item", "m", nil))

	waitFor(t, func() bool { return ok.Load() == 1 && panics.Load() == 1 })
}

// Envelopes with no registered handler are dropped, not errors.
func TestUnroutableDropped(t *testing.T) {
	b := NewInMemoryBroker()
	pub := b.Publisher()
	defer pub.Close()
	c, err := b.Consumer([]string{"t.intel"}, "g")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()

	var handled atomic.Int64
	d := NewDispatcher(testLogger(), nil)
	if err := d.RegisterHandler("known", func(ctx context.Context, env *Envelope) error {
		handled.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	stop := runDispatcher(t, d, c)
	defer stop()

	pub.Publish(context.Background(), "t.intel", NewEnvelope("unknown_type", "m", nil))
	pub.Publish(context.Background(), "t.intel", NewEnvelope("known", "m", nil))

	waitFor(t, func() bool { return handled.Load() == 1 })
}

func TestExpiredDropped(t *testing.T) {
	b := NewInMemoryBroker()
	pub := b.Publisher()
	defer pub.Close()
	c, err := b.Consumer([]string{"t.intel"}, "g")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()

	var handled atomic.Int64
	d := NewDispatcher(testLogger(), nil)
	if err := d.RegisterHandler("intelligence_item", func(ctx context.Context, env *Envelope) error {
		handled.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	stop := runDispatcher(t, d, c)
	defer stop()

	stale := NewEnvelope("intelligence_item", "m", nil, WithExpiry(time.Now().Add(-time.Minute)))
	pub.Publish(context.Background(), "t.intel", stale)
	fresh := NewEnvelope("intelligence_item", "m", nil)
	pub.Publish(context.Background(), "t.intel", fresh)

	waitFor(t, func() bool { return handled.Load() == 1 })
}

func TestRunReturnsNilOnConsumerClose(t *testing.T) {
	b := NewInMemoryBroker()
	c, err := b.Consumer([]string{"t.intel"}, "g")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	d := NewDispatcher(testLogger(), nil)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), c) }()
	time.Sleep(50 * time.Millisecond)
	c.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after consumer close")
	}
}

// Cancellation must win over a queued backlog: once the context is done,
// no further envelope reaches a handler.
func TestCancelStopsDispatchWithBacklog(t *testing.T) {
	b := NewInMemoryBroker(WithPartitions(1))
	pub := b.Publisher()
	defer pub.Close()
	c, err := b.Consumer([]string{"t.intel"}, "g")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()

	for i := 0; i < 5; i++ {
		if err := pub.Publish(context.Background(), "t.intel", NewEnvelope("intelligence_item", "m", nil)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var handled atomic.Int64
	d := NewDispatcher(testLogger(), nil)
	if err := d.RegisterHandler("intelligence_item", func(ctx context.Context, env *Envelope) error {
		handled.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx, c); err != nil {
		t.Fatalf("run returned %v, want nil", err)
	}
	if n := handled.Load(); n != 0 {
		t.Fatalf("dispatched %d messages after cancellation, want 0", n)
	}
}

// eofConsumer mimics a kafka reader that has been closed: Next reports
// io.EOF.
type eofConsumer struct{}

func (eofConsumer) Next(ctx context.Context) (*Envelope, error) { return nil, io.EOF }
func (eofConsumer) Close() error                                { return nil }

func TestRunReturnsNilOnEOF(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	if err := d.Run(context.Background(), eofConsumer{}); err != nil {
		t.Fatalf("run returned %v, want nil", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
