package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canvass-io/canvass/audit"
	"github.com/canvass-io/canvass/messaging"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(topics ...string) Config {
	return Config{
		ID:     "test-1",
		Type:   "test",
		Group:  "canvass",
		Topics: topics,
		Routes: messaging.NewTopicSet("t"),
	}
}

// memRecorder captures audit events for assertions.
type memRecorder struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (m *memRecorder) Record(ctx context.Context, ev *audit.Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) snapshot() []*audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*audit.Event(nil), m.events...)
}

func startRuntime(t *testing.T, r *Runtime) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	waitFor(t, func() bool { return r.Info().Status == StatusRunning })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.Stop(ctx); err != nil {
			t.Errorf("stop: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("run returned %v", err)
		}
	})
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

func TestDispatchAndCounters(t *testing.T) {
	broker := messaging.NewInMemoryBroker()
	r := NewRuntime(testConfig("t.commands"), broker, WithLogger(testLogger()))

	var handled atomic.Int64
	if err := r.RegisterHandler("scan_command", func(ctx context.Context, env *messaging.Envelope) error {
		handled.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterHandler("bad_command", func(ctx context.Context, env *messaging.Envelope) error {
		return fmt.Errorf("simulated failure")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	startRuntime(t, r)

	pub := broker.Publisher()
	defer pub.Close()
	pub.Publish(context.Background(), "t.commands", messaging.NewEnvelope("scan_command", "cli", nil))
	pub.Publish(context.Background(), "t.commands", messaging.NewEnvelope("bad_command", "cli", nil))

	waitFor(t, func() bool {
		info := r.Info()
		return info.Processed == 2 && info.Errors == 1
	})
	if handled.Load() != 1 {
		t.Errorf("handled = %d, want 1", handled.Load())
	}
	if r.Info().LastActivity.IsZero() {
		t.Error("last activity should be set after processing")
	}
}

func TestAuditRecordPerMessage(t *testing.T) {
	broker := messaging.NewInMemoryBroker()
	rec := &memRecorder{}
	r := NewRuntime(testConfig("t.intelligence"), broker,
		WithLogger(testLogger()), WithRecorder(rec))

	if err := r.RegisterHandler("intelligence_item", func(ctx context.Context, env *messaging.Envelope) error {
		if env.Payload["fail"] == true {
			return fmt.Errorf("boom")
		}
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	startRuntime(t, r)

	pub := broker.Publisher()
	defer pub.Close()
	ok := messaging.NewEnvelope("intelligence_item", "monitoring", nil)
	bad := messaging.NewEnvelope("intelligence_item", "monitoring", map[string]any{"fail": true})
	pub.Publish(context.Background(), "t.intelligence", ok)
	pub.Publish(context.Background(), "t.intelligence", bad)

	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })

	for _, ev := range rec.snapshot() {
		if ev.EventType != "process_intelligence_item" {
			t.Errorf("event type = %s", ev.EventType)
		}
		if ev.AgentType != "test" {
			t.Errorf("agent type = %s", ev.AgentType)
		}
		id := ev.Input["message_id"]
		switch id {
		case ok.ID:
			if ev.Status != audit.StatusSuccess {
				t.Errorf("ok event status = %s", ev.Status)
			}
		case bad.ID:
			if ev.Status != audit.StatusError || ev.Error == "" {
				t.Errorf("bad event = %+v, want error status", ev)
			}
		default:
			t.Errorf("unexpected message id %v", id)
		}
	}
}

func TestPeriodicLoop(t *testing.T) {
	broker := messaging.NewInMemoryBroker()
	var ticks atomic.Int64
	r := NewRuntime(testConfig(), broker,
		WithLogger(testLogger()),
		WithPeriodic(10*time.Millisecond, func(ctx context.Context) error {
			ticks.Add(1)
			return nil
		}))
	startRuntime(t, r)
	waitFor(t, func() bool { return ticks.Load() >= 3 })
}

func TestStartupFailsFast(t *testing.T) {
	r := NewRuntime(testConfig("t.commands"), &failingBroker{},
		WithLogger(testLogger()))
	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected startup error")
	}
	if r.Info().Status != StatusError {
		t.Errorf("status = %s, want error", r.Info().Status)
	}
}

// failingBroker cannot open consumers.
type failingBroker struct{}

func (b *failingBroker) Publisher() messaging.Publisher { return nopPublisher{} }
func (b *failingBroker) Consumer(topics []string, group string) (messaging.Consumer, error) {
	return nil, fmt.Errorf("broker unreachable")
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, topic string, env *messaging.Envelope) error {
	return nil
}
func (nopPublisher) Close() error { return nil }

func TestStartHookFailureAborts(t *testing.T) {
	broker := messaging.NewInMemoryBroker()
	r := NewRuntime(testConfig("t.commands"), broker,
		WithLogger(testLogger()),
		WithStartHook(func(ctx context.Context) error { return fmt.Errorf("no config") }))
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected start hook error")
	}
	if r.Info().Status != StatusError {
		t.Errorf("status = %s, want error", r.Info().Status)
	}
}

func TestStopHookRunsOnShutdown(t *testing.T) {
	broker := messaging.NewInMemoryBroker()
	var stopped atomic.Bool
	r := NewRuntime(testConfig("t.commands"), broker,
		WithLogger(testLogger()),
		WithStopHook(func(ctx context.Context) { stopped.Store(true) }))
	if err := r.RegisterHandler("noop", func(ctx context.Context, env *messaging.Envelope) error { return nil }); err != nil {
		t.Fatalf("register: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	waitFor(t, func() bool { return r.Info().Status == StatusRunning })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if !stopped.Load() {
		t.Error("stop hook did not run")
	}
	if r.Info().Status != StatusStopped {
		t.Errorf("status = %s, want stopped", r.Info().Status)
	}

	// Stop again: idempotent.
	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

// Stopping a runtime that never ran returns immediately instead of
// waiting for a run loop that does not exist.
func TestStopBeforeStart(t *testing.T) {
	broker := messaging.NewInMemoryBroker()
	r := NewRuntime(testConfig("t.commands"), broker, WithLogger(testLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if r.Info().Status != StatusStopped {
		t.Errorf("status = %s, want stopped", r.Info().Status)
	}
	// Stop again: still immediate.
	if err := r.Stop(ctx); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Error("run after stop should be rejected")
	}
}

func TestPauseResume(t *testing.T) {
	broker := messaging.NewInMemoryBroker()
	r := NewRuntime(testConfig("t.commands"), broker, WithLogger(testLogger()))

	var handled atomic.Int64
	if err := r.RegisterHandler("scan_command", func(ctx context.Context, env *messaging.Envelope) error {
		handled.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	startRuntime(t, r)

	r.Pause()
	if r.Info().Status != StatusPaused {
		t.Fatalf("status = %s, want paused", r.Info().Status)
	}

	pub := broker.Publisher()
	defer pub.Close()
	pub.Publish(context.Background(), "t.commands", messaging.NewEnvelope("scan_command", "cli", nil))

	time.Sleep(100 * time.Millisecond)
	if handled.Load() != 0 {
		t.Fatal("paused runtime must not dispatch new messages")
	}

	r.Resume()
	waitFor(t, func() bool { return handled.Load() == 1 })
}

func TestEmitHelpers(t *testing.T) {
	broker := messaging.NewInMemoryBroker()
	routes := messaging.NewTopicSet("t")
	r := NewRuntime(testConfig("t.commands"), broker, WithLogger(testLogger()))
	startRuntime(t, r)

	intel, err := broker.Consumer([]string{routes.Intelligence}, "probe-intel")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer intel.Close()
	alerts, err := broker.Consumer([]string{routes.Alerts}, "probe-alerts")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer alerts.Close()

	ctx := context.Background()
	if err := r.EmitIntelligence(ctx, map[string]any{"title": "hearing set"}); err != nil {
		t.Fatalf("emit intelligence: %v", err)
	}
	if err := r.EmitAlert(ctx, "urgent_vote", "floor vote moved up", nil, 9); err != nil {
		t.Fatalf("emit alert: %v", err)
	}
	if err := r.RequestAnalysis(ctx, map[string]any{"query": "sponsor record"}, "corr-1"); err != nil {
		t.Fatalf("request analysis: %v", err)
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	types := map[string]*messaging.Envelope{}
	for i := 0; i < 2; i++ {
		env, err := intel.Next(rctx)
		if err != nil {
			t.Fatalf("intel next: %v", err)
		}
		types[env.Type] = env
	}
	item, ok := types["intelligence_item"]
	if !ok || item.SourceAgent != "test" {
		t.Errorf("intelligence_item = %+v", item)
	}
	req, ok := types["analysis_request"]
	if !ok || req.TargetAgent != "analysis" || req.CorrelationID != "corr-1" {
		t.Errorf("analysis_request = %+v", req)
	}

	alert, err := alerts.Next(rctx)
	if err != nil {
		t.Fatalf("alert next: %v", err)
	}
	if alert.Type != "alert" || alert.Priority != 9 {
		t.Errorf("alert = %+v, want priority 9", alert)
	}
	if alert.Payload["alert_type"] != "urgent_vote" {
		t.Errorf("alert payload = %v", alert.Payload)
	}
}

func TestManagerLifecycle(t *testing.T) {
	broker := messaging.NewInMemoryBroker()
	m := NewManager(testLogger())

	var ticks atomic.Int64
	mk := func(id string) *Runtime {
		cfg := testConfig()
		cfg.ID = id
		return NewRuntime(cfg, broker,
			WithLogger(testLogger()),
			WithPeriodic(10*time.Millisecond, func(ctx context.Context) error {
				ticks.Add(1)
				return nil
			}))
	}
	if err := m.Add(mk("a-1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Add(mk("b-1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Add(mk("a-1")); err == nil {
		t.Error("expected duplicate id rejection")
	}

	m.StartAll(context.Background())
	waitFor(t, func() bool {
		infos := m.List()
		return len(infos) == 2 &&
			infos[0].Status == StatusRunning && infos[1].Status == StatusRunning
	})

	infos := m.List()
	if infos[0].ID != "a-1" || infos[1].ID != "b-1" {
		t.Errorf("list order = %s, %s", infos[0].ID, infos[1].ID)
	}
	if _, ok := m.Get("a-1"); !ok {
		t.Error("get a-1 failed")
	}

	waitFor(t, func() bool { return ticks.Load() > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	for _, info := range m.List() {
		if info.Status != StatusStopped {
			t.Errorf("agent %s status = %s, want stopped", info.ID, info.Status)
		}
	}
}
