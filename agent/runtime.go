package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canvass-io/canvass/audit"
	"github.com/canvass-io/canvass/messaging"
)

// DefaultPeriodicInterval is the tick rate for agents that run on a
// timer instead of consuming topics.
const DefaultPeriodicInterval = time.Second

// Runtime drives one agent instance: it owns the agent's publisher and
// consumer, dispatches inbound messages to registered handlers, and
// records an audit event for every message processed.
type Runtime struct {
	mu           sync.RWMutex
	cfg          Config
	broker       messaging.Broker
	logger       *slog.Logger
	recorder     audit.Recorder
	disp         *messaging.Dispatcher
	status       Status
	startedAt    time.Time
	lastActivity time.Time
	processed    int64
	errors       int64

	periodicInterval time.Duration
	periodic         func(ctx context.Context) error
	onStart          func(ctx context.Context) error
	onStop           func(ctx context.Context)

	pub      messaging.Publisher
	consumer messaging.Consumer
	resumeCh chan struct{} // non-nil while paused; closed on resume
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorder sets the audit recorder. Without one, processing is not
// audited.
func WithRecorder(rec audit.Recorder) Option {
	return func(r *Runtime) { r.recorder = rec }
}

// WithPeriodic installs the timer hook for agents with no consumed
// topics. fn runs once per interval until the runtime stops.
func WithPeriodic(interval time.Duration, fn func(ctx context.Context) error) Option {
	return func(r *Runtime) {
		if interval > 0 {
			r.periodicInterval = interval
		}
		r.periodic = fn
	}
}

// WithStartHook runs fn after the broker connections open and before the
// runtime transitions to running. A hook error fails startup.
func WithStartHook(fn func(ctx context.Context) error) Option {
	return func(r *Runtime) { r.onStart = fn }
}

// WithStopHook runs fn during shutdown, before the broker connections
// close.
func WithStopHook(fn func(ctx context.Context)) Option {
	return func(r *Runtime) { r.onStop = fn }
}

// NewRuntime creates an agent runtime over the given broker.
func NewRuntime(cfg Config, broker messaging.Broker, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:              cfg,
		broker:           broker,
		logger:           slog.Default(),
		status:           StatusInitializing,
		periodicInterval: DefaultPeriodicInterval,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("agent", cfg.Type), slog.String("instance", cfg.ID))
	r.disp = messaging.NewDispatcher(r.logger, r.observe)
	return r
}

// RegisterHandler binds a message type to a handler. Registration must
// happen before Run; each type takes exactly one handler.
func (r *Runtime) RegisterHandler(msgType string, h messaging.Handler) error {
	return r.disp.RegisterHandler(msgType, h)
}

// Info reports the runtime's identity, status, and counters.
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Info{
		ID:           r.cfg.ID,
		Type:         r.cfg.Type,
		Status:       r.status,
		Topics:       append([]string(nil), r.cfg.Topics...),
		Processed:    r.processed,
		Errors:       r.errors,
		StartedAt:    r.startedAt,
		LastActivity: r.lastActivity,
	}
}

// Run starts the agent and blocks until it stops. Startup is fail-fast:
// a broker connection error moves the runtime to the error status and
// returns without consuming anything.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.status != StatusInitializing {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("agent %s already started (status=%s)", r.cfg.ID, r.status)
	}
	r.cancel = cancel
	r.mu.Unlock()
	defer close(r.done)

	if err := r.start(ctx); err != nil {
		r.setStatus(StatusError)
		return err
	}
	defer r.teardown()

	r.logger.Info("agent running", slog.Any("topics", r.cfg.Topics))
	if len(r.cfg.Topics) == 0 {
		return r.periodicLoop(ctx)
	}
	return r.disp.Run(ctx, &gatedConsumer{r: r, inner: r.consumer})
}

func (r *Runtime) start(ctx context.Context) error {
	r.pub = r.broker.Publisher()
	if len(r.cfg.Topics) > 0 {
		c, err := r.broker.Consumer(r.cfg.Topics, r.cfg.ConsumerGroup())
		if err != nil {
			r.pub.Close()
			return fmt.Errorf("agent %s: open consumer: %w", r.cfg.ID, err)
		}
		r.consumer = c
	}
	if r.onStart != nil {
		if err := r.onStart(ctx); err != nil {
			if r.consumer != nil {
				r.consumer.Close()
			}
			r.pub.Close()
			return fmt.Errorf("agent %s: start hook: %w", r.cfg.ID, err)
		}
	}
	r.mu.Lock()
	r.status = StatusRunning
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()
	return nil
}

func (r *Runtime) teardown() {
	if r.onStop != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.onStop(stopCtx)
		cancel()
	}
	if r.consumer != nil {
		if err := r.consumer.Close(); err != nil {
			r.logger.Warn("closing consumer", slog.Any("err", err))
		}
	}
	if err := r.pub.Close(); err != nil {
		r.logger.Warn("closing publisher", slog.Any("err", err))
	}
	r.setStatus(StatusStopped)
	r.logger.Info("agent stopped")
}

// Stop cancels the runtime and waits for in-flight work to finish. It is
// idempotent and safe to call from a signal handler; no new message is
// dispatched once Stop begins.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel == nil {
		// Never started: there is no run loop to wait for. Mark the
		// runtime stopped so a later Run refuses to start it.
		r.status = StatusStopped
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.stopOnce.Do(func() {
		r.mu.RLock()
		cancel := r.cancel
		r.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("agent %s: stop: %w", r.cfg.ID, ctx.Err())
	}
}

func (r *Runtime) periodicLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.periodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			err := r.periodicTick(ctx)
			r.count(err)
			if err != nil {
				r.logger.Error("periodic task failed",
					slog.Duration("elapsed", time.Since(start)),
					slog.Any("err", err))
			}
		}
	}
}

func (r *Runtime) periodicTick(ctx context.Context) (err error) {
	if r.periodic == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("periodic task panic: %v", rec)
		}
	}()
	return r.periodic(ctx)
}

// observe updates counters and writes the audit record for one
// dispatched message.
func (r *Runtime) observe(o messaging.Outcome) {
	r.count(o.Err)

	if r.recorder == nil {
		return
	}
	ev := &audit.Event{
		AgentType:  r.cfg.Type,
		EventType:  "process_" + o.Envelope.Type,
		Status:     audit.StatusSuccess,
		Input:      map[string]any{"message_id": o.Envelope.ID, "source": o.Envelope.SourceAgent},
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		ev.Status = audit.StatusError
		ev.Error = o.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.recorder.Record(ctx, ev); err != nil {
		r.logger.Warn("recording audit event", slog.Any("err", err))
	}
}

func (r *Runtime) count(err error) {
	r.mu.Lock()
	r.lastActivity = time.Now().UTC()
	r.processed++
	if err != nil {
		r.errors++
	}
	r.mu.Unlock()
}

func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Publish sends an envelope stamped with this agent's identity.
func (r *Runtime) Publish(ctx context.Context, topic string, msgType string, payload map[string]any, opts ...messaging.EnvelopeOption) error {
	env := messaging.NewEnvelope(msgType, r.cfg.Type, payload, opts...)
	return r.pub.Publish(ctx, topic, env)
}

// EmitIntelligence publishes an intelligence item for the analysis agent.
func (r *Runtime) EmitIntelligence(ctx context.Context, data map[string]any) error {
	return r.Publish(ctx, r.cfg.Routes.Intelligence, "intelligence_item", data)
}

// EmitAlert publishes a prioritized alert.
func (r *Runtime) EmitAlert(ctx context.Context, alertType, message string, data map[string]any, priority int) error {
	if data == nil {
		data = map[string]any{}
	}
	return r.Publish(ctx, r.cfg.Routes.Alerts, "alert", map[string]any{
		"alert_type": alertType,
		"message":    message,
		"data":       data,
	}, messaging.WithPriority(priority))
}

// RequestAnalysis asks the analysis agent for an assessment. Requests
// ride the intelligence topic, which the analysis agent consumes.
func (r *Runtime) RequestAnalysis(ctx context.Context, data map[string]any, correlationID string) error {
	opts := []messaging.EnvelopeOption{messaging.WithTarget("analysis")}
	if correlationID != "" {
		opts = append(opts, messaging.WithCorrelation(correlationID))
	}
	return r.Publish(ctx, r.cfg.Routes.Intelligence, "analysis_request", data, opts...)
}

// Pause suspends message consumption. In-flight handler calls finish;
// no new message is dispatched until Resume.
func (r *Runtime) Pause() {
	r.mu.Lock()
	if r.status == StatusRunning {
		r.status = StatusPaused
		r.resumeCh = make(chan struct{})
	}
	r.mu.Unlock()
}

// Resume returns a paused runtime to running.
func (r *Runtime) Resume() {
	r.mu.Lock()
	if r.status == StatusPaused {
		r.status = StatusRunning
		close(r.resumeCh)
		r.resumeCh = nil
	}
	r.mu.Unlock()
}

// gatedConsumer blocks reads while the runtime is paused. The gate is
// re-checked after each read: a message that arrives mid-pause is held
// until Resume, not dispatched. A held message abandoned on shutdown is
// uncommitted, so redelivery covers it.
type gatedConsumer struct {
	r     *Runtime
	inner messaging.Consumer
}

func (g *gatedConsumer) Next(ctx context.Context) (*messaging.Envelope, error) {
	if err := g.waitResumed(ctx); err != nil {
		return nil, err
	}
	env, err := g.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.waitResumed(ctx); err != nil {
		return nil, err
	}
	return env, nil
}

func (g *gatedConsumer) waitResumed(ctx context.Context) error {
	for {
		g.r.mu.RLock()
		ch := g.r.resumeCh
		g.r.mu.RUnlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (g *gatedConsumer) Close() error { return g.inner.Close() }
