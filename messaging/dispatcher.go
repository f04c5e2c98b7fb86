package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Outcome describes one dispatched envelope. Err is nil on success and
// carries the handler error (or recovered panic) otherwise.
type Outcome struct {
	Envelope *Envelope
	Err      error
	Duration time.Duration
}

// Dispatcher routes consumed envelopes to handlers registered by message
// type. A handler failure is logged and reported through the observe
// callback; it never stops the dispatch loop.
type Dispatcher struct {
	logger   *slog.Logger
	observe  func(Outcome)
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher. observe may be nil.
func NewDispatcher(logger *slog.Logger, observe func(Outcome)) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		observe:  observe,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a message type. Each type has at most
// one handler; registering a second returns ErrDuplicateHandler.
func (d *Dispatcher) RegisterHandler(msgType string, h Handler) error {
	if msgType == "" {
		return fmt.Errorf("register handler: empty message type")
	}
	if h == nil {
		return fmt.Errorf("register handler for %q: nil handler", msgType)
	}
	if _, ok := d.handlers[msgType]; ok {
		return fmt.Errorf("register handler for %q: %w", msgType, ErrDuplicateHandler)
	}
	d.handlers[msgType] = h
	return nil
}

// Handles reports whether a handler is registered for the message type.
func (d *Dispatcher) Handles(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}

// Run consumes envelopes until the context is cancelled or the consumer is
// closed. Expired envelopes and envelopes with no registered handler are
// dropped without invoking anything.
func (d *Dispatcher) Run(ctx context.Context, c Consumer) error {
	for {
		// Cancellation wins over backlog: once the context is done no
		// further envelope is dispatched, even if the consumer still has
		// buffered messages to hand out.
		if ctx.Err() != nil {
			return nil
		}
		env, err := c.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, ErrConsumerClosed) ||
				errors.Is(err, io.EOF) ||
				errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("consume message: %w", err)
		}
		if env.Expired(time.Now().UTC()) {
			d.logger.Debug("dropping expired message",
				slog.String("id", env.ID),
				slog.String("type", env.Type))
			continue
		}
		h, ok := d.handlers[env.Type]
		if !ok {
			d.logger.Warn("no handler for message type",
				slog.String("id", env.ID),
				slog.String("type", env.Type),
				slog.String("source", env.SourceAgent))
			continue
		}
		d.invoke(ctx, h, env)
	}
}

// invoke runs a single handler with panic isolation and reports the
// outcome.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, env *Envelope) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(ctx, env)
	}()
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Error("message handler failed",
			slog.String("id", env.ID),
			slog.String("type", env.Type),
			slog.String("source", env.SourceAgent),
			slog.Any("err", err))
	}
	if d.observe != nil {
		d.observe(Outcome{Envelope: env, Err: err, Duration: elapsed})
	}
}
