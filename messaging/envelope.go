package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority bounds. Priority is advisory: the transport never reorders by
// it; alerting and urgency logic in handlers consume it.
const (
	PriorityMin     = 1
	PriorityDefault = 5
	PriorityMax     = 10
)

// Envelope is the unit of communication between agents. Envelopes are
// immutable after creation: a handler that wants to "modify" a message
// constructs and publishes a new envelope.
type Envelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	SourceAgent   string         `json:"source_agent"`
	TargetAgent   string         `json:"target_agent,omitempty"` // empty means broadcast to the topic
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      int            `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

// EnvelopeOption customizes an envelope during construction.
type EnvelopeOption func(*Envelope)

// WithTarget addresses the envelope to a specific agent type.
func WithTarget(agentType string) EnvelopeOption {
	return func(e *Envelope) { e.TargetAgent = agentType }
}

// WithCorrelation links a response envelope back to the request that
// caused it.
func WithCorrelation(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithPriority sets the advisory priority (clamped to [1,10]).
func WithPriority(p int) EnvelopeOption {
	return func(e *Envelope) { e.Priority = p }
}

// WithExpiry marks the envelope stale after t; expired envelopes are
// dropped at dispatch without invoking a handler.
func WithExpiry(t time.Time) EnvelopeOption {
	return func(e *Envelope) { e.ExpiresAt = &t }
}

// NewEnvelope constructs an envelope with a fresh id and creation time.
func NewEnvelope(msgType, sourceAgent string, payload map[string]any, opts ...EnvelopeOption) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	e := &Envelope{
		ID:          uuid.NewString(),
		Type:        msgType,
		SourceAgent: sourceAgent,
		Payload:     payload,
		Priority:    PriorityDefault,
		CreatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.Priority < PriorityMin {
		e.Priority = PriorityMin
	}
	if e.Priority > PriorityMax {
		e.Priority = PriorityMax
	}
	return e
}

// Key returns the partitioning key: envelopes addressed to a specific
// agent stay ordered relative to each other; broadcasts spread by id.
func (e *Envelope) Key() string {
	if e.TargetAgent != "" {
		return e.TargetAgent
	}
	return e.ID
}

// Expired reports whether the envelope's expiry (if any) has passed.
func (e *Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Marshal serializes the envelope to its JSON wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// UnmarshalEnvelope parses an envelope from its JSON wire form.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("unmarshal envelope %s: missing type", e.ID)
	}
	return &e, nil
}
