package agents

import (
	"context"
	"log/slog"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/messaging"
)

// tactics converts strategic direction into concrete action items and
// content requests for the content agent.
type tactics struct {
	rt     *agent.Runtime
	logger *slog.Logger
	routes messaging.TopicSet
}

// NewTactics builds the tactics agent.
func NewTactics(id string, deps Deps) (*agent.Runtime, error) {
	t := &tactics{
		logger: deps.Logger,
		routes: deps.Routes,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	cfg := deps.config(id, "tactics", deps.Routes.Tactics, deps.Routes.Commands)
	rt := agent.NewRuntime(cfg, deps.Broker, deps.runtimeOptions()...)
	t.rt = rt

	for msgType, h := range map[string]messaging.Handler{
		"strategy_update":           t.handleStrategyUpdate,
		"counter_strategy":          t.handleCounterStrategy,
		"targeting_recommendations": t.handleTargeting,
		"generate_actions":          t.handleGenerateActions,
	} {
		if err := rt.RegisterHandler(msgType, h); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// handleStrategyUpdate maps posture to a content plan.
func (t *tactics) handleStrategyUpdate(ctx context.Context, env *messaging.Envelope) error {
	posture := str(env.Payload, "posture")

	var needs []map[string]any
	switch posture {
	case "mobilize_grassroots":
		needs = []map[string]any{
			{"content_type": "action_alert", "channel": "email", "urgency": "high"},
			{"content_type": "social_post", "channel": "social", "urgency": "high"},
		}
	default:
		needs = []map[string]any{
			{"content_type": "fact_sheet", "channel": "email", "urgency": "normal"},
			{"content_type": "op_ed", "channel": "press", "urgency": "normal"},
		}
	}

	return t.rt.Publish(ctx, t.routes.Content, "content_needs", map[string]any{
		"posture": posture,
		"needs":   needs,
	},
		messaging.WithTarget("content"),
		messaging.WithCorrelation(correlationOf(env)))
}

// handleCounterStrategy requests rapid-response content at elevated
// priority.
func (t *tactics) handleCounterStrategy(ctx context.Context, env *messaging.Envelope) error {
	return t.rt.Publish(ctx, t.routes.Content, "urgent_content_request", map[string]any{
		"reason":       str(env.Payload, "reason"),
		"content_type": "rapid_response",
	},
		messaging.WithTarget("content"),
		messaging.WithPriority(messaging.PriorityMax),
		messaging.WithCorrelation(correlationOf(env)))
}

// handleTargeting turns legislator recommendations into personalized
// content requests, one per target.
func (t *tactics) handleTargeting(ctx context.Context, env *messaging.Envelope) error {
	recs, _ := env.Payload["recommendations"].([]any)
	for _, raw := range recs {
		rec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := t.rt.Publish(ctx, t.routes.Content, "personalized_content_request", map[string]any{
			"target": rec,
		},
			messaging.WithTarget("content"),
			messaging.WithCorrelation(correlationOf(env))); err != nil {
			return err
		}
	}
	return nil
}

// handleGenerateActions answers an operator request with the standing
// action list for the current moment.
func (t *tactics) handleGenerateActions(ctx context.Context, env *messaging.Envelope) error {
	actions := []map[string]any{
		{"action": "schedule_committee_briefings", "owner": "government_relations"},
		{"action": "activate_coalition_partners", "owner": "field"},
		{"action": "pitch_trade_press", "owner": "communications"},
	}
	return t.rt.Publish(ctx, t.routes.Tactics, "actions_generated", map[string]any{
		"actions": actions,
	},
		messaging.WithTarget(env.SourceAgent),
		messaging.WithCorrelation(correlationOf(env)))
}
