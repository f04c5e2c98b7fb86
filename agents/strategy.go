package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/messaging"
	"github.com/canvass-io/canvass/provider"
)

// strategy turns analyzed intelligence into campaign direction: strategy
// updates, legislator targeting, and counters to opposition moves. Its
// outputs feed the tactics agent.
type strategy struct {
	rt       *agent.Runtime
	logger   *slog.Logger
	provider provider.Provider
	routes   messaging.TopicSet

	mu        sync.Mutex
	posture   string // current strategic posture
	briefsIn  int
	reportsIn int
}

// NewStrategy builds the strategy agent.
func NewStrategy(id string, deps Deps) (*agent.Runtime, error) {
	s := &strategy{
		logger:   deps.Logger,
		provider: deps.Provider,
		routes:   deps.Routes,
		posture:  "build_awareness",
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	cfg := deps.config(id, "strategy",
		deps.Routes.Strategy, deps.Routes.Analysis, deps.Routes.Commands)
	rt := agent.NewRuntime(cfg, deps.Broker, deps.runtimeOptions()...)
	s.rt = rt

	for msgType, h := range map[string]messaging.Handler{
		"intelligence_brief":   s.handleBrief,
		"performance_report":   s.handlePerformanceReport,
		"update_strategy":      s.handleUpdateStrategy,
		"analyze_stakeholders": s.handleAnalyzeStakeholders,
		"recommend_targets":    s.handleRecommendTargets,
	} {
		if err := rt.RegisterHandler(msgType, h); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// handleBrief digests an intelligence brief and pushes a refreshed
// strategy to tactics.
func (s *strategy) handleBrief(ctx context.Context, env *messaging.Envelope) error {
	s.mu.Lock()
	s.briefsIn++
	posture := s.posture
	s.mu.Unlock()

	assessment := "maintain course"
	if s.provider != nil {
		text, err := s.provider.Complete(ctx, provider.Request{
			System: "You set strategy for a legislative advocacy campaign. Respond with a short directional assessment.",
			Prompt: fmt.Sprintf("Current posture: %s. New intelligence brief: %v", posture, env.Payload),
		})
		if err != nil {
			s.logger.Warn("strategy assessment failed", slog.Any("err", err))
		} else {
			assessment = text
		}
	}

	if err := s.rt.Publish(ctx, s.routes.Tactics, "strategy_update", map[string]any{
		"posture":    posture,
		"assessment": assessment,
		"trigger":    "intelligence_brief",
	},
		messaging.WithTarget("tactics"),
		messaging.WithCorrelation(correlationOf(env))); err != nil {
		return err
	}

	// Opposition activity in the brief triggers a counter move.
	if opposition, ok := env.Payload["opposition_activity"].(bool); ok && opposition {
		return s.rt.Publish(ctx, s.routes.Tactics, "counter_strategy", map[string]any{
			"posture": posture,
			"reason":  "opposition activity reported in intelligence brief",
		},
			messaging.WithTarget("tactics"),
			messaging.WithCorrelation(correlationOf(env)))
	}
	return nil
}

// handlePerformanceReport folds feedback metrics into posture: weak
// engagement shifts the campaign toward mobilization.
func (s *strategy) handlePerformanceReport(ctx context.Context, env *messaging.Envelope) error {
	s.mu.Lock()
	s.reportsIn++
	if rate, ok := env.Payload["engagement_rate"].(float64); ok && rate < 0.1 {
		s.posture = "mobilize_grassroots"
	}
	posture := s.posture
	s.mu.Unlock()

	s.logger.Info("performance report received", slog.String("posture", posture))
	return nil
}

func (s *strategy) handleUpdateStrategy(ctx context.Context, env *messaging.Envelope) error {
	posture := str(env.Payload, "posture")
	if posture == "" {
		return fmt.Errorf("update_strategy: missing posture")
	}
	s.mu.Lock()
	s.posture = posture
	s.mu.Unlock()

	return s.rt.Publish(ctx, s.routes.Tactics, "strategy_update", map[string]any{
		"posture": posture,
		"trigger": "operator",
	},
		messaging.WithTarget("tactics"),
		messaging.WithCorrelation(correlationOf(env)))
}

func (s *strategy) handleAnalyzeStakeholders(ctx context.Context, env *messaging.Envelope) error {
	scope := str(env.Payload, "scope")
	breakdown := map[string]any{
		"scope": scope,
		"segments": []map[string]any{
			{"segment": "committee_members", "stance": "persuadable", "priority": 1},
			{"segment": "industry_coalition", "stance": "supportive", "priority": 2},
			{"segment": "consumer_groups", "stance": "unaware", "priority": 3},
		},
	}
	if s.provider != nil {
		text, err := s.provider.Complete(ctx, provider.Request{
			System: "You map stakeholders for a legislative campaign.",
			Prompt: fmt.Sprintf("Analyze stakeholders in scope %q.", scope),
		})
		if err == nil {
			breakdown["narrative"] = text
		}
	}
	return s.rt.Publish(ctx, s.routes.Strategy, "stakeholder_analysis", breakdown,
		messaging.WithTarget(env.SourceAgent),
		messaging.WithCorrelation(correlationOf(env)))
}

// handleRecommendTargets ranks legislators for outreach and hands the
// list to tactics.
func (s *strategy) handleRecommendTargets(ctx context.Context, env *messaging.Envelope) error {
	recommendations := []map[string]any{
		{"name": "committee chair", "reason": "controls the markup calendar", "priority": 1},
		{"name": "ranking member", "reason": "bipartisan cover for the bill", "priority": 2},
		{"name": "swing members", "reason": "undecided on the floor vote", "priority": 3},
	}
	return s.rt.Publish(ctx, s.routes.Tactics, "targeting_recommendations", map[string]any{
		"recommendations": recommendations,
	},
		messaging.WithTarget("tactics"),
		messaging.WithCorrelation(correlationOf(env)))
}
