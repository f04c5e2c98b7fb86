package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/messaging"
	"github.com/canvass-io/canvass/provider"
)

// HighRelevanceThreshold marks items worth surfacing in briefs.
const HighRelevanceThreshold = 0.7

// analysis scores incoming intelligence, answers ad-hoc analysis and
// fact-check requests, and rolls high-relevance items into briefs for
// the strategy agent.
type analysis struct {
	rt       *agent.Runtime
	logger   *slog.Logger
	provider provider.Provider
	routes   messaging.TopicSet

	mu    sync.Mutex
	items []map[string]any // analyzed items, newest last
}

// NewAnalysis builds the analysis agent.
func NewAnalysis(id string, deps Deps) (*agent.Runtime, error) {
	a := &analysis{
		logger:   deps.Logger,
		provider: deps.Provider,
		routes:   deps.Routes,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	cfg := deps.config(id, "analysis", deps.Routes.Intelligence, deps.Routes.Commands)
	rt := agent.NewRuntime(cfg, deps.Broker, deps.runtimeOptions()...)
	a.rt = rt

	for msgType, h := range map[string]messaging.Handler{
		"intelligence_item":  a.handleIntelligenceItem,
		"analysis_request":   a.handleAnalysisRequest,
		"fact_check_request": a.handleFactCheck,
		"generate_brief":     a.handleGenerateBrief,
	} {
		if err := rt.RegisterHandler(msgType, h); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// relevanceScore is a cheap keyword heuristic applied before any model
// call: it keeps the pipeline functional when no provider is configured.
func relevanceScore(text string) float64 {
	signals := []string{
		"wireless power", "wireless charging", "inductive",
		"hearing", "markup", "amendment", "vote", "committee",
		"bill", "sponsor", "regulation", "fcc",
	}
	lower := strings.ToLower(text)
	score := 0.0
	for _, s := range signals {
		if strings.Contains(lower, s) {
			score += 0.2
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (a *analysis) handleIntelligenceItem(ctx context.Context, env *messaging.Envelope) error {
	title := str(env.Payload, "title")
	summary := str(env.Payload, "summary")

	score := relevanceScore(title + " " + summary)
	if given, ok := env.Payload["relevance"].(float64); ok && given > score {
		score = given
	}

	assessment := summary
	if a.provider != nil && score >= HighRelevanceThreshold {
		text, err := a.provider.Complete(ctx, provider.Request{
			System: "You analyze legislative and media intelligence for an advocacy campaign. Be concise.",
			Prompt: fmt.Sprintf("Assess the campaign impact of this item.\n\nTitle: %s\n\n%s", title, summary),
		})
		if err != nil {
			a.logger.Warn("model assessment failed, keeping heuristic only", slog.Any("err", err))
		} else {
			assessment = text
		}
	}

	analyzed := map[string]any{
		"title":           title,
		"summary":         summary,
		"kind":            str(env.Payload, "kind"),
		"source":          str(env.Payload, "source"),
		"url":             str(env.Payload, "url"),
		"relevance_score": score,
		"assessment":      assessment,
		"source_message":  env.ID,
	}
	a.mu.Lock()
	a.items = append(a.items, analyzed)
	if len(a.items) > 200 {
		a.items = a.items[len(a.items)-200:]
	}
	a.mu.Unlock()

	return a.rt.Publish(ctx, a.routes.Analysis, "intelligence_analyzed", analyzed,
		messaging.WithCorrelation(env.ID))
}

func (a *analysis) handleAnalysisRequest(ctx context.Context, env *messaging.Envelope) error {
	query := str(env.Payload, "query")
	answer := "no provider configured; heuristic relevance only"
	if a.provider != nil {
		text, err := a.provider.Complete(ctx, provider.Request{
			System: "You are the analysis desk of a legislative advocacy campaign.",
			Prompt: query,
		})
		if err != nil {
			return fmt.Errorf("analysis request: %w", err)
		}
		answer = text
	}
	return a.rt.Publish(ctx, a.routes.Analysis, "analysis_response", map[string]any{
		"query":  query,
		"answer": answer,
	},
		messaging.WithTarget(env.SourceAgent),
		messaging.WithCorrelation(correlationOf(env)))
}

func (a *analysis) handleFactCheck(ctx context.Context, env *messaging.Envelope) error {
	claim := str(env.Payload, "claim")
	verdict := "unverified"
	if a.provider != nil {
		text, err := a.provider.Complete(ctx, provider.Request{
			System: "You fact-check claims about legislation and technology. Answer with a verdict and a one-line justification.",
			Prompt: claim,
		})
		if err != nil {
			return fmt.Errorf("fact check: %w", err)
		}
		verdict = text
	}
	return a.rt.Publish(ctx, a.routes.Analysis, "fact_check_response", map[string]any{
		"claim":   claim,
		"verdict": verdict,
	},
		messaging.WithTarget(env.SourceAgent),
		messaging.WithCorrelation(correlationOf(env)))
}

// handleGenerateBrief rolls recent high-relevance items into an
// intelligence brief for the strategy agent.
func (a *analysis) handleGenerateBrief(ctx context.Context, env *messaging.Envelope) error {
	a.mu.Lock()
	var highlights []map[string]any
	for i := len(a.items) - 1; i >= 0 && len(highlights) < 10; i-- {
		if score, ok := a.items[i]["relevance_score"].(float64); ok && score >= HighRelevanceThreshold {
			highlights = append(highlights, a.items[i])
		}
	}
	total := len(a.items)
	a.mu.Unlock()

	return a.rt.Publish(ctx, a.routes.Strategy, "intelligence_brief", map[string]any{
		"items_analyzed": total,
		"highlights":     highlights,
	},
		messaging.WithTarget("strategy"),
		messaging.WithCorrelation(correlationOf(env)))
}

// correlationOf threads an existing correlation id through a response,
// falling back to the request's own id.
func correlationOf(env *messaging.Envelope) string {
	if env.CorrelationID != "" {
		return env.CorrelationID
	}
	return env.ID
}
