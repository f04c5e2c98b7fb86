package agents

import (
	"context"
	"log/slog"
	"sync"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/messaging"
)

// feedback aggregates delivery and engagement metrics and reports
// campaign performance back to the strategy agent, closing the loop.
type feedback struct {
	rt     *agent.Runtime
	logger *slog.Logger
	routes messaging.TopicSet

	mu      sync.Mutex
	metrics map[string]float64
	counts  map[string]int
}

// NewFeedback builds the feedback agent.
func NewFeedback(id string, deps Deps) (*agent.Runtime, error) {
	f := &feedback{
		logger:  deps.Logger,
		routes:  deps.Routes,
		metrics: make(map[string]float64),
		counts:  make(map[string]int),
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}

	cfg := deps.config(id, "feedback",
		deps.Routes.Feedback, deps.Routes.Events, deps.Routes.Commands)
	rt := agent.NewRuntime(cfg, deps.Broker, deps.runtimeOptions()...)
	f.rt = rt

	for msgType, h := range map[string]messaging.Handler{
		"email_campaign_sent":   f.handleDeliveryEvent,
		"social_post":           f.handleDeliveryEvent,
		"distribution_complete": f.handleDeliveryEvent,
		"track_metric":          f.handleTrackMetric,
		"generate_report":       f.handleGenerateReport,
	} {
		if err := rt.RegisterHandler(msgType, h); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (f *feedback) handleDeliveryEvent(ctx context.Context, env *messaging.Envelope) error {
	f.mu.Lock()
	f.counts[env.Type]++
	f.mu.Unlock()
	return nil
}

func (f *feedback) handleTrackMetric(ctx context.Context, env *messaging.Envelope) error {
	name := str(env.Payload, "metric")
	value, ok := env.Payload["value"].(float64)
	if name == "" || !ok {
		return nil
	}
	f.mu.Lock()
	f.metrics[name] = value
	f.mu.Unlock()
	return nil
}

// handleGenerateReport rolls everything seen so far into a performance
// report for strategy.
func (f *feedback) handleGenerateReport(ctx context.Context, env *messaging.Envelope) error {
	f.mu.Lock()
	deliveries := 0
	byType := make(map[string]any, len(f.counts))
	for k, v := range f.counts {
		deliveries += v
		byType[k] = v
	}
	engagement := f.metrics["engagement_rate"]
	metrics := make(map[string]any, len(f.metrics))
	for k, v := range f.metrics {
		metrics[k] = v
	}
	f.mu.Unlock()

	recommendations := []string{}
	if deliveries == 0 {
		recommendations = append(recommendations,
			"No content delivered yet. Review and approve pending content.")
	}
	if engagement > 0 && engagement < 0.1 {
		recommendations = append(recommendations,
			"Engagement is low. Test sharper framing and timing.")
	}
	if len(recommendations) == 0 {
		recommendations = append(recommendations,
			"Campaign metrics look healthy. Maintain current pace.")
	}

	return f.rt.Publish(ctx, f.routes.Strategy, "performance_report", map[string]any{
		"deliveries":      deliveries,
		"by_type":         byType,
		"engagement_rate": engagement,
		"metrics":         metrics,
		"recommendations": recommendations,
	},
		messaging.WithTarget("strategy"),
		messaging.WithCorrelation(correlationOf(env)))
}
