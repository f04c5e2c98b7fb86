package agents

import (
	"context"
	"log/slog"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/messaging"
)

// Sender delivers finished content over an outbound channel (email,
// social). Implementations wrap the actual delivery APIs; the default is
// a logging no-op so the pipeline runs without credentials.
type Sender interface {
	Channel() string
	Send(ctx context.Context, body string, meta map[string]any) error
}

type logSender struct {
	channel string
	logger  *slog.Logger
}

func (s *logSender) Channel() string { return s.channel }

func (s *logSender) Send(ctx context.Context, body string, meta map[string]any) error {
	s.logger.Info("content dispatched",
		slog.String("channel", s.channel), slog.Int("bytes", len(body)))
	return nil
}

// distribution pushes finished content out and reports every delivery to
// the feedback agent.
type distribution struct {
	rt      *agent.Runtime
	logger  *slog.Logger
	routes  messaging.TopicSet
	senders map[string]Sender
}

// NewDistribution builds the distribution agent.
func NewDistribution(id string, deps Deps) (*agent.Runtime, error) {
	d := &distribution{
		logger: deps.Logger,
		routes: deps.Routes,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.senders = map[string]Sender{
		"email":  &logSender{channel: "email", logger: d.logger},
		"social": &logSender{channel: "social", logger: d.logger},
	}

	cfg := deps.config(id, "distribution", deps.Routes.Distribution, deps.Routes.Commands)
	rt := agent.NewRuntime(cfg, deps.Broker, deps.runtimeOptions()...)
	d.rt = rt

	for msgType, h := range map[string]messaging.Handler{
		"urgent_content_ready":       d.handleUrgentReady,
		"personalized_content_ready": d.handlePersonalizedReady,
		"send_email_campaign":        d.handleEmailCampaign,
		"post_social":                d.handlePostSocial,
		"schedule_content":           d.handleSchedule,
	} {
		if err := rt.RegisterHandler(msgType, h); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (d *distribution) report(ctx context.Context, env *messaging.Envelope, eventType string, detail map[string]any) error {
	return d.rt.Publish(ctx, d.routes.Feedback, eventType, detail,
		messaging.WithTarget("feedback"),
		messaging.WithCorrelation(correlationOf(env)))
}

// handleUrgentReady sends rapid-response content over every channel at
// once.
func (d *distribution) handleUrgentReady(ctx context.Context, env *messaging.Envelope) error {
	body := str(env.Payload, "body")
	for _, s := range d.senders {
		if err := s.Send(ctx, body, env.Payload); err != nil {
			return err
		}
	}
	return d.report(ctx, env, "distribution_complete", map[string]any{
		"content_type": str(env.Payload, "content_type"),
		"channels":     len(d.senders),
		"urgent":       true,
	})
}

func (d *distribution) handlePersonalizedReady(ctx context.Context, env *messaging.Envelope) error {
	if err := d.senders["email"].Send(ctx, str(env.Payload, "body"), env.Payload); err != nil {
		return err
	}
	return d.report(ctx, env, "distribution_complete", map[string]any{
		"content_type": str(env.Payload, "content_type"),
		"channels":     1,
	})
}

func (d *distribution) handleEmailCampaign(ctx context.Context, env *messaging.Envelope) error {
	if err := d.senders["email"].Send(ctx, str(env.Payload, "body"), env.Payload); err != nil {
		return err
	}
	return d.report(ctx, env, "email_campaign_sent", map[string]any{
		"subject":    str(env.Payload, "subject"),
		"recipients": env.Payload["recipients"],
	})
}

func (d *distribution) handlePostSocial(ctx context.Context, env *messaging.Envelope) error {
	if err := d.senders["social"].Send(ctx, str(env.Payload, "body"), env.Payload); err != nil {
		return err
	}
	return d.report(ctx, env, "social_post", map[string]any{
		"platform": str(env.Payload, "platform"),
	})
}

// handleSchedule accepts content for later delivery. Scheduling state is
// not persisted; a restart drops pending sends, which the feedback loop
// will surface as a gap.
func (d *distribution) handleSchedule(ctx context.Context, env *messaging.Envelope) error {
	d.logger.Info("content scheduled",
		slog.String("content_type", str(env.Payload, "content_type")),
		slog.String("send_at", str(env.Payload, "send_at")))
	return nil
}
