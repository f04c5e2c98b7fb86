package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/messaging"
	"github.com/canvass-io/canvass/provider"
)

// content drafts campaign communications. Urgent and personalized
// requests go straight to distribution once drafted; routine drafts are
// announced on the content topic for review.
type content struct {
	rt       *agent.Runtime
	logger   *slog.Logger
	provider provider.Provider
	routes   messaging.TopicSet
}

// NewContent builds the content agent.
func NewContent(id string, deps Deps) (*agent.Runtime, error) {
	c := &content{
		logger:   deps.Logger,
		provider: deps.Provider,
		routes:   deps.Routes,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	cfg := deps.config(id, "content", deps.Routes.Content, deps.Routes.Commands)
	rt := agent.NewRuntime(cfg, deps.Broker, deps.runtimeOptions()...)
	c.rt = rt

	for msgType, h := range map[string]messaging.Handler{
		"content_needs":                c.handleContentNeeds,
		"urgent_content_request":       c.handleUrgentRequest,
		"personalized_content_request": c.handlePersonalizedRequest,
		"generate_content":             c.handleGenerateContent,
	} {
		if err := rt.RegisterHandler(msgType, h); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// draft produces the body for one content request.
func (c *content) draft(ctx context.Context, contentType, brief string) (string, error) {
	if c.provider == nil {
		return fmt.Sprintf("[draft %s] %s", contentType, brief), nil
	}
	text, err := c.provider.Complete(ctx, provider.Request{
		System: "You write campaign communications: press releases, fact sheets, action alerts, and op-eds. Write the requested piece directly, no preamble.",
		Prompt: fmt.Sprintf("Write a %s. Brief: %s", contentType, brief),
	})
	if err != nil {
		return "", fmt.Errorf("draft %s: %w", contentType, err)
	}
	return text, nil
}

func (c *content) handleContentNeeds(ctx context.Context, env *messaging.Envelope) error {
	needs, _ := env.Payload["needs"].([]any)
	for _, raw := range needs {
		need, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		contentType := str(need, "content_type")
		body, err := c.draft(ctx, contentType, str(env.Payload, "posture"))
		if err != nil {
			return err
		}
		if err := c.rt.Publish(ctx, c.routes.Content, "content_generated", map[string]any{
			"content_type": contentType,
			"channel":      str(need, "channel"),
			"body":         body,
		},
			messaging.WithCorrelation(correlationOf(env))); err != nil {
			return err
		}
	}
	return nil
}

func (c *content) handleUrgentRequest(ctx context.Context, env *messaging.Envelope) error {
	body, err := c.draft(ctx, "rapid_response", str(env.Payload, "reason"))
	if err != nil {
		return err
	}
	return c.rt.Publish(ctx, c.routes.Distribution, "urgent_content_ready", map[string]any{
		"content_type": "rapid_response",
		"body":         body,
	},
		messaging.WithTarget("distribution"),
		messaging.WithPriority(messaging.PriorityMax),
		messaging.WithCorrelation(correlationOf(env)))
}

func (c *content) handlePersonalizedRequest(ctx context.Context, env *messaging.Envelope) error {
	target, _ := env.Payload["target"].(map[string]any)
	brief := fmt.Sprintf("personalized outreach to %s (%s)", str(target, "name"), str(target, "reason"))
	body, err := c.draft(ctx, "personalized_letter", brief)
	if err != nil {
		return err
	}
	return c.rt.Publish(ctx, c.routes.Distribution, "personalized_content_ready", map[string]any{
		"content_type": "personalized_letter",
		"target":       target,
		"body":         body,
	},
		messaging.WithTarget("distribution"),
		messaging.WithCorrelation(correlationOf(env)))
}

// handleGenerateContent serves direct operator requests for one piece.
func (c *content) handleGenerateContent(ctx context.Context, env *messaging.Envelope) error {
	contentType := str(env.Payload, "content_type")
	if contentType == "" {
		contentType = "press_release"
	}
	body, err := c.draft(ctx, contentType, str(env.Payload, "brief"))
	if err != nil {
		return err
	}
	return c.rt.Publish(ctx, c.routes.Content, "content_generated", map[string]any{
		"content_type": contentType,
		"body":         body,
	},
		messaging.WithTarget(env.SourceAgent),
		messaging.WithCorrelation(correlationOf(env)))
}
