// Package agents implements the seven campaign agents. Each constructor
// wires handlers onto an agent.Runtime; the functional pipeline runs
// monitoring -> analysis -> strategy -> tactics -> content ->
// distribution -> feedback, with feedback reporting back to strategy.
package agents

import (
	"fmt"
	"log/slog"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/audit"
	"github.com/canvass-io/canvass/messaging"
	"github.com/canvass-io/canvass/provider"
)

// Deps carries the shared infrastructure every agent builds on.
type Deps struct {
	Broker   messaging.Broker
	Routes   messaging.TopicSet
	Group    string
	Logger   *slog.Logger
	Recorder audit.Recorder
	Provider provider.Provider

	// Sources feed the monitoring agent. Optional; defaults to the
	// built-in static sources when empty.
	Sources []Source
}

func (d Deps) runtimeOptions() []agent.Option {
	opts := []agent.Option{agent.WithLogger(d.Logger)}
	if d.Recorder != nil {
		opts = append(opts, agent.WithRecorder(d.Recorder))
	}
	return opts
}

func (d Deps) config(id, agentType string, topics ...string) agent.Config {
	return agent.Config{
		ID:     id,
		Type:   agentType,
		Group:  d.Group,
		Topics: topics,
		Routes: d.Routes,
	}
}

// Builder constructs one agent type.
type Builder func(id string, deps Deps) (*agent.Runtime, error)

// Builders maps agent type names to their constructors.
func Builders() map[string]Builder {
	return map[string]Builder{
		"monitoring":   NewMonitoring,
		"analysis":     NewAnalysis,
		"strategy":     NewStrategy,
		"tactics":      NewTactics,
		"content":      NewContent,
		"distribution": NewDistribution,
		"feedback":     NewFeedback,
	}
}

// New constructs an agent of the named type.
func New(agentType, id string, deps Deps) (*agent.Runtime, error) {
	build, ok := Builders()[agentType]
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
	return build(id, deps)
}

func str(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
