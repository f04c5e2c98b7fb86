// Package agent provides the runtime shared by every campaign agent:
// broker wiring, handler dispatch, status tracking, and audited message
// processing. Concrete agents register handlers and hooks on a Runtime
// rather than subclassing anything.
package agent

import (
	"time"

	"github.com/canvass-io/canvass/messaging"
)

// Status represents the current state of an agent runtime.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Config identifies an agent and declares its broker footprint.
type Config struct {
	// ID is the instance identity; Type is the agent family (monitoring,
	// analysis, ...). Handlers address agents by Type.
	ID   string
	Type string

	// Group is the consumer-group prefix. Instances of one Type share the
	// group "<Group>-<Type>" and so split the work between them.
	Group string

	// Topics lists what the agent consumes. An agent with no topics runs
	// a periodic loop instead of a dispatch loop.
	Topics []string

	// Routes names the topics the agent publishes to.
	Routes messaging.TopicSet
}

// ConsumerGroup returns the consumer group this agent joins.
func (c Config) ConsumerGroup() string {
	return c.Group + "-" + c.Type
}

// Info provides read-only metadata about a running agent.
type Info struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Status       Status    `json:"status"`
	Topics       []string  `json:"topics,omitempty"`
	Processed    int64     `json:"messages_processed"`
	Errors       int64     `json:"errors"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}
