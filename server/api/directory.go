package api

import (
	"context"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/audit"
	"github.com/canvass-io/canvass/settings"
)

// AgentDirectory exposes the running agent fleet to the API.
// *agent.Manager satisfies it.
type AgentDirectory interface {
	List() []agent.Info
	Get(id string) (*agent.Runtime, bool)
}

// AuditReader serves the audit trail. *audit.SQLiteStore satisfies it.
type AuditReader interface {
	Recent(ctx context.Context, filter audit.Filter) ([]*audit.Event, error)
}

// SettingsStore serves runtime settings. *settings.Store satisfies it.
// List must return masked values for secret settings.
type SettingsStore interface {
	List(ctx context.Context) ([]settings.Setting, error)
	Set(ctx context.Context, key, value string) error
}
