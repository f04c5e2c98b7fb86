package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns a set of agent runtimes and starts and stops them as a
// group.
type Manager struct {
	mu     sync.Mutex
	logger *slog.Logger
	agents map[string]*Runtime
	wg     sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		agents: make(map[string]*Runtime),
	}
}

// Add registers a runtime under its instance id.
func (m *Manager) Add(r *Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := r.cfg.ID
	if id == "" {
		return fmt.Errorf("agent has no id")
	}
	if _, ok := m.agents[id]; ok {
		return fmt.Errorf("agent %s already registered", id)
	}
	m.agents[id] = r
	return nil
}

// Get returns the runtime with the given instance id.
func (m *Manager) Get(id string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.agents[id]
	return r, ok
}

// List returns Info for every registered agent, ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.agents))
	for _, r := range m.agents {
		infos = append(infos, r.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// StartAll launches every registered agent in its own goroutine. Errors
// from individual agents are logged; one agent failing does not stop the
// others.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.agents {
		m.wg.Add(1)
		go func(id string, r *Runtime) {
			defer m.wg.Done()
			if err := r.Run(ctx); err != nil {
				m.logger.Error("agent exited with error",
					slog.String("agent", id), slog.Any("err", err))
			}
		}(id, r)
	}
}

// StopAll stops every agent and waits for their goroutines to exit or
// the context to expire.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	agents := make([]*Runtime, 0, len(m.agents))
	for _, r := range m.agents {
		agents = append(agents, r)
	}
	m.mu.Unlock()

	var firstErr error
	for _, r := range agents {
		if err := r.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return firstErr
	case <-ctx.Done():
		return fmt.Errorf("waiting for agents to stop: %w", ctx.Err())
	}
}
