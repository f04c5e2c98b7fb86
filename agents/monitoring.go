package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/messaging"
)

// Scan intervals per source kind, matching the cadence of the upstream
// feeds (legislative calendars move slowly, social media does not).
const (
	LegislativeScanInterval = 30 * time.Minute
	NewsScanInterval        = 15 * time.Minute
	SocialScanInterval      = 10 * time.Minute
)

// Signal is one raw observation from a monitored source.
type Signal struct {
	Title     string
	Summary   string
	URL       string
	Kind      string // legislative, news, social
	Relevance float64
}

// Source is a feed the monitoring agent scans for campaign-relevant
// signals.
type Source interface {
	Name() string
	Kind() string
	Interval() time.Duration
	Scan(ctx context.Context, keywords []string) ([]Signal, error)
}

// StaticSource serves a fixed set of signals; it backs tests and demo
// deployments without external API keys.
type StaticSource struct {
	SourceName string
	SourceKind string
	Every      time.Duration
	Signals    []Signal
}

func (s *StaticSource) Name() string            { return s.SourceName }
func (s *StaticSource) Kind() string            { return s.SourceKind }
func (s *StaticSource) Interval() time.Duration { return s.Every }

func (s *StaticSource) Scan(ctx context.Context, keywords []string) ([]Signal, error) {
	return append([]Signal(nil), s.Signals...), nil
}

func defaultSources() []Source {
	return []Source{
		&StaticSource{SourceName: "congress.gov", SourceKind: "legislative", Every: LegislativeScanInterval},
		&StaticSource{SourceName: "newsapi", SourceKind: "news", Every: NewsScanInterval},
		&StaticSource{SourceName: "social", SourceKind: "social", Every: SocialScanInterval},
	}
}

// monitoring watches legislative, news, and social sources and turns
// findings into intelligence items. It consumes only the commands topic;
// scanning runs on its own timers.
type monitoring struct {
	rt      *agent.Runtime
	logger  *slog.Logger
	sources []Source

	mu           sync.Mutex
	keywords     []string
	trackedBills []string
	lastScan     map[string]time.Time

	scanDone chan struct{}
	stopScan context.CancelFunc
}

// NewMonitoring builds the monitoring agent.
func NewMonitoring(id string, deps Deps) (*agent.Runtime, error) {
	m := &monitoring{
		logger:  deps.Logger,
		sources: deps.Sources,
		keywords: []string{
			"wireless power",
			"wireless charging",
			"inductive charging",
			"wireless energy transfer",
		},
		lastScan: make(map[string]time.Time),
		scanDone: make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if len(m.sources) == 0 {
		m.sources = defaultSources()
	}

	cfg := deps.config(id, "monitoring", deps.Routes.Commands)
	opts := append(deps.runtimeOptions(),
		agent.WithStartHook(m.startScanning),
		agent.WithStopHook(m.stopScanning),
	)
	rt := agent.NewRuntime(cfg, deps.Broker, opts...)
	m.rt = rt

	for msgType, h := range map[string]messaging.Handler{
		"scan_command": m.handleScanCommand,
		"add_keyword":  m.handleAddKeyword,
		"track_bill":   m.handleTrackBill,
	} {
		if err := rt.RegisterHandler(msgType, h); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (m *monitoring) startScanning(ctx context.Context) error {
	scanCtx, cancel := context.WithCancel(context.Background())
	m.stopScan = cancel
	go m.scanLoop(scanCtx)
	return nil
}

func (m *monitoring) stopScanning(ctx context.Context) {
	if m.stopScan != nil {
		m.stopScan()
	}
	select {
	case <-m.scanDone:
	case <-ctx.Done():
	}
}

// scanLoop fires each source when its interval elapses. The first pass
// scans everything immediately so a fresh deployment is not blind for
// half an hour.
func (m *monitoring) scanLoop(ctx context.Context) {
	defer close(m.scanDone)
	m.scanDue(ctx)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanDue(ctx)
		}
	}
}

func (m *monitoring) scanDue(ctx context.Context) {
	now := time.Now()
	for _, src := range m.sources {
		m.mu.Lock()
		last, seen := m.lastScan[src.Name()]
		due := !seen || now.Sub(last) >= src.Interval()
		if due {
			m.lastScan[src.Name()] = now
		}
		m.mu.Unlock()
		if due {
			m.scanSource(ctx, src)
		}
	}
}

func (m *monitoring) scanSource(ctx context.Context, src Source) {
	m.mu.Lock()
	keywords := append([]string(nil), m.keywords...)
	m.mu.Unlock()

	signals, err := src.Scan(ctx, keywords)
	if err != nil {
		m.logger.Error("source scan failed",
			slog.String("source", src.Name()), slog.Any("err", err))
		return
	}
	for _, sig := range signals {
		data := map[string]any{
			"title":     sig.Title,
			"summary":   sig.Summary,
			"url":       sig.URL,
			"kind":      sig.Kind,
			"source":    src.Name(),
			"relevance": sig.Relevance,
		}
		if err := m.rt.EmitIntelligence(ctx, data); err != nil {
			m.logger.Error("publishing intelligence item", slog.Any("err", err))
			continue
		}
		if sig.Relevance >= 0.8 {
			if err := m.rt.EmitAlert(ctx, "high_relevance_signal", sig.Title, data, 8); err != nil {
				m.logger.Error("publishing alert", slog.Any("err", err))
			}
		}
	}
	if len(signals) > 0 {
		m.logger.Info("scan completed",
			slog.String("source", src.Name()), slog.Int("signals", len(signals)))
	}
}

// handleScanCommand forces an immediate scan, optionally restricted to
// one source kind.
func (m *monitoring) handleScanCommand(ctx context.Context, env *messaging.Envelope) error {
	kind := str(env.Payload, "scan_type")
	for _, src := range m.sources {
		if kind == "" || kind == "all" || kind == src.Kind() {
			m.mu.Lock()
			m.lastScan[src.Name()] = time.Now()
			m.mu.Unlock()
			m.scanSource(ctx, src)
		}
	}
	return nil
}

func (m *monitoring) handleAddKeyword(ctx context.Context, env *messaging.Envelope) error {
	keyword := str(env.Payload, "keyword")
	if keyword == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keywords {
		if k == keyword {
			return nil
		}
	}
	m.keywords = append(m.keywords, keyword)
	m.logger.Info("added monitoring keyword", slog.String("keyword", keyword))
	return nil
}

func (m *monitoring) handleTrackBill(ctx context.Context, env *messaging.Envelope) error {
	bill := str(env.Payload, "bill_id")
	if bill == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.trackedBills {
		if b == bill {
			return nil
		}
	}
	m.trackedBills = append(m.trackedBills, bill)
	m.logger.Info("tracking bill", slog.String("bill", bill))
	return nil
}
