// Command canvassd is the Canvass server daemon. It wires the broker,
// the agent fleet, the campaign lifecycle, and the HTTP API from a
// single YAML config file.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/canvass-io/canvass/agent"
	"github.com/canvass-io/canvass/agents"
	"github.com/canvass-io/canvass/audit"
	"github.com/canvass-io/canvass/config"
	"github.com/canvass-io/canvass/internal/version"
	"github.com/canvass-io/canvass/lifecycle"
	"github.com/canvass-io/canvass/messaging"
	"github.com/canvass-io/canvass/provider"
	"github.com/canvass-io/canvass/server"
	"github.com/canvass-io/canvass/settings"
)

var configPath = flag.String("config", "canvass.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger.Info("starting canvassd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistent stores.
	lifecycleStore, err := lifecycle.NewSQLiteStore(filepath.Join(cfg.DataDir, "lifecycle.db"))
	if err != nil {
		log.Fatalf("Failed to open lifecycle store: %v", err)
	}
	defer lifecycleStore.Close() //nolint:errcheck

	auditStore, err := audit.NewSQLiteStore(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		log.Fatalf("Failed to open audit store: %v", err)
	}
	defer auditStore.Close() //nolint:errcheck

	settingsStore, err := settings.NewStore(filepath.Join(cfg.DataDir, "settings.db"), cfg.Auth.SecretKey)
	if err != nil {
		log.Fatalf("Failed to open settings store: %v", err)
	}
	defer settingsStore.Close() //nolint:errcheck

	machine, err := lifecycle.NewMachine(ctx, lifecycleStore, lifecycle.DefaultGates())
	if err != nil {
		log.Fatalf("Failed to load lifecycle state: %v", err)
	}

	// Message transport: the in-process broker unless Kafka brokers are
	// configured.
	var broker messaging.Broker
	if len(cfg.Broker.Brokers) == 0 {
		broker = messaging.NewInMemoryBroker(
			messaging.WithPartitions(cfg.Broker.Partitions),
			messaging.WithMemCommitInterval(cfg.Broker.CommitInterval()),
		)
		logger.Info("using in-process broker")
	} else {
		broker = messaging.NewKafkaBroker(cfg.Broker.Brokers,
			messaging.WithKafkaCommitInterval(cfg.Broker.CommitInterval()),
			messaging.WithKafkaLogger(logger),
		)
		logger.Info("using kafka broker", slog.Any("brokers", cfg.Broker.Brokers))
	}

	llm, err := provider.New(cfg.LLM.Provider, cfg.LLM.Model, resolveAPIKey(ctx, cfg, settingsStore))
	if err != nil {
		log.Fatalf("Failed to configure llm provider: %v", err)
	}
	logger.Info("llm provider ready", slog.String("provider", llm.Name()))

	// The agent fleet.
	deps := agents.Deps{
		Broker:   broker,
		Routes:   messaging.NewTopicSet(cfg.Broker.TopicPrefix),
		Group:    cfg.Broker.Group,
		Logger:   logger,
		Recorder: auditStore,
		Provider: llm,
	}
	mgr := agent.NewManager(logger)
	for _, ac := range cfg.Agents {
		rt, err := agents.New(ac.Type, ac.ID, deps)
		if err != nil {
			log.Fatalf("Failed to build agent %s: %v", ac.ID, err)
		}
		if err := mgr.Add(rt); err != nil {
			log.Fatalf("Failed to register agent %s: %v", ac.ID, err)
		}
	}
	mgr.StartAll(ctx)

	srv := server.New(*cfg, version.Version, logger)
	srv.SetLifecycle(machine)
	srv.SetAgentDirectory(mgr)
	srv.SetAuditStore(auditStore)
	srv.SetSettingsStore(settingsStore)

	// Relay agent alerts onto the dashboard event stream.
	go func() {
		c, err := broker.Consumer([]string{deps.Routes.Alerts}, cfg.Broker.Group+"-dashboard")
		if err != nil {
			logger.Warn("alert relay disabled", slog.Any("err", err))
			return
		}
		defer c.Close() //nolint:errcheck
		for {
			env, err := c.Next(ctx)
			if err != nil {
				return
			}
			srv.BroadcastEvent(env.Type, env.Payload)
		}
	}()

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("err", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", slog.Any("err", err))
	}
	if err := mgr.StopAll(shutdownCtx); err != nil {
		logger.Error("agent stop error", slog.Any("err", err))
	}
	logger.Info("shutdown complete")
}

// resolveAPIKey prefers the config file; the encrypted settings store is
// the fallback so keys entered through the dashboard survive restarts.
func resolveAPIKey(ctx context.Context, cfg *config.Config, store *settings.Store) string {
	if cfg.LLM.APIKey != "" {
		return cfg.LLM.APIKey
	}
	if cfg.LLM.Provider != "anthropic" {
		return ""
	}
	key, err := store.Get(ctx, "anthropic_api_key")
	if err != nil {
		return ""
	}
	return key
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
