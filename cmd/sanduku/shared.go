package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/sanduku/internal/bridge"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/provider/docker"
	"github.com/jkaninda/sanduku/internal/provider/remote"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/tools/sandbox"
)

// SharedComponents holds all initialized subsystems that the serve, exec and
// mcp modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.MetricsCollector // nil = metrics disabled.
	Tracer  *observability.TracerSetup      // nil = tracing disabled.
	Store   *history.Store                  // nil = history disabled.
	Manager *session.Manager
	Toolset *sandbox.Toolset

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the common initialization shared by all modes:
// provider, registries, history, observability and the toolset.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability (optional).
	if obs := cfg.Observability; obs != nil {
		if obs.Metrics != nil && obs.Metrics.Enabled {
			sc.Metrics = observability.NewMetricsCollector()
			logger.Debug("metrics collector initialized")
		}
		tracer, err := observability.NewTracerSetup(obs.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		if tracer != nil {
			sc.Tracer = tracer
			sc.addCleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracer.Shutdown(ctx); err != nil {
					logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
				}
			})
			logger.Debug("tracing initialized")
		}
	}

	// Execution provider.
	prov, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Invocation history (optional).
	store, err := history.Open(cfg.History, logger)
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	sc.Store = store
	if store != nil {
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing history store failed", slog.String("error", err.Error()))
			}
		})
	}

	// Session manager over the process-wide shared registry.
	var recorder session.Recorder
	if store != nil {
		recorder = store
	}
	managerCfg := session.Config{
		PersistSessions: cfg.Sessions.PersistSessions,
		DefaultTimeout:  cfg.Sessions.DefaultTimeout(),
	}
	if sc.Tracer != nil {
		managerCfg.Tracer = sc.Tracer.Tracer()
	}
	sc.Manager = session.NewManager(prov, sharedRegistry, recorder, managerCfg, logger)

	// File bridge and toolset.
	fileBridge := bridge.New(sc.Manager, bridge.Config{
		MaxPayloadBytes: cfg.Bridge.MaxPayloadBytes(),
	}, logger)
	sc.Toolset = sandbox.New(sc.Manager, fileBridge, sc.Metrics, logger)

	return sc, nil
}

// sharedRegistry is the process-wide session registry. Every manager built
// in this process shares it, so sessions created by one manager instance are
// visible to the next.
var sharedRegistry = session.NewSharedRegistry()

// buildProvider constructs the configured execution provider.
func buildProvider(cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch kind := cfg.Provider.ProviderKind(); kind {
	case "docker":
		d := cfg.Provider.Docker
		var dockerCfg docker.Config
		if d != nil {
			dockerCfg = docker.Config{
				Image:          d.Image,
				ExecTimeout:    d.ExecTimeout(),
				MemoryMB:       d.MemoryMB,
				CPUCores:       d.CPUCores,
				PIDsLimit:      d.PIDsLimit,
				NetworkAllowed: d.NetworkAllowed,
			}
		}
		return docker.New(dockerCfg, logger), nil
	case "remote":
		r := cfg.Provider.Remote
		return remote.New(remote.Config{
			RunnerURL:      r.URL,
			Token:          r.Token,
			DialTimeout:    r.DialTimeout(),
			RequestTimeout: r.RequestTimeout(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}

// newLogger logs JSON to stderr. Stdout stays clean for exec output and for
// the MCP protocol channel.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
