package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/session"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveAddr       string
	serveDocs       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (JSON or YAML)")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve generated OpenAPI documentation")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(slog.LevelInfo)

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Gateway.Addr = serveAddr
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Idle-session reaper (optional).
	if cfg.Reaper != nil {
		reaper, err := session.NewReaper(sc.Manager, session.ReaperConfig{
			Schedule: cfg.Reaper.Schedule,
			IdleTTL:  cfg.Reaper.IdleTTL(),
		}, logger)
		if err != nil {
			return err
		}
		cancelReaper := reaper.Start(ctx)
		defer cancelReaper()
		logger.Debug("session reaper started",
			slog.String("idle_ttl", cfg.Reaper.IdleTTL().String()))
	}

	// Rate limiter (optional).
	var limiter *ratelimit.Limiter
	if rl := cfg.Gateway.RateLimit; rl != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rl.Rate(),
			BurstSize:         rl.BurstSize(),
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Gateway.ListenAddr(),
		EnableDocs: serveDocs,
		APIKeys:    cfg.Gateway.APIKeys,
	}
	if sc.Metrics != nil {
		gwCfg.MetricsRegistry = sc.Metrics.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		gwCfg.Metrics = sc.Metrics
	}
	gw := httpapi.NewGateway(gwCfg, sc.Toolset, sc.Store, limiter, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()
	logger.Info("gateway started",
		slog.String("addr", cfg.Gateway.ListenAddr()),
		slog.String("provider", cfg.Provider.ProviderKind()),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown failed", slog.String("error", err.Error()))
	}
	sc.Manager.Cleanup(shutdownCtx)
	return nil
}
