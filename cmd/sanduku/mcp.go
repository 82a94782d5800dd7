package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/mcpserver"
	goutils "github.com/jkaninda/go-utils"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox toolset over the Model Context Protocol on stdio",
	RunE:  runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", "", "path to config file (JSON or YAML)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Stdout carries the protocol; all logging goes to stderr.
	logger := newLogger(slog.LevelWarn)

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	logger.Info("mcp server starting", slog.String("tools", mcpserver.ToolNames()))

	srv := mcpserver.New(sc.Toolset, version, logger)
	serveErr := srv.ServeStdio()

	// The client is gone; stop whatever sessions this process created.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sc.Manager.Cleanup(ctx)

	return serveErr
}
