package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/tools"
	"github.com/jkaninda/sanduku/internal/tools/sandbox"
	goutils "github.com/jkaninda/go-utils"
)

var (
	execConfigPath string
	execSession    string
	execLanguage   string
	execAsCommand  bool
	execKeep       bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] <code or command>",
	Short: "Run code in a sandbox session and print the output",
	Long: `Run a one-shot snippet in a sandbox session. The session is created on
demand and torn down afterwards unless --keep is given.

  sanduku exec 'print(21 * 2)'
  sanduku exec --lang bash 'echo $HOME'
  sanduku exec --cmd 'ls -la /tmp'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execConfigPath, "config", "", "path to config file (JSON or YAML)")
	execCmd.Flags().StringVar(&execSession, "session", "default", "session name")
	execCmd.Flags().StringVar(&execLanguage, "lang", "", "interpreter: python (default), sh, or bash")
	execCmd.Flags().BoolVar(&execAsCommand, "cmd", false, "treat the argument as a shell command instead of code")
	execCmd.Flags().BoolVar(&execKeep, "keep", false, "leave the session running after the call")
}

func runExec(_ *cobra.Command, args []string) error {
	logger := newLogger(slog.LevelWarn)

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", execConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	input := strings.Join(args, " ")
	var result *tools.Result
	if execAsCommand {
		result, err = sc.Toolset.ExecuteCommand(ctx, sandbox.ExecuteCommandRequest{
			Session: execSession,
			Command: input,
		})
	} else {
		result, err = sc.Toolset.ExecuteCode(ctx, sandbox.ExecuteCodeRequest{
			Session:  execSession,
			Language: execLanguage,
			Code:     input,
		})
	}
	if err != nil {
		return err
	}

	if !execKeep {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sc.Manager.Cleanup(cleanupCtx)
	}

	fmt.Println(result.Text())
	if result.IsError() {
		return fmt.Errorf("execution failed")
	}
	return nil
}
