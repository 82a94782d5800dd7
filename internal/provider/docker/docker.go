// Package docker implements the execution provider on top of the local
// Docker daemon. Each session is one long-lived hardened container; every
// operation is a docker exec inside it.
//
// Security guarantees per session container:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Read-only root filesystem with tmpfs for writable dirs
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs, CPU rate limited
//   - Network disabled by default (--network=none)
//   - exec stdout/stderr capped to prevent OOM on the host
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/provider"
)

const (
	defaultImage       = "jkaninda/sanduku-runtime:latest"
	defaultExecTimeout = 60 * time.Second
	defaultMemoryMB    = 512
	defaultCPUCores    = 1.0
	defaultPIDsLimit   = 64

	// maxOutputBytes caps exec stdout/stderr to prevent OOM from chatty programs.
	maxOutputBytes = 1 << 20 // 1 MB

	containerPrefix = "sanduku-"
	workDir         = "/home/sandbox"
)

// interpreters maps language names to in-container interpreter commands.
var interpreters = map[string]string{
	"python":  "python3",
	"python3": "python3",
	"sh":      "sh",
	"bash":    "bash",
}

// Config configures the Docker provider.
type Config struct {
	Image          string        // Container image. Empty = sanduku runtime.
	ExecTimeout    time.Duration // Wall-clock timeout per exec. Zero = 60s.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit.
	NetworkAllowed bool          // false = --network=none.
}

// Provider runs sessions as hardened Docker containers.
type Provider struct {
	config Config
	logger *slog.Logger
}

// New creates a Docker-backed execution provider.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	return &Provider{config: cfg, logger: logger}
}

// Create starts a long-lived container and returns its name as the session ID.
// The timeout hint becomes the container's own lifetime: the entrypoint sleeps
// for that long and exits, so abandoned sessions reap themselves.
func (p *Provider) Create(ctx context.Context, name string, timeout time.Duration) (string, error) {
	id := containerPrefix + uuid.New().String()

	lifetime := "infinity"
	if timeout > 0 {
		lifetime = strconv.Itoa(int(timeout.Seconds()))
	}

	args := p.runArgs(id)
	args = append(args, p.config.Image, "sleep", lifetime)

	out, err := p.docker(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("starting session container: %w: %s", err, strings.TrimSpace(out))
	}

	p.logger.Info("session container started",
		slog.String("session", name),
		slog.String("container", id),
		slog.String("image", p.config.Image),
		slog.String("lifetime", lifetime),
	)
	return id, nil
}

// Status inspects the container's running state.
func (p *Provider) Status(ctx context.Context, remoteID string) (provider.Status, error) {
	out, err := p.docker(ctx, "inspect", "--format", "{{.State.Running}}", remoteID)
	if err != nil {
		return "", fmt.Errorf("inspecting container %s: %w: %s", remoteID, err, strings.TrimSpace(out))
	}
	if strings.TrimSpace(out) == "true" {
		return provider.StatusReady, nil
	}
	return provider.StatusNotReady, nil
}

// Invoke execs the operation inside the session container. Docker always
// answers in the single-shot shape.
func (p *Provider) Invoke(ctx context.Context, remoteID string, op provider.Operation, args provider.InvokeArgs) (provider.Response, error) {
	command, err := buildCommand(op, args)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.ExecTimeout)
	defer cancel()

	execArgs := append([]string{"exec", "--workdir", workDir, remoteID}, command...)
	cmd := exec.CommandContext(ctx, "docker", execArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution timed out after %s", p.config.ExecTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
	}

	p.logger.Debug("docker exec completed",
		slog.String("container", remoteID),
		slog.String("operation", string(op)),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	return provider.Single{Result: provider.RawResult{
		IsError: exitCode != 0,
		Content: output,
	}}, nil
}

// Terminate force-removes the session container. "No such container" is not
// an error — the container may have reaped itself at its lifetime boundary.
func (p *Provider) Terminate(ctx context.Context, remoteID string) error {
	out, err := p.docker(ctx, "rm", "-f", remoteID)
	if err != nil {
		if strings.Contains(out, "No such container") {
			return nil
		}
		return fmt.Errorf("removing container %s: %w: %s", remoteID, err, strings.TrimSpace(out))
	}
	return nil
}

// runArgs builds the docker run argument list with all hardening flags.
// Image and entrypoint are NOT included — caller appends them.
func (p *Provider) runArgs(name string) []string {
	memoryFlag := strconv.Itoa(p.config.MemoryMB) + "m"
	args := []string{
		"run", "-d",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(p.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(p.config.PIDsLimit),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", workDir + ":rw,nosuid,size=256m",

		"--env", "HOME=" + workDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--workdir", workDir,
	}

	if p.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}
	return args
}

// docker runs a docker CLI command and returns its combined output.
func (p *Provider) docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	return string(out), err
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}

var _ provider.Provider = (*Provider)(nil)
