// Package sandbox is the tool-invocation boundary over the session manager
// and file bridge. Every operation takes plain structured input and answers
// with the uniform result shape; no provider or protocol error ever escapes
// as a raw Go error. The single exception is malformed caller input, which
// fails fast as a ValidationError before any remote interaction.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/sanduku/internal/bridge"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/tools"
)

// Toolset exposes the sandbox operations. metrics may be nil.
type Toolset struct {
	manager *session.Manager
	bridge  *bridge.Bridge
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// New creates the sandbox toolset.
func New(manager *session.Manager, b *bridge.Bridge, metrics *observability.MetricsCollector, logger *slog.Logger) *Toolset {
	return &Toolset{
		manager: manager,
		bridge:  b,
		metrics: metrics,
		logger:  logger,
	}
}

// InitSessionRequest names a new session to create.
type InitSessionRequest struct {
	Session     string `json:"session"`
	Description string `json:"description,omitempty"`
}

// ExecuteCodeRequest runs source code inside a session.
type ExecuteCodeRequest struct {
	Session  string `json:"session"`
	Language string `json:"language,omitempty"` // Default: python.
	Code     string `json:"code"`
}

// ExecuteCommandRequest runs a shell command inside a session.
type ExecuteCommandRequest struct {
	Session string `json:"session"`
	Command string `json:"command"`
}

// FilePathsRequest addresses files inside a session by path.
type FilePathsRequest struct {
	Session string   `json:"session"`
	Paths   []string `json:"paths"`
}

// ListFilesRequest lists a directory inside a session.
type ListFilesRequest struct {
	Session string `json:"session"`
	Path    string `json:"path,omitempty"` // Empty = session working directory.
}

// WriteFilesRequest writes files into a session's filesystem.
type WriteFilesRequest struct {
	Session string              `json:"session"`
	Files   []provider.FileSpec `json:"files"`
}

// DownloadFilesRequest copies session files to the host filesystem.
type DownloadFilesRequest struct {
	Session        string   `json:"session"`
	SourcePaths    []string `json:"sourcePaths"`
	DestinationDir string   `json:"destinationDir"`
}

// InitSession creates a new named session.
func (t *Toolset) InitSession(ctx context.Context, req InitSessionRequest) (*tools.Result, error) {
	if err := validateSessionName(req.Session); err != nil {
		return nil, err
	}
	record, err := t.manager.InitSession(ctx, req.Session, req.Description)
	if err != nil {
		return t.resultFromErr(err)
	}
	t.countSession("created")
	return tools.JSONResult(record), nil
}

// ListLocalSessions reports this manager's sessions.
func (t *Toolset) ListLocalSessions(ctx context.Context) (*tools.Result, error) {
	return tools.JSONResult(t.manager.ListLocalSessions()), nil
}

// ExecuteCode runs source code in the session, creating it if missing.
func (t *Toolset) ExecuteCode(ctx context.Context, req ExecuteCodeRequest) (*tools.Result, error) {
	if err := validateSessionName(req.Session); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, tools.Validationf("code must not be empty")
	}
	return t.invoke(ctx, req.Session, provider.OpExecuteCode, provider.InvokeArgs{
		Language: req.Language,
		Code:     req.Code,
	})
}

// ExecuteCommand runs a shell command in the session, creating it if missing.
func (t *Toolset) ExecuteCommand(ctx context.Context, req ExecuteCommandRequest) (*tools.Result, error) {
	if err := validateSessionName(req.Session); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, tools.Validationf("command must not be empty")
	}
	return t.invoke(ctx, req.Session, provider.OpExecuteCommand, provider.InvokeArgs{
		Command: req.Command,
	})
}

// ReadFiles reads the named files out of the session's filesystem.
func (t *Toolset) ReadFiles(ctx context.Context, req FilePathsRequest) (*tools.Result, error) {
	if err := validateSessionName(req.Session); err != nil {
		return nil, err
	}
	if len(req.Paths) == 0 {
		return nil, tools.Validationf("paths must not be empty")
	}
	return t.invoke(ctx, req.Session, provider.OpReadFiles, provider.InvokeArgs{Paths: req.Paths})
}

// ListFiles lists a directory in the session's filesystem.
func (t *Toolset) ListFiles(ctx context.Context, req ListFilesRequest) (*tools.Result, error) {
	if err := validateSessionName(req.Session); err != nil {
		return nil, err
	}
	return t.invoke(ctx, req.Session, provider.OpListFiles, provider.InvokeArgs{Path: req.Path})
}

// WriteFiles writes files into the session's filesystem.
func (t *Toolset) WriteFiles(ctx context.Context, req WriteFilesRequest) (*tools.Result, error) {
	if err := validateSessionName(req.Session); err != nil {
		return nil, err
	}
	if len(req.Files) == 0 {
		return nil, tools.Validationf("files must not be empty")
	}
	for _, f := range req.Files {
		if f.Path == "" {
			return nil, tools.Validationf("every file needs a path")
		}
	}
	return t.invoke(ctx, req.Session, provider.OpWriteFiles, provider.InvokeArgs{Files: req.Files})
}

// RemoveFiles deletes the named files from the session's filesystem.
func (t *Toolset) RemoveFiles(ctx context.Context, req FilePathsRequest) (*tools.Result, error) {
	if err := validateSessionName(req.Session); err != nil {
		return nil, err
	}
	if len(req.Paths) == 0 {
		return nil, tools.Validationf("paths must not be empty")
	}
	return t.invoke(ctx, req.Session, provider.OpRemoveFiles, provider.InvokeArgs{Paths: req.Paths})
}

// DownloadFiles copies session files to the host. Per-file failures are
// reported in the result; a batch with zero successes is an error result.
func (t *Toolset) DownloadFiles(ctx context.Context, req DownloadFilesRequest) (*tools.Result, error) {
	if err := validateSessionName(req.Session); err != nil {
		return nil, err
	}

	result, err := t.bridge.Download(ctx, req.Session, req.SourcePaths, req.DestinationDir)
	if err != nil {
		return t.resultFromErr(err)
	}

	if len(result.DownloadedFiles) == 0 && len(result.Errors) > 0 {
		t.countDownload("error")
		return tools.Errorf("all downloads failed: %s", strings.Join(result.Errors, "; ")), nil
	}

	t.countDownload("success")
	if t.metrics != nil {
		var total int64
		for _, f := range result.DownloadedFiles {
			t.metrics.DownloadedBytesTotal.Add(float64(f.Size))
			total += f.Size
		}
		t.metrics.DownloadPayloadSize.Observe(float64(total))
	}
	return tools.JSONResult(result), nil
}

// StopSession terminates a session and forgets it.
func (t *Toolset) StopSession(ctx context.Context, name string) (*tools.Result, error) {
	if err := validateSessionName(name); err != nil {
		return nil, err
	}
	if err := t.manager.StopSession(ctx, name); err != nil {
		return t.resultFromErr(err)
	}
	t.countSession("stopped")
	return tools.TextResult("session " + name + " stopped"), nil
}

// Cleanup tears down every local session per the manager's persistence policy.
func (t *Toolset) Cleanup(ctx context.Context) (*tools.Result, error) {
	t.manager.Cleanup(ctx)
	return tools.TextResult("cleanup complete"), nil
}

// invoke runs one operation and records its metrics.
func (t *Toolset) invoke(ctx context.Context, name string, op provider.Operation, args provider.InvokeArgs) (*tools.Result, error) {
	start := time.Now()
	result, err := t.manager.Invoke(ctx, name, true, op, args)
	if t.metrics != nil {
		t.metrics.InvocationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		t.countInvocation(op, "error")
		return t.resultFromErr(err)
	}
	status := tools.StatusSuccess
	if result.IsError() {
		status = tools.StatusError
	}
	t.countInvocation(op, status)
	return result, nil
}

// resultFromErr maps internal errors to the boundary contract: validation
// errors pass through as plain errors, everything else becomes an error
// result.
func (t *Toolset) resultFromErr(err error) (*tools.Result, error) {
	var validation *tools.ValidationError
	if errors.As(err, &validation) {
		return nil, validation
	}
	t.logger.Debug("operation failed", slog.String("error", err.Error()))
	return tools.Errorf("%s", err.Error()), nil
}

func validateSessionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return tools.Validationf("session name must not be empty")
	}
	return nil
}

func (t *Toolset) countInvocation(op provider.Operation, status string) {
	if t.metrics == nil {
		return
	}
	t.metrics.InvocationsTotal.WithLabelValues(string(op), status).Inc()
}

func (t *Toolset) countDownload(status string) {
	if t.metrics == nil {
		return
	}
	t.metrics.DownloadsTotal.WithLabelValues(status).Inc()
}

func (t *Toolset) countSession(event string) {
	if t.metrics == nil {
		return
	}
	switch event {
	case "created":
		t.metrics.SessionsCreatedTotal.WithLabelValues("configured").Inc()
		t.metrics.ActiveSessions.Inc()
	case "stopped":
		t.metrics.SessionsEvictedTotal.WithLabelValues("stopped").Inc()
		t.metrics.ActiveSessions.Dec()
	}
}
