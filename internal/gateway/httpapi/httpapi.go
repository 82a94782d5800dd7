// Package httpapi implements the HTTP API gateway for Sanduku.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - All requests logged
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/tools"
	"github.com/jkaninda/sanduku/internal/tools/sandbox"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string   // e.g., ":8080"
	EnableDocs bool
	APIKeys    []string // Accepted bearer keys. Empty = no authentication.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
}

// Gateway is the HTTP API gateway over the sandbox toolset.
type Gateway struct {
	config  Config
	toolset *sandbox.Toolset
	store   *history.Store // nil = history endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
	group   *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, toolset *sandbox.Toolset, store *history.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		toolset: toolset,
		store:   store,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return metricsMiddleware(g.config.Metrics, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Session lifecycle.
	g.group.Post("/sessions", g.handleInitSession,
		okapi.DocSummary("Create a new sandbox session"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(sandbox.InitSessionRequest{}),
		okapi.DocResponse(tools.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleListSessions,
		okapi.DocSummary("List sessions known to this manager"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(tools.Result{}),
	)
	g.group.Delete("/sessions/{name}", g.handleStopSession,
		okapi.DocSummary("Terminate a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("name", "string", "Session name"),
		okapi.DocResponse(tools.Result{}),
	)
	g.group.Post("/cleanup", g.handleCleanup,
		okapi.DocSummary("Tear down all local sessions per the persistence policy"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(tools.Result{}),
	)

	// Execution.
	g.group.Post("/sessions/{name}/exec/code", g.handleExecuteCode,
		okapi.DocSummary("Execute source code inside a session"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("name", "string", "Session name"),
		okapi.DocRequestBody(ExecBody{}),
		okapi.DocResponse(tools.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/sessions/{name}/exec/command", g.handleExecuteCommand,
		okapi.DocSummary("Execute a shell command inside a session"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("name", "string", "Session name"),
		okapi.DocRequestBody(ExecBody{}),
		okapi.DocResponse(tools.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Files.
	g.group.Post("/sessions/{name}/files/list", g.handleListFiles,
		okapi.DocSummary("List a directory inside the session"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("name", "string", "Session name"),
		okapi.DocRequestBody(ListBody{}),
		okapi.DocResponse(tools.Result{}),
	)
	g.group.Post("/sessions/{name}/files/read", g.handleReadFiles,
		okapi.DocSummary("Read files from the session filesystem"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("name", "string", "Session name"),
		okapi.DocRequestBody(PathsBody{}),
		okapi.DocResponse(tools.Result{}),
	)
	g.group.Post("/sessions/{name}/files/write", g.handleWriteFiles,
		okapi.DocSummary("Write files into the session filesystem"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("name", "string", "Session name"),
		okapi.DocRequestBody(WriteBody{}),
		okapi.DocResponse(tools.Result{}),
	)
	g.group.Post("/sessions/{name}/files/remove", g.handleRemoveFiles,
		okapi.DocSummary("Remove files from the session filesystem"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("name", "string", "Session name"),
		okapi.DocRequestBody(PathsBody{}),
		okapi.DocResponse(tools.Result{}),
	)
	g.group.Post("/sessions/{name}/files/download", g.handleDownloadFiles,
		okapi.DocSummary("Copy session files to the host filesystem"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("name", "string", "Session name"),
		okapi.DocRequestBody(DownloadBody{}),
		okapi.DocResponse(tools.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// History (only when a store is configured).
	if g.store != nil {
		g.group.Get("/history", g.handleHistory,
			okapi.DocSummary("List recorded invocations, newest first"),
			okapi.DocTags("History"),
			okapi.DocResponse([]history.Entry{}),
		)
		g.group.Get("/history/{session}", g.handleHistory,
			okapi.DocSummary("List recorded invocations for one session, newest first"),
			okapi.DocTags("History"),
			okapi.DocPathParam("session", "string", "Session name"),
			okapi.DocResponse([]history.Entry{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Request bodies ---

// ExecBody carries code or a command for the execution endpoints.
type ExecBody struct {
	Language string `json:"language,omitempty"` // Code endpoint only. Default: python.
	Code     string `json:"code,omitempty"`
	Command  string `json:"command,omitempty"`
}

// PathsBody addresses session files by path.
type PathsBody struct {
	Paths []string `json:"paths"`
}

// WriteBody carries files to write into the session.
type WriteBody struct {
	Files []provider.FileSpec `json:"files"`
}

// ListBody selects the directory to list. Empty = working directory.
type ListBody struct {
	Path string `json:"path,omitempty"`
}

// DownloadBody asks for session files to be copied to the host.
type DownloadBody struct {
	SourcePaths    []string `json:"sourcePaths"`
	DestinationDir string   `json:"destinationDir"`
}

// --- Handlers ---

func (g *Gateway) handleInitSession(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	var req sandbox.InitSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	result, err := g.toolset.InitSession(c.Context(), req)
	return g.respond(c, result, err)
}

func (g *Gateway) handleListSessions(c *okapi.Context) error {
	result, err := g.toolset.ListLocalSessions(c.Context())
	return g.respond(c, result, err)
}

func (g *Gateway) handleStopSession(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	result, err := g.toolset.StopSession(c.Context(), c.Param("name"))
	return g.respond(c, result, err)
}

func (g *Gateway) handleCleanup(c *okapi.Context) error {
	result, err := g.toolset.Cleanup(c.Context())
	return g.respond(c, result, err)
}

func (g *Gateway) handleExecuteCode(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	var body ExecBody
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	result, err := g.toolset.ExecuteCode(c.Context(), sandbox.ExecuteCodeRequest{
		Session:  c.Param("name"),
		Language: body.Language,
		Code:     body.Code,
	})
	return g.respond(c, result, err)
}

func (g *Gateway) handleExecuteCommand(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	var body ExecBody
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	result, err := g.toolset.ExecuteCommand(c.Context(), sandbox.ExecuteCommandRequest{
		Session: c.Param("name"),
		Command: body.Command,
	})
	return g.respond(c, result, err)
}

func (g *Gateway) handleListFiles(c *okapi.Context) error {
	var body ListBody
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	result, err := g.toolset.ListFiles(c.Context(), sandbox.ListFilesRequest{
		Session: c.Param("name"),
		Path:    body.Path,
	})
	return g.respond(c, result, err)
}

func (g *Gateway) handleReadFiles(c *okapi.Context) error {
	var body PathsBody
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	result, err := g.toolset.ReadFiles(c.Context(), sandbox.FilePathsRequest{
		Session: c.Param("name"),
		Paths:   body.Paths,
	})
	return g.respond(c, result, err)
}

func (g *Gateway) handleWriteFiles(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	var body WriteBody
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	result, err := g.toolset.WriteFiles(c.Context(), sandbox.WriteFilesRequest{
		Session: c.Param("name"),
		Files:   body.Files,
	})
	return g.respond(c, result, err)
}

func (g *Gateway) handleRemoveFiles(c *okapi.Context) error {
	var body PathsBody
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	result, err := g.toolset.RemoveFiles(c.Context(), sandbox.FilePathsRequest{
		Session: c.Param("name"),
		Paths:   body.Paths,
	})
	return g.respond(c, result, err)
}

func (g *Gateway) handleDownloadFiles(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}
	var body DownloadBody
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	result, err := g.toolset.DownloadFiles(c.Context(), sandbox.DownloadFilesRequest{
		Session:        c.Param("name"),
		SourcePaths:    body.SourcePaths,
		DestinationDir: body.DestinationDir,
	})
	return g.respond(c, result, err)
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	// The store clamps the limit to its default page size.
	entries, err := g.store.List(c.Context(), c.Param("session"), 0)
	if err != nil {
		g.logger.Error("history query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("history query failed")
	}
	return c.OK(entries)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// respond maps the toolset's boundary contract onto HTTP: validation errors
// become 400, every Result (success or error status) is a 200 body.
func (g *Gateway) respond(c *okapi.Context, result *tools.Result, err error) error {
	if err != nil {
		var validation *tools.ValidationError
		if errors.As(err, &validation) {
			return c.AbortBadRequest(validation.Message)
		}
		g.logger.Error("operation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("operation failed")
	}
	return c.OK(result)
}

func (g *Gateway) rateLimit(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(g.caller(c)); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// caller identifies the requester for rate limiting. With authentication off
// there is no per-caller identity, so all requests share one bucket.
func (g *Gateway) caller(c *okapi.Context) string {
	if caller := c.GetString("caller"); caller != "" {
		return caller
	}
	return "anonymous"
}

// --- Authentication ---

// authenticate validates the bearer API key with constant-time comparison.
// With no keys configured the gateway is open, for local development.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		matched := -1
		for i, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				matched = i
			}
		}
		if matched < 0 {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("caller", "key-"+strconv.Itoa(matched))
		return next(c)
	}
}

// --- Metrics middleware ---

// statusRecorder captures the response status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(m *observability.MetricsCollector, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
