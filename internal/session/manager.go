// Package session implements the two-tier session registry and lifecycle
// controller. A Manager owns its local records (tier A) and shares the
// process-wide name to remote-ID map (tier B) with every other manager in
// the process, reconnecting to still-live remote sessions another instance
// created and evicting stale ones.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/tools"
)

const defaultDescription = "sandbox session"

// Record is a manager-local session entry. A record belongs to exactly one
// manager instance and is never shared.
type Record struct {
	Name        string    `json:"name"`
	RemoteID    string    `json:"remote_id"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used"`
}

// Invocation describes one completed operation for the history recorder.
type Invocation struct {
	Session   string
	Operation string
	IsError   bool
	Duration  time.Duration
	StartedAt time.Time
}

// Recorder receives completed invocations. Implementations must tolerate
// concurrent calls; recording failures are logged, never escalated.
type Recorder interface {
	RecordInvocation(ctx context.Context, inv Invocation) error
}

// Config configures a Manager.
type Config struct {
	// PersistSessions keeps remote sessions alive past Cleanup so another
	// manager instance can reconnect to them later.
	PersistSessions bool
	// DefaultTimeout is the session lifetime hint passed to the provider on
	// create. Zero means provider default.
	DefaultTimeout time.Duration
	// Tracer emits spans around session resolution and invocation. Nil
	// disables tracing.
	Tracer trace.Tracer
}

// Manager is the session lifecycle controller.
type Manager struct {
	provider provider.Provider
	shared   *SharedRegistry
	recorder Recorder
	logger   *slog.Logger
	cfg      Config

	mu    sync.Mutex
	local map[string]*Record
}

// NewManager creates a session manager bound to a provider and the shared
// registry. recorder may be nil to disable history.
func NewManager(p provider.Provider, shared *SharedRegistry, recorder Recorder, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Tracer == nil {
		cfg.Tracer = trace.NewNoopTracerProvider().Tracer("")
	}
	return &Manager{
		provider: p,
		shared:   shared,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		local:    make(map[string]*Record),
	}
}

// InitSession creates a brand-new session under the given name. A name
// already claimed locally or process-wide is a CollisionError; the
// process-wide case tells the caller to reconnect via EnsureSession instead.
func (m *Manager) InitSession(ctx context.Context, name, description string) (*Record, error) {
	unlock := m.shared.LockName(name)
	defer unlock()
	return m.initLocked(ctx, name, description)
}

// initLocked does the real init work. Caller holds the name lock.
func (m *Manager) initLocked(ctx context.Context, name, description string) (*Record, error) {
	m.mu.Lock()
	_, existsLocally := m.local[name]
	m.mu.Unlock()
	if existsLocally {
		return nil, &CollisionError{Name: name}
	}
	if _, claimed := m.shared.Lookup(name); claimed {
		return nil, &CollisionError{Name: name, Shared: true}
	}

	remoteID, err := m.provider.Create(ctx, name, m.cfg.DefaultTimeout)
	if err != nil {
		// Both tiers stay untouched on create failure.
		return nil, &ProviderError{Op: "create", Err: err}
	}

	now := time.Now().UTC()
	record := &Record{
		Name:        name,
		RemoteID:    remoteID,
		Description: description,
		CreatedAt:   now,
		LastUsed:    now,
	}

	m.mu.Lock()
	m.local[name] = record
	snapshot := *record
	m.mu.Unlock()
	m.shared.Put(name, remoteID)

	m.logger.Info("session initialized",
		slog.String("session", name),
		slog.String("remote_id", remoteID),
	)
	return &snapshot, nil
}

// EnsureSession resolves a name to a live session. The returned record is a
// detached copy, never a pointer into the live registry.
//
// Resolution order: the local record wins without any remote call; a
// process-wide mapping from another manager is reconnected if the provider
// reports it READY and evicted otherwise; an unknown name is created when
// autoCreate is set and a NotFoundError when it is not.
func (m *Manager) EnsureSession(ctx context.Context, name string, autoCreate bool) (*Record, error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "session.ensure",
		trace.WithAttributes(attribute.String("session.name", name)))
	defer span.End()

	m.mu.Lock()
	if record, ok := m.local[name]; ok {
		snapshot := *record
		m.mu.Unlock()
		span.SetAttributes(attribute.String("session.resolution", "local"))
		return &snapshot, nil
	}
	m.mu.Unlock()

	unlock := m.shared.LockName(name)
	defer unlock()

	// Re-check under the lock: another goroutine may have resolved the name
	// while we waited.
	m.mu.Lock()
	if record, ok := m.local[name]; ok {
		snapshot := *record
		m.mu.Unlock()
		span.SetAttributes(attribute.String("session.resolution", "local"))
		return &snapshot, nil
	}
	m.mu.Unlock()

	if remoteID, ok := m.shared.Lookup(name); ok {
		status, err := m.provider.Status(ctx, remoteID)
		if err == nil && status == provider.StatusReady {
			now := time.Now().UTC()
			record := &Record{
				Name:        name,
				RemoteID:    remoteID,
				Description: defaultDescription,
				CreatedAt:   now,
				LastUsed:    now,
			}
			m.mu.Lock()
			m.local[name] = record
			snapshot := *record
			m.mu.Unlock()

			m.logger.Info("reconnected to existing session",
				slog.String("session", name),
				slog.String("remote_id", remoteID),
			)
			span.SetAttributes(attribute.String("session.resolution", "reconnected"))
			return &snapshot, nil
		}

		// Stale mapping: the remote session is gone or unreachable.
		m.shared.Delete(name)
		m.logger.Warn("evicted stale session mapping",
			slog.String("session", name),
			slog.String("remote_id", remoteID),
		)
	}

	if !autoCreate {
		span.SetStatus(codes.Error, "session not found")
		return nil, &NotFoundError{Name: name}
	}
	record, err := m.initLocked(ctx, name, defaultDescription)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session create failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("session.resolution", "created"))
	return record, nil
}

// StopSession terminates a locally-known session and evicts it from both
// tiers. Provider termination failure is logged and swallowed so a stale
// mapping can never block reuse of the name.
func (m *Manager) StopSession(ctx context.Context, name string) error {
	m.mu.Lock()
	record, ok := m.local[name]
	m.mu.Unlock()
	if !ok {
		return &NotFoundError{Name: name}
	}

	if err := m.provider.Terminate(ctx, record.RemoteID); err != nil {
		m.logger.Warn("session termination failed, evicting anyway",
			slog.String("session", name),
			slog.String("remote_id", record.RemoteID),
			slog.String("error", err.Error()),
		)
	}

	m.mu.Lock()
	delete(m.local, name)
	m.mu.Unlock()
	m.shared.Delete(name)

	m.logger.Info("session stopped", slog.String("session", name))
	return nil
}

// Cleanup tears down every local session unless PersistSessions is set, in
// which case sessions deliberately outlive this manager and nothing happens.
// Termination failures are collected in the log, never returned.
func (m *Manager) Cleanup(ctx context.Context) {
	if m.cfg.PersistSessions {
		m.logger.Info("cleanup skipped, sessions persist past this manager")
		return
	}

	m.mu.Lock()
	records := make([]*Record, 0, len(m.local))
	for _, r := range m.local {
		records = append(records, r)
	}
	m.local = make(map[string]*Record)
	m.mu.Unlock()

	for _, record := range records {
		if err := m.provider.Terminate(ctx, record.RemoteID); err != nil {
			m.logger.Warn("cleanup termination failed",
				slog.String("session", record.Name),
				slog.String("error", err.Error()),
			)
		}
		m.shared.Delete(record.Name)
	}

	m.logger.Info("cleanup complete", slog.Int("sessions", len(records)))
}

// ListLocalSessions returns detached copies of this manager's records,
// sorted by name. Copies, because the live records keep changing under the
// manager's lock while callers iterate.
func (m *Manager) ListLocalSessions() []Record {
	m.mu.Lock()
	records := make([]Record, 0, len(m.local))
	for _, r := range m.local {
		records = append(records, *r)
	}
	m.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Invoke resolves the session and runs the operation inside it, normalizing
// the provider's answer into the uniform result shape. Resolution failures
// and provider transport failures come back as errors for the boundary layer
// to normalize; a result with error status is not a Go error.
func (m *Manager) Invoke(ctx context.Context, name string, autoCreate bool, op provider.Operation, args provider.InvokeArgs) (*tools.Result, error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "session.invoke",
		trace.WithAttributes(
			attribute.String("session.name", name),
			attribute.String("operation", string(op)),
		))
	defer span.End()

	record, err := m.EnsureSession(ctx, name, autoCreate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session resolution failed")
		return nil, err
	}

	start := time.Now()
	resp, err := m.provider.Invoke(ctx, record.RemoteID, op, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider invoke failed")
		return nil, &ProviderError{Op: "invoke", Err: err}
	}
	result := provider.Normalize(resp)
	duration := time.Since(start)
	span.SetAttributes(attribute.Bool("result.is_error", result.IsError()))

	m.mu.Lock()
	if current, ok := m.local[name]; ok {
		current.LastUsed = time.Now().UTC()
	}
	m.mu.Unlock()

	m.record(ctx, Invocation{
		Session:   name,
		Operation: string(op),
		IsError:   result.IsError(),
		Duration:  duration,
		StartedAt: start.UTC(),
	})
	return result, nil
}

func (m *Manager) record(ctx context.Context, inv Invocation) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordInvocation(ctx, inv); err != nil {
		m.logger.Warn("recording invocation failed",
			slog.String("session", inv.Session),
			slog.String("error", err.Error()),
		)
	}
}
