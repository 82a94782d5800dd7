package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultReapSchedule = "*/5 * * * *" // every 5 minutes
	defaultIdleTTL      = 30 * time.Minute
)

// ReaperConfig configures the idle-session reaper.
type ReaperConfig struct {
	Schedule string        // Cron expression for reap passes. Empty = every 5 minutes.
	IdleTTL  time.Duration // Sessions unused this long are stopped. Zero = 30 minutes.
}

// Reaper periodically stops sessions that have been idle past their TTL.
type Reaper struct {
	manager *Manager
	cfg     ReaperConfig
	logger  *slog.Logger
	sched   cron.Schedule
}

// NewReaper creates an idle-session reaper over the manager.
func NewReaper(manager *Manager, cfg ReaperConfig, logger *slog.Logger) (*Reaper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultReapSchedule
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = defaultIdleTTL
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", cfg.Schedule, err)
	}

	return &Reaper{
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		sched:   sched,
	}, nil
}

// Start begins the reap loop. Returns a cancel function.
func (r *Reaper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		r.logger.Info("session reaper started",
			slog.String("schedule", r.cfg.Schedule),
			slog.String("idle_ttl", r.cfg.IdleTTL.String()),
		)

		for {
			next := r.sched.Next(time.Now())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				r.logger.Info("session reaper stopped")
				return
			case <-timer.C:
				r.reap(ctx)
			}
		}
	}()

	return cancel
}

// reap runs one pass, stopping every session idle past the TTL.
func (r *Reaper) reap(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.IdleTTL)
	reaped := 0

	for _, record := range r.manager.ListLocalSessions() {
		if record.LastUsed.After(cutoff) {
			continue
		}
		if err := r.manager.StopSession(ctx, record.Name); err != nil {
			r.logger.Warn("reaping session failed",
				slog.String("session", record.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		reaped++
		r.logger.Info("reaped idle session",
			slog.String("session", record.Name),
			slog.Time("last_used", record.LastUsed),
		)
	}

	if reaped > 0 {
		r.logger.Info("reap pass complete", slog.Int("reaped", reaped))
	}
}
