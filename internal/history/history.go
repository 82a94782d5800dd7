// Package history persists completed sandbox invocations via GORM. SQLite
// (pure Go, no CGO) is the default backend; PostgreSQL is available for
// multi-host deployments.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/session"
)

// Entry is one recorded invocation.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Session    string    `gorm:"index;not null" json:"session"`
	Operation  string    `gorm:"not null" json:"operation"`
	IsError    bool      `json:"is_error"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `gorm:"index" json:"started_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName overrides GORM's pluralized default.
func (Entry) TableName() string { return "invocation_history" }

// Store persists invocation history.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured backend and migrates the schema.
// A nil config disables history and returns a nil store, which is safe to
// use everywhere.
func Open(cfg *config.HistoryConfig, slogger *slog.Logger) (*Store, error) {
	if cfg == nil {
		return nil, nil
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormConfig := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var db *gorm.DB
	var err error
	switch cfg.HistoryDriver() {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.Postgres.DSN), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := tunePool(db, cfg.Postgres); err != nil {
			return nil, err
		}
	default:
		path := cfg.SQLite.DatabasePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn := path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}

	slogger.Info("history store opened", slog.String("driver", cfg.HistoryDriver()))
	return &Store{db: db, logger: slogger}, nil
}

func tunePool(db *gorm.DB, cfg *config.PostgresHistoryConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := time.Duration(cfg.ConnMaxLifetimeS) * time.Second
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)
	return nil
}

// RecordInvocation implements session.Recorder. Safe on a nil store.
func (s *Store) RecordInvocation(ctx context.Context, inv session.Invocation) error {
	if s == nil {
		return nil
	}
	entry := Entry{
		ID:         uuid.New(),
		Session:    inv.Session,
		Operation:  inv.Operation,
		IsError:    inv.IsError,
		DurationMS: inv.Duration.Milliseconds(),
		StartedAt:  inv.StartedAt,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("recording invocation: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first. A session filter is
// applied when non-empty. Safe on a nil store.
func (s *Store) List(ctx context.Context, sessionName string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if sessionName != "" {
		query = query.Where("session = ?", sessionName)
	}

	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return entries, nil
}

// Close releases the underlying connection. Safe on a nil store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Debug(fmt.Sprintf(format, args...))
}

var _ session.Recorder = (*Store)(nil)
