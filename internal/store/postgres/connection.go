// Package postgres implements the observation and task state stores on
// PostgreSQL via sqlx. Deduplication is pushed into the database with
// ON CONFLICT DO NOTHING so Put stays idempotent under concurrent
// writers and process restarts.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	Enabled         bool          `yaml:"enabled"`
}

// DefaultConfig returns reasonable defaults. Disabled by default: the
// pipeline falls back to the in-memory store unless Postgres is
// explicitly configured.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
		Enabled:         false,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS ohlcv (
	series_id    TEXT             NOT NULL,
	timestamp_ms BIGINT           NOT NULL,
	open         DOUBLE PRECISION NOT NULL,
	high         DOUBLE PRECISION NOT NULL,
	low          DOUBLE PRECISION NOT NULL,
	close        DOUBLE PRECISION NOT NULL,
	volume       DOUBLE PRECISION NOT NULL,
	inserted_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (series_id, timestamp_ms)
);

CREATE TABLE IF NOT EXISTS macro (
	indicator     TEXT             NOT NULL,
	date_yyyymmdd INTEGER          NOT NULL,
	value         DOUBLE PRECISION NOT NULL,
	timestamp_ms  BIGINT           NOT NULL,
	inserted_at   TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (indicator, date_yyyymmdd)
);

CREATE TABLE IF NOT EXISTS book_l1 (
	series_id    TEXT             NOT NULL,
	timestamp_ms BIGINT           NOT NULL,
	bid_price    DOUBLE PRECISION NOT NULL,
	bid_size     DOUBLE PRECISION NOT NULL,
	ask_price    DOUBLE PRECISION NOT NULL,
	ask_size     DOUBLE PRECISION NOT NULL,
	inserted_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (series_id, timestamp_ms)
);

CREATE TABLE IF NOT EXISTS series_catalog (
	series_id  TEXT        PRIMARY KEY,
	kind       TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task_state (
	task_id              TEXT        PRIMARY KEY,
	tier                 TEXT        NOT NULL,
	interval_ms          BIGINT      NOT NULL,
	last_run_ms          BIGINT      NOT NULL DEFAULT 0,
	last_success_ms      BIGINT      NOT NULL DEFAULT 0,
	consecutive_failures INTEGER     NOT NULL DEFAULT 0,
	disabled_until_ms    BIGINT      NOT NULL DEFAULT 0,
	schema_version       INTEGER     NOT NULL DEFAULT 1,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Manager owns the connection pool and the repository instances built
// on it.
type Manager struct {
	db           *sqlx.DB
	config       Config
	observations *ObservationStore
	taskStates   *TaskStateStore
}

// NewManager opens the pool, verifies connectivity and bootstraps the
// schema. A disabled config yields a Manager whose stores are nil.
func NewManager(config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{config: config}, nil
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres: DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: bootstrap schema: %w", err)
	}

	return &Manager{
		db:           db,
		config:       config,
		observations: NewObservationStore(db, config.QueryTimeout),
		taskStates:   NewTaskStateStore(db, config.QueryTimeout),
	}, nil
}

func (m *Manager) IsEnabled() bool { return m.config.Enabled && m.db != nil }

// Observations returns the observation store, or nil when disabled.
func (m *Manager) Observations() *ObservationStore { return m.observations }

// TaskStates returns the task state store, or nil when disabled.
func (m *Manager) TaskStates() *TaskStateStore { return m.taskStates }

// Ping tests connectivity within the configured query timeout.
func (m *Manager) Ping(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(pingCtx)
}

// PoolStats exposes connection pool counters for health reporting.
func (m *Manager) PoolStats() map[string]int64 {
	if m.db == nil {
		return map[string]int64{"enabled": 0}
	}
	s := m.db.Stats()
	return map[string]int64{
		"enabled":          1,
		"max_open":         int64(s.MaxOpenConnections),
		"open":             int64(s.OpenConnections),
		"in_use":           int64(s.InUse),
		"idle":             int64(s.Idle),
		"wait_count":       s.WaitCount,
		"wait_duration_ms": s.WaitDuration.Milliseconds(),
	}
}

func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
