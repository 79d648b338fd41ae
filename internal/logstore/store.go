// Package logstore persists system log entries in an embedded DuckDB
// database. Writes are asynchronous through a small worker pool so the
// ingestion hot path never blocks on storage.
package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/edp-industrial/plc-gateway/internal/metrics"
)

const (
	defaultPoolSize = 2
	defaultRecent   = 100
	maxRecent       = 1000
)

const schema = `
CREATE SEQUENCE IF NOT EXISTS system_logs_id START 1;
CREATE TABLE IF NOT EXISTS system_logs (
	id       BIGINT DEFAULT nextval('system_logs_id'),
	ts       TIMESTAMP NOT NULL,
	level    VARCHAR NOT NULL,
	category VARCHAR NOT NULL,
	message  VARCHAR NOT NULL,
	detail   VARCHAR
);`

// Entry is one persisted system log row.
type Entry struct {
	ID       int64     `json:"id"`
	TS       time.Time `json:"ts"`
	Level    string    `json:"level"`
	Category string    `json:"category"`
	Message  string    `json:"message"`
	Detail   string    `json:"detail,omitempty"`
}

type Config struct {
	Logger *slog.Logger
	Path   string

	// Optional with defaults.
	PoolSize int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Path == "" {
		return errors.New("db path is required")
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.PoolSize <= 0 {
		return errors.New("pool size must be > 0")
	}
	return nil
}

// Store is the system log store. It implements the core's Sink interface;
// after Close, Log calls become no-ops.
type Store struct {
	log  *slog.Logger
	db   *sql.DB
	pool pond.Pool

	closed atomic.Bool
}

func New(cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", cfg.Path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create system_logs table: %w", err)
	}

	return &Store{
		log:  cfg.Logger,
		db:   db,
		pool: pond.NewPool(cfg.PoolSize),
	}, nil
}

// Log queues one entry for insertion. Safe to call from any goroutine;
// never blocks on the database.
func (s *Store) Log(level, category, message, detail string) {
	if s.closed.Load() {
		return
	}
	ts := time.Now().UTC()
	s.pool.Submit(func() {
		_, err := s.db.Exec(
			`INSERT INTO system_logs (ts, level, category, message, detail) VALUES (?, ?, ?, ?, ?)`,
			ts, level, category, message, detail,
		)
		if err != nil {
			metrics.LogWriteErrs.Inc()
			s.log.Warn("system log insert failed", "error", err)
		}
	})
}

// Recent returns the newest n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = defaultRecent
	}
	if n > maxRecent {
		n = maxRecent
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, level, category, message, COALESCE(detail, '')
		 FROM system_logs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query system logs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TS, &e.Level, &e.Category, &e.Message, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan system log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close drains pending writes and closes the database. Subsequent Log
// calls are dropped silently.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pool.StopAndWait()
	return s.db.Close()
}
