// Package store is the sole owner of persistent state (spec.md §4.1):
// backends, short-lived connection records, multi-dimensional
// aggregates and the retention policy singleton, backed by an
// embedded SQLite file.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/pkg/logger"
)

// Store wraps the embedded SQLite connection, grounded on the
// teacher's sqlite.SQLiteDB (WAL mode, pool tuning, raw SQL CRUD) but
// generalized from its node/tunnel/policy domain to backends and
// traffic aggregates.
type Store struct {
	db  *sql.DB
	geo GeoIPResolver
}

// Open connects to path, enabling WAL mode and foreign keys, tunes the
// connection pool and runs the idempotent schema migration.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// SQLite serializes writers internally; a single connection keeps
	// the busy_timeout pragma meaningful and avoids lock thrash across
	// pooled connections writing concurrently (spec.md §5: "the
	// embedded DB serializes writers internally").
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureRetentionConfig(); err != nil {
		return nil, err
	}
	logger.Info("store opened", zap.String("path", path))
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for components that need raw access
// beyond this package's typed surface.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Vacuum reclaims space after large deletes (spec.md §4.1: "VACUUM
// operation exposed").
func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	if err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	return nil
}

// Stats reports coarse row counts across every table, used by
// GET /api/db/stats.
type Stats struct {
	Backends          int64     `json:"backends"`
	ConnectionRecords int64     `json:"connectionRecords"`
	AggregateRows     int64     `json:"aggregateRows"`
	DBSizeBytes       int64     `json:"dbSizeBytes"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

var aggregateTables = []string{
	"domain_stats", "ip_stats", "proxy_stats", "rule_stats",
	"device_stats", "country_stats", "hourly_stats",
	"domain_proxy_stats", "ip_domain_stats", "rule_domain_chain_stats",
}

// Stats computes table-level row counts for the db-stats endpoint.
func (s *Store) Stats() (Stats, error) {
	var out Stats
	out.GeneratedAt = time.Now().UTC()

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM backends`).Scan(&out.Backends); err != nil {
		return out, fmt.Errorf("store: stats backends: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM connection_records`).Scan(&out.ConnectionRecords); err != nil {
		return out, fmt.Errorf("store: stats connections: %w", err)
	}
	for _, table := range aggregateTables {
		var n int64
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			return out, fmt.Errorf("store: stats %s: %w", table, err)
		}
		out.AggregateRows += n
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err == nil {
			out.DBSizeBytes = pageCount * pageSize
		}
	}
	return out, nil
}
