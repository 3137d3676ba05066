package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/pkg/logger"
)

// ensureRetentionConfig seeds the singleton retention_config row with
// spec.md §3's stated defaults on first run.
func (s *Store) ensureRetentionConfig() error {
	cfg := model.DefaultRetentionConfig()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO retention_config (id, connection_logs_days, hourly_stats_days, auto_cleanup)
		 VALUES (1, ?, ?, ?)`,
		cfg.ConnectionLogsDays, cfg.HourlyStatsDays, cfg.AutoCleanup,
	)
	if err != nil {
		return fmt.Errorf("store: seed retention config: %w", err)
	}
	return nil
}

// GetRetentionConfig returns the current retention policy.
func (s *Store) GetRetentionConfig() (model.RetentionConfig, error) {
	var cfg model.RetentionConfig
	err := s.db.QueryRow(
		`SELECT connection_logs_days, hourly_stats_days, auto_cleanup FROM retention_config WHERE id = 1`,
	).Scan(&cfg.ConnectionLogsDays, &cfg.HourlyStatsDays, &cfg.AutoCleanup)
	if err != nil {
		return model.RetentionConfig{}, fmt.Errorf("store: get retention config: %w", err)
	}
	return cfg, nil
}

// SetRetentionConfig validates (via Clamp) and persists a new policy.
func (s *Store) SetRetentionConfig(cfg model.RetentionConfig) (model.RetentionConfig, error) {
	cfg.Clamp()
	_, err := s.db.Exec(
		`UPDATE retention_config SET connection_logs_days = ?, hourly_stats_days = ?, auto_cleanup = ? WHERE id = 1`,
		cfg.ConnectionLogsDays, cfg.HourlyStatsDays, cfg.AutoCleanup,
	)
	if err != nil {
		return model.RetentionConfig{}, fmt.Errorf("store: set retention config: %w", err)
	}
	return cfg, nil
}

// CleanupResult reports how many rows were removed per table, returned
// by POST /api/db/cleanup.
type CleanupResult struct {
	ConnectionRecords int64            `json:"connectionRecords"`
	AggregateRows     map[string]int64 `json:"aggregateRows"`
}

// CleanupOldData implements spec.md §4.1's cleanupOldData(backendId?,
// days): days=0 wipes *all* aggregates (and connection records) for
// backendId, or every backend if backendId is empty; days>0 deletes
// only connection records older than days (aggregates are left to
// age out of query windows, matching the invariant that "aggregates
// never decrease except by explicit retention cleanup or user-
// initiated data clear").
func (s *Store) CleanupOldData(backendID string, days int) (CleanupResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return CleanupResult{}, fmt.Errorf("store: cleanup: begin: %w", err)
	}
	defer tx.Rollback()

	result := CleanupResult{AggregateRows: make(map[string]int64)}

	if days == 0 {
		for _, table := range aggregateTables {
			n, err := deleteByBackend(tx, table, backendID)
			if err != nil {
				return CleanupResult{}, err
			}
			result.AggregateRows[table] = n
		}
		n, err := deleteByBackend(tx, "connection_records", backendID)
		if err != nil {
			return CleanupResult{}, err
		}
		result.ConnectionRecords = n
	} else {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		var res sql.Result
		if backendID == "" {
			res, err = tx.Exec(`DELETE FROM connection_records WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff)
		} else {
			res, err = tx.Exec(`DELETE FROM connection_records WHERE backend_id = ? AND closed_at IS NOT NULL AND closed_at < ?`, backendID, cutoff)
		}
		if err != nil {
			return CleanupResult{}, fmt.Errorf("store: cleanup connection_records: %w", err)
		}
		result.ConnectionRecords, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return CleanupResult{}, fmt.Errorf("store: cleanup: commit: %w", err)
	}
	logger.Info("retention cleanup ran", zap.String("backendId", backendID), zap.Int("days", days))
	return result, nil
}

func deleteByBackend(tx *sql.Tx, table, backendID string) (int64, error) {
	var res sql.Result
	var err error
	if backendID == "" {
		res, err = tx.Exec(`DELETE FROM ` + table)
	} else {
		res, err = tx.Exec(`DELETE FROM `+table+` WHERE backend_id = ?`, backendID)
	}
	if err != nil {
		return 0, fmt.Errorf("store: cleanup %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunRetentionSweep performs one cleanup+VACUUM pass across every
// backend using its own connectionLogsDays bound, gated by
// autoCleanup. Called from internal/app on a time.Ticker (spec.md
// §4.1 exposes VACUUM but leaves the scheduler to the caller).
func (s *Store) RunRetentionSweep() error {
	cfg, err := s.GetRetentionConfig()
	if err != nil {
		return err
	}
	if !cfg.AutoCleanup {
		return nil
	}

	if _, err := s.CleanupOldData("", cfg.ConnectionLogsDays); err != nil {
		return err
	}
	if err := s.Vacuum(); err != nil {
		return err
	}
	logger.Info("scheduled retention sweep complete", zap.Int("connectionLogsDays", cfg.ConnectionLogsDays))
	return nil
}
