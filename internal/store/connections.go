package store

import (
	"fmt"
	"time"

	"github.com/laoshifu996/clash-master/internal/model"
)

// RecordConnection writes the short-lived connection-record row for a
// closed connection (spec.md §4.4 step 3: "for isClosed, also write a
// persistent connection record... best-effort, non-blocking"). Callers
// should not block the Session's read loop on this; the Collector
// Session issues it from a separate goroutine.
func (s *Store) RecordConnection(rec model.ConnectionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO connection_records
		 (id, backend_id, host, destination_ip, source_ip, chain, rule, upload, download, started_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BackendID, rec.Host, rec.DestinationIP, rec.SourceIP, rec.Chain, rec.Rule,
		rec.Upload, rec.Download, rec.StartedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("store: record connection: %w", err)
	}
	return nil
}

// ListConnections answers GET /api/stats/connections, paginated and
// optionally time-windowed over closedAt.
func (s *Store) ListConnections(backendID string, opts ListOptions) ([]model.ConnectionRecord, int64, error) {
	opts.normalize()

	args := []any{backendID}
	where := "backend_id = ?"
	if opts.Start != nil {
		where += " AND closed_at >= ?"
		args = append(args, *opts.Start)
	}
	if opts.End != nil {
		where += " AND closed_at < ?"
		args = append(args, *opts.End)
	}
	if opts.Search != "" {
		where += " AND host LIKE ?"
		args = append(args, "%"+opts.Search+"%")
	}

	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM connection_records WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count connections: %w", err)
	}

	query := `SELECT id, backend_id, host, destination_ip, source_ip, chain, rule, upload, download, started_at, closed_at
		FROM connection_records WHERE ` + where + ` ORDER BY closed_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list connections: %w", err)
	}
	defer rows.Close()

	out := []model.ConnectionRecord{}
	for rows.Next() {
		var r model.ConnectionRecord
		var closedAt *time.Time
		if err := rows.Scan(&r.ID, &r.BackendID, &r.Host, &r.DestinationIP, &r.SourceIP, &r.Chain, &r.Rule,
			&r.Upload, &r.Download, &r.StartedAt, &closedAt); err != nil {
			return nil, 0, fmt.Errorf("store: scan connection: %w", err)
		}
		if closedAt != nil {
			r.ClosedAt = *closedAt
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
