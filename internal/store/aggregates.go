package store

import (
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/pkg/logger"
)

// GeoIPResolver is the collaborator interface for §4.1's GeoIP hook:
// "when upserting an IPStat row, if countryCode is absent the Store
// calls the GeoIP collaborator; null result persists as empty."
// Defined here (rather than imported from internal/geoip) so the store
// package has no dependency on any one resolver implementation —
// internal/geoip's stub satisfies this interface structurally.
type GeoIPResolver interface {
	Lookup(ip string) (countryCode, location string, err error)
}

// SetGeoIP installs the collaborator used by FlushDimension when
// writing ip_stats rows. A nil resolver (the default) leaves
// countryCode/location empty, matching "null result persists as
// empty".
func (s *Store) SetGeoIP(r GeoIPResolver) {
	s.geo = r
}

// FlushDimension persists one dimension's worth of rows in a single
// transaction via batched UPSERT (spec.md §4.1: "each batch is one
// transaction... failure of any row aborts the transaction").
func (s *Store) FlushDimension(backendID string, dim model.Dimension, rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}
	spec, ok := dimSpecs[dim]
	if !ok {
		return fmt.Errorf("store: unknown dimension %q", dim)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: flush %s: begin: %w", dim, err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := s.upsertRow(tx, dim, spec, backendID, row); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: flush %s: commit: %w", dim, err)
	}
	logger.Debug("flushed dimension batch", zap.String("backendId", backendID), zap.String("dimension", string(dim)), zap.Int("rows", len(rows)))
	return nil
}

func (s *Store) upsertRow(tx *sql.Tx, dim model.Dimension, spec dimSpec, backendID string, row model.Row) error {
	keyVals, err := keyValues(dim, row.Key)
	if err != nil {
		return err
	}

	countryCode, location := "", ""
	if dim == model.DimIP {
		countryCode, location = row.Key.CountryCode, ""
		if row.GeoIP != nil {
			countryCode, location = row.GeoIP.CountryCode, row.GeoIP.Location
		}
		if countryCode == "" && s.geo != nil {
			if cc, loc, geoErr := s.geo.Lookup(row.Key.IP); geoErr == nil {
				countryCode, location = cc, loc
			} else {
				logger.Debug("geoip lookup failed", zap.String("ip", row.Key.IP), zap.Error(geoErr))
			}
		}
	}

	cols := append(append([]string{"backend_id"}, spec.keyCols...), "time_bucket")
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	args := append([]any{backendID}, keyVals...)
	args = append(args, row.Key.TimeBucket)

	var insertCols, insertPlaceholders string
	var conflictSet string
	if dim == model.DimIP {
		insertCols = strings.Join(cols, ", ") + ", upload, download, connections, last_seen, country_code, location"
		insertPlaceholders = strings.Join(placeholders, ", ") + ", ?, ?, ?, ?, ?, ?"
		args = append(args, row.Totals.Upload, row.Totals.Download, row.Totals.Connections, row.LastSeen, countryCode, location)
		conflictSet = `upload = upload + excluded.upload,
			download = download + excluded.download,
			connections = connections + excluded.connections,
			last_seen = MAX(last_seen, excluded.last_seen),
			country_code = CASE WHEN country_code = '' THEN excluded.country_code ELSE country_code END,
			location = CASE WHEN location = '' THEN excluded.location ELSE location END`
	} else {
		insertCols = strings.Join(cols, ", ") + ", upload, download, connections, last_seen"
		insertPlaceholders = strings.Join(placeholders, ", ") + ", ?, ?, ?, ?"
		args = append(args, row.Totals.Upload, row.Totals.Download, row.Totals.Connections, row.LastSeen)
		conflictSet = `upload = upload + excluded.upload,
			download = download + excluded.download,
			connections = connections + excluded.connections,
			last_seen = MAX(last_seen, excluded.last_seen)`
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)
		 ON CONFLICT (%s) DO UPDATE SET %s`,
		spec.table, insertCols, insertPlaceholders, strings.Join(cols, ", "), conflictSet,
	)

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("store: upsert %s: %w", spec.table, err)
	}
	return nil
}
