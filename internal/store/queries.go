package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/realtime"
)

// ListOptions is the pagination/sort/search/time-window contract of
// spec.md §4.1: "{offset, limit<=500, sortBy, sortOrder, search?}
// returning {data[], total}".
type ListOptions struct {
	Offset    int
	Limit     int
	SortBy    string
	SortOrder string
	Search    string
	Start     *time.Time
	End       *time.Time
}

const maxLimit = 500

func (o *ListOptions) normalize() {
	if o.Limit <= 0 || o.Limit > maxLimit {
		o.Limit = maxLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.SortOrder != "asc" {
		o.SortOrder = "desc"
	}
}

var sortColumns = map[string]string{
	"name":        "name",
	"upload":      "upload",
	"download":    "download",
	"connections": "connections",
	"lastSeen":    "lastSeen",
}

// sortExpr resolves sortBy to a safe SQL expression, falling back to
// "totalDownload desc" (spec.md §4.1) for unknown columns.
func (o ListOptions) sortExpr() string {
	col, ok := sortColumns[o.SortBy]
	if !ok {
		return "download DESC"
	}
	return fmt.Sprintf("%s %s", col, strings.ToUpper(o.SortOrder))
}

func windowClause(start, end *time.Time, args *[]any) string {
	var b strings.Builder
	if start != nil {
		b.WriteString(" AND time_bucket >= ?")
		*args = append(*args, *start)
	}
	if end != nil {
		b.WriteString(" AND time_bucket < ?")
		*args = append(*args, *end)
	}
	return b.String()
}

// lastSeenTime converts a MAX(last_seen) aggregate back into a
// time.Time. The aggregate has no declared column type, so the sqlite3
// driver returns the stored text rather than a time.Time.
func lastSeenTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	s := strings.TrimSuffix(v.String, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ListDimensionRows answers the paginated single-key dimension listings
// (/api/stats/domains, /ips, /proxies, /rules, /devices, /countries).
func (s *Store) ListDimensionRows(backendID string, dim model.Dimension, opts ListOptions) ([]realtime.NamedTotals, int64, error) {
	opts.normalize()
	spec, ok := dimSpecs[dim]
	if !ok || len(spec.keyCols) != 1 {
		return nil, 0, fmt.Errorf("store: dimension %q is not a single-key listing", dim)
	}
	nameCol := spec.keyCols[0]

	args := []any{backendID}
	where := "backend_id = ?" + windowClause(opts.Start, opts.End, &args)
	if opts.Search != "" {
		where += fmt.Sprintf(" AND %s LIKE ?", nameCol)
		args = append(args, "%"+opts.Search+"%")
	}

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(DISTINCT %s) FROM %s WHERE %s`, nameCol, spec.table, where)
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count %s: %w", spec.table, err)
	}

	query := fmt.Sprintf(
		`SELECT %s AS name, SUM(upload) AS upload, SUM(download) AS download,
		        SUM(connections) AS connections, MAX(last_seen) AS lastSeen
		 FROM %s WHERE %s
		 GROUP BY %s
		 ORDER BY %s
		 LIMIT ? OFFSET ?`,
		nameCol, spec.table, where, nameCol, opts.sortExpr(),
	)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list %s: %w", spec.table, err)
	}
	defer rows.Close()

	out := []realtime.NamedTotals{}
	for rows.Next() {
		var nt realtime.NamedTotals
		var lastSeen sql.NullString
		if err := rows.Scan(&nt.Name, &nt.Totals.Upload, &nt.Totals.Download, &nt.Totals.Connections, &lastSeen); err != nil {
			return nil, 0, fmt.Errorf("store: scan %s: %w", spec.table, err)
		}
		nt.LastSeen = lastSeenTime(lastSeen)
		out = append(out, nt)
	}
	return out, total, rows.Err()
}

// TopDimensionRows answers the non-paginated "top N" lists consumed by
// /api/stats/summary (topDomains, topIPs) before realtime overlay.
func (s *Store) TopDimensionRows(backendID string, dim model.Dimension, topN int, start, end *time.Time) ([]realtime.NamedTotals, error) {
	rows, _, err := s.ListDimensionRows(backendID, dim, ListOptions{
		Limit: topN, SortBy: "download", SortOrder: "desc", Start: start, End: end,
	})
	return rows, err
}

// HourlyTrend returns hourly_stats rows at or after start (spec.md
// §4.2's mergeTrend base), ordered ascending by bucket.
func (s *Store) HourlyTrend(backendID string, start, end *time.Time) ([]realtime.TrendPoint, error) {
	args := []any{backendID}
	where := "backend_id = ?" + windowClause(start, end, &args)
	query := fmt.Sprintf(
		`SELECT time_bucket, upload, download, connections FROM hourly_stats
		 WHERE %s ORDER BY time_bucket ASC`, where)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: hourly trend: %w", err)
	}
	defer rows.Close()

	out := []realtime.TrendPoint{}
	for rows.Next() {
		var p realtime.TrendPoint
		if err := rows.Scan(&p.Bucket, &p.Totals.Upload, &p.Totals.Download, &p.Totals.Connections); err != nil {
			return nil, fmt.Errorf("store: scan hourly trend: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// WindowTotals sums a single-backend dimension table over an optional
// window, used for /api/stats/summary's grand totals (summed from
// hourly_stats) and for TodayTotals. It applies no key filter; per-entity
// lookups go through SingleKeyTotals.
func (s *Store) WindowTotals(backendID string, dim model.Dimension, start, end *time.Time) (model.Totals, error) {
	spec, ok := dimSpecs[dim]
	if !ok {
		return model.Totals{}, fmt.Errorf("store: unknown dimension %q", dim)
	}
	args := []any{backendID}
	where := "backend_id = ?" + windowClause(start, end, &args)
	query := fmt.Sprintf(
		`SELECT COALESCE(SUM(upload),0), COALESCE(SUM(download),0), COALESCE(SUM(connections),0)
		 FROM %s WHERE %s`, spec.table, where)

	var t model.Totals
	if err := s.db.QueryRow(query, args...).Scan(&t.Upload, &t.Download, &t.Connections); err != nil {
		return model.Totals{}, fmt.Errorf("store: window totals %s: %w", spec.table, err)
	}
	return t, nil
}

// GlobalTotals sums hourly_stats across every backend with no window
// and no overlay (spec.md §6: GET /api/stats/global).
func (s *Store) GlobalTotals() (model.Totals, error) {
	var t model.Totals
	err := s.db.QueryRow(`SELECT COALESCE(SUM(upload),0), COALESCE(SUM(download),0), COALESCE(SUM(connections),0)
		FROM hourly_stats`).Scan(&t.Upload, &t.Download, &t.Connections)
	if err != nil {
		return model.Totals{}, fmt.Errorf("store: global totals: %w", err)
	}
	return t, nil
}

// TodayTotals sums hourly_stats since UTC midnight, the cold half of
// the today-delta overlay (Open Question resolution: UTC midnight).
func (s *Store) TodayTotals(backendID string) (model.Totals, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.WindowTotals(backendID, model.DimHourly, &midnight, nil)
}

// DomainProxyBreakdown answers /api/stats/domains/proxy-stats: for one
// host, the chains it was routed through.
func (s *Store) DomainProxyBreakdown(backendID, host string, start, end *time.Time) ([]realtime.NamedTotals, error) {
	return s.joinDrillDown("domain_proxy_stats", "chain", backendID, "host", host, start, end)
}

// IPDomainBreakdown answers /api/stats/ips/domain-details: for one IP,
// the hosts it carried traffic for.
func (s *Store) IPDomainBreakdown(backendID, ip string, start, end *time.Time) ([]realtime.NamedTotals, error) {
	return s.joinDrillDown("ip_domain_stats", "host", backendID, "ip", ip, start, end)
}

// DomainIPBreakdown answers /api/stats/domains/ip-details: for one
// host, the IPs it was reached through (the reverse projection of
// ip_domain_stats).
func (s *Store) DomainIPBreakdown(backendID, host string, start, end *time.Time) ([]realtime.NamedTotals, error) {
	return s.joinDrillDown("ip_domain_stats", "ip", backendID, "host", host, start, end)
}

// IPProxyBreakdown answers /api/stats/ips/proxy-stats: for one IP, the
// chains its traffic was routed through, a two-hop join across
// ip_domain_stats and domain_proxy_stats since no direct ip-chain
// table exists (an ip routes through whichever chains its hosts did).
func (s *Store) IPProxyBreakdown(backendID, ip string, start, end *time.Time) ([]realtime.NamedTotals, error) {
	args := []any{backendID, ip}
	where := "i.backend_id = ? AND i.ip = ?"
	if start != nil {
		where += " AND i.time_bucket >= ?"
		args = append(args, *start)
	}
	if end != nil {
		where += " AND i.time_bucket < ?"
		args = append(args, *end)
	}
	query := fmt.Sprintf(
		`SELECT p.chain AS name, SUM(p.upload), SUM(p.download), SUM(p.connections), MAX(p.last_seen)
		 FROM ip_domain_stats i
		 JOIN domain_proxy_stats p ON p.backend_id = i.backend_id AND p.host = i.host
		 WHERE %s GROUP BY p.chain ORDER BY SUM(p.download) DESC`, where)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: ip proxy breakdown: %w", err)
	}
	defer rows.Close()

	out := []realtime.NamedTotals{}
	for rows.Next() {
		var nt realtime.NamedTotals
		var lastSeen sql.NullString
		if err := rows.Scan(&nt.Name, &nt.Totals.Upload, &nt.Totals.Download, &nt.Totals.Connections, &lastSeen); err != nil {
			return nil, fmt.Errorf("store: scan ip proxy breakdown: %w", err)
		}
		nt.LastSeen = lastSeenTime(lastSeen)
		out = append(out, nt)
	}
	return out, rows.Err()
}

// ProxyDomainBreakdown answers /api/stats/proxies/domains: for one
// chain, the hosts routed through it.
func (s *Store) ProxyDomainBreakdown(backendID, chain string, start, end *time.Time) ([]realtime.NamedTotals, error) {
	return s.joinDrillDown("domain_proxy_stats", "host", backendID, "chain", chain, start, end)
}

func (s *Store) joinDrillDown(table, nameCol, backendID, fixedCol, fixedVal string, start, end *time.Time) ([]realtime.NamedTotals, error) {
	args := []any{backendID, fixedVal}
	where := fmt.Sprintf("backend_id = ? AND %s = ?", fixedCol) + windowClause(start, end, &args)
	query := fmt.Sprintf(
		`SELECT %s AS name, SUM(upload), SUM(download), SUM(connections), MAX(last_seen)
		 FROM %s WHERE %s GROUP BY %s ORDER BY SUM(download) DESC`,
		nameCol, table, where, nameCol,
	)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: drill-down %s: %w", table, err)
	}
	defer rows.Close()

	out := []realtime.NamedTotals{}
	for rows.Next() {
		var nt realtime.NamedTotals
		var lastSeen sql.NullString
		if err := rows.Scan(&nt.Name, &nt.Totals.Upload, &nt.Totals.Download, &nt.Totals.Connections, &lastSeen); err != nil {
			return nil, fmt.Errorf("store: scan drill-down %s: %w", table, err)
		}
		nt.LastSeen = lastSeenTime(lastSeen)
		out = append(out, nt)
	}
	return out, rows.Err()
}

// RuleDrillRow is one row of the rule/host/chain three-way join table.
type RuleDrillRow struct {
	Host   string       `json:"host"`
	Chain  string       `json:"chain"`
	Totals model.Totals `json:"totals"`
}

// RuleBreakdown answers the rule drill-down family: for one rule, every
// (host, chain) pair that matched it.
func (s *Store) RuleBreakdown(backendID, rule string, start, end *time.Time) ([]RuleDrillRow, error) {
	args := []any{backendID, rule}
	where := "backend_id = ? AND rule = ?" + windowClause(start, end, &args)
	query := fmt.Sprintf(
		`SELECT host, chain, SUM(upload), SUM(download), SUM(connections)
		 FROM rule_domain_chain_stats WHERE %s GROUP BY host, chain ORDER BY SUM(download) DESC`, where)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: rule breakdown: %w", err)
	}
	defer rows.Close()

	out := []RuleDrillRow{}
	for rows.Next() {
		var r RuleDrillRow
		if err := rows.Scan(&r.Host, &r.Chain, &r.Totals.Upload, &r.Totals.Download, &r.Totals.Connections); err != nil {
			return nil, fmt.Errorf("store: scan rule breakdown: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SingleKeyTotals sums one single-key dimension row's totals across
// the window, used for single-entity summary lookups (e.g. one
// proxy chain's totals) distinct from WindowTotals' whole-table sum.
func (s *Store) SingleKeyTotals(backendID string, dim model.Dimension, key string, start, end *time.Time) (model.Totals, error) {
	spec, ok := dimSpecs[dim]
	if !ok || len(spec.keyCols) != 1 {
		return model.Totals{}, fmt.Errorf("store: dimension %q is not a single-key lookup", dim)
	}
	args := []any{backendID, key}
	where := fmt.Sprintf("backend_id = ? AND %s = ?", spec.keyCols[0]) + windowClause(start, end, &args)
	query := fmt.Sprintf(
		`SELECT COALESCE(SUM(upload),0), COALESCE(SUM(download),0), COALESCE(SUM(connections),0)
		 FROM %s WHERE %s`, spec.table, where)

	var t model.Totals
	if err := s.db.QueryRow(query, args...).Scan(&t.Upload, &t.Download, &t.Connections); err != nil {
		return model.Totals{}, fmt.Errorf("store: single key totals %s: %w", spec.table, err)
	}
	return t, nil
}

// ProxyIPBreakdown answers /api/stats/proxies/ips: for one chain, the
// IPs its traffic reached, a two-hop join symmetric to
// IPProxyBreakdown.
func (s *Store) ProxyIPBreakdown(backendID, chain string, start, end *time.Time) ([]realtime.NamedTotals, error) {
	args := []any{backendID, chain}
	where := "p.backend_id = ? AND p.chain = ?"
	if start != nil {
		where += " AND p.time_bucket >= ?"
		args = append(args, *start)
	}
	if end != nil {
		where += " AND p.time_bucket < ?"
		args = append(args, *end)
	}
	query := fmt.Sprintf(
		`SELECT i.ip AS name, SUM(i.upload), SUM(i.download), SUM(i.connections), MAX(i.last_seen)
		 FROM domain_proxy_stats p
		 JOIN ip_domain_stats i ON i.backend_id = p.backend_id AND i.host = p.host
		 WHERE %s GROUP BY i.ip ORDER BY SUM(i.download) DESC`, where)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: proxy ip breakdown: %w", err)
	}
	defer rows.Close()

	out := []realtime.NamedTotals{}
	for rows.Next() {
		var nt realtime.NamedTotals
		var lastSeen sql.NullString
		if err := rows.Scan(&nt.Name, &nt.Totals.Upload, &nt.Totals.Download, &nt.Totals.Connections, &lastSeen); err != nil {
			return nil, fmt.Errorf("store: scan proxy ip breakdown: %w", err)
		}
		nt.LastSeen = lastSeenTime(lastSeen)
		out = append(out, nt)
	}
	return out, rows.Err()
}

// IPGeo fetches the best-known geo annotation for one IP, used by the
// IP-details drill-down response.
func (s *Store) IPGeo(backendID, ip string) (model.GeoInfo, error) {
	var g model.GeoInfo
	err := s.db.QueryRow(
		`SELECT country_code, location FROM ip_stats
		 WHERE backend_id = ? AND ip = ? AND country_code != '' LIMIT 1`,
		backendID, ip,
	).Scan(&g.CountryCode, &g.Location)
	if err != nil {
		return model.GeoInfo{}, nil // geo is best-effort; absence is not an error
	}
	return g, nil
}
