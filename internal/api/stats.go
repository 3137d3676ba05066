package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/laoshifu996/clash-master/internal/api/response"
	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/realtime"
)

// backendAndWindow runs §4.7 steps 1-2 and writes the matching error
// response itself, returning ok=false if the handler should stop.
func (a *API) backendAndWindow(c *gin.Context) (backendID string, start, end *time.Time, ok bool) {
	id, err := a.resolveBackendID(c)
	if err != nil {
		if errors.Is(err, errNoBackend) {
			response.NotFound(c, "no backendId given and no active backend configured")
		} else {
			response.InternalError(c, "failed to resolve backend")
		}
		return "", nil, nil, false
	}
	s, e, err := parseWindow(c)
	if err != nil {
		response.BadRequest(c, "start and end must both be given as ISO-8601 timestamps with start <= end")
		return "", nil, nil, false
	}
	return id, s, e, true
}

// pagedList is the {data, total} envelope used by every paginated
// listing endpoint (§8 property 8).
type pagedList struct {
	Data  interface{} `json:"data"`
	Total int64       `json:"total"`
}

func (a *API) overlayTotals(backendID string, base model.Totals, end *time.Time) (model.Totals, bool) {
	if !a.Cache.WithinOverlayWindow(end) {
		return base, false
	}
	out := base
	for _, row := range a.Cache.RowsForDimension(backendID, model.DimHourly) {
		out.Add(row.Totals)
	}
	return out, true
}

type summaryResponse struct {
	Totals      model.Totals           `json:"totals"`
	TopDomains  []realtime.NamedTotals `json:"topDomains"`
	TopIPs      []realtime.NamedTotals `json:"topIPs"`
	ProxyStats  []realtime.NamedTotals `json:"proxyStats"`
	RuleStats   []realtime.NamedTotals `json:"ruleStats"`
	HourlyStats []realtime.TrendPoint  `json:"hourlyStats"`
	Today       model.Totals           `json:"today"`
	Overlaid    bool                   `json:"overlaid"`
}

// Summary answers GET /api/stats/summary.
func (a *API) Summary(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}

	totals, err := a.Store.WindowTotals(backendID, model.DimHourly, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute totals")
		return
	}
	topDomains, err := a.Store.TopDimensionRows(backendID, model.DimDomain, 10, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute top domains")
		return
	}
	topIPs, err := a.Store.TopDimensionRows(backendID, model.DimIP, 10, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute top IPs")
		return
	}
	proxyStats, err := a.Store.TopDimensionRows(backendID, model.DimProxy, 10, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute proxy stats")
		return
	}
	ruleStats, err := a.Store.TopDimensionRows(backendID, model.DimRule, 10, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute rule stats")
		return
	}
	hourStart := time.Now().Add(-24 * time.Hour)
	hourlyStats, err := a.Store.HourlyTrend(backendID, &hourStart, nil)
	if err != nil {
		response.InternalError(c, "failed to compute hourly stats")
		return
	}
	today, err := a.Store.TodayTotals(backendID)
	if err != nil {
		response.InternalError(c, "failed to compute today totals")
		return
	}

	overlaid := a.Cache.WithinOverlayWindow(end)
	if overlaid {
		totals, _ = a.overlayTotals(backendID, totals, end)
		topDomains = a.Cache.MergeTopDomains(backendID, topDomains, 10)
		topIPs = a.Cache.MergeTopIPs(backendID, topIPs, 10)
		proxyStats = a.Cache.MergeProxyStats(backendID, proxyStats, 10)
		ruleStats = a.Cache.MergeRuleStats(backendID, ruleStats, 10)
		hourlyStats = a.Cache.MergeTrend(backendID, hourlyStats, 24*60, 60)
		today.Add(a.Cache.GetTodayDelta(backendID))
	}

	response.OK(c, summaryResponse{
		Totals:      totals,
		TopDomains:  topDomains,
		TopIPs:      topIPs,
		ProxyStats:  proxyStats,
		RuleStats:   ruleStats,
		HourlyStats: hourlyStats,
		Today:       today,
		Overlaid:    overlaid,
	})
}

// Global answers GET /api/stats/global: no backend scoping, no
// overlay (spec.md §6).
func (a *API) Global(c *gin.Context) {
	totals, err := a.Store.GlobalTotals()
	if err != nil {
		response.InternalError(c, "failed to compute global totals")
		return
	}
	response.OK(c, totals)
}

func (a *API) listDimension(c *gin.Context, dim model.Dimension) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	opts := parseListOptions(c, start, end)
	rows, total, err := a.Store.ListDimensionRows(backendID, dim, opts)
	if err != nil {
		response.InternalError(c, "failed to list "+string(dim))
		return
	}
	response.OK(c, pagedList{Data: rows, Total: total})
}

// ListDomains answers GET /api/stats/domains: paginated, no overlay.
func (a *API) ListDomains(c *gin.Context) { a.listDimension(c, model.DimDomain) }

// ListIPs answers GET /api/stats/ips: paginated, no overlay.
func (a *API) ListIPs(c *gin.Context) { a.listDimension(c, model.DimIP) }

// DomainProxyStats answers GET /api/stats/domains/proxy-stats: for one
// host, the chains it was routed through.
func (a *API) DomainProxyStats(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	host := c.Query("host")
	if host == "" {
		response.BadRequest(c, "host is required")
		return
	}
	rows, err := a.Store.DomainProxyBreakdown(backendID, host, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute domain proxy breakdown")
		return
	}
	response.OK(c, rows)
}

// DomainIPDetails answers GET /api/stats/domains/ip-details: for one
// host, the IPs it was reached through, annotated with geo.
func (a *API) DomainIPDetails(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	host := c.Query("host")
	if host == "" {
		response.BadRequest(c, "host is required")
		return
	}
	rows, err := a.Store.DomainIPBreakdown(backendID, host, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute domain ip breakdown")
		return
	}
	limit := queryInt(c, "limit", len(rows))
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	response.OK(c, a.withGeo(backendID, rows))
}

type namedTotalsWithGeo struct {
	realtime.NamedTotals
	Geo model.GeoInfo `json:"geo"`
}

func (a *API) withGeo(backendID string, rows []realtime.NamedTotals) []namedTotalsWithGeo {
	out := make([]namedTotalsWithGeo, 0, len(rows))
	for _, r := range rows {
		geo, _ := a.Store.IPGeo(backendID, r.Name)
		out = append(out, namedTotalsWithGeo{NamedTotals: r, Geo: geo})
	}
	return out
}

// IPProxyStats answers GET /api/stats/ips/proxy-stats: for one IP, the
// chains its traffic was routed through.
func (a *API) IPProxyStats(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	ip := c.Query("ip")
	if ip == "" {
		response.BadRequest(c, "ip is required")
		return
	}
	rows, err := a.Store.IPProxyBreakdown(backendID, ip, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute ip proxy breakdown")
		return
	}
	response.OK(c, rows)
}

// IPDomainDetails answers GET /api/stats/ips/domain-details: for one
// IP, the hosts it carried traffic for, with the IP's own geo.
func (a *API) IPDomainDetails(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	ip := c.Query("ip")
	if ip == "" {
		response.BadRequest(c, "ip is required")
		return
	}
	rows, err := a.Store.IPDomainBreakdown(backendID, ip, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute ip domain breakdown")
		return
	}
	limit := queryInt(c, "limit", len(rows))
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	geo, _ := a.Store.IPGeo(backendID, ip)
	response.OK(c, gin.H{"hosts": rows, "geo": geo})
}

// ListProxies answers GET /api/stats/proxies: paginated list, overlaid
// (spec.md §6: "overlay on totals").
func (a *API) ListProxies(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	limit := queryInt(c, "limit", 50)
	if chain := c.Query("chain"); chain != "" {
		totals, err := a.Store.SingleKeyTotals(backendID, model.DimProxy, chain, start, end)
		if err != nil {
			response.InternalError(c, "failed to compute proxy totals")
			return
		}
		if a.Cache.WithinOverlayWindow(end) {
			totals = a.Cache.ApplySummaryDelta(backendID, totals, model.Key{
				BackendID: backendID, Dimension: model.DimProxy, Chain: chain, TimeBucket: model.HourFloor(time.Now()),
			})
		}
		response.OK(c, totals)
		return
	}

	rows, total, err := a.Store.ListDimensionRows(backendID, model.DimProxy, parseListOptions(c, start, end))
	if err != nil {
		response.InternalError(c, "failed to list proxies")
		return
	}
	if a.Cache.WithinOverlayWindow(end) {
		rows = a.Cache.MergeProxyStats(backendID, rows, limit)
	}
	response.OK(c, pagedList{Data: rows, Total: total})
}

// ProxyDomains answers GET /api/stats/proxies/domains: for one chain,
// the hosts routed through it.
func (a *API) ProxyDomains(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	chain := c.Query("chain")
	if chain == "" {
		response.BadRequest(c, "chain is required")
		return
	}
	rows, err := a.Store.ProxyDomainBreakdown(backendID, chain, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute proxy domain breakdown")
		return
	}
	response.OK(c, rows)
}

// ProxyIPs answers GET /api/stats/proxies/ips: for one chain, the IPs
// its traffic reached.
func (a *API) ProxyIPs(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	chain := c.Query("chain")
	if chain == "" {
		response.BadRequest(c, "chain is required")
		return
	}
	rows, err := a.Store.ProxyIPBreakdown(backendID, chain, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute proxy ip breakdown")
		return
	}
	response.OK(c, rows)
}

// ListRules answers GET /api/stats/rules: paginated list, overlaid.
func (a *API) ListRules(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	opts := parseListOptions(c, start, end)
	rows, total, err := a.Store.ListDimensionRows(backendID, model.DimRule, opts)
	if err != nil {
		response.InternalError(c, "failed to list rules")
		return
	}
	if a.Cache.WithinOverlayWindow(end) {
		rows = a.Cache.MergeRuleStats(backendID, rows, opts.Limit)
	}
	response.OK(c, pagedList{Data: rows, Total: total})
}

// RuleDomains answers GET /api/stats/rules/domains: for one rule,
// every (host, chain) pair that matched it.
func (a *API) RuleDomains(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	rule := c.Query("rule")
	if rule == "" {
		response.BadRequest(c, "rule is required")
		return
	}
	rows, err := a.Store.RuleBreakdown(backendID, rule, start, end)
	if err != nil {
		response.InternalError(c, "failed to compute rule breakdown")
		return
	}
	response.OK(c, rows)
}

// ListCountries answers GET /api/stats/countries: paginated, overlaid.
func (a *API) ListCountries(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	opts := parseListOptions(c, start, end)
	rows, total, err := a.Store.ListDimensionRows(backendID, model.DimCountry, opts)
	if err != nil {
		response.InternalError(c, "failed to list countries")
		return
	}
	if a.Cache.WithinOverlayWindow(end) {
		rows = a.Cache.MergeCountryStats(backendID, rows, opts.Limit)
	}
	response.OK(c, pagedList{Data: rows, Total: total})
}

// ListDevices answers GET /api/stats/devices: paginated, overlaid.
func (a *API) ListDevices(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	opts := parseListOptions(c, start, end)
	rows, total, err := a.Store.ListDimensionRows(backendID, model.DimDevice, opts)
	if err != nil {
		response.InternalError(c, "failed to list devices")
		return
	}
	if a.Cache.WithinOverlayWindow(end) {
		rows = a.Cache.MergeDeviceStats(backendID, rows, opts.Limit)
	}
	response.OK(c, pagedList{Data: rows, Total: total})
}

// Hourly answers GET /api/stats/hourly: the last 24 hourly buckets,
// overlaid.
func (a *API) Hourly(c *gin.Context) {
	backendID, _, _, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	start := time.Now().Add(-24 * time.Hour)
	rows, err := a.Store.HourlyTrend(backendID, &start, nil)
	if err != nil {
		response.InternalError(c, "failed to compute hourly stats")
		return
	}
	if a.Cache.WithinOverlayWindow(nil) {
		rows = a.Cache.MergeTrend(backendID, rows, 24*60, 60)
	}
	response.OK(c, rows)
}

// Trend answers GET /api/stats/trend: windowMinutes/bucketMinutes
// query params, overlaid.
func (a *API) Trend(c *gin.Context) {
	backendID, _, _, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	windowMinutes := queryInt(c, "windowMinutes", 60)
	bucketMinutes := queryInt(c, "bucketMinutes", 60)

	start := time.Now().Add(-time.Duration(windowMinutes) * time.Minute)
	rows, err := a.Store.HourlyTrend(backendID, &start, nil)
	if err != nil {
		response.InternalError(c, "failed to compute trend")
		return
	}
	if a.Cache.WithinOverlayWindow(nil) {
		rows = a.Cache.MergeTrend(backendID, rows, windowMinutes, bucketMinutes)
	}
	response.OK(c, rows)
}

// dayBucket floors t to its UTC calendar day.
func dayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// TrendAggregated answers GET /api/stats/trend/aggregated: the hourly
// trend re-bucketed to one point per UTC day, for wider-window
// dashboards than the hourly view can render legibly.
func (a *API) TrendAggregated(c *gin.Context) {
	backendID, _, _, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	days := queryInt(c, "days", 7)
	start := time.Now().AddDate(0, 0, -days)

	rows, err := a.Store.HourlyTrend(backendID, &start, nil)
	if err != nil {
		response.InternalError(c, "failed to compute aggregated trend")
		return
	}
	if a.Cache.WithinOverlayWindow(nil) {
		rows = a.Cache.MergeTrend(backendID, rows, days*24*60, 60)
	}

	byDay := make(map[time.Time]*realtime.TrendPoint)
	order := make([]time.Time, 0)
	for _, p := range rows {
		d := dayBucket(p.Bucket)
		if existing, ok := byDay[d]; ok {
			existing.Totals.Add(p.Totals)
		} else {
			np := realtime.TrendPoint{Bucket: d, Totals: p.Totals}
			byDay[d] = &np
			order = append(order, d)
		}
	}
	out := make([]realtime.TrendPoint, 0, len(order))
	for _, d := range order {
		out = append(out, *byDay[d])
	}
	response.OK(c, out)
}

// ListConnections answers GET /api/stats/connections: paginated, no
// overlay (connection records are written directly by the Session,
// not mirrored in the Realtime Cache).
func (a *API) ListConnections(c *gin.Context) {
	backendID, start, end, ok := a.backendAndWindow(c)
	if !ok {
		return
	}
	opts := parseListOptions(c, start, end)
	rows, total, err := a.Store.ListConnections(backendID, opts)
	if err != nil {
		response.InternalError(c, "failed to list connections")
		return
	}
	response.OK(c, pagedList{Data: rows, Total: total})
}
