package realtime

import (
	"sort"
	"time"

	"github.com/laoshifu996/clash-master/internal/model"
)

// NamedTotals is one DB-sorted top-N row keyed by its dimension's
// display name (host, IP, chain, country code...).
type NamedTotals struct {
	Name     string       `json:"name"`
	Totals   model.Totals `json:"totals"`
	LastSeen time.Time    `json:"lastSeen,omitempty"`
}

func keyName(dim model.Dimension, k model.Key) string {
	switch dim {
	case model.DimDomain:
		return k.Host
	case model.DimIP:
		return k.IP
	case model.DimProxy:
		return k.Chain
	case model.DimRule:
		return k.Rule
	case model.DimDevice:
		return k.SourceIP
	case model.DimCountry:
		return k.CountryCode
	default:
		return ""
	}
}

// mergeNamed is the shared implementation behind mergeTopDomains,
// mergeTopIPs, mergeProxyStats and mergeCountryStats (§4.2): additively
// fold the cached rows for dim keyed by name into base, re-sort
// descending by total bytes, and truncate to topN.
func (c *Cache) mergeNamed(backendID string, dim model.Dimension, base []NamedTotals, topN int) []NamedTotals {
	merged := make(map[string]*NamedTotals, len(base))
	order := make([]string, 0, len(base))
	for i := range base {
		n := base[i]
		merged[n.Name] = &n
		order = append(order, n.Name)
	}

	for _, row := range c.RowsForDimension(backendID, dim) {
		name := keyName(dim, row.Key)
		if name == "" {
			continue
		}
		if existing, ok := merged[name]; ok {
			existing.Totals.Add(row.Totals)
			if row.LastSeen.After(existing.LastSeen) {
				existing.LastSeen = row.LastSeen
			}
		} else {
			nt := NamedTotals{Name: name, Totals: row.Totals, LastSeen: row.LastSeen}
			merged[name] = &nt
			order = append(order, name)
		}
	}

	out := make([]NamedTotals, 0, len(order))
	for _, name := range order {
		out = append(out, *merged[name])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return (out[i].Totals.Upload + out[i].Totals.Download) > (out[j].Totals.Upload + out[j].Totals.Download)
	})

	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// MergeTopDomains overlays cached domain deltas onto a DB-sorted
// top-domains list (§4.2 contract: mergeTopDomains).
func (c *Cache) MergeTopDomains(backendID string, base []NamedTotals, topN int) []NamedTotals {
	return c.mergeNamed(backendID, model.DimDomain, base, topN)
}

// MergeTopIPs overlays cached IP deltas onto a DB-sorted top-IPs list
// (§4.2 contract: mergeTopIPs).
func (c *Cache) MergeTopIPs(backendID string, base []NamedTotals, topN int) []NamedTotals {
	return c.mergeNamed(backendID, model.DimIP, base, topN)
}

// MergeProxyStats overlays cached proxy-chain deltas (§4.2 contract:
// mergeProxyStats).
func (c *Cache) MergeProxyStats(backendID string, base []NamedTotals, topN int) []NamedTotals {
	return c.mergeNamed(backendID, model.DimProxy, base, topN)
}

// MergeCountryStats overlays cached country deltas (§4.2 contract:
// mergeCountryStats).
func (c *Cache) MergeCountryStats(backendID string, base []NamedTotals, topN int) []NamedTotals {
	return c.mergeNamed(backendID, model.DimCountry, base, topN)
}

// MergeRuleStats overlays cached rule deltas. Not named explicitly in
// spec.md §4.2's bullet list but required by the rule drill-down family
// in §6's API table, built the same shape as the other merge* helpers
// per design note "Overlay as an interface, not inheritance".
func (c *Cache) MergeRuleStats(backendID string, base []NamedTotals, topN int) []NamedTotals {
	return c.mergeNamed(backendID, model.DimRule, base, topN)
}

// MergeDeviceStats overlays cached source-device deltas, same rationale
// as MergeRuleStats.
func (c *Cache) MergeDeviceStats(backendID string, base []NamedTotals, topN int) []NamedTotals {
	return c.mergeNamed(backendID, model.DimDevice, base, topN)
}

// TrendPoint is one bucket of a time-series trend response.
type TrendPoint struct {
	Bucket time.Time    `json:"bucket"`
	Totals model.Totals `json:"totals"`
}

// MergeTrend overlays the cached hourly time-series onto DB buckets
// whose timeBucket >= now - windowMinutes (§4.2 contract: mergeTrend).
// bucketMinutes is accepted for interface parity with the spec; the
// realtime cache only ever produces hour-floor buckets (GLOSSARY: "Time
// bucket"), so sub-hour bucketing is purely a Store-side concern.
func (c *Cache) MergeTrend(backendID string, base []TrendPoint, windowMinutes, bucketMinutes int) []TrendPoint {
	_ = bucketMinutes
	since := time.Now().Add(-time.Duration(windowMinutes) * time.Minute)

	merged := make(map[time.Time]*TrendPoint, len(base))
	order := make([]time.Time, 0, len(base))
	for i := range base {
		p := base[i]
		merged[p.Bucket] = &p
		order = append(order, p.Bucket)
	}

	for _, row := range c.RowsSince(backendID, model.DimHourly, since) {
		if existing, ok := merged[row.Key.TimeBucket]; ok {
			existing.Totals.Add(row.Totals)
		} else {
			p := TrendPoint{Bucket: row.Key.TimeBucket, Totals: row.Totals}
			merged[row.Key.TimeBucket] = &p
			order = append(order, row.Key.TimeBucket)
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })

	out := make([]TrendPoint, 0, len(order))
	for _, b := range order {
		out = append(out, *merged[b])
	}
	return out
}
