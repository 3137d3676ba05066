package model

import "time"

// Dimension enumerates the aggregate tables a delta can be folded into.
// Design note: the source's string-keyed dimension selection becomes an
// enumerated tag carrying a typed key, not a dynamic field lookup.
type Dimension string

const (
	DimDomain       Dimension = "domain"
	DimIP           Dimension = "ip"
	DimProxy        Dimension = "proxy"
	DimRule         Dimension = "rule"
	DimDevice       Dimension = "device"
	DimCountry      Dimension = "country"
	DimHourly       Dimension = "hourly"
	DimDomainProxy  Dimension = "domain_proxy"
	DimIPDomain     Dimension = "ip_domain"
	DimRuleDomain   Dimension = "rule_domain_chain"
)

// FlushOrder is the fixed dimension order the Flusher commits batches
// in (§4.6): most-used dimensions are made durable first so a partial
// failure leaves them consistent.
var FlushOrder = []Dimension{
	DimHourly,
	DimDomain,
	DimIP,
	DimProxy,
	DimRule,
	DimDevice,
	DimCountry,
	DimDomainProxy,
	DimIPDomain,
	DimRuleDomain,
}

// Key is the composite key of one aggregate row. Only the fields
// relevant to a row's Dimension are populated; TimeBucket is always the
// UTC hour floor.
type Key struct {
	BackendID   string
	Dimension   Dimension
	Host        string
	IP          string
	Chain       string
	Rule        string
	SourceIP    string
	CountryCode string
	TimeBucket  time.Time
}

// HourFloor truncates t to the UTC hour floor used to key every
// time-bucketed aggregate (GLOSSARY: "Time bucket").
func HourFloor(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
}

// KeysForIdentity computes every dimension key a delta's identity feeds
// into (§4.4 step 3: "compute all dimension keys for its identity").
func KeysForIdentity(backendID string, id Identity, at time.Time) []Key {
	bucket := HourFloor(at)
	keys := []Key{
		{BackendID: backendID, Dimension: DimHourly, TimeBucket: bucket},
		{BackendID: backendID, Dimension: DimDomain, Host: id.Host, TimeBucket: bucket},
		{BackendID: backendID, Dimension: DimIP, IP: id.DestinationIP, TimeBucket: bucket},
		{BackendID: backendID, Dimension: DimProxy, Chain: id.Chain, TimeBucket: bucket},
		{BackendID: backendID, Dimension: DimRule, Rule: id.Rule, TimeBucket: bucket},
		{BackendID: backendID, Dimension: DimDevice, SourceIP: id.SourceIP, TimeBucket: bucket},
		{BackendID: backendID, Dimension: DimCountry, CountryCode: id.CountryCode, TimeBucket: bucket},
		{BackendID: backendID, Dimension: DimDomainProxy, Host: id.Host, Chain: id.Chain, TimeBucket: bucket},
		{BackendID: backendID, Dimension: DimIPDomain, IP: id.DestinationIP, Host: id.Host, TimeBucket: bucket},
		{BackendID: backendID, Dimension: DimRuleDomain, Rule: id.Rule, Host: id.Host, Chain: id.Chain, TimeBucket: bucket},
	}
	return keys
}

// Row is the in-memory shape of one aggregate row update: the Totals
// plus the sidecar fields LastSeen and the optional GeoIP annotation.
type Row struct {
	Key       Key
	Totals    Totals
	LastSeen  time.Time
	GeoIP     *GeoInfo
}

// GeoInfo is the optional GeoIP annotation attached to IPStat rows.
type GeoInfo struct {
	CountryCode string
	Location    string
}
