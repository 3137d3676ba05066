// Package delta turns successive upstream connection snapshots into
// byte-accurate per-connection deltas (spec.md §4.3).
package delta

import (
	"time"

	"github.com/laoshifu996/clash-master/internal/model"
)

// staleAfter is the defense-in-depth sweep window: entries untouched for
// this long are dropped even if upstream never reports them closed.
const staleAfter = 30 * time.Minute

type baseline struct {
	upload   uint64
	download uint64
	identity model.Identity
	lastSeen time.Time
}

// GeoIPResolver resolves a country code for an IP address. Same shape
// as store.GeoIPResolver/geoip.Resolver (spec.md §9's GeoIP
// collaborator design note); redefined here so this package has no
// dependency on any concrete resolver implementation.
type GeoIPResolver interface {
	Lookup(ip string) (countryCode, location string, err error)
}

// Computer holds the per-backend lastSeen/identity state described in
// spec.md §4.3. It is owned exclusively by one Collector Session and is
// not safe for concurrent use — the session that reads frames off its
// own WebSocket is also the only writer.
type Computer struct {
	backendID string
	state     map[string]*baseline
	geo       GeoIPResolver
}

// New creates a Computer for one backend. Session restarts must call
// New again (not Reset) so every open upstream connection is treated as
// a fresh baseline with zero emitted delta, per spec.md §3's invariant
// on per-Session lifetime.
func New(backendID string) *Computer {
	return &Computer{
		backendID: backendID,
		state:     make(map[string]*baseline),
	}
}

// SetGeoIP installs the optional collaborator used to resolve a new
// connection's CountryCode at first sight, alongside every other
// identity field frozen there. A nil resolver (the default) leaves
// CountryCode empty, matching the Store's GeoIP lookup-failure policy
// (spec.md §7: "null result persists as empty").
func (c *Computer) SetGeoIP(r GeoIPResolver) {
	c.geo = r
}

// Process computes the deltas for one snapshot of currently-open
// connections and returns them in no particular order. now is injected
// rather than read from time.Now so tests can supply synthetic clocks.
func (c *Computer) Process(snapshot []model.ConnectionSnapshot, now time.Time) []model.Delta {
	seen := make(map[string]struct{}, len(snapshot))
	deltas := make([]model.Delta, 0, len(snapshot))

	for _, cur := range snapshot {
		seen[cur.ID] = struct{}{}
		b, exists := c.state[cur.ID]

		if !exists {
			chain, landing := model.Canonicalize(cur.Chains)
			id := model.Identity{
				Host:          cur.Host,
				DestinationIP: cur.DestinationIP,
				SourceIP:      cur.SourceIP,
				SourcePort:    cur.SourcePort,
				Chain:         chain,
				LandingProxy:  landing,
				Rule:          cur.Rule,
				RulePayload:   cur.RulePayload,
				Network:       cur.Network,
				ConnType:      cur.Type,
				Process:       cur.Process,
			}
			if c.geo != nil {
				lookupIP := cur.DestinationIP
				if lookupIP == "" {
					lookupIP = cur.SourceIP
				}
				if lookupIP != "" {
					if cc, _, err := c.geo.Lookup(lookupIP); err == nil {
						id.CountryCode = cc
					}
				}
			}
			c.state[cur.ID] = &baseline{
				upload:   cur.UploadBytes,
				download: cur.DownloadBytes,
				identity: id,
				lastSeen: now,
			}
			deltas = append(deltas, model.Delta{
				BackendID:     c.backendID,
				ConnectionID:  cur.ID,
				Identity:      id,
				UploadDelta:   cur.UploadBytes,
				DownloadDelta: cur.DownloadBytes,
				IsNew:         true,
				At:            now,
			})
			continue
		}

		du := safeSub(cur.UploadBytes, b.upload)
		dd := safeSub(cur.DownloadBytes, b.download)
		if cur.UploadBytes < b.upload || cur.DownloadBytes < b.download {
			// Upstream counter reset (restart or id reuse): rebaseline
			// with zero emitted delta rather than a negative one.
			b.upload = cur.UploadBytes
			b.download = cur.DownloadBytes
			b.lastSeen = now
			deltas = append(deltas, model.Delta{
				BackendID:    c.backendID,
				ConnectionID: cur.ID,
				Identity:     b.identity,
				At:           now,
			})
			continue
		}

		b.upload = cur.UploadBytes
		b.download = cur.DownloadBytes
		b.lastSeen = now
		deltas = append(deltas, model.Delta{
			BackendID:     c.backendID,
			ConnectionID:  cur.ID,
			Identity:      b.identity,
			UploadDelta:   du,
			DownloadDelta: dd,
			At:            now,
		})
	}

	// Connections present in state but absent from this snapshot closed.
	for id, b := range c.state {
		if _, ok := seen[id]; ok {
			continue
		}
		deltas = append(deltas, model.Delta{
			BackendID:    c.backendID,
			ConnectionID: id,
			Identity:     b.identity,
			IsClosed:     true,
			At:           now,
		})
		delete(c.state, id)
	}

	c.sweepStale(now)

	return deltas
}

// sweepStale removes entries whose last activity exceeds staleAfter,
// guarding against upstreams that silently drop entries without ever
// reporting them absent from a snapshot.
func (c *Computer) sweepStale(now time.Time) {
	for id, b := range c.state {
		if now.Sub(b.lastSeen) > staleAfter {
			delete(c.state, id)
		}
	}
}

// Len reports the number of currently-tracked open connections. Used by
// health/diagnostics surfaces.
func (c *Computer) Len() int {
	return len(c.state)
}

func safeSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
