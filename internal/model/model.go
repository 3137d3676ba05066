// Package model holds the shared types that flow between the collector,
// delta computer, realtime cache and store layers.
package model

import "time"

// Backend is one upstream Clash-compatible router instance.
type Backend struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"url" db:"url"`
	Token     string    `json:"-" db:"token"`
	HasToken  bool      `json:"hasToken" db:"-"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	Listening bool      `json:"listening" db:"listening"`
	IsActive  bool      `json:"isActive" db:"is_active"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ConnectionSnapshot is one entry of an upstream /connections frame.
type ConnectionSnapshot struct {
	ID              string
	UploadBytes     uint64
	DownloadBytes   uint64
	Start           time.Time
	SourceIP        string
	SourcePort      string
	Host            string
	DestinationIP   string
	DestinationPort string
	Network         string
	Type            string
	Chains          []string
	Rule            string
	RulePayload     string
	Process         string
}

// Identity bundles the descriptors of a connection that are frozen at
// first sight and never re-read from later snapshots (§4.3 tie-break).
type Identity struct {
	Host          string
	DestinationIP string
	SourceIP      string
	SourcePort    string
	Chain         string
	LandingProxy  string
	Rule          string
	RulePayload   string
	Network       string
	ConnType      string
	Process       string
	CountryCode   string
}

// Canonicalize builds the "<proxy> > ... > <rule>" chain string and the
// landing proxy from an upstream chains[] array (proxy-first order).
func Canonicalize(chains []string) (chain, landingProxy string) {
	if len(chains) == 0 {
		return "", "DIRECT"
	}
	chain = chains[0]
	for _, c := range chains[1:] {
		chain += " > " + c
	}
	return chain, chains[0]
}

// Delta is one emitted per-connection byte increment.
type Delta struct {
	BackendID     string
	ConnectionID  string
	Identity      Identity
	UploadDelta   uint64
	DownloadDelta uint64
	IsNew         bool
	IsClosed      bool
	At            time.Time
}

// HasTraffic reports whether a delta is worth folding into the realtime
// cache (§4.4 step 3: du>0 || dd>0 || isNew || isClosed).
func (d Delta) HasTraffic() bool {
	return d.UploadDelta > 0 || d.DownloadDelta > 0 || d.IsNew || d.IsClosed
}

// ConnectionRecord is the short-lived persisted row for one completed
// (or still-open, best-effort) connection.
type ConnectionRecord struct {
	ID            string
	BackendID     string
	Host          string
	DestinationIP string
	SourceIP      string
	Chain         string
	Rule          string
	Upload        uint64
	Download      uint64
	StartedAt     time.Time
	ClosedAt      time.Time
}

// RetentionConfig is the singleton persisted retention policy row.
type RetentionConfig struct {
	ConnectionLogsDays int  `json:"connectionLogsDays"`
	HourlyStatsDays    int  `json:"hourlyStatsDays"`
	AutoCleanup        bool `json:"autoCleanup"`
}

// Clamp enforces spec.md §3's RetentionConfig bounds in place.
func (r *RetentionConfig) Clamp() {
	if r.ConnectionLogsDays < 1 {
		r.ConnectionLogsDays = 1
	} else if r.ConnectionLogsDays > 90 {
		r.ConnectionLogsDays = 90
	}
	if r.HourlyStatsDays < 7 {
		r.HourlyStatsDays = 7
	} else if r.HourlyStatsDays > 365 {
		r.HourlyStatsDays = 365
	}
}

// DefaultRetentionConfig matches spec.md §3's stated defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		ConnectionLogsDays: 7,
		HourlyStatsDays:    90,
		AutoCleanup:        true,
	}
}

// Totals is a generic {upload, download, connections} accumulator shared
// by every aggregate dimension.
type Totals struct {
	Upload      uint64 `json:"upload"`
	Download    uint64 `json:"download"`
	Connections int64  `json:"connections"`
}

// Add performs the additive merge used throughout the realtime cache and
// the store's UPSERT semantics.
func (t *Totals) Add(o Totals) {
	t.Upload += o.Upload
	t.Download += o.Download
	t.Connections += o.Connections
}
