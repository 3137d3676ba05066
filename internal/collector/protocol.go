package collector

import (
	"net/url"
	"strings"
	"time"

	"github.com/laoshifu996/clash-master/internal/model"
)

// connectionMeta mirrors the `metadata` object of one upstream
// connection (spec.md §6's upstream protocol).
type connectionMeta struct {
	Host            string `json:"host"`
	DestinationIP   string `json:"destinationIP"`
	DestinationPort string `json:"destinationPort"`
	SourceIP        string `json:"sourceIP"`
	SourcePort      string `json:"sourcePort"`
	Network         string `json:"network"`
	Type            string `json:"type"`
	Process         string `json:"process,omitempty"`
}

// connectionFrame is one entry of a frame's `connections` array.
type connectionFrame struct {
	ID          string         `json:"id"`
	Upload      uint64         `json:"upload"`
	Download    uint64         `json:"download"`
	Start       time.Time      `json:"start"`
	Chains      []string       `json:"chains"`
	Rule        string         `json:"rule"`
	RulePayload string         `json:"rulePayload"`
	Metadata    connectionMeta `json:"metadata"`
}

// frame is the top-level decoded shape of an upstream text frame
// (spec.md §6: "{downloadTotal, uploadTotal, connections: [...]}").
type frame struct {
	DownloadTotal int64             `json:"downloadTotal"`
	UploadTotal   int64             `json:"uploadTotal"`
	Connections   []connectionFrame `json:"connections"`
}

// toSnapshots converts a decoded frame into the Delta Computer's input
// shape. The frame's top-level totals are informational only (spec.md
// §4.4: "authority is the per-connection array").
func (f frame) toSnapshots() []model.ConnectionSnapshot {
	out := make([]model.ConnectionSnapshot, 0, len(f.Connections))
	for _, c := range f.Connections {
		out = append(out, model.ConnectionSnapshot{
			ID:              c.ID,
			UploadBytes:     c.Upload,
			DownloadBytes:   c.Download,
			Start:           c.Start,
			SourceIP:        c.Metadata.SourceIP,
			SourcePort:      c.Metadata.SourcePort,
			Host:            c.Metadata.Host,
			DestinationIP:   c.Metadata.DestinationIP,
			DestinationPort: c.Metadata.DestinationPort,
			Network:         c.Metadata.Network,
			Type:            c.Metadata.Type,
			Chains:          c.Chains,
			Rule:            c.Rule,
			RulePayload:     c.RulePayload,
			Process:         c.Metadata.Process,
		})
	}
	return out
}

// connectionsURL normalizes a backend's configured URL into the
// /connections WebSocket endpoint (spec.md §4.4: "appending
// /connections if absent; converting http(s):// to ws(s)://").
func connectionsURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already correct
	default:
		u.Scheme = "ws"
	}

	if !strings.HasSuffix(u.Path, "/connections") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/connections"
	}
	return u.String(), nil
}
