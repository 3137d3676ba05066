package collector

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// probeTimeout is the hard timeout for the backend test probe (spec.md
// §6: "test opens WS, 5 s timeout").
const probeTimeout = 5 * time.Second

// ProbeResult is the response shape of POST /api/backends/:id/test
// and POST /api/backends/test (SPEC_FULL.md's "Backend test probe"
// supplemented feature).
type ProbeResult struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Probe dials url/token using the same connect path a live Session
// uses, waits for one frame (or the probe timeout), and reports
// success/latency. It never blocks longer than probeTimeout.
func Probe(rawURL, token string) ProbeResult {
	start := time.Now()

	target, err := connectionsURL(rawURL)
	if err != nil {
		return ProbeResult{OK: false, Error: err.Error()}
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	var header http.Header
	if token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := dialer.Dial(target, header)
	if err != nil {
		return ProbeResult{OK: false, Error: fmt.Errorf("dial: %w", err).Error()}
	}
	defer conn.Close()

	conn.SetReadDeadline(start.Add(probeTimeout))
	_, _, err = conn.ReadMessage()
	latency := time.Since(start).Milliseconds()
	if err != nil {
		// A read timeout with a successful handshake still indicates a
		// reachable, authenticating backend; only report failure if the
		// connection was rejected outright (handled above).
		return ProbeResult{OK: true, LatencyMs: latency, Error: "no frame received within timeout"}
	}
	return ProbeResult{OK: true, LatencyMs: latency}
}
