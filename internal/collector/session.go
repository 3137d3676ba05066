// Package collector dials upstream Clash-compatible routers over
// WebSocket, decodes their /connections stream, and feeds the Delta
// Computer and Realtime Cache (spec.md §4.4).
package collector

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/internal/delta"
	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/realtime"
	"github.com/laoshifu996/clash-master/pkg/logger"
)

const (
	baseBackoff     = 1 * time.Second
	maxBackoff      = 30 * time.Second
	handshakeTimeout = 5 * time.Second
)

// ConnectionRecorder is the narrow Store surface a Session needs —
// defined here so this package does not depend on internal/store.
type ConnectionRecorder interface {
	RecordConnection(rec model.ConnectionRecord) error
}

// Session maintains one backend's WebSocket subscription end-to-end:
// dial, decode, delta, cache-apply, reconnect-with-backoff (spec.md
// §4.4). One Session per backend; owned and started/stopped by the
// Collector Supervisor. Grounded on client/ws/client.go's Dialer +
// readLoop/reconnect shape.
type Session struct {
	backendID string
	url       string
	token     string

	cache    *realtime.Cache
	recorder ConnectionRecorder
	computer *delta.Computer

	mu          sync.RWMutex
	state       State
	conn        *websocket.Conn
	lastFrameAt time.Time
	lastErr     error
	attempts    int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Session for one backend. The Delta Computer is
// created fresh here so a Session restart resets its baselines, per
// spec.md §3's invariant on per-Session lifetime.
func New(backend model.Backend, cache *realtime.Cache, recorder ConnectionRecorder) *Session {
	return &Session{
		backendID: backend.ID,
		url:       backend.URL,
		token:     backend.Token,
		cache:     cache,
		recorder:  recorder,
		computer:  delta.New(backend.ID),
		state:     StateIdle,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the Session's connect/read/backoff loop in its own
// goroutine and returns immediately.
func (s *Session) Start() {
	go s.run()
}

// SetGeoIP installs the optional GeoIP collaborator used to resolve a
// new connection's country at first sight. Must be called before
// Start; forwarded straight to the Session's own Delta Computer.
func (s *Session) SetGeoIP(r delta.GeoIPResolver) {
	s.computer.SetGeoIP(r)
}

// Stop requests cooperative cancellation: closes the socket so any
// blocked read wakes, wakes a pending backoff sleep, and waits for the
// loop goroutine to fully exit before returning (spec.md §4.4:
// "the Session returns only once all in-flight frame processing
// completes").
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.doneCh
}

// Health reports the Session's current status fields.
func (s *Session) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{State: s.state, LastFrameAt: s.lastFrameAt}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	switch {
	case s.state == StateOpen && time.Since(s.lastFrameAt) <= healthyWindow:
		h.Status = HealthHealthy
	case s.state == StateOpen || s.state == StateBackoff:
		h.Status = HealthUnhealthy
	default:
		h.Status = HealthUnknown
	}
	return h
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			s.setState(StateStopped)
			return
		default:
		}

		if s.runOnce() {
			return
		}
	}
}

// runOnce performs one dial+readLoop iteration and reports whether the
// Session should stop entirely. The recover lives here, inside the
// loop, rather than wrapping the whole of run: spec.md §7 requires a
// panic to log, transition the Session to Backoff, and let collection
// keep retrying — a recover around the outer loop would instead let
// one panic unwind run() and permanently end the goroutine.
func (s *Session) runOnce() (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("collector session panicked", zap.String("backendId", s.backendID), zap.Any("recover", r))
			s.mu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.mu.Unlock()
			s.setState(StateBackoff)
			if !s.backoffSleep() {
				s.setState(StateStopped)
				stop = true
			}
		}
	}()

	s.setState(StateConnecting)
	conn, err := s.dial()
	if err != nil {
		s.setErr(err)
		logger.Warn("collector dial failed", zap.String("backendId", s.backendID), zap.Error(err))
		if !s.backoffSleep() {
			s.setState(StateStopped)
			return true
		}
		return false
	}

	s.mu.Lock()
	s.conn = conn
	s.attempts = 0
	s.mu.Unlock()
	s.setState(StateOpen)
	logger.Info("collector session connected", zap.String("backendId", s.backendID))

	s.readLoop(conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	select {
	case <-s.stopCh:
		s.setState(StateStopped)
		return true
	default:
	}

	s.setState(StateBackoff)
	if !s.backoffSleep() {
		s.setState(StateStopped)
		return true
	}
	return false
}

func (s *Session) dial() (*websocket.Conn, error) {
	target, err := connectionsURL(s.url)
	if err != nil {
		return nil, fmt.Errorf("collector: invalid backend url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	var header http.Header
	if s.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + s.token}}
	}

	conn, _, err := dialer.Dial(target, header)
	if err != nil {
		return nil, fmt.Errorf("collector: dial: %w", err)
	}
	return conn, nil
}

// readLoop processes inbound frames in receipt order until the
// connection errors or stop is requested (spec.md §5: "within one
// Session, frames are processed in receipt order").
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("collector read error", zap.String("backendId", s.backendID), zap.Error(err))
			}
			s.setErr(err)
			return
		}
		s.handleFrame(payload)
	}
}

func (s *Session) handleFrame(payload []byte) {
	var f frame
	if err := decodeFrame(payload, &f); err != nil {
		logger.Warn("collector frame decode error", zap.String("backendId", s.backendID), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.lastFrameAt = time.Now()
	s.mu.Unlock()

	now := time.Now()
	deltas := s.computer.Process(f.toSnapshots(), now)

	for _, d := range deltas {
		if !d.HasTraffic() {
			continue
		}
		keys := model.KeysForIdentity(s.backendID, d.Identity, d.At)
		totals := model.Totals{Upload: d.UploadDelta, Download: d.DownloadDelta, Connections: 0}
		if d.IsNew {
			totals.Connections = 1
		}
		for _, k := range keys {
			s.cache.Apply(s.backendID, k, totals, d.At, nil)
		}

		if d.IsClosed && s.recorder != nil {
			rec := model.ConnectionRecord{
				ID:            uuid.New().String(),
				BackendID:     s.backendID,
				Host:          d.Identity.Host,
				DestinationIP: d.Identity.DestinationIP,
				SourceIP:      d.Identity.SourceIP,
				Chain:         d.Identity.Chain,
				Rule:          d.Identity.Rule,
				Upload:        d.UploadDelta,
				Download:      d.DownloadDelta,
				StartedAt:     d.At,
				ClosedAt:      d.At,
			}
			go func() {
				if err := s.recorder.RecordConnection(rec); err != nil {
					logger.Debug("collector record connection failed", zap.String("backendId", s.backendID), zap.Error(err))
				}
			}()
		}
	}
}

// backoffSleep waits min(baseDelay*2^attempts, maxDelay) jittered
// ±20% (spec.md §4.4), returning false if stop was requested during
// the wait.
func (s *Session) backoffSleep() bool {
	s.mu.Lock()
	attempt := s.attempts
	s.attempts++
	s.mu.Unlock()

	delay := baseBackoff * time.Duration(1<<uint(minInt(attempt, 5)))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	jitter := time.Duration(float64(delay) * (rand.Float64()*0.4 - 0.2))
	delay += jitter
	if delay < 0 {
		delay = baseBackoff
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// decodeFrame exists as its own function (rather than inlined) so
// tests can exercise malformed-payload handling directly.
func decodeFrame(payload []byte, f *frame) error {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return fmt.Errorf("collector: empty frame")
	}
	return json.Unmarshal([]byte(trimmed), f)
}
