package collector

import (
	"sync"

	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/internal/delta"
	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/realtime"
	"github.com/laoshifu996/clash-master/pkg/logger"
)

// BackendSource is the narrow Store surface the Supervisor needs to
// reconcile against (spec.md §4.5).
type BackendSource interface {
	ListListeningBackends() ([]model.Backend, error)
}

// Supervisor owns the set of running Sessions and reconciles it
// against the Backends table (spec.md §4.5). All mutations are
// serialized on a single mutex, grounded on plane/internal/ws/manager.go's
// session-map-plus-mutex shape.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*Session

	backends BackendSource
	cache    *realtime.Cache
	recorder ConnectionRecorder
	geo      delta.GeoIPResolver
}

// NewSupervisor constructs a Supervisor. recorder may be nil in tests
// that don't care about connection-record persistence.
func NewSupervisor(backends BackendSource, cache *realtime.Cache, recorder ConnectionRecorder) *Supervisor {
	return &Supervisor{
		sessions: make(map[string]*Session),
		backends: backends,
		cache:    cache,
		recorder: recorder,
	}
}

// SetGeoIP installs the optional GeoIP collaborator passed on to every
// Session this Supervisor starts (including ones started by future
// Sync calls). Call before the first Sync.
func (sup *Supervisor) SetGeoIP(r delta.GeoIPResolver) {
	sup.mu.Lock()
	sup.geo = r
	sup.mu.Unlock()
}

// Sync reconciles running Sessions with the current enabled+listening
// backend set: starts Sessions for newly-eligible backends and stops
// Sessions whose backend is no longer eligible (disabled, not
// listening, or deleted). Called on startup and after every mutating
// backends API call (spec.md §4.5).
func (sup *Supervisor) Sync() error {
	desired, err := sup.backends.ListListeningBackends()
	if err != nil {
		return err
	}

	desiredByID := make(map[string]model.Backend, len(desired))
	for _, b := range desired {
		desiredByID[b.ID] = b
	}

	sup.mu.Lock()
	defer sup.mu.Unlock()

	for id, sess := range sup.sessions {
		if _, ok := desiredByID[id]; !ok {
			sess.Stop()
			delete(sup.sessions, id)
			logger.Info("collector supervisor stopped session", zap.String("backendId", id))
		}
	}

	for id, b := range desiredByID {
		if _, ok := sup.sessions[id]; ok {
			continue
		}
		sess := New(b, sup.cache, sup.recorder)
		if sup.geo != nil {
			sess.SetGeoIP(sup.geo)
		}
		sess.Start()
		sup.sessions[id] = sess
		logger.Info("collector supervisor started session", zap.String("backendId", id))
	}

	return nil
}

// StopAll stops every running Session (used during graceful shutdown,
// spec.md §5: "Supervisor stops all Sessions (drains in-flight
// frames)"). Each Session's Stop() blocks until it has fully
// unwound, so StopAll's return means every Session is quiesced.
func (sup *Supervisor) StopAll() {
	sup.mu.Lock()
	sessions := make([]*Session, 0, len(sup.sessions))
	for _, sess := range sup.sessions {
		sessions = append(sessions, sess)
	}
	sup.sessions = make(map[string]*Session)
	sup.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(sess)
	}
	wg.Wait()
}

// Health returns the health snapshot of one backend's Session, or
// HealthUnknown if it has no running Session.
func (sup *Supervisor) Health(backendID string) Health {
	sup.mu.Lock()
	sess, ok := sup.sessions[backendID]
	sup.mu.Unlock()
	if !ok {
		return Health{Status: HealthUnknown}
	}
	return sess.Health()
}

// AllHealth returns every running Session's health keyed by backendId,
// used by list endpoints that join health into each backend summary.
func (sup *Supervisor) AllHealth() map[string]Health {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	out := make(map[string]Health, len(sup.sessions))
	for id, sess := range sup.sessions {
		out[id] = sess.Health()
	}
	return out
}
