package collector

import (
	"testing"
	"time"

	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/realtime"
)

type fakeBackendSource struct {
	backends []model.Backend
}

func (f *fakeBackendSource) ListListeningBackends() ([]model.Backend, error) {
	return f.backends, nil
}

func TestSupervisorSyncStartsAndStopsSessions(t *testing.T) {
	src := &fakeBackendSource{backends: []model.Backend{
		{ID: "b1", URL: "http://127.0.0.1:1"},
	}}
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	sup := NewSupervisor(src, cache, nil)

	if err := sup.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(sup.sessions) != 1 {
		t.Fatalf("expected 1 running session, got %d", len(sup.sessions))
	}

	src.backends = nil
	if err := sup.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(sup.sessions) != 0 {
		t.Fatalf("expected sessions stopped after backend removed, got %d", len(sup.sessions))
	}
}

func TestSupervisorSyncIsIdempotent(t *testing.T) {
	src := &fakeBackendSource{backends: []model.Backend{{ID: "b1", URL: "http://127.0.0.1:1"}}}
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	sup := NewSupervisor(src, cache, nil)

	if err := sup.Sync(); err != nil {
		t.Fatalf("sync 1: %v", err)
	}
	first := sup.sessions["b1"]
	if err := sup.Sync(); err != nil {
		t.Fatalf("sync 2: %v", err)
	}
	if sup.sessions["b1"] != first {
		t.Fatalf("expected re-sync to keep the same session, not restart it")
	}

	sup.StopAll()
}

func TestSupervisorStopAllReturnsPromptly(t *testing.T) {
	src := &fakeBackendSource{backends: []model.Backend{
		{ID: "b1", URL: "http://127.0.0.1:1"},
		{ID: "b2", URL: "http://127.0.0.1:1"},
	}}
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	sup := NewSupervisor(src, cache, nil)
	if err := sup.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sup.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("StopAll did not return promptly")
	}
}
