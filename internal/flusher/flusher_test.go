package flusher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/realtime"
)

type fakeStore struct {
	mu          sync.Mutex
	calls       []string
	failNTimes  int
	failPerm    bool
	flushedRows map[model.Dimension][]model.Row
}

func newFakeStore() *fakeStore {
	return &fakeStore{flushedRows: make(map[model.Dimension][]model.Row)}
}

func (f *fakeStore) FlushDimension(backendID string, dim model.Dimension, rows []model.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(dim))

	if f.failPerm {
		return errors.New("constraint failed: UNIQUE")
	}
	if f.failNTimes > 0 {
		f.failNTimes--
		return errors.New("database is locked")
	}
	f.flushedRows[dim] = append(f.flushedRows[dim], rows...)
	return nil
}

func bucketKey(dim model.Dimension, backendID string) model.Key {
	return model.Key{BackendID: backendID, Dimension: dim, Host: "a.example", TimeBucket: model.HourFloor(time.Now())}
}

func TestFlushAllDrainsAndPersists(t *testing.T) {
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	cache.Apply("b1", bucketKey(model.DimDomain, "b1"), model.Totals{Upload: 10, Connections: 1}, time.Now(), nil)

	st := newFakeStore()
	f := New(cache, st, time.Hour)
	f.FlushAll()

	if len(st.flushedRows[model.DimDomain]) != 1 {
		t.Fatalf("expected 1 flushed domain row, got %d", len(st.flushedRows[model.DimDomain]))
	}
	if rows := cache.RowsForDimension("b1", model.DimDomain); len(rows) != 0 {
		t.Fatalf("expected cache drained after successful flush, got %d rows", len(rows))
	}
}

func TestFlushRetriesThenRequeuesOnPersistentBusy(t *testing.T) {
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	cache.Apply("b1", bucketKey(model.DimDomain, "b1"), model.Totals{Upload: 10, Connections: 1}, time.Now(), nil)

	st := newFakeStore()
	st.failNTimes = 99 // always busy
	f := New(cache, st, time.Hour)
	f.flushDimensionWithRetry("b1", model.DimDomain, cache.Drain("b1").Rows[model.DimDomain])

	if len(st.calls) != maxRetryAttempts {
		t.Fatalf("expected %d attempts, got %d", maxRetryAttempts, len(st.calls))
	}
	// Requeue happens inside flushDimensionWithRetry directly on f.cache,
	// so reading the cache again should show the row back.
	rows := cache.RowsForDimension("b1", model.DimDomain)
	if len(rows) != 1 {
		t.Fatalf("expected row requeued into cache after exhausting retries, got %d", len(rows))
	}
}

func TestFlushDiscardsOnConstraintError(t *testing.T) {
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	cache.Apply("b1", bucketKey(model.DimDomain, "b1"), model.Totals{Upload: 10, Connections: 1}, time.Now(), nil)

	st := newFakeStore()
	st.failPerm = true
	f := New(cache, st, time.Hour)
	f.FlushAll()

	if len(st.calls) != 1 {
		t.Fatalf("expected constraint error to be attempted exactly once, got %d calls", len(st.calls))
	}
	if rows := cache.RowsForDimension("b1", model.DimDomain); len(rows) != 0 {
		t.Fatalf("expected constraint-failed row discarded, not requeued, got %d rows", len(rows))
	}
}

func TestFlushOrderIsFixed(t *testing.T) {
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	now := time.Now()
	cache.Apply("b1", model.Key{BackendID: "b1", Dimension: model.DimCountry, CountryCode: "US", TimeBucket: model.HourFloor(now)}, model.Totals{Upload: 1}, now, nil)
	cache.Apply("b1", model.Key{BackendID: "b1", Dimension: model.DimHourly, TimeBucket: model.HourFloor(now)}, model.Totals{Upload: 1}, now, nil)
	cache.Apply("b1", model.Key{BackendID: "b1", Dimension: model.DimDomain, Host: "a.example", TimeBucket: model.HourFloor(now)}, model.Totals{Upload: 1}, now, nil)

	st := newFakeStore()
	f := New(cache, st, time.Hour)
	f.FlushAll()

	// hourly must precede domain must precede country in st.calls, per
	// model.FlushOrder (spec.md §4.6).
	idx := map[string]int{}
	for i, c := range st.calls {
		idx[c] = i
	}
	if !(idx[string(model.DimHourly)] < idx[string(model.DimDomain)] && idx[string(model.DimDomain)] < idx[string(model.DimCountry)]) {
		t.Fatalf("expected fixed flush order hourly < domain < country, got %v", st.calls)
	}
}

func TestStopPerformsFinalSynchronousFlush(t *testing.T) {
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	cache.Apply("b1", bucketKey(model.DimDomain, "b1"), model.Totals{Upload: 10, Connections: 1}, time.Now(), nil)

	st := newFakeStore()
	f := New(cache, st, time.Hour) // long interval: only Stop's final flush should persist it
	f.Start()
	f.Stop()

	if len(st.flushedRows[model.DimDomain]) != 1 {
		t.Fatalf("expected shutdown to flush pending rows, got %d", len(st.flushedRows[model.DimDomain]))
	}
}
