// Package realtime holds the hot, un-flushed per-backend aggregate
// mirror described in spec.md §4.2. It is both the read-overlay source
// for the query API and the write buffer the Flusher drains.
package realtime

import (
	"sync"
	"time"

	"github.com/laoshifu996/clash-master/internal/model"
)

// DefaultRangeEndTolerance is the default REALTIME_RANGE_END_TOLERANCE_MS.
const DefaultRangeEndTolerance = 120 * time.Second

// MinRangeEndTolerance is the minimum allowed value for the tolerance.
const MinRangeEndTolerance = 10 * time.Second

// backendBucket is one backend's RealtimeBucket (spec.md §3): every
// aggregate table mirrored by key, plus the day-scoped delta used for
// getTodayDelta.
type backendBucket struct {
	mu    sync.Mutex
	rows  map[model.Key]*model.Row
	today model.Totals
	dayAt time.Time // UTC midnight the `today` totals are scoped to
}

func newBackendBucket() *backendBucket {
	return &backendBucket{
		rows:  make(map[model.Key]*model.Row),
		dayAt: utcMidnight(time.Now()),
	}
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Cache is the Realtime Cache. Access to any one backend's bucket is
// linearizable via that bucket's own mutex; distinct backends are
// independent, matching spec.md §5's concurrency guarantees.
type Cache struct {
	tolerance time.Duration

	mu      sync.RWMutex
	buckets map[string]*backendBucket
}

// New creates a Cache. tolerance is clamped to MinRangeEndTolerance.
func New(tolerance time.Duration) *Cache {
	if tolerance < MinRangeEndTolerance {
		tolerance = MinRangeEndTolerance
	}
	return &Cache{
		tolerance: tolerance,
		buckets:   make(map[string]*backendBucket),
	}
}

func (c *Cache) bucket(backendID string) *backendBucket {
	c.mu.RLock()
	b, ok := c.buckets[backendID]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[backendID]; ok {
		return b
	}
	b = newBackendBucket()
	c.buckets[backendID] = b
	return b
}

// Apply performs the additive merge of one dimension-key update into
// the pending cache (§4.2 contract: apply).
func (c *Cache) Apply(backendID string, key model.Key, totals model.Totals, lastSeen time.Time, geo *model.GeoInfo) {
	b := c.bucket(backendID)

	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.rows[key]
	if !ok {
		row = &model.Row{Key: key}
		b.rows[key] = row
	}
	row.Totals.Add(totals)
	if lastSeen.After(row.LastSeen) {
		row.LastSeen = lastSeen
	}
	if geo != nil {
		row.GeoIP = geo
	}

	if key.Dimension == model.DimHourly {
		c.rollTodayLocked(b, totals)
	}
}

func (c *Cache) rollTodayLocked(b *backendBucket, totals model.Totals) {
	today := utcMidnight(time.Now())
	if today.After(b.dayAt) {
		b.today = model.Totals{}
		b.dayAt = today
	}
	b.today.Add(totals)
}

// GetTodayDelta returns the day-scoped sum since the last UTC midnight
// (§4.2 contract: getTodayDelta). See SPEC_FULL.md for the UTC-midnight
// Open Question resolution.
func (c *Cache) GetTodayDelta(backendID string) model.Totals {
	b := c.bucket(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if utcMidnight(time.Now()).After(b.dayAt) {
		return model.Totals{}
	}
	return b.today
}

// ApplySummaryDelta returns dbSummary incremented by every cached
// totals for the given key set (§4.2 contract: applySummaryDelta).
func (c *Cache) ApplySummaryDelta(backendID string, dbSummary model.Totals, keys ...model.Key) model.Totals {
	b := c.bucket(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := dbSummary
	for _, k := range keys {
		if row, ok := b.rows[k]; ok {
			out.Add(row.Totals)
		}
	}
	return out
}

// RowsForDimension returns a snapshot copy of every pending row for one
// dimension on one backend. The copy is taken under the lock; callers
// perform merge/sort/truncate work outside of it, per spec.md §4.2's
// "overlay computation happens on snapshot copies outside the lock".
func (c *Cache) RowsForDimension(backendID string, dim model.Dimension) []model.Row {
	b := c.bucket(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.Row, 0)
	for k, row := range b.rows {
		if k.Dimension == dim {
			out = append(out, *row)
		}
	}
	return out
}

// RowsSince returns a snapshot of every row of dimension dim at or after
// since (UTC), used by mergeTrend.
func (c *Cache) RowsSince(backendID string, dim model.Dimension, since time.Time) []model.Row {
	b := c.bucket(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.Row, 0)
	for k, row := range b.rows {
		if k.Dimension == dim && !k.TimeBucket.Before(since) {
			out = append(out, *row)
		}
	}
	return out
}

// WithinOverlayWindow reports whether a query window's end is recent
// enough for the realtime overlay to apply (§4.2 "Time-overlay
// policy"). A nil end means "no upper bound", which is always close
// enough to now.
func (c *Cache) WithinOverlayWindow(end *time.Time) bool {
	if end == nil {
		return true
	}
	return time.Since(*end) <= c.tolerance
}

// FlushBatch is what Drain hands to the Flusher: every dimension's
// pending rows for one backend, grouped by dimension. The map has no
// order; the Flusher walks it in model.FlushOrder.
type FlushBatch struct {
	BackendID string
	Rows      map[model.Dimension][]model.Row
}

// Drain atomically snapshots and clears every dimension's pending
// deltas for one backend (§4.2 contract: drain). Used only by the
// Flusher.
func (c *Cache) Drain(backendID string) FlushBatch {
	b := c.bucket(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := FlushBatch{BackendID: backendID, Rows: make(map[model.Dimension][]model.Row)}
	for _, row := range b.rows {
		batch.Rows[row.Key.Dimension] = append(batch.Rows[row.Key.Dimension], *row)
	}
	b.rows = make(map[model.Key]*model.Row)
	return batch
}

// BackendIDs returns every backend currently tracked by the cache
// (i.e. named in any call that goes through bucket(), reads and drains
// included, and not since removed), used by the
// Flusher to know which backends to drain each tick.
func (c *Cache) BackendIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.buckets))
	for id := range c.buckets {
		out = append(out, id)
	}
	return out
}

// ClearBackend wipes a backend's pending rows without flushing them
// (§4.2 contract: clearBackend), used by the data-clear API.
func (c *Cache) ClearBackend(backendID string) {
	b := c.bucket(backendID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = make(map[model.Key]*model.Row)
	b.today = model.Totals{}
}

// Requeue re-applies a dimension's rows back into the cache. Used by
// the Flusher when a drained batch's dimension fails with a retryable
// Store error (§4.6 step 4).
func (c *Cache) Requeue(backendID string, rows []model.Row) {
	for _, row := range rows {
		c.Apply(backendID, row.Key, row.Totals, row.LastSeen, row.GeoIP)
	}
}
