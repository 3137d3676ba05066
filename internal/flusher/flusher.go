// Package flusher periodically moves the Realtime Cache's pending
// deltas into the Store via batched UPSERTs (spec.md §4.6).
package flusher

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/realtime"
	"github.com/laoshifu996/clash-master/internal/store"
	"github.com/laoshifu996/clash-master/pkg/logger"
)

// maxRetryAttempts bounds a single flush attempt's retries before the
// batch is returned to the cache for the next tick (spec.md §4.1:
// "retried up to 5 attempts exponential backoff").
const maxRetryAttempts = 5

// Store is the narrow persistence surface the Flusher needs.
type Store interface {
	FlushDimension(backendID string, dim model.Dimension, rows []model.Row) error
}

// Flusher drains the Realtime Cache into the Store on a fixed
// interval, in spec.md §4.6's fixed dimension order, and performs one
// final synchronous flush on shutdown.
type Flusher struct {
	cache    *realtime.Cache
	store    Store
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Flusher. interval is FLUSH_INTERVAL_MS from
// internal/config, defaulting to 5s per spec.md §6.
func New(cache *realtime.Cache, st Store, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Flusher{
		cache:    cache,
		store:    st,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (f *Flusher) Start() {
	go f.run()
}

// Stop requests the loop to exit; it performs one last synchronous
// flush of every backend before returning (spec.md §4.6 step 5).
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.doneCh
}

func (f *Flusher) run() {
	defer close(f.doneCh)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.FlushAll()
		case <-f.stopCh:
			f.FlushAll()
			return
		}
	}
}

// FlushAll drains and persists every backend currently tracked by the
// cache. Exported so callers (tests, the final-shutdown path) can
// force a synchronous pass outside the ticker cadence.
func (f *Flusher) FlushAll() {
	for _, backendID := range f.cache.BackendIDs() {
		f.flushBackend(backendID)
	}
}

func (f *Flusher) flushBackend(backendID string) {
	batch := f.cache.Drain(backendID)

	for _, dim := range model.FlushOrder {
		rows := batch.Rows[dim]
		if len(rows) == 0 {
			continue
		}
		f.flushDimensionWithRetry(backendID, dim, rows)
	}
}

// flushDimensionWithRetry implements spec.md §4.1/§4.6's failure
// policy: retryable (busy/locked) errors are retried with exponential
// backoff up to maxRetryAttempts, then the rows are re-queued into the
// cache for the next tick; constraint errors discard the batch for
// this dimension (the row is unrecoverable, e.g. a schema invariant
// violation) rather than being retried forever.
func (f *Flusher) flushDimensionWithRetry(backendID string, dim model.Dimension, rows []model.Row) {
	delay := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		err = f.store.FlushDimension(backendID, dim, rows)
		if err == nil {
			return
		}
		if !store.Retryable(err) {
			break
		}
		logger.Warn("flush retrying after busy/locked error",
			zap.String("backendId", backendID), zap.String("dimension", string(dim)),
			zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(delay)
		delay *= 2
	}

	if err == nil {
		return
	}

	if store.Retryable(err) {
		logger.Warn("flush exhausted retries, requeueing to cache",
			zap.String("backendId", backendID), zap.String("dimension", string(dim)), zap.Error(err))
		f.cache.Requeue(backendID, rows)
		return
	}

	logger.Error("flush dimension discarded after constraint error",
		zap.String("backendId", backendID), zap.String("dimension", string(dim)), zap.Error(err))
}
