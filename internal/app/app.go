// Package app wires the Store, Realtime Cache, Collector Supervisor,
// Flusher and Query API into one process and owns the graceful
// startup/shutdown sequence (spec.md §5), grounded on the teacher's
// cmd/main.go wiring but stripped of everything outside this system's
// scope (no TLS, HTTP/3, JWT or user accounts).
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/internal/api"
	"github.com/laoshifu996/clash-master/internal/collector"
	"github.com/laoshifu996/clash-master/internal/config"
	"github.com/laoshifu996/clash-master/internal/flusher"
	"github.com/laoshifu996/clash-master/internal/geoip"
	"github.com/laoshifu996/clash-master/internal/realtime"
	"github.com/laoshifu996/clash-master/internal/store"
	"github.com/laoshifu996/clash-master/pkg/logger"
)

// retentionSweepInterval is how often the daily retention sweep runs.
// Not itself a spec.md §6 environment variable; the sweep's own
// autoCleanup/connectionLogsDays bounds come from the persisted
// RetentionConfig.
const retentionSweepInterval = 24 * time.Hour

// shutdownDrainTimeout bounds the graceful-stop sequence (spec.md §5:
// "Max drain 10 s; hard kill after").
const shutdownDrainTimeout = 10 * time.Second

// App owns every long-lived component and the HTTP server.
type App struct {
	cfg        *config.Config
	store      *store.Store
	cache      *realtime.Cache
	supervisor *collector.Supervisor
	flusher    *flusher.Flusher
	httpServer *http.Server

	retentionStop chan struct{}
	retentionDone chan struct{}
}

// New builds every component from cfg but does not start anything.
func New(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	geo := geoip.NewStub()
	st.SetGeoIP(geo)

	cache := realtime.New(cfg.RealtimeRangeEndTol)
	supervisor := collector.NewSupervisor(st, cache, st)
	supervisor.SetGeoIP(geo)
	fl := flusher.New(cache, st, cfg.FlushInterval)

	a := api.New(st, cache, supervisor)

	return &App{
		cfg:        cfg,
		store:      st,
		cache:      cache,
		supervisor: supervisor,
		flusher:    fl,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.APIPort),
			Handler: a.Router(),
		},
		retentionStop: make(chan struct{}),
		retentionDone: make(chan struct{}),
	}, nil
}

// Start reconciles the Collector Supervisor against the configured
// backends, launches the Flusher and the retention sweep, and begins
// serving HTTP. It returns right after starting the serve goroutine,
// without waiting for the listener; HTTP serve errors, including a
// failure to bind, are logged, not returned (mirrors the teacher's
// goroutine-wrapped ListenAndServe).
func (a *App) Start() error {
	if err := a.supervisor.Sync(); err != nil {
		logger.Warn("initial supervisor sync failed", zap.Error(err))
	}
	a.flusher.Start()
	go a.runRetentionSweep()

	logger.Info("http server starting", zap.String("addr", a.httpServer.Addr))
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) runRetentionSweep() {
	defer close(a.retentionDone)
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.store.RunRetentionSweep(); err != nil {
				logger.Error("retention sweep failed", zap.Error(err))
			}
		case <-a.retentionStop:
			return
		}
	}
}

// Shutdown implements spec.md §5's drain sequence: stop accepting new
// HTTP requests, stop every Collector Session (drains in-flight
// frames), perform the Flusher's final synchronous flush, then close
// the Store. Bounded by shutdownDrainTimeout; a hard kill is the
// caller's responsibility if this deadline is exceeded.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}

	close(a.retentionStop)
	<-a.retentionDone

	drained := make(chan struct{})
	go func() {
		a.supervisor.StopAll()
		a.flusher.Stop()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn("shutdown drain exceeded timeout, closing store anyway")
	}

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("app: close store: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
