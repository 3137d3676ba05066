// Package api is the Query API (spec.md §4.7): HTTP handlers that
// read from the Store and, for time-proximate windows, overlay the
// Realtime Cache, grounded on the teacher's gin router/middleware/
// response layering.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/laoshifu996/clash-master/internal/api/middleware"
	"github.com/laoshifu996/clash-master/internal/collector"
	"github.com/laoshifu996/clash-master/internal/realtime"
	"github.com/laoshifu996/clash-master/internal/store"
)

// Supervisor is the narrow collector surface the API needs: health
// lookups and re-sync after a mutating backend call. The test endpoints
// call collector.Probe directly rather than going through this interface.
type Supervisor interface {
	Health(backendID string) collector.Health
	AllHealth() map[string]collector.Health
	Sync() error
}

// API wires the Store, Realtime Cache and Collector Supervisor into
// the handler set. It holds no state of its own beyond these
// collaborators.
type API struct {
	Store      *store.Store
	Cache      *realtime.Cache
	Supervisor Supervisor
}

// New constructs an API.
func New(st *store.Store, cache *realtime.Cache, sup Supervisor) *API {
	return &API{Store: st, Cache: cache, Supervisor: sup}
}

// Router builds the gin.Engine with every route in spec.md §6's
// table mounted.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recover())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	stats := r.Group("/api/stats")
	{
		stats.GET("/summary", a.Summary)
		stats.GET("/global", a.Global)
		stats.GET("/domains", a.ListDomains)
		stats.GET("/domains/proxy-stats", a.DomainProxyStats)
		stats.GET("/domains/ip-details", a.DomainIPDetails)
		stats.GET("/ips", a.ListIPs)
		stats.GET("/ips/proxy-stats", a.IPProxyStats)
		stats.GET("/ips/domain-details", a.IPDomainDetails)
		stats.GET("/proxies", a.ListProxies)
		stats.GET("/proxies/domains", a.ProxyDomains)
		stats.GET("/proxies/ips", a.ProxyIPs)
		stats.GET("/rules", a.ListRules)
		stats.GET("/rules/domains", a.RuleDomains)
		stats.GET("/countries", a.ListCountries)
		stats.GET("/devices", a.ListDevices)
		stats.GET("/hourly", a.Hourly)
		stats.GET("/trend", a.Trend)
		stats.GET("/trend/aggregated", a.TrendAggregated)
		stats.GET("/connections", a.ListConnections)
	}

	backends := r.Group("/api/backends")
	{
		backends.GET("", a.ListBackends)
		backends.GET("/active", a.ActiveBackend)
		backends.GET("/listening", a.ListListeningBackends)
		backends.GET("/:id", a.GetBackend)
		backends.POST("", a.CreateBackend)
		backends.POST("/test", a.TestNewBackend)
		backends.PUT("/:id", a.UpdateBackend)
		backends.DELETE("/:id", a.DeleteBackend)
		backends.POST("/:id/activate", a.ActivateBackend)
		backends.POST("/:id/listening", a.SetBackendListening)
		backends.POST("/:id/test", a.TestBackend)
		backends.POST("/:id/clear-data", a.ClearBackendData)
	}

	db := r.Group("/api/db")
	{
		db.GET("/stats", a.DBStats)
		db.POST("/cleanup", a.DBCleanup)
		db.POST("/vacuum", a.DBVacuum)
		db.GET("/retention", a.GetRetention)
		db.PUT("/retention", a.SetRetention)
	}

	return r
}
