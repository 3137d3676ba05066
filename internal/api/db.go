package api

import (
	"github.com/gin-gonic/gin"

	"github.com/laoshifu996/clash-master/internal/api/response"
	"github.com/laoshifu996/clash-master/internal/model"
)

// DBStats answers GET /api/db/stats.
func (a *API) DBStats(c *gin.Context) {
	stats, err := a.Store.Stats()
	if err != nil {
		response.InternalError(c, "failed to compute db stats")
		return
	}
	response.OK(c, stats)
}

type cleanupRequest struct {
	Days      int    `json:"days"`
	BackendID string `json:"backendId"`
}

// DBCleanup answers POST /api/db/cleanup: {days, backendId?},
// days=0 wipes (spec.md §6, §8 property 9).
func (a *API) DBCleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "days is required")
		return
	}
	if req.Days < 0 {
		response.BadRequest(c, "days must be >= 0")
		return
	}

	result, err := a.Store.CleanupOldData(req.BackendID, req.Days)
	if err != nil {
		response.InternalError(c, "failed to clean up")
		return
	}
	if req.Days == 0 {
		if req.BackendID == "" {
			for _, id := range a.Cache.BackendIDs() {
				a.Cache.ClearBackend(id)
			}
		} else {
			a.Cache.ClearBackend(req.BackendID)
		}
	}
	response.OK(c, result)
}

// DBVacuum answers POST /api/db/vacuum.
func (a *API) DBVacuum(c *gin.Context) {
	if err := a.Store.Vacuum(); err != nil {
		response.InternalError(c, "failed to vacuum")
		return
	}
	response.OK(c, gin.H{"status": "ok"})
}

// GetRetention answers GET /api/db/retention.
func (a *API) GetRetention(c *gin.Context) {
	cfg, err := a.Store.GetRetentionConfig()
	if err != nil {
		response.InternalError(c, "failed to load retention config")
		return
	}
	response.OK(c, cfg)
}

// SetRetention answers PUT /api/db/retention.
func (a *API) SetRetention(c *gin.Context) {
	var cfg model.RetentionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.BadRequest(c, "invalid retention config")
		return
	}
	saved, err := a.Store.SetRetentionConfig(cfg)
	if err != nil {
		response.InternalError(c, "failed to save retention config")
		return
	}
	response.OK(c, saved)
}
