package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/laoshifu996/clash-master/internal/api/response"
	"github.com/laoshifu996/clash-master/internal/collector"
	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/store"
	"github.com/laoshifu996/clash-master/pkg/logger"
)

// backendView joins a backend's collector health onto its record for
// list/detail responses.
type backendView struct {
	model.Backend
	Health collector.Health `json:"health"`
}

func (a *API) withHealth(b model.Backend) backendView {
	return backendView{Backend: b, Health: a.Supervisor.Health(b.ID)}
}

// ListBackends answers GET /api/backends.
func (a *API) ListBackends(c *gin.Context) {
	backends, err := a.Store.ListBackends()
	if err != nil {
		response.InternalError(c, "failed to list backends")
		return
	}
	health := a.Supervisor.AllHealth()
	out := make([]backendView, 0, len(backends))
	for _, b := range backends {
		h, ok := health[b.ID]
		if !ok {
			h = collector.Health{Status: collector.HealthUnknown}
		}
		out = append(out, backendView{Backend: b, Health: h})
	}
	response.OK(c, out)
}

// ActiveBackend answers GET /api/backends/active.
func (a *API) ActiveBackend(c *gin.Context) {
	b, err := a.Store.GetActiveBackend()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "no active backend")
			return
		}
		response.InternalError(c, "failed to load active backend")
		return
	}
	response.OK(c, a.withHealth(b))
}

// ListListeningBackends answers GET /api/backends/listening.
func (a *API) ListListeningBackends(c *gin.Context) {
	backends, err := a.Store.ListListeningBackends()
	if err != nil {
		response.InternalError(c, "failed to list listening backends")
		return
	}
	out := make([]backendView, 0, len(backends))
	for _, b := range backends {
		out = append(out, a.withHealth(b))
	}
	response.OK(c, out)
}

// GetBackend answers GET /api/backends/:id.
func (a *API) GetBackend(c *gin.Context) {
	b, err := a.Store.GetBackend(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "backend not found")
			return
		}
		response.InternalError(c, "failed to load backend")
		return
	}
	response.OK(c, a.withHealth(b))
}

type createBackendRequest struct {
	Name  string `json:"name" binding:"required"`
	URL   string `json:"url" binding:"required"`
	Token string `json:"token"`
}

// CreateBackend answers POST /api/backends (spec.md §6, scenario S5).
func (a *API) CreateBackend(c *gin.Context) {
	var req createBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name and url are required")
		return
	}

	b, err := a.Store.CreateBackend(req.Name, req.URL, req.Token)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			response.Conflict(c, "a backend with this name already exists")
			return
		}
		response.InternalError(c, "failed to create backend")
		return
	}

	if err := a.Supervisor.Sync(); err != nil {
		logger.Warn("supervisor sync after create failed", zap.Error(err))
	}
	response.Created(c, a.withHealth(b))
}

type updateBackendRequest struct {
	Name      *string `json:"name"`
	URL       *string `json:"url"`
	Token     *string `json:"token"`
	Enabled   *bool   `json:"enabled"`
	Listening *bool   `json:"listening"`
}

// UpdateBackend answers PUT /api/backends/:id.
func (a *API) UpdateBackend(c *gin.Context) {
	var req updateBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}

	b, err := a.Store.UpdateBackend(c.Param("id"), store.BackendPatch{
		Name: req.Name, URL: req.URL, Token: req.Token,
		Enabled: req.Enabled, Listening: req.Listening,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "backend not found")
			return
		}
		if errors.Is(err, store.ErrDuplicateName) {
			response.Conflict(c, "a backend with this name already exists")
			return
		}
		response.InternalError(c, "failed to update backend")
		return
	}

	if err := a.Supervisor.Sync(); err != nil {
		logger.Warn("supervisor sync after update failed", zap.Error(err))
	}
	response.OK(c, a.withHealth(b))
}

// DeleteBackend answers DELETE /api/backends/:id (cascades).
func (a *API) DeleteBackend(c *gin.Context) {
	id := c.Param("id")
	if err := a.Store.DeleteBackend(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "backend not found")
			return
		}
		response.InternalError(c, "failed to delete backend")
		return
	}
	a.Cache.ClearBackend(id)
	if err := a.Supervisor.Sync(); err != nil {
		logger.Warn("supervisor sync after delete failed", zap.Error(err))
	}
	response.NoContent(c)
}

// ActivateBackend answers POST /api/backends/:id/activate.
func (a *API) ActivateBackend(c *gin.Context) {
	id := c.Param("id")
	if err := a.Store.SetActiveBackend(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "backend not found")
			return
		}
		response.InternalError(c, "failed to activate backend")
		return
	}
	b, err := a.Store.GetBackend(id)
	if err != nil {
		response.InternalError(c, "failed to load backend")
		return
	}
	response.OK(c, a.withHealth(b))
}

type listeningRequest struct {
	Listening bool `json:"listening"`
}

// SetBackendListening answers POST /api/backends/:id/listening.
func (a *API) SetBackendListening(c *gin.Context) {
	var req listeningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "listening is required")
		return
	}
	id := c.Param("id")
	if err := a.Store.SetListening(id, req.Listening); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "backend not found")
			return
		}
		response.InternalError(c, "failed to update backend")
		return
	}
	if err := a.Supervisor.Sync(); err != nil {
		logger.Warn("supervisor sync after listening toggle failed", zap.Error(err))
	}
	b, err := a.Store.GetBackend(id)
	if err != nil {
		response.InternalError(c, "failed to load backend")
		return
	}
	response.OK(c, a.withHealth(b))
}

// TestBackend answers POST /api/backends/:id/test: probes the
// backend's own stored URL/token.
func (a *API) TestBackend(c *gin.Context) {
	b, err := a.Store.GetBackend(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "backend not found")
			return
		}
		response.InternalError(c, "failed to load backend")
		return
	}
	response.OK(c, collector.Probe(b.URL, b.Token))
}

type testNewBackendRequest struct {
	URL   string `json:"url" binding:"required"`
	Token string `json:"token"`
}

// TestNewBackend answers POST /api/backends/test: probes a
// not-yet-created URL/token pair.
func (a *API) TestNewBackend(c *gin.Context) {
	var req testNewBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "url is required")
		return
	}
	response.OK(c, collector.Probe(req.URL, req.Token))
}

// ClearBackendData answers POST /api/backends/:id/clear-data: wipes
// every aggregate/connection row for this backend and its realtime
// cache (equivalent to cleanup(days=0)).
func (a *API) ClearBackendData(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.Store.GetBackend(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "backend not found")
			return
		}
		response.InternalError(c, "failed to load backend")
		return
	}

	result, err := a.Store.CleanupOldData(id, 0)
	if err != nil {
		response.InternalError(c, "failed to clear backend data")
		return
	}
	a.Cache.ClearBackend(id)
	response.OK(c, result)
}
