package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/laoshifu996/clash-master/internal/store"
)

// errValidation marks a 400; errNoBackend marks a 404 (spec.md §4.7
// steps 1-2).
var (
	errValidation = errors.New("validation error")
	errNoBackend  = errors.New("no backend")
)

// resolveBackendID implements §4.7 step 1: query param, else the
// active backend, else 404.
func (a *API) resolveBackendID(c *gin.Context) (string, error) {
	if id := c.Query("backendId"); id != "" {
		return id, nil
	}
	active, err := a.Store.GetActiveBackend()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", errNoBackend
		}
		return "", err
	}
	return active.ID, nil
}

// parseWindow implements §4.7 step 2: both-or-neither, ISO-8601,
// start<=end.
func parseWindow(c *gin.Context) (start, end *time.Time, err error) {
	rawStart := c.Query("start")
	rawEnd := c.Query("end")
	if rawStart == "" && rawEnd == "" {
		return nil, nil, nil
	}
	if rawStart == "" || rawEnd == "" {
		return nil, nil, errValidation
	}
	s, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return nil, nil, errValidation
	}
	e, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		return nil, nil, errValidation
	}
	if s.After(e) {
		return nil, nil, errValidation
	}
	return &s, &e, nil
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// parseListOptions builds a store.ListOptions from the common
// offset/limit/sortBy/sortOrder/search query params.
func parseListOptions(c *gin.Context, start, end *time.Time) store.ListOptions {
	return store.ListOptions{
		Offset:    queryInt(c, "offset", 0),
		Limit:     queryInt(c, "limit", 50),
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
		Search:    c.Query("search"),
		Start:     start,
		End:       end,
	}
}
