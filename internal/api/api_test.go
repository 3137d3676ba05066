package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/laoshifu996/clash-master/internal/collector"
	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/realtime"
	"github.com/laoshifu996/clash-master/internal/store"
)

type fakeSupervisor struct{}

func (fakeSupervisor) Health(string) collector.Health         { return collector.Health{Status: collector.HealthUnknown} }
func (fakeSupervisor) AllHealth() map[string]collector.Health  { return map[string]collector.Health{} }
func (fakeSupervisor) Sync() error                             { return nil }

func newTestAPI(t *testing.T) *API {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	return New(st, cache, fakeSupervisor{})
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reqBody *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reqBody = bytes.NewReader(b)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reqBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body)
	}
}

func TestCreateBackendDuplicateNameReturns409(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/backends", createBackendRequest{Name: "b", URL: "http://localhost:9090"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 on first create, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, srv, http.MethodPost, "/api/backends", createBackendRequest{Name: "b", URL: "http://localhost:9090"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate name, got %d: %v", resp.StatusCode, body)
	}
}

func TestCreateBackendMissingNameReturns400(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/backends", map[string]string{"url": "http://localhost:9090"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", resp.StatusCode)
	}
}

func TestSummaryWithNoBackendReturns404(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodGet, "/api/stats/summary", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 with no active backend, got %d", resp.StatusCode)
	}
}

func TestSummaryValidationRejectsPartialWindow(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	doJSON(t, srv, http.MethodPost, "/api/backends", createBackendRequest{Name: "b", URL: "http://localhost:9090"})

	resp, _ := doJSON(t, srv, http.MethodGet, "/api/stats/summary?start=2026-01-01T00:00:00Z", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for start without end, got %d", resp.StatusCode)
	}
}

// TestSummaryOverlayReflectsCachePendingDeltas covers scenario S4: a
// cache-pending download delta must be reflected in totals when the
// query window is within the overlay tolerance.
func TestSummaryOverlayReflectsCachePendingDeltas(t *testing.T) {
	a := newTestAPI(t)
	b, err := a.Store.CreateBackend("b1", "http://localhost:9090", "")
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}

	now := time.Now()
	bucket := model.HourFloor(now)
	if err := a.Store.FlushDimension(b.ID, model.DimHourly, []model.Row{
		{Key: model.Key{BackendID: b.ID, Dimension: model.DimHourly, TimeBucket: bucket}, Totals: model.Totals{Download: 1000}},
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	a.Cache.Apply(b.ID, model.Key{BackendID: b.ID, Dimension: model.DimHourly, TimeBucket: bucket}, model.Totals{Download: 250}, now, nil)

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/api/stats/summary?backendId="+b.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	totals, ok := body["totals"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected totals object, got %v", body)
	}
	if totals["download"].(float64) != 1250 {
		t.Fatalf("expected overlaid download 1250, got %v", totals["download"])
	}
}

func TestDBCleanupWipeIsolatesBackends(t *testing.T) {
	a := newTestAPI(t)
	b1, _ := a.Store.CreateBackend("b1", "http://localhost:9090", "")
	b2, _ := a.Store.CreateBackend("b2", "http://localhost:9091", "")

	now := model.HourFloor(time.Now())
	mustFlush := func(id string) {
		if err := a.Store.FlushDimension(id, model.DimDomain, []model.Row{
			{Key: model.Key{BackendID: id, Dimension: model.DimDomain, Host: "a.example", TimeBucket: now}, Totals: model.Totals{Upload: 10}},
		}); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	mustFlush(b1.ID)
	mustFlush(b2.ID)

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/db/cleanup", cleanupRequest{Days: 0, BackendID: b1.ID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	rows1, _, _ := a.Store.ListDimensionRows(b1.ID, model.DimDomain, store.ListOptions{})
	if len(rows1) != 0 {
		t.Fatalf("expected b1's domain rows wiped, got %d", len(rows1))
	}
	rows2, _, _ := a.Store.ListDimensionRows(b2.ID, model.DimDomain, store.ListOptions{})
	if len(rows2) != 1 {
		t.Fatalf("expected b2 untouched, got %d rows", len(rows2))
	}
}
