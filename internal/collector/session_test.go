package collector

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laoshifu996/clash-master/internal/model"
	"github.com/laoshifu996/clash-master/internal/realtime"
)

var testUpgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// fakeClash serves one /connections frame then blocks until the
// client disconnects, mirroring an upstream Clash router closely
// enough to exercise the Session's connect/read path end to end.
func fakeClash(t *testing.T, framePayload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(framePayload)); err != nil {
			return
		}
		// Keep the socket open briefly so the Session has time to
		// process the frame before the test tears the server down.
		time.Sleep(200 * time.Millisecond)
	}))
	return srv
}

type noopRecorder struct{ records []model.ConnectionRecord }

func (n *noopRecorder) RecordConnection(rec model.ConnectionRecord) error {
	n.records = append(n.records, rec)
	return nil
}

func TestSessionAppliesFrameToCache(t *testing.T) {
	payload := `{"downloadTotal":0,"uploadTotal":0,"connections":[
		{"id":"c1","upload":100,"download":200,"start":"2024-01-01T00:00:00Z",
		 "chains":["Proxy","DIRECT"],"rule":"MATCH",
		 "metadata":{"host":"a.example","destinationIP":"1.1.1.1","sourceIP":"10.0.0.1"}}
	]}`
	srv := fakeClash(t, payload)
	defer srv.Close()

	backend := model.Backend{ID: "b1", URL: strings.Replace(srv.URL, "http://", "http://", 1)}
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	rec := &noopRecorder{}
	session := New(backend, cache, rec)
	session.Start()
	defer session.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows := cache.RowsForDimension("b1", model.DimDomain)
		if len(rows) == 1 && rows[0].Totals.Upload == 100 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected cache to observe the frame's domain delta within timeout")
}

type stubGeoIP struct{ countryCode string }

func (s stubGeoIP) Lookup(ip string) (countryCode, location string, err error) {
	return s.countryCode, "", nil
}

// TestSessionResolvesCountryCodeThroughPipeline drives a real frame
// through a Session with a GeoIP collaborator installed and confirms
// the country dimension in the Realtime Cache is keyed by the
// resolved code rather than left empty.
func TestSessionResolvesCountryCodeThroughPipeline(t *testing.T) {
	payload := `{"downloadTotal":0,"uploadTotal":0,"connections":[
		{"id":"c1","upload":100,"download":200,"start":"2024-01-01T00:00:00Z",
		 "chains":["Proxy","DIRECT"],"rule":"MATCH",
		 "metadata":{"host":"a.example","destinationIP":"8.8.8.8","sourceIP":"10.0.0.1"}}
	]}`
	srv := fakeClash(t, payload)
	defer srv.Close()

	backend := model.Backend{ID: "b1", URL: srv.URL}
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	session := New(backend, cache, nil)
	session.SetGeoIP(stubGeoIP{countryCode: "US"})
	session.Start()
	defer session.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows := cache.RowsForDimension("b1", model.DimCountry)
		if len(rows) == 1 && rows[0].Key.CountryCode == "US" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected cache to observe a country-coded delta within timeout")
}

func TestSessionHealthUnknownBeforeStart(t *testing.T) {
	backend := model.Backend{ID: "b1", URL: "http://127.0.0.1:1"}
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	session := New(backend, cache, nil)

	h := session.Health()
	if h.Status != HealthUnknown {
		t.Fatalf("expected unknown health before Start, got %s", h.Status)
	}
}

func TestSessionStopIsCooperative(t *testing.T) {
	backend := model.Backend{ID: "b1", URL: "http://127.0.0.1:1"}
	cache := realtime.New(realtime.DefaultRangeEndTolerance)
	session := New(backend, cache, nil)
	session.Start()

	done := make(chan struct{})
	go func() {
		session.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return promptly")
	}
}
