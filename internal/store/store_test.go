package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/laoshifu996/clash-master/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateBackendFirstIsActive(t *testing.T) {
	s := newTestStore(t)

	b1, err := s.CreateBackend("b1", "ws://localhost:9090", "")
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	if !b1.IsActive {
		t.Fatalf("expected first backend to be active")
	}

	b2, err := s.CreateBackend("b2", "ws://localhost:9091", "tok")
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	if b2.IsActive {
		t.Fatalf("expected second backend to not be active by default")
	}
	if !b2.HasToken {
		t.Fatalf("expected hasToken true when token set")
	}
}

// TestCreateBackendDuplicateName covers scenario S5.
func TestCreateBackendDuplicateName(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateBackend("dup", "ws://a", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateBackend("dup", "ws://b", ""); err != ErrDuplicateName {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	if err := s.DeleteBackend(mustGetID(t, s, "dup")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.CreateBackend("dup", "ws://c", ""); err != nil {
		t.Fatalf("expected recreate to succeed after delete, got %v", err)
	}
}

func mustGetID(t *testing.T, s *Store, name string) string {
	t.Helper()
	backends, err := s.ListBackends()
	if err != nil {
		t.Fatalf("list backends: %v", err)
	}
	for _, b := range backends {
		if b.Name == name {
			return b.ID
		}
	}
	t.Fatalf("backend %q not found", name)
	return ""
}

func TestSetActiveBackendClearsOthers(t *testing.T) {
	s := newTestStore(t)
	b1, _ := s.CreateBackend("b1", "ws://a", "")
	b2, _ := s.CreateBackend("b2", "ws://b", "")

	if err := s.SetActiveBackend(b2.ID); err != nil {
		t.Fatalf("set active: %v", err)
	}

	got1, _ := s.GetBackend(b1.ID)
	got2, _ := s.GetBackend(b2.ID)
	if got1.IsActive {
		t.Fatalf("expected b1 no longer active")
	}
	if !got2.IsActive {
		t.Fatalf("expected b2 active")
	}
}

// TestFlushDimensionS1 covers spec.md §8 scenario S1.
func TestFlushDimensionS1(t *testing.T) {
	s := newTestStore(t)
	b, _ := s.CreateBackend("b1", "ws://a", "")
	bucket := model.HourFloor(time.Now())

	rows := []model.Row{
		{Key: model.Key{BackendID: b.ID, Dimension: model.DimDomain, Host: "a.example", TimeBucket: bucket},
			Totals: model.Totals{Upload: 150, Download: 1500, Connections: 1}, LastSeen: time.Now()},
	}
	if err := s.FlushDimension(b.ID, model.DimDomain, rows); err != nil {
		t.Fatalf("flush domain: %v", err)
	}

	proxyRows := []model.Row{
		{Key: model.Key{BackendID: b.ID, Dimension: model.DimProxy, Chain: "P > R", TimeBucket: bucket},
			Totals: model.Totals{Upload: 150, Download: 1500, Connections: 1}, LastSeen: time.Now()},
	}
	if err := s.FlushDimension(b.ID, model.DimProxy, proxyRows); err != nil {
		t.Fatalf("flush proxy: %v", err)
	}

	hourlyRows := []model.Row{
		{Key: model.Key{BackendID: b.ID, Dimension: model.DimHourly, TimeBucket: bucket},
			Totals: model.Totals{Upload: 150, Download: 1500, Connections: 1}, LastSeen: time.Now()},
	}
	if err := s.FlushDimension(b.ID, model.DimHourly, hourlyRows); err != nil {
		t.Fatalf("flush hourly: %v", err)
	}

	domainRows, total, err := s.ListDimensionRows(b.ID, model.DimDomain, ListOptions{})
	if err != nil {
		t.Fatalf("list domains: %v", err)
	}
	if total != 1 || domainRows[0].Name != "a.example" || domainRows[0].Totals.Upload != 150 {
		t.Fatalf("unexpected domain rows: %+v (total=%d)", domainRows, total)
	}

	hourlyTotals, err := s.WindowTotals(b.ID, model.DimHourly, nil, nil)
	if err != nil {
		t.Fatalf("hourly totals: %v", err)
	}
	if hourlyTotals.Upload != 150 || hourlyTotals.Download != 1500 {
		t.Fatalf("unexpected hourly totals: %+v", hourlyTotals)
	}
}

// TestFlushDimensionIsAdditiveAcrossCalls exercises the UPSERT
// ON CONFLICT DO UPDATE path (spec.md §4.1).
func TestFlushDimensionIsAdditiveAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	b, _ := s.CreateBackend("b1", "ws://a", "")
	bucket := model.HourFloor(time.Now())
	key := model.Key{BackendID: b.ID, Dimension: model.DimDomain, Host: "a.example", TimeBucket: bucket}

	row := model.Row{Key: key, Totals: model.Totals{Upload: 100, Download: 100, Connections: 1}, LastSeen: time.Now()}
	if err := s.FlushDimension(b.ID, model.DimDomain, []model.Row{row}); err != nil {
		t.Fatalf("flush 1: %v", err)
	}
	if err := s.FlushDimension(b.ID, model.DimDomain, []model.Row{row}); err != nil {
		t.Fatalf("flush 2: %v", err)
	}

	rows, _, err := s.ListDimensionRows(b.ID, model.DimDomain, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if rows[0].Totals.Upload != 200 || rows[0].Totals.Connections != 2 {
		t.Fatalf("expected additive upsert, got %+v", rows[0])
	}
}

// TestCleanupOldDataWipeIsolatesBackends covers scenario S6.
func TestCleanupOldDataWipeIsolatesBackends(t *testing.T) {
	s := newTestStore(t)
	b1, _ := s.CreateBackend("b1", "ws://a", "")
	b2, _ := s.CreateBackend("b2", "ws://b", "")
	bucket := model.HourFloor(time.Now())

	for _, b := range []model.Backend{b1, b2} {
		row := model.Row{
			Key:     model.Key{BackendID: b.ID, Dimension: model.DimDomain, Host: "x.example", TimeBucket: bucket},
			Totals:  model.Totals{Upload: 10, Download: 10, Connections: 1},
			LastSeen: time.Now(),
		}
		if err := s.FlushDimension(b.ID, model.DimDomain, []model.Row{row}); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	if _, err := s.CleanupOldData(b1.ID, 0); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	rows1, total1, _ := s.ListDimensionRows(b1.ID, model.DimDomain, ListOptions{})
	rows2, total2, _ := s.ListDimensionRows(b2.ID, model.DimDomain, ListOptions{})
	if total1 != 0 || len(rows1) != 0 {
		t.Fatalf("expected b1 wiped, got %+v", rows1)
	}
	if total2 != 1 || len(rows2) != 1 {
		t.Fatalf("expected b2 untouched, got %+v", rows2)
	}
}

// TestPaginationInvariant covers spec.md §8 property 8.
func TestPaginationInvariant(t *testing.T) {
	s := newTestStore(t)
	b, _ := s.CreateBackend("b1", "ws://a", "")
	bucket := model.HourFloor(time.Now())

	for i := 0; i < 7; i++ {
		host := string(rune('a' + i))
		row := model.Row{
			Key:      model.Key{BackendID: b.ID, Dimension: model.DimDomain, Host: host, TimeBucket: bucket},
			Totals:   model.Totals{Upload: uint64(i + 1), Download: uint64(i + 1), Connections: 1},
			LastSeen: time.Now(),
		}
		if err := s.FlushDimension(b.ID, model.DimDomain, []model.Row{row}); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}

	rows, total, err := s.ListDimensionRows(b.ID, model.DimDomain, ListOptions{Limit: 3, Offset: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 7 {
		t.Fatalf("expected total 7, got %d", total)
	}
	if len(rows) > 3 {
		t.Fatalf("expected at most 3 rows, got %d", len(rows))
	}
	if 2+len(rows) > int(total) {
		t.Fatalf("offset+len(data) must be <= total")
	}
}

func TestDeleteBackendCascades(t *testing.T) {
	s := newTestStore(t)
	b, _ := s.CreateBackend("b1", "ws://a", "")
	bucket := model.HourFloor(time.Now())
	row := model.Row{
		Key:      model.Key{BackendID: b.ID, Dimension: model.DimDomain, Host: "a.example", TimeBucket: bucket},
		Totals:   model.Totals{Upload: 1, Download: 1, Connections: 1},
		LastSeen: time.Now(),
	}
	if err := s.FlushDimension(b.ID, model.DimDomain, []model.Row{row}); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := s.DeleteBackend(b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetBackend(b.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	rows, total, _ := s.ListDimensionRows(b.ID, model.DimDomain, ListOptions{})
	if total != 0 || len(rows) != 0 {
		t.Fatalf("expected cascade-deleted aggregate rows, got %+v", rows)
	}
}

func TestRetentionConfigClampOnSet(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.SetRetentionConfig(model.RetentionConfig{ConnectionLogsDays: 0, HourlyStatsDays: 1000, AutoCleanup: true})
	if err != nil {
		t.Fatalf("set retention: %v", err)
	}
	if cfg.ConnectionLogsDays != 1 || cfg.HourlyStatsDays != 365 {
		t.Fatalf("expected clamped bounds, got %+v", cfg)
	}

	got, err := s.GetRetentionConfig()
	if err != nil {
		t.Fatalf("get retention: %v", err)
	}
	if got != cfg {
		t.Fatalf("expected persisted config to match, got %+v", got)
	}
}
