package realtime

import (
	"testing"
	"time"

	"github.com/laoshifu996/clash-master/internal/model"
)

func TestApplyIsAdditive(t *testing.T) {
	c := New(DefaultRangeEndTolerance)
	key := model.Key{BackendID: "b1", Dimension: model.DimDomain, Host: "a.example", TimeBucket: model.HourFloor(time.Now())}

	c.Apply("b1", key, model.Totals{Upload: 100, Download: 1000, Connections: 1}, time.Now(), nil)
	c.Apply("b1", key, model.Totals{Upload: 50, Download: 250, Connections: 1}, time.Now(), nil)

	rows := c.RowsForDimension("b1", model.DimDomain)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Totals.Upload != 150 || rows[0].Totals.Download != 1250 || rows[0].Totals.Connections != 2 {
		t.Fatalf("expected additive merge, got %+v", rows[0].Totals)
	}
}

// TestOverlayExactness covers spec.md §8 property 3: querying a window
// covering now returns Store.sum + Cache.sum.
func TestOverlayExactness(t *testing.T) {
	c := New(DefaultRangeEndTolerance)
	key := model.Key{BackendID: "b1", Dimension: model.DimDomain, Host: "a.example", TimeBucket: model.HourFloor(time.Now())}
	c.Apply("b1", key, model.Totals{Upload: 250, Download: 500, Connections: 1}, time.Now(), nil)

	dbSummary := model.Totals{Upload: 1000, Download: 2000, Connections: 5}
	merged := c.ApplySummaryDelta("b1", dbSummary, key)

	if merged.Upload != 1250 || merged.Download != 2500 || merged.Connections != 6 {
		t.Fatalf("expected sum of store+cache, got %+v", merged)
	}
}

// TestOverlayWindowPolicy covers spec.md §8 property 4: a strictly
// historical window (end far in the past) does not qualify for overlay.
func TestOverlayWindowPolicy(t *testing.T) {
	c := New(DefaultRangeEndTolerance)

	now := time.Now()
	recent := now.Add(-1 * time.Second)
	if !c.WithinOverlayWindow(&recent) {
		t.Fatalf("expected recent end to be within overlay window")
	}

	historical := now.Add(-10 * time.Minute)
	if c.WithinOverlayWindow(&historical) {
		t.Fatalf("expected historical end to be outside overlay window")
	}
}

// TestDrainClearsAtomically covers spec.md §8 property 5: draining
// clears the cache, so a naive double-flush cannot double-count at the
// query layer.
func TestDrainClearsAtomically(t *testing.T) {
	c := New(DefaultRangeEndTolerance)
	key := model.Key{BackendID: "b1", Dimension: model.DimHourly, TimeBucket: model.HourFloor(time.Now())}
	c.Apply("b1", key, model.Totals{Upload: 10, Download: 20, Connections: 1}, time.Now(), nil)

	batch := c.Drain("b1")
	if len(batch.Rows[model.DimHourly]) != 1 {
		t.Fatalf("expected drained batch to contain the hourly row")
	}

	if rows := c.RowsForDimension("b1", model.DimHourly); len(rows) != 0 {
		t.Fatalf("expected cache empty immediately after drain, got %d rows", len(rows))
	}
}

func TestClearBackendIsolatesOtherBackends(t *testing.T) {
	c := New(DefaultRangeEndTolerance)
	k1 := model.Key{BackendID: "b1", Dimension: model.DimHourly, TimeBucket: model.HourFloor(time.Now())}
	k2 := model.Key{BackendID: "b2", Dimension: model.DimHourly, TimeBucket: model.HourFloor(time.Now())}
	c.Apply("b1", k1, model.Totals{Upload: 1}, time.Now(), nil)
	c.Apply("b2", k2, model.Totals{Upload: 1}, time.Now(), nil)

	c.ClearBackend("b1")

	if rows := c.RowsForDimension("b1", model.DimHourly); len(rows) != 0 {
		t.Fatalf("expected b1 cleared")
	}
	if rows := c.RowsForDimension("b2", model.DimHourly); len(rows) != 1 {
		t.Fatalf("expected b2 untouched")
	}
}

func TestMergeTopDomainsReSortsAndTruncates(t *testing.T) {
	c := New(DefaultRangeEndTolerance)
	bucket := model.HourFloor(time.Now())
	c.Apply("b1", model.Key{BackendID: "b1", Dimension: model.DimDomain, Host: "small.example", TimeBucket: bucket}, model.Totals{Upload: 500}, time.Now(), nil)

	base := []NamedTotals{
		{Name: "big.example", Totals: model.Totals{Upload: 1000}},
		{Name: "small.example", Totals: model.Totals{Upload: 10}},
	}

	merged := c.MergeTopDomains("b1", base, 1)
	if len(merged) != 1 || merged[0].Name != "big.example" {
		t.Fatalf("expected truncation to keep the larger total, got %+v", merged)
	}

	mergedAll := c.MergeTopDomains("b1", base, 0)
	if mergedAll[1].Name != "small.example" || mergedAll[1].Totals.Upload != 510 {
		t.Fatalf("expected small.example merged to 510, got %+v", mergedAll)
	}
}
