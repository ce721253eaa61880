package stats

import (
	"math"
	"testing"
)

// sliceRows is an in-memory RowSource over pre-built column maps.
type sliceRows struct {
	rows  []map[string]float64
	nulls []map[string]bool
}

func (s *sliceRows) ForEachRow(fn func(row map[string]float64, nulls map[string]bool) bool) error {
	for i, r := range s.rows {
		var n map[string]bool
		if s.nulls != nil {
			n = s.nulls[i]
		}
		if n == nil {
			n = map[string]bool{}
		}
		if !fn(r, n) {
			break
		}
	}
	return nil
}

func (s *sliceRows) RowCount() (int64, error) { return int64(len(s.rows)), nil }

func TestCollectBuildsColumnStats(t *testing.T) {
	const n = 1000
	src := &sliceRows{}
	for i := 0; i < n; i++ {
		src.rows = append(src.rows, map[string]float64{"x": float64(i)})
	}

	c := NewCollector()
	snap, err := c.Collect("t", src, []string{"x"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap.RowCount != n {
		t.Fatalf("RowCount = %d, want %d", snap.RowCount, n)
	}
	cs, ok := snap.Columns["x"]
	if !ok {
		t.Fatal("missing column stats for x")
	}
	if cs.Min != 0 || cs.Max != n-1 {
		t.Fatalf("min/max = %v/%v, want 0/%d", cs.Min, cs.Max, n-1)
	}
	// HLL with 2^14 registers has ~1% standard error on 1000 distincts.
	if cs.NDV < 900 || cs.NDV > 1100 {
		t.Fatalf("NDV = %d, want ≈1000", cs.NDV)
	}
	if cs.Histogram == nil || len(cs.Histogram.Buckets) == 0 {
		t.Fatal("expected a populated histogram")
	}
	if cs.NullFrac != 0 {
		t.Fatalf("NullFrac = %v, want 0", cs.NullFrac)
	}
}

func TestCollectTracksNullFraction(t *testing.T) {
	src := &sliceRows{}
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			src.rows = append(src.rows, map[string]float64{"x": float64(i)})
			src.nulls = append(src.nulls, nil)
		} else {
			src.rows = append(src.rows, map[string]float64{})
			src.nulls = append(src.nulls, map[string]bool{"x": true})
		}
	}

	snap, err := NewCollector().Collect("t", src, []string{"x"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := snap.Columns["x"].NullFrac; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("NullFrac = %v, want 0.5", got)
	}
}

func TestCollectCorrelationForDeclaredPair(t *testing.T) {
	src := &sliceRows{}
	for i := 0; i < 200; i++ {
		src.rows = append(src.rows, map[string]float64{
			"x": float64(i),
			"y": 2*float64(i) + 3,
		})
	}

	c := NewCollector()
	c.DeclarePair("t", DeclaredPair{A: "x", B: "y"})
	snap, err := c.Collect("t", src, []string{"x", "y"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	corr, ok := snap.Correlation("x", "y")
	if !ok {
		t.Fatal("expected a cached correlation for the declared pair")
	}
	if corr < 0.99 {
		t.Fatalf("correlation for y=2x+3 = %v, want ≈1", corr)
	}
	if _, ok := snap.Correlation("x", "z"); ok {
		t.Fatal("undeclared pair should not have a correlation")
	}
}

func TestEmptySnapshotStaleOnlyOnceRowsExist(t *testing.T) {
	empty := &Snapshot{RowCount: 0}
	if empty.Stale(0, DefaultStaleRatio) {
		t.Fatal("empty snapshot of an empty table is not stale")
	}
	if !empty.Stale(1, DefaultStaleRatio) {
		t.Fatal("any rows make an empty snapshot stale")
	}
}
