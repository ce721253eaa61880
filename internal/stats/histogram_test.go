package stats

import (
	"math"
	"testing"
)

func TestBuildEquiHeightHistogram(t *testing.T) {
	vals := make([]float64, 1000)
	for i := range vals {
		vals[i] = float64(i)
	}
	h := BuildHistogram(vals, 0, 10)
	if len(h.Buckets) == 0 {
		t.Fatalf("expected buckets")
	}
	if h.Min != 0 || h.Max != 999 {
		t.Fatalf("unexpected min/max: %v %v", h.Min, h.Max)
	}
	var total int64
	for _, b := range h.Buckets {
		total += b.Frequency
	}
	if total != 1000 {
		t.Fatalf("expected total frequency 1000, got %d", total)
	}
}

func TestHistogramSelectivityMonotone(t *testing.T) {
	vals := make([]float64, 1000)
	for i := range vals {
		vals[i] = float64(i)
	}
	h := BuildHistogram(vals, 0, 64)
	lowSel := h.Selectivity("<", 10)
	highSel := h.Selectivity("<", 900)
	if lowSel >= highSel {
		t.Fatalf("expected selectivity to grow with threshold: %v vs %v", lowSel, highSel)
	}
	eqSel := h.Selectivity("=", 500)
	if eqSel <= 0 || eqSel > 0.1 {
		t.Fatalf("unexpected equality selectivity: %v", eqSel)
	}
}

func TestHybridHistogramForSkewedData(t *testing.T) {
	vals := make([]float64, 0, 200)
	for i := 0; i < 150; i++ {
		vals = append(vals, 1) // dominant value
	}
	for i := 0; i < 50; i++ {
		vals = append(vals, float64(i+2))
	}
	h := BuildHistogram(vals, 0, DefaultBucketCount)
	foundSingleton := false
	for _, b := range h.Buckets {
		if b.Singleton && b.Low == 1 {
			foundSingleton = true
		}
	}
	if !foundSingleton {
		t.Fatalf("expected a singleton bucket for dominant value 1")
	}
}

func TestHyperLogLogEstimateWithinTolerance(t *testing.T) {
	hll := NewHyperLogLog(DefaultHLLRegisters)
	const n = 50000
	for i := 0; i < n; i++ {
		hll.Add(floatBytes(float64(i)))
	}
	est := hll.Estimate()
	errRatio := math.Abs(float64(est-n)) / float64(n)
	if errRatio > 0.1 {
		t.Fatalf("HLL estimate %d too far from true NDV %d (err %.3f)", est, n, errRatio)
	}
}

func TestPearsonCorrelation(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	corr, ok := pearson(a, b)
	if !ok {
		t.Fatalf("expected correlation to compute")
	}
	if math.Abs(corr-1.0) > 1e-9 {
		t.Fatalf("expected perfect correlation, got %v", corr)
	}
}

func TestSnapshotStale(t *testing.T) {
	s := &Snapshot{RowCount: 1000}
	if s.Stale(1100, DefaultStaleRatio) {
		t.Fatalf("10%% deviation should not be stale at default 20%% ratio")
	}
	if !s.Stale(1300, DefaultStaleRatio) {
		t.Fatalf("30%% deviation should be stale at default 20%% ratio")
	}
}
