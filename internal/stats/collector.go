package stats

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSampleSize is the default reservoir sample size per column.
const DefaultSampleSize = 10000

// BlockSampleThreshold switches Collect from reservoir sampling to keeping
// the first sampleSize values of each column in scan order once the row
// count exceeds this many rows; the pass still visits every row.
const BlockSampleThreshold = 1_000_000

// DefaultStaleRatio is the default row-count deviation that marks a
// snapshot stale.
const DefaultStaleRatio = 0.20

// ColumnStats is the published, immutable per-column portion of a snapshot.
type ColumnStats struct {
	Name      string
	NDV       int64
	Min, Max  float64
	NullFrac  float64
	Histogram *Histogram
}

// IndexStats is the published per-index portion of a snapshot.
type IndexStats struct {
	Name             string
	LeafCount        int64
	Height           int
	ClusteringFactor float64
}

// Snapshot is an immutable statistics snapshot for one table.
// Once published, a Snapshot is never mutated; refreshing produces a new
// one with a new ID.
type Snapshot struct {
	ID           uuid.UUID
	Table        string
	RowCount     int64
	Columns      map[string]*ColumnStats
	Indexes      map[string]*IndexStats
	Correlations map[[2]string]float64
	CollectedAt  time.Time
}

// Correlation returns the cached Pearson coefficient for a declared column
// pair, or (0, false) if it was never computed.
func (s *Snapshot) Correlation(colA, colB string) (float64, bool) {
	key := [2]string{colA, colB}
	if v, ok := s.Correlations[key]; ok {
		return v, true
	}
	key = [2]string{colB, colA}
	v, ok := s.Correlations[key]
	return v, ok
}

// Stale reports whether currentRowCount deviates from the snapshot's row
// count by more than ratio.
func (s *Snapshot) Stale(currentRowCount int64, ratio float64) bool {
	if s.RowCount == 0 {
		return currentRowCount != 0
	}
	delta := math.Abs(float64(currentRowCount-s.RowCount)) / float64(s.RowCount)
	return delta > ratio
}

// RowSource supplies the rows a collection pass samples from: a forward
// scan of a table's primary tree, abstracted so the collector does not
// depend on internal/pager or internal/catalog directly.
type RowSource interface {
	// ForEachRow calls fn with each column's value for every row in
	// primary-key order, stopping early if fn returns false.
	ForEachRow(fn func(row map[string]float64, nulls map[string]bool) bool) error
	RowCount() (int64, error)
}

// DeclaredPair is a column pair the catalog has asked the collector to
// maintain a correlation coefficient for.
type DeclaredPair struct{ A, B string }

// Collector runs sampling passes and publishes immutable snapshots: a
// snapshot is never mutated once built, and readers (the optimizer) hold
// a reference until they retire.
type Collector struct {
	mu            sync.Mutex
	sampleSize    int
	bucketCount   int
	hllRegisters  int
	staleRatio    float64
	declaredPairs map[string][]DeclaredPair
}

// NewCollector returns a Collector with default sampling parameters.
func NewCollector() *Collector {
	return &Collector{
		sampleSize:    DefaultSampleSize,
		bucketCount:   DefaultBucketCount,
		hllRegisters:  DefaultHLLRegisters,
		staleRatio:    DefaultStaleRatio,
		declaredPairs: make(map[string][]DeclaredPair),
	}
}

// DeclarePair registers a column pair on a table for correlation tracking.
func (c *Collector) DeclarePair(table string, pair DeclaredPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declaredPairs[table] = append(c.declaredPairs[table], pair)
}

// Collect runs a full sampling pass over src and returns a new,
// unpublished Snapshot. The caller is responsible for publishing it to
// the catalog (separating collection, which can run off the hot path,
// from the atomic catalog pointer swap).
func (c *Collector) Collect(table string, src RowSource, columns []string) (*Snapshot, error) {
	rowCount, err := src.RowCount()
	if err != nil {
		return nil, err
	}

	samples := make(map[string][]float64, len(columns))
	nullCounts := make(map[string]int, len(columns))
	hlls := make(map[string]*HyperLogLog, len(columns))
	for _, col := range columns {
		hlls[col] = NewHyperLogLog(c.hllRegisters)
	}

	rng := rand.New(rand.NewSource(1))
	seen := 0
	sampleSize := c.sampleSize
	blockMode := rowCount > BlockSampleThreshold

	err = src.ForEachRow(func(row map[string]float64, nulls map[string]bool) bool {
		seen++
		for _, col := range columns {
			v, hasVal := row[col]
			if nulls[col] {
				nullCounts[col]++
				continue
			}
			if hasVal {
				hlls[col].Add(floatBytes(v))
			}
			if blockMode {
				// block sampling: keep the leading rows in scan order
				// until the sample is full, with no replacement.
				if len(samples[col]) < sampleSize {
					samples[col] = append(samples[col], v)
				}
				continue
			}
			reservoirAdd(samples, col, v, seen, sampleSize, rng)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:           uuid.New(),
		Table:        table,
		RowCount:     rowCount,
		Columns:      make(map[string]*ColumnStats, len(columns)),
		Indexes:      make(map[string]*IndexStats),
		Correlations: make(map[[2]string]float64),
		CollectedAt:  time.Now(),
	}
	for _, col := range columns {
		vals := samples[col]
		hist := BuildHistogram(vals, nullCounts[col], c.bucketCount)
		cs := &ColumnStats{
			Name:      col,
			NDV:       hlls[col].Estimate(),
			Min:       hist.Min,
			Max:       hist.Max,
			NullFrac:  hist.NullFrac,
			Histogram: hist,
		}
		snap.Columns[col] = cs
	}

	for _, pair := range c.declaredPairs[table] {
		if corr, ok := pearson(samples[pair.A], samples[pair.B]); ok {
			snap.Correlations[[2]string{pair.A, pair.B}] = corr
		}
	}
	return snap, nil
}

func reservoirAdd(samples map[string][]float64, col string, v float64, seen, size int, rng *rand.Rand) {
	s := samples[col]
	if len(s) < size {
		samples[col] = append(s, v)
		return
	}
	j := rng.Intn(seen)
	if j < size {
		s[j] = v
	}
}

func floatBytes(v float64) []byte {
	bits := math.Float64bits(v)
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> (8 * i))
	}
	return buf
}

// pearson computes the Pearson correlation coefficient over paired samples
// (only the overlapping prefix is used, since reservoir sampling does not
// guarantee column samples share indices — callers that need exact pairs
// should sample rows, not columns, independently).
func pearson(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0, false
	}
	a, b = a[:n], b[:n]
	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)
	var num, denA, denB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		num += da * db
		denA += da * da
		denB += db * db
	}
	if denA == 0 || denB == 0 {
		return 0, false
	}
	return num / math.Sqrt(denA*denB), true
}
