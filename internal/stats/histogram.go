// Package stats implements the statistics collector: reservoir sampling,
// equi-height/hybrid histograms, a HyperLogLog NDV estimator, and Pearson
// correlation for declared column pairs.
package stats

import "sort"

// Bucket is one equi-height (or hybrid singleton) histogram bucket.
type Bucket struct {
	Low, High float64
	Frequency int64
	NDV       int64
	// Singleton marks a hybrid-histogram bucket holding exactly one
	// frequent value (Low == High).
	Singleton bool
}

// Histogram is an immutable equi-height, or hybrid top-K + equi-height
// tail, histogram over one column's numerically encoded samples.
type Histogram struct {
	Buckets    []Bucket
	NullFrac   float64
	Min, Max   float64
	SampleSize int
}

// DefaultBucketCount is the default number of equi-height buckets.
const DefaultBucketCount = 64

// DefaultTopK is the number of frequent-value singleton buckets a hybrid
// histogram carves out before building the equi-height tail.
const DefaultTopK = 8

// BuildHistogram constructs a histogram over samples (already numerically
// encoded, e.g. via key codecs or ordinal mapping for strings): equi-height,
// or hybrid (see buildHybrid) when skewed reports a dominant value.
// nulls is the number of NULL values observed in the full sample draw
// (sample size = len(values) + nulls).
func BuildHistogram(values []float64, nulls int, buckets int) *Histogram {
	if buckets <= 0 {
		buckets = DefaultBucketCount
	}
	total := len(values) + nulls
	h := &Histogram{SampleSize: total}
	if total == 0 {
		return h
	}
	h.NullFrac = float64(nulls) / float64(total)
	if len(values) == 0 {
		return h
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	h.Min, h.Max = sorted[0], sorted[len(sorted)-1]

	if skewed(sorted) {
		return buildHybrid(sorted, nulls, buckets)
	}
	return buildEquiHeight(sorted, nulls, buckets, h)
}

// skewed reports whether the top value's frequency dominates the sample
// enough to warrant a hybrid (frequent-value + equi-height tail)
// histogram instead of a plain equi-height one.
func skewed(sorted []float64) bool {
	if len(sorted) < 16 {
		return false
	}
	counts := valueCounts(sorted)
	var maxFreq int64
	for _, c := range counts {
		if c > maxFreq {
			maxFreq = c
		}
	}
	return float64(maxFreq) > 0.1*float64(len(sorted))
}

func valueCounts(sorted []float64) map[float64]int64 {
	counts := make(map[float64]int64)
	for _, v := range sorted {
		counts[v]++
	}
	return counts
}

func buildEquiHeight(sorted []float64, nulls, buckets int, h *Histogram) *Histogram {
	n := len(sorted)
	if buckets > n {
		buckets = n
	}
	per := n / buckets
	if per == 0 {
		per = 1
	}
	for start := 0; start < n; start += per {
		end := start + per
		if end > n || n-end < per {
			end = n
		}
		seg := sorted[start:end]
		ndv := distinctCount(seg)
		h.Buckets = append(h.Buckets, Bucket{
			Low:       seg[0],
			High:      seg[len(seg)-1],
			Frequency: int64(len(seg)),
			NDV:       ndv,
		})
		if end == n {
			break
		}
	}
	return h
}

// buildHybrid carves the DefaultTopK most frequent values into singleton
// buckets, then builds an equi-height histogram over the remaining tail.
func buildHybrid(sorted []float64, nulls, buckets int) *Histogram {
	h := &Histogram{SampleSize: len(sorted) + nulls, Min: sorted[0], Max: sorted[len(sorted)-1]}
	if len(sorted)+nulls > 0 {
		h.NullFrac = float64(nulls) / float64(len(sorted)+nulls)
	}
	counts := valueCounts(sorted)
	type vc struct {
		v float64
		c int64
	}
	vcs := make([]vc, 0, len(counts))
	for v, c := range counts {
		vcs = append(vcs, vc{v, c})
	}
	sort.Slice(vcs, func(i, j int) bool { return vcs[i].c > vcs[j].c })

	topK := DefaultTopK
	if topK > len(vcs) {
		topK = len(vcs)
	}
	frequent := make(map[float64]bool, topK)
	for i := 0; i < topK; i++ {
		h.Buckets = append(h.Buckets, Bucket{
			Low: vcs[i].v, High: vcs[i].v, Frequency: vcs[i].c, NDV: 1, Singleton: true,
		})
		frequent[vcs[i].v] = true
	}
	sort.Slice(h.Buckets, func(i, j int) bool { return h.Buckets[i].Low < h.Buckets[j].Low })

	var tail []float64
	for _, v := range sorted {
		if !frequent[v] {
			tail = append(tail, v)
		}
	}
	if len(tail) > 0 {
		tailBuckets := buildEquiHeight(tail, 0, buckets-topK, &Histogram{})
		h.Buckets = append(h.Buckets, tailBuckets.Buckets...)
		sort.Slice(h.Buckets, func(i, j int) bool { return h.Buckets[i].Low < h.Buckets[j].Low })
	}
	return h
}

func distinctCount(sorted []float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	n := int64(1)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			n++
		}
	}
	return n
}

// Selectivity estimates the fraction of rows satisfying `value op`, where
// op is one of "=", "<", "<=", ">", ">=".
func (h *Histogram) Selectivity(op string, value float64) float64 {
	if h.SampleSize == 0 || len(h.Buckets) == 0 {
		return 1
	}
	total := int64(0)
	for _, b := range h.Buckets {
		total += b.Frequency
	}
	if total == 0 {
		return 0
	}
	var matched int64
	for _, b := range h.Buckets {
		matched += bucketMatch(b, op, value)
	}
	return float64(matched) / float64(total)
}

func bucketMatch(b Bucket, op string, value float64) int64 {
	switch op {
	case "=":
		if value >= b.Low && value <= b.High {
			if b.NDV == 0 {
				return 0
			}
			return b.Frequency / b.NDV
		}
		return 0
	case "<":
		return rangeOverlap(b, op, value)
	case "<=":
		return rangeOverlap(b, op, value)
	case ">":
		return rangeOverlap(b, op, value)
	case ">=":
		return rangeOverlap(b, op, value)
	default:
		return 0
	}
}

// rangeOverlap linearly interpolates the fraction of a bucket's range
// satisfying the comparison, a standard equi-height histogram technique.
func rangeOverlap(b Bucket, op string, value float64) int64 {
	span := b.High - b.Low
	if span <= 0 {
		span = 1
	}
	var frac float64
	switch op {
	case "<":
		frac = (value - b.Low) / span
	case "<=":
		frac = (value - b.Low) / span
	case ">":
		frac = (b.High - value) / span
	case ">=":
		frac = (b.High - value) / span
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return int64(float64(b.Frequency) * frac)
}
