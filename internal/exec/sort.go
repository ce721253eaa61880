package exec

import (
	"container/heap"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"
)

// SortKey is one ORDER BY term.
type SortKey struct {
	Column int
	Desc   bool
	// Radix selects the LSD integer radix sort path for this key when it
	// is the sole sort key. That path orders values by their Int field
	// and places NULLs last; it does not check the column's type.
	Radix bool
}

// RowLess compares two rows by a list of sort keys, NULLs and NaN sort
// last regardless of direction.
func RowLess(a, b Row, keys []SortKey) bool {
	for _, k := range keys {
		av, bv := a[k.Column], b[k.Column]
		aNull, bNull := av.IsNull || isNaN(av), bv.IsNull || isNaN(bv)
		if aNull || bNull {
			if aNull && bNull {
				continue
			}
			return bNull
		}
		c := compareValues(av, bv)
		if c == 0 {
			continue
		}
		if k.Desc {
			c = -c
		}
		return c < 0
	}
	return false
}

// DefaultSortMemoryBudget caps in-memory sort before spilling to an
// external merge sort.
const DefaultSortMemoryBudget = 64 * 1024 * 1024

// DefaultRunSize bounds how many rows go into one spilled run.
const DefaultRunSize = 50000

// Sort materializes its input, sorts it with Go's introspective sort
// (sort.Slice, itself quicksort/heapsort/insertion-sort hybrid) when it
// fits the memory budget, and falls back to an external merge sort
// (spill sorted runs to tmpDir, k-way merge) otherwise.
type Sort struct {
	input        Operator
	keys         []SortKey
	memoryBudget int64
	tmpDir       string
	batchSize    int

	schema   Schema
	rows     []Row
	runFiles []string
	pos      int
	merger   *kWayMerger
}

// NewSort returns a Sort operator.
func NewSort(input Operator, keys []SortKey, memoryBudget int64, tmpDir string, batchSize int) *Sort {
	if memoryBudget <= 0 {
		memoryBudget = DefaultSortMemoryBudget
	}
	return &Sort{input: input, keys: keys, memoryBudget: memoryBudget, tmpDir: tmpDir, batchSize: BatchSize(batchSize)}
}

func (s *Sort) Open(ctx context.Context) (Schema, error) {
	schema, err := s.input.Open(ctx)
	if err != nil {
		return nil, err
	}
	s.schema = schema

	if len(s.keys) == 1 && s.keys[0].Radix {
		if err := s.radixSortSingleKey(ctx); err != nil {
			return nil, err
		}
		return s.schema, nil
	}

	var occupancy int64
	var run []Row
	flushRun := func() error {
		if len(run) == 0 {
			return nil
		}
		sort.Slice(run, func(i, j int) bool { return RowLess(run[i], run[j], s.keys) })
		path, werr := writeRun(s.tmpDir, run)
		if werr != nil {
			return werr
		}
		s.runFiles = append(s.runFiles, path)
		run = nil
		occupancy = 0
		return nil
	}

	if err := drainAll(ctx, s.input, func(r Row) error {
		run = append(run, r)
		occupancy += int64(rowByteSize(r))
		if occupancy > s.memoryBudget || len(run) >= DefaultRunSize {
			return flushRun()
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if len(s.runFiles) == 0 {
		// Entire input fit in memory: sort in place, no spill needed.
		sort.Slice(run, func(i, j int) bool { return RowLess(run[i], run[j], s.keys) })
		s.rows = run
		return s.schema, nil
	}

	if err := flushRun(); err != nil {
		return nil, err
	}
	merger, err := newKWayMerger(s.runFiles, s.keys)
	if err != nil {
		return nil, err
	}
	s.merger = merger
	return s.schema, nil
}

// radixSortSingleKey implements an LSD (least-significant-digit) radix
// sort over a single integer sort key, used as a faster specialization
// of the general comparison sort.
func (s *Sort) radixSortSingleKey(ctx context.Context) error {
	col := s.keys[0].Column
	desc := s.keys[0].Desc
	var rows []Row
	var nulls []Row
	if err := drainAll(ctx, s.input, func(r Row) error {
		if r[col].IsNull {
			nulls = append(nulls, r)
		} else {
			rows = append(rows, r)
		}
		return nil
	}); err != nil {
		return err
	}

	const radixBits = 8
	const buckets = 1 << radixBits
	keyOf := func(r Row) uint64 {
		// flip sign bit so radix byte-order matches signed integer order
		return uint64(r[col].Int) ^ (1 << 63)
	}
	src := rows
	dst := make([]Row, len(rows))
	for shift := uint(0); shift < 64; shift += radixBits {
		var count [buckets + 1]int
		for _, r := range src {
			b := (keyOf(r) >> shift) & (buckets - 1)
			count[b+1]++
		}
		for i := 0; i < buckets; i++ {
			count[i+1] += count[i]
		}
		for _, r := range src {
			b := (keyOf(r) >> shift) & (buckets - 1)
			dst[count[b]] = r
			count[b]++
		}
		src, dst = dst, src
	}
	if desc {
		for i, j := 0, len(src)-1; i < j; i, j = i+1, j-1 {
			src[i], src[j] = src[j], src[i]
		}
	}
	s.rows = append(src, nulls...)
	return nil
}

func (s *Sort) NextBatch(ctx context.Context) (*Batch, error) {
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	if s.merger != nil {
		return s.merger.nextBatch(s.batchSize)
	}
	if s.pos >= len(s.rows) {
		return nil, ErrEOF
	}
	n := s.batchSize
	if s.pos+n > len(s.rows) {
		n = len(s.rows) - s.pos
	}
	out := &Batch{Rows: s.rows[s.pos : s.pos+n]}
	s.pos += n
	return out, nil
}

func (s *Sort) Close() error {
	if s.merger != nil {
		s.merger.close()
	}
	for _, f := range s.runFiles {
		os.Remove(f)
	}
	return s.input.Close()
}

// writeRun spills rows (already sorted in memory) as a sequence of
// individually gob-encoded values, one Encode call per row, so the merge
// phase can decode a run one row at a time instead of pulling the whole
// run back into memory.
func writeRun(dir string, rows []Row) (string, error) {
	f, err := os.CreateTemp(dir, "hmssql-sort-run-*.gob")
	if err != nil {
		return "", fmt.Errorf("exec: creating sort spill file: %w", err)
	}
	defer f.Close()
	enc := gob.NewEncoder(f)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return "", fmt.Errorf("exec: writing sort spill file: %w", err)
		}
	}
	return f.Name(), nil
}

// mergeRun is a single spilled run's streaming read cursor: one decoded
// row buffered at a time, never the whole run.
type mergeRun struct {
	dec  *gob.Decoder
	cur  Row
	done bool
}

func (mr *mergeRun) advance() error {
	var r Row
	if err := mr.dec.Decode(&r); err != nil {
		if err == io.EOF {
			mr.done = true
			mr.cur = nil
			return nil
		}
		return err
	}
	mr.cur = r
	return nil
}

// runHeap is a container/heap min-heap over each run's currently buffered
// row, ordered by the sort keys.
type runHeap struct {
	items []*mergeRun
	keys  []SortKey
}

func (h *runHeap) Len() int { return len(h.items) }
func (h *runHeap) Less(i, j int) bool {
	return RowLess(h.items[i].cur, h.items[j].cur, h.keys)
}
func (h *runHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *runHeap) Push(x any)    { h.items = append(h.items, x.(*mergeRun)) }
func (h *runHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// kWayMerger merges the sorted spilled runs produced by Sort.Open via a
// min-heap over one buffered row per run, so memory use stays O(k) in
// the run count rather than O(n) in the row count regardless of the
// sort memory budget.
type kWayMerger struct {
	files []*os.File
	heap  *runHeap
}

func newKWayMerger(paths []string, keys []SortKey) (*kWayMerger, error) {
	m := &kWayMerger{heap: &runHeap{keys: keys}}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			m.close()
			return nil, fmt.Errorf("exec: opening sort spill file: %w", err)
		}
		m.files = append(m.files, f)
		mr := &mergeRun{dec: gob.NewDecoder(f)}
		if err := mr.advance(); err != nil {
			m.close()
			return nil, fmt.Errorf("exec: decoding sort spill file: %w", err)
		}
		if !mr.done {
			m.heap.items = append(m.heap.items, mr)
		}
	}
	heap.Init(m.heap)
	return m, nil
}

func (m *kWayMerger) nextBatch(batchSize int) (*Batch, error) {
	batch := &Batch{}
	for len(batch.Rows) < batchSize && m.heap.Len() > 0 {
		mr := heap.Pop(m.heap).(*mergeRun)
		batch.Rows = append(batch.Rows, mr.cur)
		if err := mr.advance(); err != nil {
			return nil, fmt.Errorf("exec: decoding sort spill file: %w", err)
		}
		if !mr.done {
			heap.Push(m.heap, mr)
		}
	}
	if len(batch.Rows) == 0 {
		return nil, ErrEOF
	}
	return batch, nil
}

func (m *kWayMerger) close() {
	for _, f := range m.files {
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
}
