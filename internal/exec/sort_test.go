package exec

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// fakeSource is a trivial Operator that replays a fixed set of rows in
// small batches, used to drive Sort without a real scan/catalog.
type fakeSource struct {
	schema Schema
	rows   []Row
	pos    int
	batch  int
}

func (f *fakeSource) Open(ctx context.Context) (Schema, error) { return f.schema, nil }

func (f *fakeSource) NextBatch(ctx context.Context) (*Batch, error) {
	if f.pos >= len(f.rows) {
		return nil, ErrEOF
	}
	n := f.batch
	if n <= 0 {
		n = 16
	}
	if f.pos+n > len(f.rows) {
		n = len(f.rows) - f.pos
	}
	out := &Batch{Rows: f.rows[f.pos : f.pos+n]}
	f.pos += n
	return out, nil
}

func (f *fakeSource) Close() error { return nil }

func intRows(n int, shuffle bool) []Row {
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = int64(i)
	}
	if shuffle {
		rand.New(rand.NewSource(1)).Shuffle(n, func(i, j int) { vals[i], vals[j] = vals[j], vals[i] })
	}
	rows := make([]Row, n)
	for i, v := range vals {
		rows[i] = Row{{Int: v}}
	}
	return rows
}

func TestSort_ExternalMergeIsSortedPermutation(t *testing.T) {
	dir := t.TempDir()
	const n = 5000
	src := &fakeSource{schema: Schema{{Name: "v", Type: "bigint"}}, rows: intRows(n, true), batch: 64}

	// A tiny memory budget and run size forces many spilled runs and
	// exercises the k-way merge path rather than the in-memory sort.
	s := &Sort{input: src, keys: []SortKey{{Column: 0}}, memoryBudget: 1024, tmpDir: dir, batchSize: 32}
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(s.runFiles) == 0 {
		t.Fatal("expected small memory budget to force external sort spill")
	}

	var got []int64
	for {
		b, err := s.NextBatch(context.Background())
		if err != nil {
			if err == ErrEOF {
				break
			}
			t.Fatalf("next batch: %v", err)
		}
		for _, r := range b.Rows {
			got = append(got, r[0].Int)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(got) != n {
		t.Fatalf("got %d rows want %d", len(got), n)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("output not sorted at index %d: %d > %d", i, got[i-1], got[i])
		}
	}
	seen := make(map[int64]bool, n)
	for _, v := range got {
		if seen[v] {
			t.Fatalf("duplicate value %d in output", v)
		}
		seen[v] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected Close to remove spilled run files, found %v", entries)
	}
}

func TestSort_ExternalMergeHonorsDescending(t *testing.T) {
	dir := t.TempDir()
	const n = 2000
	src := &fakeSource{schema: Schema{{Name: "v", Type: "bigint"}}, rows: intRows(n, true), batch: 50}

	s := NewSort(src, []SortKey{{Column: 0, Desc: true}}, 2048, dir, 100)
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var got []int64
	for {
		b, err := s.NextBatch(context.Background())
		if err != nil {
			if err == ErrEOF {
				break
			}
			t.Fatalf("next batch: %v", err)
		}
		for _, r := range b.Rows {
			got = append(got, r[0].Int)
		}
	}
	if len(got) != n {
		t.Fatalf("got %d rows want %d", len(got), n)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] < got[i] {
			t.Fatalf("output not descending at index %d: %d < %d", i, got[i-1], got[i])
		}
	}
}

func TestSort_RadixHandlesNegativeKeysAndNulls(t *testing.T) {
	schema := Schema{{Name: "v", Type: "bigint"}}
	rows := []Row{
		{{Int: 5}},
		{{IsNull: true}},
		{{Int: -3}},
		{{Int: 0}},
		{{Int: -200}},
		{{Int: 42}},
	}
	src := &fakeSource{schema: schema, rows: rows, batch: 2}
	s := NewSort(src, []SortKey{{Column: 0, Radix: true}}, 0, t.TempDir(), 10)
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	b, err := s.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(b.Rows) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(b.Rows), len(rows))
	}
	for i := 0; i < len(b.Rows)-1; i++ {
		if b.Rows[i][0].IsNull {
			t.Fatalf("NULL at position %d, must sort last", i)
		}
	}
	if !b.Rows[len(b.Rows)-1][0].IsNull {
		t.Fatal("expected the NULL row last")
	}
	wantOrder := []int64{-200, -3, 0, 5, 42}
	for i, w := range wantOrder {
		if b.Rows[i][0].Int != w {
			t.Fatalf("position %d = %d, want %d", i, b.Rows[i][0].Int, w)
		}
	}
}

func TestSort_NaNSortsLastForFloatKeys(t *testing.T) {
	schema := Schema{{Name: "v", Type: "float64"}}
	rows := []Row{
		{{Float: math.Inf(1)}},
		{{Float: math.NaN()}},
		{{Float: -1.5}},
		{{Float: math.Inf(-1)}},
		{{Float: 2.25}},
	}
	src := &fakeSource{schema: schema, rows: rows}
	s := NewSort(src, []SortKey{{Column: 0}}, 0, t.TempDir(), 10)
	if _, err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	b, err := s.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	got := b.Rows
	if !math.IsNaN(got[len(got)-1][0].Float) {
		t.Fatalf("expected NaN last, got %v", got[len(got)-1][0].Float)
	}
	if !math.IsInf(got[0][0].Float, -1) || !math.IsInf(got[len(got)-2][0].Float, 1) {
		t.Fatalf("expected -Inf first and +Inf before NaN, got %v", got)
	}
}

func TestSort_RunFilesStreamNotMaterializeWhole(t *testing.T) {
	dir := t.TempDir()
	const n = 300
	rows := make([]Row, n)
	for i := 0; i < n; i++ {
		rows[i] = Row{{Int: int64(i + 1)}}
	}
	path, err := writeRun(filepath.Clean(dir), rows)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(path)

	m, err := newKWayMerger([]string{path}, []SortKey{{Column: 0}})
	if err != nil {
		t.Fatal(err)
	}
	defer m.close()

	// A single run's merger must only ever hold one buffered row, not the
	// whole decoded run, regardless of how many rows were spilled.
	if got := len(m.heap.items); got != 1 {
		t.Fatalf("expected exactly one buffered row per open run, got %d", got)
	}

	var out []int64
	for {
		b, err := m.nextBatch(16)
		if err != nil {
			if err == ErrEOF {
				break
			}
			t.Fatal(err)
		}
		for _, r := range b.Rows {
			out = append(out, r[0].Int)
		}
	}
	if len(out) != n {
		t.Fatalf("got %d rows want %d", len(out), n)
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("merged output not sorted at %d", i)
		}
	}
}
