package exec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"testing"
)

// intKeyAt extracts a big-endian encoding of the int64 at column col, so
// bytes.Compare on the encoded keys matches numeric order for the
// non-negative ids these tests use.
func intKeyAt(col int) KeyExtractor {
	return func(r Row) ([]byte, bool) {
		v := r[col]
		if v.IsNull {
			return nil, false
		}
		b := make([]byte, 8)
		u := uint64(v.Int)
		for i := 0; i < 8; i++ {
			b[7-i] = byte(u >> (8 * uint(i)))
		}
		return b, true
	}
}

func collectRows(t *testing.T, op Operator) []Row {
	t.Helper()
	ctx := context.Background()
	if _, err := op.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	var out []Row
	for {
		b, err := op.NextBatch(ctx)
		if err == ErrEOF {
			break
		}
		if err != nil {
			t.Fatalf("next batch: %v", err)
		}
		out = append(out, b.Rows...)
	}
	if err := op.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return out
}

// joinFixture returns left (id, tag) and right (id, weight) rows sorted by
// id, with duplicate join keys on both sides and one row per side that has
// no partner.
func joinFixture() (left, right []Row) {
	left = []Row{
		{{Int: 1}, {Str: "a"}},
		{{Int: 2}, {Str: "b"}},
		{{Int: 2}, {Str: "c"}},
		{{Int: 4}, {Str: "d"}},
	}
	right = []Row{
		{{Int: 1}, {Int: 10}},
		{{Int: 2}, {Int: 20}},
		{{Int: 2}, {Int: 21}},
		{{Int: 3}, {Int: 30}},
	}
	return left, right
}

func joinedPairs(rows []Row, leftWidth int) []string {
	pairs := make([]string, 0, len(rows))
	for _, r := range rows {
		pairs = append(pairs, fmt.Sprintf("%d/%s/%d", r[0].Int, r[1].Str, r[leftWidth+1].Int))
	}
	sort.Strings(pairs)
	return pairs
}

func TestJoinAlgorithmsProduceSameMultiset(t *testing.T) {
	schema2 := Schema{{Name: "id", Type: "bigint"}, {Name: "x", Type: "text"}}

	newLeft := func() Operator {
		l, _ := joinFixture()
		return &fakeSource{schema: schema2, rows: l, batch: 2}
	}
	newRight := func() Operator {
		_, r := joinFixture()
		return &fakeSource{schema: schema2, rows: r, batch: 2}
	}

	hash := NewHashJoin(newLeft(), newRight(), intKeyAt(0), intKeyAt(0), 0, t.TempDir(), 4)
	hashRows := collectRows(t, hash)

	merge := NewMergeJoin(newLeft(), newRight(), intKeyAt(0), intKeyAt(0), bytes.Compare, 4)
	mergeRows := collectRows(t, merge)

	nlj := NewNestedLoopJoin(newLeft(), newRight(), func(l, r Row) (bool, error) {
		if l[0].IsNull || r[0].IsNull {
			return false, nil
		}
		return l[0].Int == r[0].Int, nil
	}, false, 4)
	nljRows := collectRows(t, nlj)

	// 1=10, 2x{b,c} x {20,21}, no partner for 4 or 3: 5 result rows.
	want := joinedPairs(nljRows, 2)
	if len(want) != 5 {
		t.Fatalf("expected 5 joined rows, got %d", len(want))
	}
	for name, got := range map[string][]string{
		"hash":  joinedPairs(hashRows, 2),
		"merge": joinedPairs(mergeRows, 2),
	} {
		if len(got) != len(want) {
			t.Fatalf("%s join produced %d rows, nested-loop produced %d", name, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s join row %d = %q, nested-loop = %q", name, i, got[i], want[i])
			}
		}
	}
}

func TestHashJoinNullKeysNeverMatch(t *testing.T) {
	schema := Schema{{Name: "id", Type: "bigint"}}
	left := &fakeSource{schema: schema, rows: []Row{{{IsNull: true}}, {{Int: 7}}}}
	right := &fakeSource{schema: schema, rows: []Row{{{IsNull: true}}, {{Int: 7}}}}

	j := NewHashJoin(left, right, intKeyAt(0), intKeyAt(0), 0, t.TempDir(), 4)
	rows := collectRows(t, j)
	if len(rows) != 1 {
		t.Fatalf("expected only the non-null keys to join, got %d rows", len(rows))
	}
	if rows[0][0].Int != 7 || rows[0][1].Int != 7 {
		t.Fatalf("unexpected joined row %v", rows[0])
	}
}

func TestHashJoinSpillsWhenOverBudget(t *testing.T) {
	schema := Schema{{Name: "id", Type: "bigint"}}
	const n = 500
	var build, probe []Row
	for i := 0; i < n; i++ {
		build = append(build, Row{{Int: int64(i)}})
		probe = append(probe, Row{{Int: int64(i)}})
	}
	bs := &fakeSource{schema: schema, rows: build, batch: 64}
	ps := &fakeSource{schema: schema, rows: probe, batch: 64}

	// One row is ~16 bytes by rowByteSize, so a 64-byte budget overflows
	// almost immediately and forces the Grace spill path.
	dir := t.TempDir()
	j := NewHashJoin(bs, ps, intKeyAt(0), intKeyAt(0), 64, dir, 32)
	ctx := context.Background()
	if _, err := j.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !j.spilled {
		t.Fatal("expected build side to exceed budget and spill")
	}
	if entries, err := os.ReadDir(dir); err != nil || len(entries) == 0 {
		t.Fatalf("expected spill files in tmpDir after build drain, got %d (err=%v)", len(entries), err)
	}

	var rows []Row
	for {
		b, err := j.NextBatch(ctx)
		if err == ErrEOF {
			break
		}
		if err != nil {
			t.Fatalf("next batch: %v", err)
		}
		rows = append(rows, b.Rows...)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(rows) != n {
		t.Fatalf("expected %d joined rows, got %d", n, len(rows))
	}
	seen := make(map[int64]bool, n)
	for _, r := range rows {
		if r[0].Int != r[1].Int {
			t.Fatalf("mismatched join pair %v", r)
		}
		if seen[r[0].Int] {
			t.Fatalf("duplicate join result for key %d", r[0].Int)
		}
		seen[r[0].Int] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected Close to remove spill files, found %v", entries)
	}
}

func TestNestedLoopLeftOuterPadsUnmatched(t *testing.T) {
	schema := Schema{{Name: "id", Type: "bigint"}}
	left := &fakeSource{schema: schema, rows: []Row{{{Int: 1}}, {{Int: 2}}}}
	right := &fakeSource{schema: schema, rows: []Row{{{Int: 1}}}}

	j := NewNestedLoopJoin(left, right, func(l, r Row) (bool, error) {
		return l[0].Int == r[0].Int, nil
	}, true, 4)
	rows := collectRows(t, j)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows (1 matched, 1 padded), got %d", len(rows))
	}
	var padded bool
	for _, r := range rows {
		if r[0].Int == 2 {
			padded = true
			if !r[1].IsNull {
				t.Fatalf("expected right side NULL for unmatched left row, got %v", r[1])
			}
		}
	}
	if !padded {
		t.Fatal("expected the unmatched left row to be emitted")
	}
}
