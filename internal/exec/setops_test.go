package exec

import (
	"testing"
)

func intRowsFrom(vals ...int64) []Row {
	rows := make([]Row, len(vals))
	for i, v := range vals {
		rows[i] = Row{{Int: v}}
	}
	return rows
}

func intsOf(rows []Row) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r[0].Int
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHashSetOps(t *testing.T) {
	schema := Schema{{Name: "v", Type: "bigint"}}
	cases := []struct {
		name string
		op   SetOp
		want []int64
	}{
		{"union", SetUnion, []int64{1, 2, 3, 4}},
		{"union all", SetUnionAll, []int64{1, 2, 3, 2, 3, 4}},
		{"intersect", SetIntersect, []int64{2, 3}},
		{"except", SetExcept, []int64{1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			left := &fakeSource{schema: schema, rows: intRowsFrom(1, 2, 3)}
			right := &fakeSource{schema: schema, rows: intRowsFrom(2, 3, 4)}
			got := intsOf(collectRows(t, NewHashSetOp(left, right, tc.op, 4)))
			if !equalInts(got, tc.want) {
				t.Fatalf("%s = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

func TestMergeSetOpMatchesHashOnSortedInputs(t *testing.T) {
	schema := Schema{{Name: "v", Type: "bigint"}}
	cmp := func(a, b Row) int {
		switch {
		case a[0].Int < b[0].Int:
			return -1
		case a[0].Int > b[0].Int:
			return 1
		default:
			return 0
		}
	}
	cases := []struct {
		name string
		op   SetOp
		want []int64
	}{
		{"union", SetUnion, []int64{1, 2, 3, 4}},
		{"intersect", SetIntersect, []int64{2, 3}},
		{"except", SetExcept, []int64{1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			left := &fakeSource{schema: schema, rows: intRowsFrom(1, 2, 3)}
			right := &fakeSource{schema: schema, rows: intRowsFrom(2, 3, 4)}
			got := intsOf(collectRows(t, NewMergeSetOp(left, right, tc.op, cmp, 4)))
			if !equalInts(got, tc.want) {
				t.Fatalf("%s = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

func TestLimitOffsetWindow(t *testing.T) {
	schema := Schema{{Name: "v", Type: "bigint"}}
	src := &fakeSource{schema: schema, rows: intRowsFrom(0, 1, 2, 3, 4, 5, 6, 7, 8, 9), batch: 3}
	got := intsOf(collectRows(t, NewLimit(src, 2, 3)))
	if !equalInts(got, []int64{2, 3, 4}) {
		t.Fatalf("limit window = %v, want [2 3 4]", got)
	}
}

func TestLimitShortCircuitsUpstream(t *testing.T) {
	schema := Schema{{Name: "v", Type: "bigint"}}
	src := &fakeSource{schema: schema, rows: intRowsFrom(0, 1, 2, 3, 4, 5, 6, 7, 8, 9), batch: 2}
	got := intsOf(collectRows(t, NewLimit(src, 0, 3)))
	if !equalInts(got, []int64{0, 1, 2}) {
		t.Fatalf("limited output = %v, want [0 1 2]", got)
	}
	// The source was abandoned after the quota, not drained to the end.
	if src.pos >= len(src.rows) {
		t.Fatalf("expected upstream to stop early, but it was fully drained (pos=%d)", src.pos)
	}
}

func TestLimitNegativeMeansUnbounded(t *testing.T) {
	schema := Schema{{Name: "v", Type: "bigint"}}
	src := &fakeSource{schema: schema, rows: intRowsFrom(5, 6, 7)}
	got := intsOf(collectRows(t, NewLimit(src, 0, -1)))
	if !equalInts(got, []int64{5, 6, 7}) {
		t.Fatalf("unbounded limit = %v, want all rows", got)
	}
}
