package exec

import (
	"context"
	"math"
)

// AggFunc identifies a supported aggregate function.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggCountStar
	AggSum
	AggAvg
	AggMin
	AggMax
)

// AggExpr describes one output aggregate column.
type AggExpr struct {
	Func      AggFunc
	Column    int // index into the input row, ignored for AggCountStar
	OutputCol string
}

// kahanSum accumulates a running sum with Kahan compensation, so long
// aggregate runs don't lose precision to repeated float addition.
type kahanSum struct {
	sum, c float64
}

func (k *kahanSum) add(v float64) {
	y := v - k.c
	t := k.sum + y
	k.c = (t - k.sum) - y
	k.sum = t
}

type aggState struct {
	count   int64
	sum     kahanSum
	min     Value
	max     Value
	hasMin  bool
	hasMax  bool
}

func (s *aggState) observe(v Value) {
	if v.IsNull {
		return
	}
	s.count++
	s.sum.add(valueAsFloat(v))
	if !s.hasMin || compareValues(v, s.min) < 0 {
		s.min, s.hasMin = v, true
	}
	if !s.hasMax || compareValues(v, s.max) > 0 {
		s.max, s.hasMax = v, true
	}
}

func valueAsFloat(v Value) float64 {
	if v.IsNull {
		return 0
	}
	if v.Float != 0 {
		return v.Float
	}
	return float64(v.Int)
}

func compareValues(a, b Value) int {
	af, bf := valueAsFloat(a), valueAsFloat(b)
	switch {
	case a.Str != "" || b.Str != "":
		if a.Str < b.Str {
			return -1
		}
		if a.Str > b.Str {
			return 1
		}
		return 0
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func (s *aggState) result(fn AggFunc) Value {
	switch fn {
	case AggCount:
		return Value{Int: s.count}
	case AggCountStar:
		return Value{Int: s.count}
	case AggSum:
		if s.count == 0 {
			return Value{IsNull: true}
		}
		return Value{Float: s.sum.sum}
	case AggAvg:
		if s.count == 0 {
			return Value{IsNull: true}
		}
		return Value{Float: s.sum.sum / float64(s.count)}
	case AggMin:
		if !s.hasMin {
			return Value{IsNull: true}
		}
		return s.min
	case AggMax:
		if !s.hasMax {
			return Value{IsNull: true}
		}
		return s.max
	default:
		return Value{IsNull: true}
	}
}

// groupKey encodes the GROUP BY column values into a comparable map key.
func groupKey(row Row, groupCols []int) string {
	var buf []byte
	for _, c := range groupCols {
		v := row[c]
		if v.IsNull {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		n := len(v.Str)
		buf = append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
		buf = append(buf, []byte(v.Str)...)
		u, f := uint64(v.Int), math.Float64bits(v.Float)
		for s := uint(0); s < 64; s += 8 {
			buf = append(buf, byte(u>>s), byte(f>>s))
		}
	}
	return string(buf)
}

// HashAggregate groups rows by groupCols and computes aggExprs per group,
// suitable when the group count fits comfortably in memory. It emits one
// row per group once the input is exhausted.
type HashAggregate struct {
	input     Operator
	groupCols []int
	aggs      []AggExpr
	batchSize int

	groups    map[string][]*aggState
	groupVals map[string]Row
	order     []string
	pos       int
	schema    Schema
}

// NewHashAggregate returns a HashAggregate.
func NewHashAggregate(input Operator, groupCols []int, aggs []AggExpr, batchSize int) *HashAggregate {
	return &HashAggregate{input: input, groupCols: groupCols, aggs: aggs, batchSize: BatchSize(batchSize)}
}

func (a *HashAggregate) Open(ctx context.Context) (Schema, error) {
	inputSchema, err := a.input.Open(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range a.groupCols {
		a.schema = append(a.schema, inputSchema[c])
	}
	for _, ag := range a.aggs {
		a.schema = append(a.schema, Column{Name: ag.OutputCol, Type: "float64"})
	}

	a.groups = make(map[string][]*aggState)
	a.groupVals = make(map[string]Row)
	if err := drainAll(ctx, a.input, func(row Row) error {
		key := groupKey(row, a.groupCols)
		states, ok := a.groups[key]
		if !ok {
			states = make([]*aggState, len(a.aggs))
			for i := range states {
				states[i] = &aggState{}
			}
			a.groups[key] = states
			gv := make(Row, 0, len(a.groupCols))
			for _, c := range a.groupCols {
				gv = append(gv, row[c])
			}
			a.groupVals[key] = gv
			a.order = append(a.order, key)
		}
		for i, ag := range a.aggs {
			if ag.Func == AggCountStar {
				states[i].count++
				continue
			}
			states[i].observe(row[ag.Column])
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return a.schema, nil
}

func (a *HashAggregate) NextBatch(ctx context.Context) (*Batch, error) {
	if a.pos >= len(a.order) {
		return nil, ErrEOF
	}
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	batch := &Batch{}
	for len(batch.Rows) < a.batchSize && a.pos < len(a.order) {
		key := a.order[a.pos]
		a.pos++
		out := append(Row{}, a.groupVals[key]...)
		states := a.groups[key]
		for i, ag := range a.aggs {
			out = append(out, states[i].result(ag.Func))
		}
		batch.Rows = append(batch.Rows, out)
	}
	return batch, nil
}

func (a *HashAggregate) Close() error {
	return a.input.Close()
}

// StreamAggregate computes grouped aggregates over input already sorted
// on groupCols, emitting a group's result as soon as the next group's
// first row arrives, without materializing every group.
type StreamAggregate struct {
	input     Operator
	groupCols []int
	aggs      []AggExpr
	batchSize int

	schema      Schema
	curKey      string
	curGroupVal Row
	states      []*aggState
	haveGroup   bool
	batch       *Batch
	idx         int
	done        bool
	pending     []Row
}

// NewStreamAggregate returns a StreamAggregate over pre-sorted input.
func NewStreamAggregate(input Operator, groupCols []int, aggs []AggExpr, batchSize int) *StreamAggregate {
	return &StreamAggregate{input: input, groupCols: groupCols, aggs: aggs, batchSize: BatchSize(batchSize)}
}

func (s *StreamAggregate) Open(ctx context.Context) (Schema, error) {
	inputSchema, err := s.input.Open(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range s.groupCols {
		s.schema = append(s.schema, inputSchema[c])
	}
	for _, ag := range s.aggs {
		s.schema = append(s.schema, Column{Name: ag.OutputCol, Type: "float64"})
	}
	return s.schema, nil
}

func (s *StreamAggregate) emitCurrent() Row {
	out := append(Row{}, s.curGroupVal...)
	for i, ag := range s.aggs {
		out = append(out, s.states[i].result(ag.Func))
	}
	return out
}

func (s *StreamAggregate) fillPending(ctx context.Context) error {
	for len(s.pending) < s.batchSize {
		if s.batch == nil || s.idx >= len(s.batch.Rows) {
			b, err := s.input.NextBatch(ctx)
			if err == ErrEOF {
				if s.haveGroup {
					s.pending = append(s.pending, s.emitCurrent())
					s.haveGroup = false
				}
				s.done = true
				return nil
			}
			if err != nil {
				return err
			}
			s.batch = b
			s.idx = 0
		}
		row := s.batch.Rows[s.idx]
		s.idx++
		key := groupKey(row, s.groupCols)
		if !s.haveGroup || key != s.curKey {
			if s.haveGroup {
				s.pending = append(s.pending, s.emitCurrent())
			}
			s.curKey = key
			s.curGroupVal = make(Row, 0, len(s.groupCols))
			for _, c := range s.groupCols {
				s.curGroupVal = append(s.curGroupVal, row[c])
			}
			s.states = make([]*aggState, len(s.aggs))
			for i := range s.states {
				s.states[i] = &aggState{}
			}
			s.haveGroup = true
		}
		for i, ag := range s.aggs {
			if ag.Func == AggCountStar {
				s.states[i].count++
				continue
			}
			s.states[i].observe(row[ag.Column])
		}
		if len(s.pending) >= s.batchSize {
			return nil
		}
	}
	return nil
}

func (s *StreamAggregate) NextBatch(ctx context.Context) (*Batch, error) {
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	if len(s.pending) == 0 && !s.done {
		if err := s.fillPending(ctx); err != nil {
			return nil, err
		}
	}
	if len(s.pending) == 0 {
		return nil, ErrEOF
	}
	n := s.batchSize
	if n > len(s.pending) {
		n = len(s.pending)
	}
	out := &Batch{Rows: s.pending[:n]}
	s.pending = s.pending[n:]
	return out, nil
}

func (s *StreamAggregate) Close() error {
	return s.input.Close()
}

// isNaN reports whether v's numeric interpretation is NaN, used by the
// sort/aggregate ordering rules that place NaN last.
func isNaN(v Value) bool {
	return !v.IsNull && math.IsNaN(v.Float)
}
