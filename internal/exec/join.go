package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// KeyExtractor projects a row's join-key values into a comparable byte
// encoding (callers supply this against their schema's key codec, so
// this package does not depend on internal/pager's KeyCodec; hash buckets
// and spill partitions are both chosen from these bytes).
type KeyExtractor func(Row) ([]byte, bool) // ok=false means a NULL key, never matches

// NestedLoopJoin implements the unoptimized O(n*m) join, used for
// non-equi predicates or very small inputs.
type NestedLoopJoin struct {
	left, right Operator
	predicate   func(l, r Row) (bool, error)
	leftOuter   bool // emit unmatched left rows padded with NULLs (LEFT JOIN)
	batchSize   int

	rightRows  []Row
	rightWidth int
	schema     Schema
	leftBatch  *Batch
	leftIdx    int
	pending    []Row
}

// NewNestedLoopJoin returns a NestedLoopJoin; leftOuter selects LEFT JOIN
// semantics (an unmatched left row is still emitted, right side NULL).
func NewNestedLoopJoin(left, right Operator, predicate func(l, r Row) (bool, error), leftOuter bool, batchSize int) *NestedLoopJoin {
	return &NestedLoopJoin{left: left, right: right, predicate: predicate, leftOuter: leftOuter, batchSize: BatchSize(batchSize)}
}

func (j *NestedLoopJoin) Open(ctx context.Context) (Schema, error) {
	leftSchema, err := j.left.Open(ctx)
	if err != nil {
		return nil, err
	}
	rightSchema, err := j.right.Open(ctx)
	if err != nil {
		return nil, err
	}
	j.schema = append(append(Schema{}, leftSchema...), rightSchema...)
	j.rightWidth = len(rightSchema)
	if err := drainAll(ctx, j.right, func(r Row) error {
		j.rightRows = append(j.rightRows, r)
		return nil
	}); err != nil {
		return nil, err
	}
	return j.schema, nil
}

func (j *NestedLoopJoin) fillPending(ctx context.Context) error {
	for len(j.pending) < j.batchSize {
		if j.leftBatch == nil || j.leftIdx >= len(j.leftBatch.Rows) {
			batch, err := j.left.NextBatch(ctx)
			if err == ErrEOF {
				return nil
			}
			if err != nil {
				return err
			}
			j.leftBatch = batch
			j.leftIdx = 0
		}
		l := j.leftBatch.Rows[j.leftIdx]
		matchedAny := false
		for _, r := range j.rightRows {
			ok, err := j.predicate(l, r)
			if err != nil {
				return err
			}
			if ok {
				matchedAny = true
				j.pending = append(j.pending, mergeRows(l, r))
			}
		}
		if !matchedAny && j.leftOuter {
			j.pending = append(j.pending, mergeRows(l, nullRow(j.rightWidth)))
		}
		j.leftIdx++
		if len(j.pending) >= j.batchSize {
			return nil
		}
	}
	return nil
}

func nullRow(n int) Row {
	if n < 0 {
		n = 0
	}
	r := make(Row, n)
	for i := range r {
		r[i] = Value{IsNull: true}
	}
	return r
}

func mergeRows(l, r Row) Row {
	out := make(Row, 0, len(l)+len(r))
	out = append(out, l...)
	out = append(out, r...)
	return out
}

func (j *NestedLoopJoin) NextBatch(ctx context.Context) (*Batch, error) {
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	if len(j.pending) == 0 {
		if err := j.fillPending(ctx); err != nil {
			return nil, err
		}
	}
	if len(j.pending) == 0 {
		return nil, ErrEOF
	}
	n := j.batchSize
	if n > len(j.pending) {
		n = len(j.pending)
	}
	out := &Batch{Rows: j.pending[:n]}
	j.pending = j.pending[n:]
	return out, nil
}

func (j *NestedLoopJoin) Close() error {
	if err := j.left.Close(); err != nil {
		return err
	}
	return j.right.Close()
}

// DefaultHashPartitions is the number of Grace hash-join spill partitions
// used once the build side exceeds the memory budget.
const DefaultHashPartitions = 16

// HashJoin builds an in-memory hash table on its build input, the side
// the caller passes as build; it does not compare the two inputs' sizes
// to choose one. Once occupancy exceeds the memory budget it spills partitions to disk
// (Grace hash) and joins each partition pair on the second pass. Null
// join keys never match.
type HashJoin struct {
	build, probe       Operator
	buildKey, probeKey KeyExtractor
	memoryBudget       int64
	tmpDir             string
	batchSize          int

	table        map[string][]Row
	schema       Schema
	spilled      bool
	partitions   []*spillPartition
	partitionIdx int
	pending      []Row
}

// spillPartition is one Grace partition's pair of on-disk row files,
// each a sequence of individually gob-encoded rows like the sort
// operator's spilled runs, so the probe file can be streamed back one
// row at a time.
type spillPartition struct {
	buildPath, probePath string
	buildW, probeW       *os.File
	buildEnc, probeEnc   *gob.Encoder
}

func newSpillPartition(dir string) (*spillPartition, error) {
	bw, err := os.CreateTemp(dir, "hmssql-hashjoin-build-*.gob")
	if err != nil {
		return nil, fmt.Errorf("exec: creating hash-join spill file: %w", err)
	}
	pw, err := os.CreateTemp(dir, "hmssql-hashjoin-probe-*.gob")
	if err != nil {
		bw.Close()
		os.Remove(bw.Name())
		return nil, fmt.Errorf("exec: creating hash-join spill file: %w", err)
	}
	return &spillPartition{
		buildPath: bw.Name(), probePath: pw.Name(),
		buildW: bw, probeW: pw,
		buildEnc: gob.NewEncoder(bw), probeEnc: gob.NewEncoder(pw),
	}, nil
}

// closeWriters finishes the write phase; the files stay on disk for the
// partition-pair join pass.
func (p *spillPartition) closeWriters() error {
	var firstErr error
	for _, f := range []*os.File{p.buildW, p.probeW} {
		if f != nil {
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	p.buildW, p.probeW = nil, nil
	p.buildEnc, p.probeEnc = nil, nil
	return firstErr
}

// loadBuild reads the partition's build rows back into a hash table;
// one partition holds roughly 1/DefaultHashPartitions of the build rows
// (split by key hash), and its size is not checked against the budget.
func (p *spillPartition) loadBuild(key KeyExtractor) (map[string][]Row, error) {
	f, err := os.Open(p.buildPath)
	if err != nil {
		return nil, fmt.Errorf("exec: opening hash-join spill file: %w", err)
	}
	defer f.Close()
	dec := gob.NewDecoder(f)
	bucket := make(map[string][]Row)
	for {
		var r Row
		if err := dec.Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("exec: decoding hash-join spill file: %w", err)
		}
		k, ok := key(r)
		if !ok {
			continue
		}
		bucket[string(k)] = append(bucket[string(k)], r)
	}
	return bucket, nil
}

// forEachProbe streams the partition's probe rows, one decoded row at a
// time, never materializing the whole file.
func (p *spillPartition) forEachProbe(fn func(Row)) error {
	f, err := os.Open(p.probePath)
	if err != nil {
		return fmt.Errorf("exec: opening hash-join spill file: %w", err)
	}
	defer f.Close()
	dec := gob.NewDecoder(f)
	for {
		var r Row
		if err := dec.Decode(&r); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("exec: decoding hash-join spill file: %w", err)
		}
		fn(r)
	}
}

func (p *spillPartition) remove() {
	p.closeWriters()
	os.Remove(p.buildPath)
	os.Remove(p.probePath)
}

// NewHashJoin returns a HashJoin. tmpDir is used for Grace-partition
// spill files.
func NewHashJoin(build, probe Operator, buildKey, probeKey KeyExtractor, memoryBudget int64, tmpDir string, batchSize int) *HashJoin {
	return &HashJoin{
		build: build, probe: probe, buildKey: buildKey, probeKey: probeKey,
		memoryBudget: memoryBudget, tmpDir: tmpDir, batchSize: BatchSize(batchSize),
	}
}

func (h *HashJoin) Open(ctx context.Context) (Schema, error) {
	buildSchema, err := h.build.Open(ctx)
	if err != nil {
		return nil, err
	}
	probeSchema, err := h.probe.Open(ctx)
	if err != nil {
		return nil, err
	}
	h.schema = append(append(Schema{}, buildSchema...), probeSchema...)

	h.table = make(map[string][]Row)
	var occupancy int64
	if err := drainAll(ctx, h.build, func(r Row) error {
		key, ok := h.buildKey(r)
		if !ok {
			return nil // NULL build key never matches
		}
		if h.spilled {
			p := h.partitions[partitionOf(key, DefaultHashPartitions)]
			return p.buildEnc.Encode(r)
		}
		occupancy += int64(rowByteSize(r))
		h.table[string(key)] = append(h.table[string(key)], r)
		if h.memoryBudget > 0 && occupancy > h.memoryBudget {
			return h.spillTable()
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if h.spilled {
		if err := h.spillProbe(ctx); err != nil {
			return nil, err
		}
	}
	return h.schema, nil
}

// spillTable switches the join to Grace mode: the rows accumulated so
// far are written out to per-partition spill files under tmpDir, the
// in-memory table is released, and the rest of the build drain appends
// straight to the partition files.
func (h *HashJoin) spillTable() error {
	h.spilled = true
	h.partitions = make([]*spillPartition, DefaultHashPartitions)
	for i := range h.partitions {
		p, err := newSpillPartition(h.tmpDir)
		if err != nil {
			return err
		}
		h.partitions[i] = p
	}
	for _, rows := range h.table {
		for _, r := range rows {
			key, _ := h.buildKey(r)
			p := h.partitions[partitionOf(key, DefaultHashPartitions)]
			if err := p.buildEnc.Encode(r); err != nil {
				return fmt.Errorf("exec: writing hash-join spill file: %w", err)
			}
		}
	}
	h.table = nil
	return nil
}

// spillProbe streams the probe side into per-partition files so each
// partition pair can be joined back within a fraction of the memory
// budget.
func (h *HashJoin) spillProbe(ctx context.Context) error {
	if err := drainAll(ctx, h.probe, func(r Row) error {
		key, ok := h.probeKey(r)
		if !ok {
			return nil
		}
		p := h.partitions[partitionOf(key, DefaultHashPartitions)]
		return p.probeEnc.Encode(r)
	}); err != nil {
		return err
	}
	for _, p := range h.partitions {
		if err := p.closeWriters(); err != nil {
			return fmt.Errorf("exec: closing hash-join spill file: %w", err)
		}
	}
	return nil
}

func partitionOf(key []byte, n int) int {
	var h uint32 = 2166136261
	for _, b := range key {
		h ^= uint32(b)
		h *= 16777619
	}
	return int(h) % n
}

func rowByteSize(r Row) int {
	size := 0
	for _, v := range r {
		size += len(v.Str) + 16
	}
	return size
}

func (h *HashJoin) NextBatch(ctx context.Context) (*Batch, error) {
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	if len(h.pending) == 0 {
		if err := h.fillPending(ctx); err != nil {
			return nil, err
		}
	}
	if len(h.pending) == 0 {
		return nil, ErrEOF
	}
	n := h.batchSize
	if n > len(h.pending) {
		n = len(h.pending)
	}
	out := &Batch{Rows: h.pending[:n]}
	h.pending = h.pending[n:]
	return out, nil
}

func (h *HashJoin) fillPending(ctx context.Context) error {
	if h.spilled {
		return h.fillPendingFromPartitions()
	}
	for len(h.pending) < h.batchSize {
		batch, err := h.probe.NextBatch(ctx)
		if err == ErrEOF {
			return nil
		}
		if err != nil {
			return err
		}
		for _, r := range batch.Rows {
			key, ok := h.probeKey(r)
			if !ok {
				continue
			}
			for _, b := range h.table[string(key)] {
				h.pending = append(h.pending, mergeRows(b, r))
			}
		}
	}
	return nil
}

// fillPendingFromPartitions joins the next partition pair: the build
// file is rebuilt into an in-memory table (one partition's worth, not
// the whole build side) and the probe file streamed against it.
func (h *HashJoin) fillPendingFromPartitions() error {
	for h.partitionIdx < len(h.partitions) {
		p := h.partitions[h.partitionIdx]
		h.partitionIdx++
		bucket, err := p.loadBuild(h.buildKey)
		if err != nil {
			return err
		}
		if err := p.forEachProbe(func(r Row) {
			key, ok := h.probeKey(r)
			if !ok {
				return
			}
			for _, b := range bucket[string(key)] {
				h.pending = append(h.pending, mergeRows(b, r))
			}
		}); err != nil {
			return err
		}
		if len(h.pending) > 0 {
			return nil
		}
	}
	return nil
}

func (h *HashJoin) Close() error {
	for _, p := range h.partitions {
		if p != nil {
			p.remove()
		}
	}
	h.partitions = nil
	if err := h.build.Close(); err != nil {
		return err
	}
	return h.probe.Close()
}

// MergeJoin requires both inputs sorted on the join keys; it performs a
// linear merge, back-tracking on the right side to handle duplicate keys.
type MergeJoin struct {
	left, right       Operator
	leftKey, rightKey KeyExtractor
	cmp               func(a, b []byte) int
	batchSize         int

	schema    Schema
	leftRows  []Row
	rightRows []Row
	li, ri    int
	pending   []Row
}

// NewMergeJoin returns a MergeJoin over already-sorted inputs.
func NewMergeJoin(left, right Operator, leftKey, rightKey KeyExtractor, cmp func(a, b []byte) int, batchSize int) *MergeJoin {
	return &MergeJoin{left: left, right: right, leftKey: leftKey, rightKey: rightKey, cmp: cmp, batchSize: BatchSize(batchSize)}
}

func (m *MergeJoin) Open(ctx context.Context) (Schema, error) {
	ls, err := m.left.Open(ctx)
	if err != nil {
		return nil, err
	}
	rs, err := m.right.Open(ctx)
	if err != nil {
		return nil, err
	}
	m.schema = append(append(Schema{}, ls...), rs...)
	if err := drainAll(ctx, m.left, func(r Row) error { m.leftRows = append(m.leftRows, r); return nil }); err != nil {
		return nil, err
	}
	if err := drainAll(ctx, m.right, func(r Row) error { m.rightRows = append(m.rightRows, r); return nil }); err != nil {
		return nil, err
	}
	return m.schema, nil
}

func (m *MergeJoin) fillPending() error {
	for m.li < len(m.leftRows) && len(m.pending) < m.batchSize {
		lk, ok := m.leftKey(m.leftRows[m.li])
		if !ok {
			m.li++
			continue
		}
		// advance right cursor until >= lk
		for m.ri < len(m.rightRows) {
			rk, ok := m.rightKey(m.rightRows[m.ri])
			if !ok || m.cmp(rk, lk) < 0 {
				m.ri++
				continue
			}
			break
		}
		groupStart := m.ri
		for j := groupStart; j < len(m.rightRows); j++ {
			rk, ok := m.rightKey(m.rightRows[j])
			if !ok || m.cmp(rk, lk) != 0 {
				break
			}
			m.pending = append(m.pending, mergeRows(m.leftRows[m.li], m.rightRows[j]))
		}
		m.li++
	}
	return nil
}

func (m *MergeJoin) NextBatch(ctx context.Context) (*Batch, error) {
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	if len(m.pending) == 0 {
		if err := m.fillPending(); err != nil {
			return nil, err
		}
	}
	if len(m.pending) == 0 {
		return nil, ErrEOF
	}
	n := m.batchSize
	if n > len(m.pending) {
		n = len(m.pending)
	}
	out := &Batch{Rows: m.pending[:n]}
	m.pending = m.pending[n:]
	return out, nil
}

func (m *MergeJoin) Close() error {
	if err := m.left.Close(); err != nil {
		return err
	}
	return m.right.Close()
}
