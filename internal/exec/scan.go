package exec

import (
	"context"

	"github.com/hmssql/core/internal/index"
	"github.com/hmssql/core/internal/pager"
)

// RowCodec decodes a primary-tree (key, value) pair into a typed Row
// against a fixed schema; supplied by the caller (the table's owner),
// keeping this package decoupled from internal/catalog's type system.
type RowCodec interface {
	Schema() Schema
	Decode(key, value []byte) (Row, error)
	// VisibleAt reports whether the row encoded at the given page-LSN
	// should be visible to a reader with snapshot snapshotLSN.
	VisibleAt(pageLSN, snapshotLSN pager.LSN, readCommitted bool) bool
}

// Predicate evaluates a residual filter pushed into a scan.
type Predicate func(Row) (bool, error)

// SeqScan performs a full forward scan of a primary B+tree, filtering by
// an optional residual predicate.
type SeqScan struct {
	tree          *pager.BTree
	codec         RowCodec
	predicate     Predicate
	readCommitted bool
	batchSize     int

	cursor      *pager.Cursor
	snapshotLSN pager.LSN
	done        bool
}

// NewSeqScan returns a SeqScan over tree, optionally filtered by
// predicate.
func NewSeqScan(tree *pager.BTree, codec RowCodec, predicate Predicate, readCommitted bool, batchSize int) *SeqScan {
	return &SeqScan{tree: tree, codec: codec, predicate: predicate, readCommitted: readCommitted, batchSize: BatchSize(batchSize)}
}

func (s *SeqScan) Open(ctx context.Context) (Schema, error) {
	s.cursor = s.tree.NewCursor(nil, nil)
	s.snapshotLSN = s.tree.Pager().CurrentLSN()
	return s.codec.Schema(), nil
}

func (s *SeqScan) NextBatch(ctx context.Context) (*Batch, error) {
	if s.done {
		return nil, ErrEOF
	}
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	batch := &Batch{}
	for len(batch.Rows) < s.batchSize {
		key, val, ok, err := s.cursor.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			s.done = true
			break
		}
		if !s.codec.VisibleAt(s.cursor.LeafLSN(), s.snapshotLSN, s.readCommitted) {
			continue
		}
		row, err := s.codec.Decode(key, val)
		if err != nil {
			return nil, err
		}
		if s.predicate != nil {
			keep, err := s.predicate(row)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		batch.Rows = append(batch.Rows, row)
	}
	if len(batch.Rows) == 0 {
		return nil, ErrEOF
	}
	return batch, nil
}

func (s *SeqScan) Close() error { return nil }

// IndexScan performs a range scan over a secondary index, fetching base
// rows by the returned row id, then optionally filtering by a residual
// predicate.
type IndexScan struct {
	idx       *index.Index
	base      *pager.BTree
	codec     RowCodec
	lo, hi    []byte
	predicate Predicate
	batchSize int

	entries []struct {
		key   []byte
		rowID []byte
	}
	pos  int
	done bool
}

// NewIndexScan returns an IndexScan over idx's [lo, hi] range, resolving
// base rows from base.
func NewIndexScan(idx *index.Index, base *pager.BTree, codec RowCodec, lo, hi []byte, predicate Predicate, batchSize int) *IndexScan {
	return &IndexScan{idx: idx, base: base, codec: codec, lo: lo, hi: hi, predicate: predicate, batchSize: BatchSize(batchSize)}
}

func (s *IndexScan) Open(ctx context.Context) (Schema, error) {
	return s.codec.Schema(), s.idx.Range(s.lo, s.hi, func(key, rowID []byte) bool {
		s.entries = append(s.entries, struct {
			key   []byte
			rowID []byte
		}{append([]byte(nil), key...), append([]byte(nil), rowID...)})
		return true
	})
}

func (s *IndexScan) NextBatch(ctx context.Context) (*Batch, error) {
	if s.done {
		return nil, ErrEOF
	}
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	batch := &Batch{}
	for len(batch.Rows) < s.batchSize && s.pos < len(s.entries) {
		e := s.entries[s.pos]
		s.pos++
		val, found, err := s.base.Get(e.rowID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue // row deleted since index entry was built
		}
		row, err := s.codec.Decode(e.rowID, val)
		if err != nil {
			return nil, err
		}
		if s.predicate != nil {
			keep, err := s.predicate(row)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		batch.Rows = append(batch.Rows, row)
	}
	if s.pos >= len(s.entries) {
		s.done = true
	}
	if len(batch.Rows) == 0 {
		return nil, ErrEOF
	}
	return batch, nil
}

func (s *IndexScan) Close() error { return nil }

// IndexOnlyRowCodec decodes an index (key, rowID) pair directly into a
// Row without a base-table fetch, used when the index covers every
// column the query needs.
type IndexOnlyRowCodec interface {
	Schema() Schema
	DecodeIndexEntry(key, rowID []byte) (Row, error)
}

// IndexOnlyScan answers a query entirely from a covering index, never
// touching the base table.
type IndexOnlyScan struct {
	idx       *index.Index
	codec     IndexOnlyRowCodec
	lo, hi    []byte
	predicate Predicate
	batchSize int

	rows []Row
	pos  int
	done bool
}

// NewIndexOnlyScan returns an IndexOnlyScan over idx's [lo, hi] range.
func NewIndexOnlyScan(idx *index.Index, codec IndexOnlyRowCodec, lo, hi []byte, predicate Predicate, batchSize int) *IndexOnlyScan {
	return &IndexOnlyScan{idx: idx, codec: codec, lo: lo, hi: hi, predicate: predicate, batchSize: BatchSize(batchSize)}
}

func (s *IndexOnlyScan) Open(ctx context.Context) (Schema, error) {
	err := s.idx.Range(s.lo, s.hi, func(key, rowID []byte) bool {
		row, decErr := s.codec.DecodeIndexEntry(key, rowID)
		if decErr != nil {
			return false
		}
		s.rows = append(s.rows, row)
		return true
	})
	return s.codec.Schema(), err
}

func (s *IndexOnlyScan) NextBatch(ctx context.Context) (*Batch, error) {
	if s.done {
		return nil, ErrEOF
	}
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	batch := &Batch{}
	for len(batch.Rows) < s.batchSize && s.pos < len(s.rows) {
		row := s.rows[s.pos]
		s.pos++
		if s.predicate != nil {
			keep, err := s.predicate(row)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		batch.Rows = append(batch.Rows, row)
	}
	if s.pos >= len(s.rows) {
		s.done = true
	}
	if len(batch.Rows) == 0 {
		return nil, ErrEOF
	}
	return batch, nil
}

func (s *IndexOnlyScan) Close() error { return nil }
