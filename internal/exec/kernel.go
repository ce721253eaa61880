// Package exec implements the physical execution operators the
// optimizer's chosen plan is composed from: scan, index scan, hash join,
// nested-loop join, merge join, aggregate, sort, set ops, and limit,
// plus the external-memory sort used when input exceeds the configured
// memory budget.
package exec

import (
	"context"
	"fmt"

	"github.com/hmssql/core/internal/pager"
)

// DefaultBatchSize is the default vectorized batch size.
const DefaultBatchSize = 1024

// Value is one typed column value flowing through the execution engine.
type Value struct {
	IsNull bool
	Int    int64
	Float  float64
	Str    string
	Bool   bool
}

// Row is one tuple: a fixed-width slice of typed values, positional
// against the Schema an operator reports from Open.
type Row []Value

// Batch is a vectorized group of rows, sized up to the operator's
// configured batch size.
type Batch struct {
	Rows []Row
}

// Column describes one output column's name and catalog type.
type Column struct {
	Name string
	Type string // mirrors catalog.ColumnType.String()
}

// Schema is an ordered list of output columns.
type Schema []Column

// Operator is the small, closed capability set every physical operator
// implements.
type Operator interface {
	// Open prepares the operator for iteration and returns its output
	// schema. ctx carries the query's deadline.
	Open(ctx context.Context) (Schema, error)
	// NextBatch returns the next vectorized batch, or (nil, ErrEOF) when
	// exhausted.
	NextBatch(ctx context.Context) (*Batch, error)
	// Close releases any held resources (latches, temp files, memory).
	// Close must be safe to call multiple times and on any Open/NextBatch
	// return path.
	Close() error
}

// ErrCancelled is returned when a deadline check fails mid-operator.
var ErrCancelled = fmt.Errorf("exec: cancelled")

// checkDeadline is called between batches and on I/O completion by every
// operator.
func checkDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}

// SnapshotLSN is the page-LSN captured at operator Open time under which
// tuple visibility is evaluated.
type SnapshotLSN = pager.LSN

// BatchSize returns cfg's configured batch size, or DefaultBatchSize if
// unset.
func BatchSize(cfg int) int {
	if cfg <= 0 {
		return DefaultBatchSize
	}
	return cfg
}

// drainAll exhausts an operator, invoking fn for every row. Used by
// build phases (hash join, sort) that must materialize their input
// before producing their own output.
func drainAll(ctx context.Context, op Operator, fn func(Row) error) error {
	for {
		if err := checkDeadline(ctx); err != nil {
			return err
		}
		batch, err := op.NextBatch(ctx)
		if err != nil {
			if err == errEOF {
				return nil
			}
			return err
		}
		for _, r := range batch.Rows {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
}

var errEOF = fmt.Errorf("exec: EOF")

// ErrEOF is the sentinel operators return from NextBatch once exhausted.
var ErrEOF = errEOF
