package exec

import "context"

// Limit short-circuits its input once offset+limit rows have been
// produced, stopping the upstream pull rather than draining it.
type Limit struct {
	input  Operator
	offset int64
	limit  int64 // negative means unbounded

	schema  Schema
	skipped int64
	emitted int64
	done    bool
}

// NewLimit returns a Limit operator. A negative limit means no cap.
func NewLimit(input Operator, offset, limit int64) *Limit {
	return &Limit{input: input, offset: offset, limit: limit}
}

func (l *Limit) Open(ctx context.Context) (Schema, error) {
	schema, err := l.input.Open(ctx)
	if err != nil {
		return nil, err
	}
	l.schema = schema
	return schema, nil
}

func (l *Limit) NextBatch(ctx context.Context) (*Batch, error) {
	if l.done {
		return nil, ErrEOF
	}
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	if l.limit >= 0 && l.emitted >= l.limit {
		l.done = true
		return nil, ErrEOF
	}

	out := &Batch{}
	for {
		batch, err := l.input.NextBatch(ctx)
		if err == ErrEOF {
			l.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		for _, row := range batch.Rows {
			if l.skipped < l.offset {
				l.skipped++
				continue
			}
			if l.limit >= 0 && l.emitted >= l.limit {
				l.done = true
				break
			}
			out.Rows = append(out.Rows, row)
			l.emitted++
		}
		if l.done || len(out.Rows) > 0 {
			break
		}
	}
	if l.done && l.limit >= 0 && l.emitted >= l.limit {
		// Upstream operator has produced enough; release it now instead
		// of waiting for the caller to call Close.
		_ = l.input.Close()
	}
	if len(out.Rows) == 0 {
		return nil, ErrEOF
	}
	return out, nil
}

func (l *Limit) Close() error {
	return l.input.Close()
}
