package pager

import "errors"

// Sentinel errors for the storage layer. Higher layers wrap these into
// the engine-wide error kind.
var (
	ErrCorruptPage  = errors.New("pager: corrupt page (checksum mismatch)")
	ErrCorruptLog   = errors.New("pager: corrupt WAL record")
	ErrWALTruncated = errors.New("pager: WAL truncated, refusing to open")
	ErrPageFull     = errors.New("pager: page full")
	ErrKeyNotFound  = errors.New("pager: key not found")
	ErrInvalidOrder = errors.New("pager: tree order must be >= 2")
	ErrClosed       = errors.New("pager: pager is closed")
)
