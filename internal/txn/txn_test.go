package txn

import (
	"path/filepath"
	"testing"

	"github.com/hmssql/core/internal/pager"
)

func newTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:   filepath.Join(dir, "test.db"),
		PageSize: pager.DefaultPageSize,
	})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBeginCommitReleasesLocks(t *testing.T) {
	p := newTestPager(t)
	m := New(p)

	tx, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Lock(tx, []byte("row1"), LockExclusive); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if len(tx.heldKeys()) != 1 {
		t.Fatalf("expected 1 held lock")
	}
	if err := m.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if tx.State != StateCommitted {
		t.Fatalf("expected committed state, got %v", tx.State)
	}
}

func TestWaitDieAbortsYoungerTransaction(t *testing.T) {
	p := newTestPager(t)
	m := New(p)

	older, _ := m.Begin(ReadCommitted)
	younger, _ := m.Begin(ReadCommitted)
	if older.ID >= younger.ID {
		t.Fatalf("expected older.ID < younger.ID")
	}

	if err := m.Lock(older, []byte("rowX"), LockExclusive); err != nil {
		t.Fatalf("older Lock: %v", err)
	}
	err := m.Lock(younger, []byte("rowX"), LockExclusive)
	if err != ErrDeadlockAborted {
		t.Fatalf("expected younger transaction to be wait-die aborted, got %v", err)
	}
	if younger.State != StateAborted {
		t.Fatalf("expected younger state aborted")
	}
}

func TestSharedLocksCompatible(t *testing.T) {
	p := newTestPager(t)
	m := New(p)

	t1, _ := m.Begin(RepeatableRead)
	t2, _ := m.Begin(RepeatableRead)
	if err := m.Lock(t1, []byte("rowY"), LockShared); err != nil {
		t.Fatalf("t1 Lock: %v", err)
	}
	if err := m.Lock(t2, []byte("rowY"), LockShared); err != nil {
		t.Fatalf("expected shared locks to be compatible: %v", err)
	}
}
