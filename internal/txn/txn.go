// Package txn implements the transaction state machine and wait-die
// row-lock manager layered on top of internal/pager's WAL transaction
// demarcation.
package txn

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hmssql/core/internal/pager"
)

// State is a transaction's lifecycle state.
type State int

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Isolation selects read-committed or repeatable-read semantics.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
)

// LockMode is the mode a row lock is held in.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// ErrDeadlockAborted is returned when wait-die aborts a younger
// transaction to avoid a deadlock cycle.
var ErrDeadlockAborted = fmt.Errorf("txn: aborted by wait-die deadlock avoidance")

// Transaction tracks one in-flight statement sequence: its WAL-assigned
// id, lifecycle state, isolation snapshot, and the set of row locks it
// currently holds.
type Transaction struct {
	ID          pager.TxID
	State       State
	Isolation   Isolation
	SnapshotLSN pager.LSN
	FirstLSN    pager.LSN
	LastLSN     pager.LSN

	mu    sync.Mutex
	locks map[string]LockMode // primary-key bytes (as string) -> mode held
}

func newTransaction(id pager.TxID, iso Isolation, snapshotLSN pager.LSN) *Transaction {
	return &Transaction{
		ID:          id,
		State:       StateActive,
		Isolation:   iso,
		SnapshotLSN: snapshotLSN,
		locks:       make(map[string]LockMode),
	}
}

// heldKeys returns the sorted primary-key strings this transaction holds
// a lock on, used only for deterministic test assertions.
func (t *Transaction) heldKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.locks))
	for k := range t.locks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// rowLock is the per-row lock record: holders (shared) or a single
// exclusive holder. There is no wait queue: a waiting transaction retries
// in Lock after a short sleep, so waiters are not served in arrival order.
type rowLock struct {
	mu       sync.Mutex
	mode     LockMode
	holders  map[pager.TxID]bool
}

// Manager coordinates transaction lifecycle and row-level locking with a
// wait-die deadlock-avoidance policy: locks are always acquired in
// primary-key order, so cycle
// avoidance only needs pairwise age comparison, not global detection.
type Manager struct {
	pager *pager.Pager

	mu    sync.Mutex
	txs   map[pager.TxID]*Transaction
	locks map[string]*rowLock // primary-key bytes (as string) -> lock record
}

// New returns a Manager bound to p, which owns WAL transaction
// demarcation (BeginTx/CommitTx/AbortTx).
func New(p *pager.Pager) *Manager {
	return &Manager{
		pager: p,
		txs:   make(map[pager.TxID]*Transaction),
		locks: make(map[string]*rowLock),
	}
}

// Begin starts a new transaction under the given isolation level. It
// records the superblock's checkpoint LSN as SnapshotLSN at every
// isolation level; scans take their own snapshot LSN at Open and do not
// read this field.
func (m *Manager) Begin(iso Isolation) (*Transaction, error) {
	id, err := m.pager.BeginTx()
	if err != nil {
		return nil, err
	}
	snap := m.pager.Superblock().CheckpointLSN
	t := newTransaction(id, iso, snap)
	m.mu.Lock()
	m.txs[id] = t
	m.mu.Unlock()
	return t, nil
}

// Lock acquires a row lock on key in the given mode, honoring wait-die:
// if the requester is older (lower TxID) than the current holder(s), it
// waits; if younger, it is aborted immediately rather than queued.
// Locks must be requested in ascending primary-key order by the caller
// (the execution engine).
func (m *Manager) Lock(t *Transaction, key []byte, mode LockMode) error {
	ks := string(key)

	for {
		m.mu.Lock()
		rl, ok := m.locks[ks]
		if !ok {
			rl = &rowLock{mode: mode, holders: map[pager.TxID]bool{t.ID: true}}
			m.locks[ks] = rl
			m.mu.Unlock()
			t.mu.Lock()
			t.locks[ks] = mode
			t.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		rl.mu.Lock()
		compatible := mode == LockShared && rl.mode == LockShared
		alreadyHeld := rl.holders[t.ID]
		if alreadyHeld && (rl.mode == mode || mode == LockShared) {
			rl.mu.Unlock()
			t.mu.Lock()
			t.locks[ks] = rl.mode
			t.mu.Unlock()
			return nil
		}
		if alreadyHeld && len(rl.holders) == 1 {
			// Sole holder upgrading shared -> exclusive.
			rl.mode = LockExclusive
			rl.mu.Unlock()
			t.mu.Lock()
			t.locks[ks] = LockExclusive
			t.mu.Unlock()
			return nil
		}
		if compatible || len(rl.holders) == 0 {
			rl.holders[t.ID] = true
			rl.mode = mode
			rl.mu.Unlock()
			t.mu.Lock()
			t.locks[ks] = mode
			t.mu.Unlock()
			return nil
		}

		// Conflict: apply wait-die using TxID as a proxy for transaction
		// age (lower id = older, assigned earlier by the WAL).
		youngerRequester := true
		for holder := range rl.holders {
			if t.ID < holder {
				youngerRequester = false
			}
		}
		rl.mu.Unlock()

		if youngerRequester {
			t.State = StateAborted
			return ErrDeadlockAborted
		}
		// Older transaction waits; in this single-process engine that
		// means a brief backoff rather than a park, since there is no
		// separate notification channel per lock (kept simple;
		// correctness does not depend on wait efficiency).
		time.Sleep(time.Millisecond)
	}
}

// ReleaseAll releases every row lock t holds, called at transaction end
// (commit or abort) per the two-phase locking protocol.
func (m *Manager) ReleaseAll(t *Transaction) {
	t.mu.Lock()
	keys := make([]string, 0, len(t.locks))
	for k := range t.locks {
		keys = append(keys, k)
	}
	t.locks = make(map[string]LockMode)
	t.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		rl, ok := m.locks[k]
		if !ok {
			continue
		}
		rl.mu.Lock()
		delete(rl.holders, t.ID)
		empty := len(rl.holders) == 0
		rl.mu.Unlock()
		if empty {
			delete(m.locks, k)
		}
	}
}

// Commit durably commits t's WAL record and releases its locks.
func (m *Manager) Commit(t *Transaction) error {
	if err := m.pager.CommitTx(t.ID); err != nil {
		return err
	}
	t.State = StateCommitted
	m.ReleaseAll(t)
	m.mu.Lock()
	delete(m.txs, t.ID)
	m.mu.Unlock()
	return nil
}

// Abort rolls back t via the WAL undo chain and releases its locks.
func (m *Manager) Abort(t *Transaction) error {
	if err := m.pager.AbortTx(t.ID); err != nil {
		return err
	}
	t.State = StateAborted
	m.ReleaseAll(t)
	m.mu.Lock()
	delete(m.txs, t.ID)
	m.mu.Unlock()
	return nil
}
