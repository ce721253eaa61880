// Package index owns secondary-index lifecycle: creation (online build
// with a side log), maintenance on base-table writes, uniqueness
// enforcement, drop with refcounted page reclamation, and clustering
// factor tracking.
// An index is, structurally, just another internal/pager.BTree keyed by
// index-key bytes mapping to the owning row's primary key (or row id)
// bytes — the same storage engine the primary (clustered) tree uses.
package index

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hmssql/core/internal/catalog"
	"github.com/hmssql/core/internal/pager"
)

// ErrUniquenessViolation is returned by Insert when a unique index already
// holds an equal key.
var ErrUniquenessViolation = fmt.Errorf("index: uniqueness violation")

// RowID identifies a base-table row by its primary key (or synthetic row
// id) bytes, already encoded through the owning table's key codec.
type RowID = []byte

// sideLogEntry records a base-table write that happened while an index
// was still mid-build, so it can be replayed once the initial full scan
// completes.
type sideLogEntry struct {
	del   bool
	key   []byte
	rowID RowID
}

// Index wraps one secondary B+tree plus the bookkeeping needed to build,
// maintain, and reclaim it.
type Index struct {
	desc *catalog.IndexDescriptor
	tree *pager.BTree
	cmp  pager.KeyCompare

	mu       sync.Mutex
	building bool
	buildJob uuid.UUID
	sideLog  []sideLogEntry

	// refCount tracks live readers holding cached page ids into this
	// index's pages; Drop only frees pages once it reaches zero.
	refCount int32
	dropped  bool

	// entries/mismatches/lastBaseRow back the running clustering-factor
	// statistic.
	entries     int64
	mismatches  int64
	lastBaseRow RowID
}

// Manager owns every secondary index registered in the catalog, building
// and tearing them down against a shared pager and catalog.
type Manager struct {
	mu      sync.RWMutex
	pager   *pager.Pager
	catalog *catalog.Catalog
	indexes map[string]*Index // key: table + "." + index name
}

// New returns a Manager bound to p (page storage) and cat (schema
// metadata).
func New(p *pager.Pager, cat *catalog.Catalog) *Manager {
	return &Manager{pager: p, catalog: cat, indexes: make(map[string]*Index)}
}

func indexKey(table, name string) string { return table + "." + name }

// RowScanner supplies the rows a full-scan index build reads from the base
// table (abstracted so internal/index does not import internal/exec).
type RowScanner interface {
	// ScanAll calls fn(indexKeyBytes, rowID) for every current row.
	ScanAll(cols []string, fn func(indexKeyBytes []byte, rowID RowID) error) error
}

// CreateIndex builds a new secondary index by full scan, draining any
// concurrent writer side-log before bringing it online. The catalog
// registration (AcquireSnapshot-equivalent commit) is the linearization
// point: CreateIndex is crash-safe because the catalog entry is only
// written after the tree is fully built and drained.
func (m *Manager) CreateIndex(txID pager.TxID, table, name string, cols []string, unique bool, cmp pager.KeyCompare, order uint32, scanner RowScanner) error {
	key := indexKey(table, name)
	m.mu.Lock()
	if _, exists := m.indexes[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("index: %q already exists on %q", name, table)
	}
	tree, err := pager.CreateBTree(m.pager, txID, cmp, order)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	idx := &Index{
		desc:     &catalog.IndexDescriptor{Name: name, Table: table, Columns: cols, Unique: unique},
		tree:     tree,
		cmp:      cmp,
		building: true,
		buildJob: uuid.New(),
	}
	m.indexes[key] = idx
	m.mu.Unlock()

	if err := scanner.ScanAll(cols, func(ik []byte, rowID RowID) error {
		return idx.insertLocked(txID, ik, rowID)
	}); err != nil {
		m.mu.Lock()
		delete(m.indexes, key)
		m.mu.Unlock()
		return fmt.Errorf("index: build scan failed: %w", err)
	}

	idx.mu.Lock()
	drained := idx.sideLog
	idx.sideLog = nil
	idx.building = false
	idx.mu.Unlock()
	for _, e := range drained {
		if e.del {
			if _, err := idx.tree.Delete(txID, e.key); err != nil {
				return fmt.Errorf("index: drain side log delete: %w", err)
			}
			continue
		}
		if err := idx.insertLocked(txID, e.key, e.rowID); err != nil {
			return fmt.Errorf("index: drain side log insert: %w", err)
		}
	}

	return m.catalog.RegisterIndex(idx.desc)
}

// insertLocked performs the actual tree insert plus uniqueness check and
// clustering-factor update; it does not take idx.mu (caller already holds
// it, or the index is known single-writer during build).
func (idx *Index) insertLocked(txID pager.TxID, key []byte, rowID RowID) error {
	if idx.desc.Unique {
		if _, found, err := idx.tree.Get(key); err != nil {
			return err
		} else if found {
			return ErrUniquenessViolation
		}
	}
	if err := idx.tree.Insert(txID, key, rowID); err != nil {
		return err
	}
	idx.entries++
	if idx.lastBaseRow != nil && string(idx.lastBaseRow) != string(rowID) {
		idx.mismatches++
	}
	idx.lastBaseRow = rowID
	return nil
}

// DropIndex removes the catalog entry immediately and schedules page
// reclamation once every reader holding cached page ids into this index
// has retired (refCount reaches zero).
func (m *Manager) DropIndex(table, name string) error {
	key := indexKey(table, name)
	m.mu.Lock()
	idx, ok := m.indexes[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("index: %q not found on %q", name, table)
	}
	delete(m.indexes, key)
	m.mu.Unlock()

	if err := m.catalog.UnregisterIndex(table, name); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.dropped = true
	shouldFree := atomic.LoadInt32(&idx.refCount) == 0
	idx.mu.Unlock()
	if shouldFree {
		idx.tree.FreeAllPages()
	}
	return nil
}

// Acquire pins an index for a reader, returning a release function. Safe
// to call after Drop has been requested; the tree's pages stay valid
// until every acquirer releases.
func (m *Manager) Acquire(table, name string) (*Index, func(), error) {
	m.mu.RLock()
	idx, ok := m.indexes[indexKey(table, name)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("index: %q not found on %q", name, table)
	}
	atomic.AddInt32(&idx.refCount, 1)
	return idx, func() {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		if atomic.AddInt32(&idx.refCount, -1) == 0 && idx.dropped {
			idx.tree.FreeAllPages()
		}
	}, nil
}

// Maintain applies an index update for a base-table row mutation under
// the same transaction as the base-table write:
// a delete of the old key followed by an insert of the new key. oldKey or
// newKey may be nil for inserts/deletes respectively.
func (m *Manager) Maintain(txID pager.TxID, table, name string, oldKey, newKey []byte, rowID RowID) error {
	idx, release, err := m.Acquire(table, name)
	if err != nil {
		return err
	}
	defer release()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.building {
		if oldKey != nil {
			idx.sideLog = append(idx.sideLog, sideLogEntry{del: true, key: oldKey})
		}
		if newKey != nil {
			idx.sideLog = append(idx.sideLog, sideLogEntry{key: newKey, rowID: rowID})
		}
		return nil
	}

	if oldKey != nil {
		if _, err := idx.tree.Delete(txID, oldKey); err != nil {
			return err
		}
	}
	if newKey != nil {
		return idx.insertLocked(txID, newKey, rowID)
	}
	return nil
}

// Lookup performs an index-scan equality search, returning the base row id.
func (idx *Index) Lookup(key []byte) (RowID, bool, error) {
	return idx.tree.Get(key)
}

// Range performs an index-scan range lookup in ascending key order.
func (idx *Index) Range(lo, hi []byte, fn func(key []byte, rowID RowID) bool) error {
	return idx.tree.ScanRange(lo, hi, fn)
}

// ClusteringFactor returns the running clustering-factor statistic: the
// fraction of index entries whose base row id differs from the
// previous entry's.
func (idx *Index) ClusteringFactor() float64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.entries == 0 {
		return 0
	}
	return float64(idx.mismatches) / float64(idx.entries)
}

// Descriptor returns the index's catalog descriptor.
func (idx *Index) Descriptor() *catalog.IndexDescriptor { return idx.desc }

// SyncClusteringFactor publishes the clustering factor into the catalog
// descriptor, passing the tree's entry count as the leaf count and 0 as
// the height.
func (m *Manager) SyncClusteringFactor(table, name string) error {
	idx, release, err := m.Acquire(table, name)
	if err != nil {
		return err
	}
	defer release()
	count, err := idx.tree.Count()
	if err != nil {
		return err
	}
	return m.catalog.UpdateClusteringFactor(table, name, idx.ClusteringFactor(), int64(count), 0)
}

// Stats is one index's introspection row.
type Stats struct {
	Table            string
	Name             string
	Unique           bool
	Entries          int64
	ClusteringFactor float64
	Building         bool
}

// Stats returns a snapshot of every registered index's entry count and
// clustering factor.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	indexes := make([]*Index, 0, len(m.indexes))
	for _, idx := range m.indexes {
		indexes = append(indexes, idx)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(indexes))
	for _, idx := range indexes {
		idx.mu.Lock()
		s := Stats{
			Table:    idx.desc.Table,
			Name:     idx.desc.Name,
			Unique:   idx.desc.Unique,
			Entries:  idx.entries,
			Building: idx.building,
		}
		if idx.entries > 0 {
			s.ClusteringFactor = float64(idx.mismatches) / float64(idx.entries)
		}
		idx.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// BuildJobID returns the correlation id assigned to this index's online
// build, used in logs to tie side-log drain messages back to the create
// that started them. Zero once the build has completed.
func (idx *Index) BuildJobID() uuid.UUID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.building {
		return idx.buildJob
	}
	return uuid.Nil
}
