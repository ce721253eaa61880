// Package catalog holds the engine's schema metadata: tables, columns,
// index descriptors, and the pointer to each table's current statistics
// snapshot. It is the single authoritative source the optimizer, index
// manager, and execution engine all read.
package catalog

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ColumnType enumerates the primitive types a column may declare.
type ColumnType int

const (
	TypeInteger ColumnType = iota
	TypeDecimal
	TypeString
	TypeBoolean
	TypeComposite
)

func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeDecimal:
		return "DECIMAL"
	case TypeString:
		return "STRING"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeComposite:
		return "COMPOSITE"
	default:
		return "UNKNOWN"
	}
}

// Column describes one column of a table.
type Column struct {
	Name       string
	Type       ColumnType
	Nullable   bool
	Default    any
	PrimaryKey bool
}

// IndexDescriptor describes a secondary index registered against a table.
type IndexDescriptor struct {
	Name              string
	Table             string
	Columns           []string
	Unique            bool
	CreatedAt         time.Time
	ClusteringFactor  float64
	LeafCount         int64
	Height            int
}

// Table describes one table's schema and its registered indexes.
type Table struct {
	Name       string
	Columns    []Column
	Indexes    map[string]*IndexDescriptor
	SnapshotID uuid.UUID
	RowCount   int64
	CreatedAt  time.Time
	// RootPage is the page id of the table's primary B+tree root, owned
	// by internal/engine and persisted here so a reopened engine can find
	// every table's data without a separate lookup table.
	RootPage uint64
}

// ColumnByName returns the column descriptor with the given name, or
// the zero Column and false if no such column exists.
func (t *Table) ColumnByName(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PrimaryKeyColumns returns the ordered list of primary-key column names,
// nil if the table has no declared primary key (row id is the key).
func (t *Table) PrimaryKeyColumns() []string {
	var pk []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// snapshotRef reference-counts a published statistics snapshot id so the
// catalog can retain older snapshots until every plan referencing them has
// retired.
type snapshotRef struct {
	count int
}

// Catalog is the engine's schema store: single-writer, many-reader via an
// RWMutex. It is the authoritative metadata source the optimizer, index
// manager, and executor all read.
type Catalog struct {
	mu        sync.RWMutex
	tables    map[string]*Table
	snapshots map[uuid.UUID]*snapshotRef
	version   uint64 // bumped on any schema change; invalidates plan cache
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		tables:    make(map[string]*Table),
		snapshots: make(map[uuid.UUID]*snapshotRef),
	}
}

// Version returns the current schema-change generation counter. The
// optimizer's plan cache keys include this so that any DDL invalidates
// previously cached plans.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// CreateTable registers a new table. Returns SchemaMismatch-flavored error
// if a table of that name already exists.
func (c *Catalog) CreateTable(name string, cols []Column) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; ok {
		return nil, fmt.Errorf("catalog: table %q already exists", name)
	}
	t := &Table{
		Name:      name,
		Columns:   cols,
		Indexes:   make(map[string]*IndexDescriptor),
		CreatedAt: time.Now(),
	}
	c.tables[name] = t
	c.version++
	return t, nil
}

// DropTable removes a table and its index descriptors from the catalog.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; !ok {
		return fmt.Errorf("catalog: table %q not found", name)
	}
	delete(c.tables, name)
	c.version++
	return nil
}

// Table returns the table descriptor, or (nil, false) if not found.
func (c *Catalog) Table(name string) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	return t, ok
}

// Tables returns every registered table name.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	return names
}

// RegisterIndex adds an index descriptor to its owning table.
func (c *Catalog) RegisterIndex(desc *IndexDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[desc.Table]
	if !ok {
		return fmt.Errorf("catalog: table %q not found", desc.Table)
	}
	if _, exists := t.Indexes[desc.Name]; exists {
		return fmt.Errorf("catalog: index %q already exists on %q", desc.Name, desc.Table)
	}
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = time.Now()
	}
	t.Indexes[desc.Name] = desc
	c.version++
	return nil
}

// UnregisterIndex removes an index descriptor from its table.
func (c *Catalog) UnregisterIndex(table, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("catalog: table %q not found", table)
	}
	if _, exists := t.Indexes[name]; !exists {
		return fmt.Errorf("catalog: index %q not found on %q", name, table)
	}
	delete(t.Indexes, name)
	c.version++
	return nil
}

// Index returns an index descriptor by table and name.
func (c *Catalog) Index(table, name string) (*IndexDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[table]
	if !ok {
		return nil, false
	}
	d, ok := t.Indexes[name]
	return d, ok
}

// IndexesOn returns every index descriptor registered on the given table.
func (c *Catalog) IndexesOn(table string) []*IndexDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[table]
	if !ok {
		return nil
	}
	out := make([]*IndexDescriptor, 0, len(t.Indexes))
	for _, d := range t.Indexes {
		out = append(out, d)
	}
	return out
}

// AcquireSnapshot pins a statistics snapshot id as in-use by a plan,
// incrementing its reference count, and sets it as the table's current
// snapshot.
func (c *Catalog) AcquireSnapshot(table string, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("catalog: table %q not found", table)
	}
	t.SnapshotID = id
	ref, ok := c.snapshots[id]
	if !ok {
		ref = &snapshotRef{}
		c.snapshots[id] = ref
	}
	ref.count++
	c.version++
	return nil
}

// ReleaseSnapshot decrements a snapshot's reference count. When it reaches
// zero the snapshot is eligible for reclamation by the stats collector;
// ReleaseSnapshot reports whether the count reached zero.
func (c *Catalog) ReleaseSnapshot(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.snapshots[id]
	if !ok {
		return true
	}
	ref.count--
	if ref.count <= 0 {
		delete(c.snapshots, id)
		return true
	}
	return false
}

// CurrentSnapshot returns the current statistics snapshot id for a table.
func (c *Catalog) CurrentSnapshot(table string) (uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[table]
	if !ok {
		return uuid.Nil, false
	}
	return t.SnapshotID, t.SnapshotID != uuid.Nil
}

// SetRowCount updates the table's cached row count, used by the
// statistics collector's staleness check.
func (c *Catalog) SetRowCount(table string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("catalog: table %q not found", table)
	}
	t.RowCount = n
	return nil
}

// SetRootPage records the page id of a table's primary B+tree root.
func (c *Catalog) SetRootPage(table string, root uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("catalog: table %q not found", table)
	}
	t.RootPage = root
	return nil
}

// UpdateClusteringFactor stores a freshly computed clustering factor on an
// index descriptor.
func (c *Catalog) UpdateClusteringFactor(table, index string, factor float64, leafCount int64, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("catalog: table %q not found", table)
	}
	d, ok := t.Indexes[index]
	if !ok {
		return fmt.Errorf("catalog: index %q not found on %q", index, table)
	}
	d.ClusteringFactor = factor
	d.LeafCount = leafCount
	d.Height = height
	return nil
}
