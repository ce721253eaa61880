package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// snapshotDoc is the JSON-on-disk shape of the catalog. It flattens the
// in-memory maps into ordered slices so the file is stable across Go
// map-iteration order.
type snapshotDoc struct {
	Version uint64     `json:"version"`
	Tables  []tableDoc `json:"tables"`
}

type tableDoc struct {
	Name       string            `json:"name"`
	Columns    []Column          `json:"columns"`
	Indexes    []IndexDescriptor `json:"indexes"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	RowCount   int64             `json:"row_count"`
	RootPage   uint64            `json:"root_page"`
}

// SaveTo persists the catalog to path as JSON.
func (c *Catalog) SaveTo(path string) error {
	c.mu.RLock()
	doc := snapshotDoc{Version: c.version}
	for _, t := range c.tables {
		td := tableDoc{
			Name:     t.Name,
			Columns:  t.Columns,
			RowCount: t.RowCount,
			RootPage: t.RootPage,
		}
		if t.SnapshotID != uuid.Nil {
			td.SnapshotID = t.SnapshotID.String()
		}
		for _, idx := range t.Indexes {
			td.Indexes = append(td.Indexes, *idx)
		}
		sort.Slice(td.Indexes, func(i, j int) bool { return td.Indexes[i].Name < td.Indexes[j].Name })
		doc.Tables = append(doc.Tables, td)
	}
	c.mu.RUnlock()
	sort.Slice(doc.Tables, func(i, j int) bool { return doc.Tables[i].Name < doc.Tables[j].Name })

	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("catalog: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("catalog: write: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFrom reads a catalog.json file written by SaveTo.
func LoadFrom(path string) (*Catalog, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("catalog: unmarshal: %w", err)
	}
	c := New()
	c.version = doc.Version
	for _, td := range doc.Tables {
		t := &Table{
			Name:     td.Name,
			Columns:  td.Columns,
			Indexes:  make(map[string]*IndexDescriptor),
			RowCount: td.RowCount,
			RootPage: td.RootPage,
		}
		for i := range td.Indexes {
			d := td.Indexes[i]
			t.Indexes[d.Name] = &d
		}
		if td.SnapshotID != "" {
			if id, err := uuid.Parse(td.SnapshotID); err == nil {
				t.SnapshotID = id
			}
		}
		c.tables[t.Name] = t
	}
	return c, nil
}
