package engine

import (
	"testing"

	"github.com/hmssql/core/internal/catalog"
	"github.com/hmssql/core/internal/config"
	"github.com/hmssql/core/internal/optimizer"
	"github.com/hmssql/core/internal/pager"
	"github.com/hmssql/core/internal/stats"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenCreatesDataDirAndCloses(t *testing.T) {
	e := newTestEngine(t)
	if e.Catalog() == nil {
		t.Fatalf("expected a catalog")
	}
}

func TestCreateAndOpenTable(t *testing.T) {
	e := newTestEngine(t)
	cols := []catalog.Column{
		{Name: "id", Type: catalog.TypeInteger, PrimaryKey: true},
		{Name: "name", Type: catalog.TypeString},
	}
	if _, err := e.CreateTable("widgets", cols, pager.Compare); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tree, err := e.OpenTable("widgets", pager.Compare)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	txID, err := e.Pager().BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := tree.Insert(txID, pager.EncodeInt64(1), []byte("alice")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Pager().CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	val, ok, err := tree.Get(pager.EncodeInt64(1))
	if err != nil || !ok {
		t.Fatalf("expected row 1 to be present, err=%v ok=%v", err, ok)
	}
	if string(val) != "alice" {
		t.Fatalf("expected alice, got %s", val)
	}
}

func TestCatalogPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DataDir = dir

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cols := []catalog.Column{{Name: "id", Type: catalog.TypeInteger, PrimaryKey: true}}
	if _, err := e.CreateTable("orders", cols, pager.Compare); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	if _, ok := e2.Catalog().Table("orders"); !ok {
		t.Fatalf("expected table orders to survive reopen")
	}
}

// fixedRows is a stats.RowSource over a fixed column of values.
type fixedRows struct {
	vals []float64
}

var _ stats.RowSource = (*fixedRows)(nil)

func (f *fixedRows) ForEachRow(fn func(row map[string]float64, nulls map[string]bool) bool) error {
	for _, v := range f.vals {
		if !fn(map[string]float64{"id": v}, map[string]bool{}) {
			break
		}
	}
	return nil
}

func (f *fixedRows) RowCount() (int64, error) { return int64(len(f.vals)), nil }

func TestRefreshCollectsAndPublishesSnapshot(t *testing.T) {
	e := newTestEngine(t)
	cols := []catalog.Column{{Name: "id", Type: catalog.TypeInteger, PrimaryKey: true}}
	if _, err := e.CreateTable("metrics", cols, pager.Compare); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	src := &fixedRows{}
	for i := 0; i < 100; i++ {
		src.vals = append(src.vals, float64(i))
	}
	e.RegisterRowSource("metrics", src)

	if err := e.refreshTableStats("metrics"); err != nil {
		t.Fatalf("refreshTableStats: %v", err)
	}

	snap, ok := e.snapshotFor("metrics")
	if !ok {
		t.Fatal("expected a published snapshot after refresh")
	}
	cs, ok := snap.Columns["id"]
	if !ok {
		t.Fatal("expected column stats for id")
	}
	if cs.Min != 0 || cs.Max != 99 {
		t.Fatalf("min/max = %v/%v, want 0/99", cs.Min, cs.Max)
	}
	tab, _ := e.Catalog().Table("metrics")
	if tab.RowCount != 100 {
		t.Fatalf("catalog row count = %d, want 100", tab.RowCount)
	}
}

func TestRefreshSkipsTableWithoutRowSource(t *testing.T) {
	e := newTestEngine(t)
	cols := []catalog.Column{{Name: "id", Type: catalog.TypeInteger, PrimaryKey: true}}
	if _, err := e.CreateTable("orphan", cols, pager.Compare); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.refreshTableStats("orphan"); err != nil {
		t.Fatalf("refresh without a source should be a no-op, got %v", err)
	}
	if _, ok := e.snapshotFor("orphan"); ok {
		t.Fatal("no snapshot should be published without a row source")
	}
}

func TestExplainRendersPlanTree(t *testing.T) {
	e := newTestEngine(t)
	if out := e.Explain(nil); out != "" {
		t.Fatalf("expected empty explain for nil plan, got %q", out)
	}
	plan := &optimizer.Node{
		Kind: optimizer.OpJoin, EstRows: 10, EstCost: optimizer.Cost{CPU: 1.5, IO: 2},
		Children: []*optimizer.Node{{Kind: optimizer.OpScan, EstRows: 100, EstCost: optimizer.Cost{IO: 1}}},
	}
	want := "Join rows=10 cost=3.50\n  Scan rows=100 cost=1.00\n"
	if out := e.Explain(plan); out != want {
		t.Fatalf("explain: got %q want %q", out, want)
	}
}
