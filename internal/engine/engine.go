// Package engine ties the storage, index, statistics, and optimizer
// packages into a single embeddable value: one Engine per open database
// directory, owning the page cache/WAL, catalog, index manager,
// statistics collector, optimizer state, plan cache, and worker pool.
// There are no hidden process-wide singletons.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/hmssql/core/internal/catalog"
	"github.com/hmssql/core/internal/config"
	"github.com/hmssql/core/internal/index"
	"github.com/hmssql/core/internal/optimizer"
	"github.com/hmssql/core/internal/pager"
	"github.com/hmssql/core/internal/stats"
	"github.com/hmssql/core/internal/txn"
)

// Logger is the small injectable logging capability every component
// writes through; the default is backed by the standard log package.
type Logger interface {
	Printf(format string, args...any)
}

// defaultLogger wraps the standard library's log.Logger.
type defaultLogger struct{ *log.Logger }

func newDefaultLogger() Logger {
	return defaultLogger{log.New(os.Stderr, "hmssql: ", log.LstdFlags)}
}

// Engine is the single value embedding applications open once per data
// directory.
type Engine struct {
	mu sync.RWMutex

	cfg   config.Config
	log   Logger
	pager *pager.Pager
	cat   *catalog.Catalog
	idx   *index.Manager
	txns  *txn.Manager
	stats *stats.Collector
	snaps map[string]*stats.Snapshot // table -> latest published snapshot
	// rowSources supplies, per table, the typed-row reader the background
	// staleness sweep re-collects statistics from. Registered by the
	// execution layer, which owns each table's row codec.
	rowSources map[string]stats.RowSource

	estimator *optimizer.Estimator
	transform *optimizer.Transformer
	paths     *optimizer.AccessPathSelector
	joins     *optimizer.JoinEnumerator
	planCache *optimizer.PlanCache
	feedback  *optimizer.FeedbackTracker

	pool      *WorkerPool
	statSched *stats.Scheduler
	ckptSched *checkpointScheduler

	catalogPath string
}

// Open opens (or creates) a database at cfg.DataDir and wires every
// component together. Callers must call Close when done.
func Open(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Wrap(KindInvalidArgument, "opening engine", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, Wrap(KindIOError, "creating data directory", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "data.hmsdb")
	walPath := filepath.Join(cfg.DataDir, "wal.log")
	catalogPath := filepath.Join(cfg.DataDir, "catalog.json")

	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:        dbPath,
		WALPath:       walPath,
		PageSize:      cfg.PageSizeBytes,
		MaxCachePages: cfg.BufferPoolPages,
		TreeOrder:     uint32(cfg.TreeOrder),
	})
	if err != nil {
		return nil, Wrap(KindIOError, "opening pager", err)
	}

	cat, err := catalog.LoadFrom(catalogPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.Close()
			return nil, Wrap(KindCorruptLog, "loading catalog", err)
		}
		cat = catalog.New()
	}

	e := &Engine{
		cfg:         cfg,
		log:         newDefaultLogger(),
		pager:       p,
		cat:         cat,
		idx:         index.New(p, cat),
		txns:        txn.New(p),
		stats:       stats.NewCollector(),
		snaps:       make(map[string]*stats.Snapshot),
		rowSources:  make(map[string]stats.RowSource),
		planCache:   optimizer.NewPlanCache(cfg.PlanCacheEntries),
		feedback:    optimizer.NewFeedbackTracker(),
		catalogPath: catalogPath,
	}

	statsSrc := optimizer.NewCatalogStatsSource(cat, e.snapshotFor)
	model := optimizer.DefaultCostModel()
	e.estimator = optimizer.NewEstimator(model, statsSrc)
	e.transform = optimizer.NewTransformer(e.estimator, optimizer.DefaultSlack)
	e.paths = optimizer.NewAccessPathSelector(cat, e.estimator)
	e.joins = optimizer.NewJoinEnumerator(e.estimator)

	e.pool = NewWorkerPool(PoolConfig{})

	e.statSched = stats.NewScheduler(e.refreshTableStats)
	for _, t := range cat.Tables() {
		e.statSched.Watch(t)
	}
	if err := e.statSched.Start("@every 1m", e.staleCheck); err != nil {
		e.log.Printf("starting stats scheduler: %v", err)
	}

	e.ckptSched = newCheckpointScheduler()
	if err := e.ckptSched.start("@every 30s", e.pager.Checkpoint); err != nil {
		e.log.Printf("starting checkpoint scheduler: %v", err)
	}

	return e, nil
}

// Catalog returns the engine's schema store.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// Pager returns the engine's page cache/WAL layer.
func (e *Engine) Pager() *pager.Pager { return e.pager }

// Indexes returns the engine's index manager.
func (e *Engine) Indexes() *index.Manager { return e.idx }

// Transactions returns the engine's transaction manager.
func (e *Engine) Transactions() *txn.Manager { return e.txns }

// CreateTable registers a new table and allocates its primary B+tree.
func (e *Engine) CreateTable(name string, cols []catalog.Column, cmp pager.KeyCompare) (*catalog.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.cat.CreateTable(name, cols)
	if err != nil {
		return nil, Wrap(KindSchemaMismatch, "creating table", err)
	}

	txID, err := e.pager.BeginTx()
	if err != nil {
		return nil, Wrap(KindIOError, "beginning tx for table creation", err)
	}
	tree, err := pager.CreateBTree(e.pager, txID, cmp, uint32(e.cfg.TreeOrder))
	if err != nil {
		e.pager.AbortTx(txID)
		return nil, Wrap(KindIOError, "allocating table storage", err)
	}
	if err := e.pager.CommitTx(txID); err != nil {
		return nil, Wrap(KindIOError, "committing table creation", err)
	}
	if err := e.cat.SetRootPage(name, uint64(tree.Root())); err != nil {
		return nil, Wrap(KindNotFound, "recording table root page", err)
	}
	e.statSched.Watch(name)
	return t, nil
}

// OpenTable returns the primary B+tree for an existing table.
func (e *Engine) OpenTable(name string, cmp pager.KeyCompare) (*pager.BTree, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.cat.Table(name)
	if !ok {
		return nil, NewError(KindNotFound, fmt.Sprintf("table %q not found", name))
	}
	return pager.NewBTree(e.pager, pager.PageID(t.RootPage), cmp, uint32(e.cfg.TreeOrder)), nil
}

// SyncTableRoot re-records a table's primary-tree root page id in the
// catalog. Splits and root collapses move the root, so writers call this
// after a mutation batch to keep catalog.json reopenable.
func (e *Engine) SyncTableRoot(name string, tree *pager.BTree) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.cat.SetRootPage(name, uint64(tree.Root())); err != nil {
		return Wrap(KindNotFound, "recording table root page", err)
	}
	return nil
}

// snapshotFor returns the latest published statistics snapshot for a
// table, the callback internal/optimizer.NewCatalogStatsSource uses to
// reach live stats without holding the engine's snapshot map.
func (e *Engine) snapshotFor(table string) (*stats.Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.snaps[table]
	return s, ok
}

// PublishSnapshot installs a freshly collected snapshot as the current
// one for a table and acquires it in the catalog so referencing plans
// keep it alive.
func (e *Engine) PublishSnapshot(table string, snap *stats.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.cat.AcquireSnapshot(table, snap.ID); err != nil {
		return Wrap(KindNotFound, "publishing snapshot", err)
	}
	if prev, ok := e.snaps[table]; ok {
		e.cat.ReleaseSnapshot(prev.ID)
	}
	e.snaps[table] = snap
	return nil
}

// RegisterRowSource installs the row reader the background staleness
// sweep uses to re-collect a table's statistics. Tables without a
// registered source are skipped by the sweep.
func (e *Engine) RegisterRowSource(table string, src stats.RowSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rowSources[table] = src
}

// refreshTableStats is the stats.RefreshFunc driven by statSched: it
// re-collects a stale table's statistics over its registered RowSource,
// publishes the fresh snapshot, and invalidates the plan cache so plans
// built against the replaced snapshot are re-optimized.
func (e *Engine) refreshTableStats(table string) error {
	e.mu.RLock()
	src, haveSrc := e.rowSources[table]
	t, haveTable := e.cat.Table(table)
	e.mu.RUnlock()
	if !haveSrc || !haveTable {
		e.log.Printf("stats refresh skipped for %s: no row source registered", table)
		return nil
	}

	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		cols = append(cols, c.Name)
	}
	snap, err := e.stats.Collect(table, src, cols)
	if err != nil {
		return err
	}
	if err := e.cat.SetRowCount(table, snap.RowCount); err != nil {
		return err
	}
	if err := e.PublishSnapshot(table, snap); err != nil {
		return err
	}
	e.planCache.Invalidate()
	return nil
}

func (e *Engine) staleCheck(table string) (bool, *stats.Snapshot, int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.cat.Table(table)
	if !ok {
		return false, nil, 0
	}
	snap, ok := e.snaps[table]
	if !ok {
		return true, nil, t.RowCount
	}
	return snap.Stale(t.RowCount, e.cfg.StatsStaleRatio), snap, t.RowCount
}

// Estimator, Transform, AccessPaths, Joins, PlanCache, and Feedback
// expose the optimizer components to callers building a plan from a
// parsed AST (internal/ast), kept outside this package so engine does
// not depend on a SQL binder.
func (e *Engine) Estimator() *optimizer.Estimator            { return e.estimator }
func (e *Engine) Transform() *optimizer.Transformer          { return e.transform }
func (e *Engine) AccessPaths() *optimizer.AccessPathSelector { return e.paths }
func (e *Engine) Joins() *optimizer.JoinEnumerator           { return e.joins }
func (e *Engine) PlanCache() *optimizer.PlanCache            { return e.planCache }
func (e *Engine) Feedback() *optimizer.FeedbackTracker       { return e.feedback }
func (e *Engine) Pool() *WorkerPool                          { return e.pool }
func (e *Engine) Config() config.Config                      { return e.cfg }

// Explain returns the chosen physical plan tree for a query, with
// per-operator cost/cardinality estimates attached, for introspection.
func (e *Engine) Explain(plan *optimizer.Node) string {
	return explainNode(plan, 0)
}

func explainNode(n *optimizer.Node, depth int) string {
	if n == nil {
		return ""
	}
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	out := fmt.Sprintf("%s%v rows=%.0f cost=%.2f\n", indent, n.Kind, n.EstRows, n.EstCost.Total())
	for _, c := range n.Children {
		out += explainNode(c, depth+1)
	}
	return out
}

// Checkpoint forces an immediate WAL checkpoint outside the scheduled
// cadence, e.g. before a clean shutdown.
func (e *Engine) Checkpoint() error {
	if err := e.pager.Checkpoint(); err != nil {
		return Wrap(KindIOError, "checkpoint", err)
	}
	return nil
}

// Close flushes the catalog, stops background schedulers and the worker
// pool, and closes the pager.
func (e *Engine) Close() error {
	e.statSched.Stop()
	e.ckptSched.stop()
	e.pool.Close()

	if err := e.cat.SaveTo(e.catalogPath); err != nil {
		e.log.Printf("saving catalog on close: %v", err)
	}
	if err := e.pager.Checkpoint(); err != nil {
		e.log.Printf("checkpoint on close: %v", err)
	}
	return e.pager.Close()
}

// WithQueryTimeout returns a context bounded by the engine's configured
// query_timeout_ms, or ctx unchanged if no timeout is configured.
func (e *Engine) WithQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	d := e.cfg.QueryTimeout()
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
