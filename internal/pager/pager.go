package pager

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// ───────────────────────────────────────────────────────────────────────────
// Buffer pool
// ───────────────────────────────────────────────────────────────────────────

// PageFrame is an in-memory cached page.
type PageFrame struct {
	id     PageID
	buf    []byte
	dirty  bool
	lsn    LSN
	txID   TxID // transaction that produced the frame's current dirty image
	pinned int
	prev   *PageFrame
	next   *PageFrame
}

// BufferPoolConfig configures the page cache.
type BufferPoolConfig struct {
	MaxPages int // default 1024
}

// PageBufferPool is an LRU page cache with dirty-page tracking.
type PageBufferPool struct {
	mu       sync.Mutex
	maxPages int
	pages    map[PageID]*PageFrame
	head     *PageFrame
	tail     *PageFrame

	// writeBack, set by the owning Pager, attempts to persist a dirty
	// frame so it can be evicted. It reports false when the frame must
	// stay resident (owning transaction still active, or the write
	// failed). Called with mu held.
	writeBack func(f *PageFrame) bool
}

func newPageBufferPool(maxPages int) *PageBufferPool {
	if maxPages <= 0 {
		maxPages = 1024
	}
	return &PageBufferPool{maxPages: maxPages, pages: make(map[PageID]*PageFrame, maxPages)}
}

func (bp *PageBufferPool) get(id PageID) (*PageFrame, bool) {
	f, ok := bp.pages[id]
	if ok {
		bp.moveToFront(f)
	}
	return f, ok
}

func (bp *PageBufferPool) put(f *PageFrame) {
	if _, exists := bp.pages[f.id]; exists {
		bp.moveToFront(f)
		return
	}
	for len(bp.pages) >= bp.maxPages {
		if !bp.evictOne() {
			break
		}
	}
	bp.pages[f.id] = f
	bp.pushFront(f)
}

func (bp *PageBufferPool) remove(id PageID) {
	f, ok := bp.pages[id]
	if !ok {
		return
	}
	bp.unlink(f)
	delete(bp.pages, id)
}

// evictOne drops the least recently used evictable frame. A dirty frame
// is written back to the base file first; dropping it unwritten would
// lose a committed page the moment Checkpoint truncates the WAL, since
// Checkpoint only flushes frames that are still resident.
func (bp *PageBufferPool) evictOne() bool {
	for f := bp.tail; f != nil; f = f.prev {
		if f.pinned != 0 {
			continue
		}
		if f.dirty {
			if bp.writeBack == nil || !bp.writeBack(f) {
				continue
			}
		}
		bp.unlink(f)
		delete(bp.pages, f.id)
		return true
	}
	return false
}

func (bp *PageBufferPool) dirtyPages() []*PageFrame {
	var out []*PageFrame
	for _, f := range bp.pages {
		if f.dirty {
			out = append(out, f)
		}
	}
	return out
}

func (bp *PageBufferPool) pushFront(f *PageFrame) {
	f.prev = nil
	f.next = bp.head
	if bp.head != nil {
		bp.head.prev = f
	}
	bp.head = f
	if bp.tail == nil {
		bp.tail = f
	}
}

func (bp *PageBufferPool) unlink(f *PageFrame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		bp.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		bp.tail = f.prev
	}
	f.prev = nil
	f.next = nil
}

func (bp *PageBufferPool) moveToFront(f *PageFrame) {
	bp.unlink(f)
	bp.pushFront(f)
}

// ───────────────────────────────────────────────────────────────────────────
// Free-page manager
// ───────────────────────────────────────────────────────────────────────────

// freeManager tracks reclaimed page IDs in memory between checkpoints, and
// persists/loads them as a chain of free-list pages (freelist.go).
type freeManager struct {
	free []PageID
}

func newFreeManager() *freeManager { return &freeManager{} }

func (fm *freeManager) alloc() PageID {
	n := len(fm.free)
	if n == 0 {
		return InvalidPageID
	}
	id := fm.free[n-1]
	fm.free = fm.free[:n-1]
	return id
}

func (fm *freeManager) release(id PageID) { fm.free = append(fm.free, id) }

// loadFromDisk walks the on-disk free-list chain starting at head.
func (fm *freeManager) loadFromDisk(head PageID, readRaw func(PageID) ([]byte, error)) error {
	pid := head
	for pid != InvalidPageID {
		buf, err := readRaw(pid)
		if err != nil {
			return err
		}
		n := FreeListCount(buf)
		for i := 0; i < n; i++ {
			fm.free = append(fm.free, FreeListEntry(buf, i))
		}
		pid = FreeListNext(buf)
	}
	return nil
}

// freeListPageOut is one page produced by flushToDisk, ready to be written.
type freeListPageOut struct {
	ID  PageID
	Buf []byte
}

// flushToDisk serializes fm's entries into a fresh chain of free-list pages,
// allocating new page IDs for the chain itself via allocPage, and returns the
// new chain head plus the page buffers to write.
func (fm *freeManager) flushToDisk(pageSize int, allocPage func() (PageID, []byte)) (PageID, []freeListPageOut) {
	capPerPage := FreeListCapacity(pageSize)

	entries := fm.free
	fm.free = nil
	if len(entries) == 0 {
		return InvalidPageID, nil
	}

	var chain []freeListPageOut
	next := PageID(InvalidPageID)
	for len(entries) > 0 {
		n := len(entries)
		if n > capPerPage {
			n = capPerPage
		}
		chunk := entries[len(entries)-n:]
		entries = entries[:len(entries)-n]

		id, buf := allocPage()
		InitFreeListPage(buf, next)
		for _, e := range chunk {
			FreeListAppend(buf, e)
		}
		SetChecksum(buf)
		chain = append(chain, freeListPageOut{ID: id, Buf: buf})
		next = id
	}
	return next, chain
}

// ───────────────────────────────────────────────────────────────────────────
// Pager
// ───────────────────────────────────────────────────────────────────────────

// PagerConfig configures a Pager.
type PagerConfig struct {
	DBPath        string
	WALPath       string
	PageSize      int
	MaxCachePages int
	TreeOrder     uint32
	KeySchema     []byte
}

// Pager is the central page-level I/O layer: buffer pool, WAL, free-list,
// and superblock, all behind one mutex-guarded surface.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	wal      *WALFile
	pool     *PageBufferPool
	sb       *Superblock
	freeMgr  *freeManager
	pageSize int
	path     string
	walPath  string
	closed   bool

	// activeTx tracks transactions that have begun but not yet committed or
	// aborted. Checkpoint consults this so it never force-writes a dirty
	// page belonging to an open transaction to the base file (§4.1 "fuzzy
	// checkpoint"; see WritePage/Checkpoint).
	activeTx map[TxID]struct{}

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// CacheStats is the buffer pool's hit/miss introspection counters.
type CacheStats struct {
	Hits        uint64
	Misses      uint64
	CachedPages int
}

// Stats returns the buffer pool's current hit/miss counters and resident
// page count.
func (p *Pager) Stats() CacheStats {
	p.pool.mu.Lock()
	resident := len(p.pool.pages)
	p.pool.mu.Unlock()
	return CacheStats{
		Hits:        p.cacheHits.Load(),
		Misses:      p.cacheMisses.Load(),
		CachedPages: resident,
	}
}

// OpenPager opens or creates a page-based database file plus its WAL,
// running crash recovery if the WAL has pending records.
func OpenPager(cfg PagerConfig) (*Pager, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return nil, fmt.Errorf("invalid page size %d", ps)
	}

	isNew := false
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(cfg.DBPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open db file: %w", err)
	}

	p := &Pager{
		file:     f,
		pageSize: ps,
		path:     cfg.DBPath,
		pool:     newPageBufferPool(cfg.MaxCachePages),
		freeMgr:  newFreeManager(),
		activeTx: make(map[TxID]struct{}),
	}
	p.pool.writeBack = p.writeBackOnEvict

	if isNew {
		order := cfg.TreeOrder
		if order == 0 {
			order = 128
		}
		sb := NewSuperblock(uint32(ps), order, cfg.KeySchema)
		buf := MarshalSuperblock(sb, ps)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("write superblock: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		p.sb = sb
	} else {
		sb, err := p.readSuperblock()
		if err != nil {
			f.Close()
			return nil, err
		}
		p.sb = sb
		p.pageSize = int(sb.PageSize)

		if sb.FreeListRoot != InvalidPageID {
			if err := p.freeMgr.loadFromDisk(sb.FreeListRoot, p.readPageRaw); err != nil {
				f.Close()
				return nil, fmt.Errorf("load freelist: %w", err)
			}
		}
	}

	walPath := cfg.WALPath
	if walPath == "" {
		walPath = cfg.DBPath + ".wal"
	}
	p.walPath = walPath
	wf, err := OpenWALFile(walPath, p.pageSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open WAL file: %w", err)
	}
	p.wal = wf

	if !isNew {
		if err := p.Recover(); err != nil {
			wf.Close()
			f.Close()
			return nil, fmt.Errorf("WAL recovery: %w", err)
		}
	}

	return p, nil
}

func (p *Pager) readSuperblock() (*Superblock, error) {
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	return UnmarshalSuperblock(buf)
}

func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read page %d: %w", id, err)
	}
	if err := VerifyChecksum(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	SetChecksum(buf)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	return nil
}

// writeBackOnEvict persists a dirty frame to the base file so the pool
// can evict it. Frames dirtied by a still-active transaction are kept
// resident: recovery only redoes committed work and never undoes, so an
// uncommitted image must never reach the base file (no-steal).
func (p *Pager) writeBackOnEvict(f *PageFrame) bool {
	if _, active := p.activeTx[f.txID]; active {
		return false
	}
	if err := p.writePageRaw(f.id, f.buf); err != nil {
		return false
	}
	f.dirty = false
	return true
}

// ReadPage returns a page by ID through the buffer pool, pinning it.
// Call UnpinPage when done.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageCached(id)
}

func (p *Pager) readPageCached(id PageID) ([]byte, error) {
	p.pool.mu.Lock()
	if f, ok := p.pool.get(id); ok {
		f.pinned++
		p.pool.mu.Unlock()
		p.cacheHits.Add(1)
		return f.buf, nil
	}
	p.pool.mu.Unlock()
	p.cacheMisses.Add(1)

	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	f := &PageFrame{id: id, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return buf, nil
}

// UnpinPage decrements a page's pin count.
func (p *Pager) UnpinPage(id PageID) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if f, ok := p.pool.get(id); ok && f.pinned > 0 {
		f.pinned--
	}
}

// WritePage WAL-logs buf as the new image of page id under txID, then marks
// it dirty in the buffer pool with the record's LSN as its page-LSN.
// Caller must have called BeginTx first and
// must have already set buf's checksum (the B+tree layer does this once per
// logical mutation rather than once per layer).
func (p *Pager) WritePage(txID TxID, id PageID, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := &WALRecord{
		Kind:   WALPageImage,
		TxID:   txID,
		PageID: id,
		Data:   append([]byte(nil), buf...),
	}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return fmt.Errorf("WAL write page %d: %w", id, err)
	}

	p.pool.mu.Lock()
	f, ok := p.pool.get(id)
	if !ok {
		f = &PageFrame{id: id, buf: make([]byte, p.pageSize)}
		p.pool.put(f)
	}
	copy(f.buf, buf)
	setPageLSN(f.buf, lsn)
	f.dirty = true
	f.lsn = lsn
	f.txID = txID
	p.pool.mu.Unlock()

	return nil
}

// BeginTx starts a transaction, writing a BEGIN record.
func (p *Pager) BeginTx() (TxID, error) {
	p.mu.Lock()
	txID := p.sb.NextTxID
	p.sb.NextTxID++
	p.activeTx[txID] = struct{}{}
	p.mu.Unlock()

	if _, err := p.wal.AppendRecord(&WALRecord{Kind: WALBegin, TxID: txID}); err != nil {
		return 0, err
	}
	return txID, nil
}

// CommitTx writes a COMMIT record and fsyncs the WAL (the durability point).
// Once this returns, txID's dirty pages are eligible for Checkpoint to flush.
func (p *Pager) CommitTx(txID TxID) error {
	if _, err := p.wal.AppendRecord(&WALRecord{Kind: WALCommit, TxID: txID}); err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.activeTx, txID)
	p.mu.Unlock()
	return nil
}

// AbortTx writes an ABORT record; this transaction's page images are
// skipped by recovery.
func (p *Pager) AbortTx(txID TxID) error {
	_, err := p.wal.AppendRecord(&WALRecord{Kind: WALAbort, TxID: txID})
	p.mu.Lock()
	delete(p.activeTx, txID)
	p.mu.Unlock()
	return err
}

// AllocPage allocates a page (from the free-list or by extending the file),
// pinning it in the cache and returning a zeroed buffer.
func (p *Pager) AllocPage() (PageID, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid := p.freeMgr.alloc()
	if pid == InvalidPageID {
		pid = p.sb.NextPageID
		p.sb.NextPageID++
		p.sb.PageCount++
	}
	buf := make([]byte, p.pageSize)
	f := &PageFrame{id: pid, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return pid, buf
}

// FreePage marks pid reusable and evicts it from the cache.
func (p *Pager) FreePage(pid PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freePageLocked(pid)
}

func (p *Pager) freePageLocked(pid PageID) {
	p.freeMgr.release(pid)
	p.pool.mu.Lock()
	p.pool.remove(pid)
	p.pool.mu.Unlock()
}

// Checkpoint writes a fuzzy checkpoint: it flushes only the
// dirty pages whose owning transaction has already committed or aborted,
// writes the free-list and superblock, and truncates the WAL only once
// nothing left in the buffer pool or active-transaction table still
// depends on it. A page last written by a transaction that is still
// active is left dirty and skipped — flushing it here would make an
// uncommitted change visible in the base file with no WAL record left to
// undo it after a crash, since recovery only redoes committed work and
// never undoes (see recovery.go).
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lsn, err := p.wal.AppendRecord(&WALRecord{Kind: WALCheckpoint})
	if err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}

	p.pool.mu.Lock()
	dirty := p.pool.dirtyPages()
	safeLSN := lsn
	skippedAny := false
	for _, f := range dirty {
		if _, active := p.activeTx[f.txID]; active {
			skippedAny = true
			if f.lsn > 0 && f.lsn-1 < safeLSN {
				safeLSN = f.lsn - 1
			}
			continue
		}
		if err := p.writePageRaw(f.id, f.buf); err != nil {
			p.pool.mu.Unlock()
			return fmt.Errorf("checkpoint flush page %d: %w", f.id, err)
		}
		f.dirty = false
	}
	p.pool.mu.Unlock()

	oldHead := p.sb.FreeListRoot
	if oldHead != InvalidPageID {
		pid := oldHead
		for pid != InvalidPageID {
			buf, err := p.readPageRaw(pid)
			if err != nil {
				break
			}
			next := FreeListNext(buf)
			p.freeMgr.release(pid)
			pid = next
		}
	}

	newHead, pages := p.freeMgr.flushToDisk(p.pageSize, func() (PageID, []byte) {
		pid := p.sb.NextPageID
		p.sb.NextPageID++
		p.sb.PageCount++
		return pid, make([]byte, p.pageSize)
	})
	for _, pg := range pages {
		if err := p.writePageRaw(pg.ID, pg.Buf); err != nil {
			return fmt.Errorf("checkpoint freelist page: %w", err)
		}
	}

	p.sb.FreeListRoot = newHead
	if safeLSN > p.sb.CheckpointLSN {
		p.sb.CheckpointLSN = safeLSN
	}
	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return fmt.Errorf("checkpoint superblock: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return err
	}

	if skippedAny || len(p.activeTx) > 0 {
		// A transaction that touched the buffer pool since the last
		// checkpoint is still open; keep the WAL so its eventual commit or
		// abort (and any page this checkpoint skipped) stays recoverable.
		return nil
	}
	return p.wal.Truncate()
}

// Superblock returns a copy of the current superblock.
func (p *Pager) Superblock() Superblock {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.sb
}

// UpdateSuperblock mutates the in-memory superblock; Checkpoint persists it.
func (p *Pager) UpdateSuperblock(fn func(sb *Superblock)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.sb)
}

// PageSize returns the configured page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// CurrentLSN returns the LSN of the most recently appended WAL record,
// the snapshot point scans capture at operator open.
func (p *Pager) CurrentLSN() LSN { return p.wal.NextLSN() - 1 }

// Close performs a final checkpoint and closes the database and WAL files.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Checkpoint(); err != nil {
		_ = p.wal.Close()
		_ = p.file.Close()
		return err
	}
	if err := p.wal.Close(); err != nil {
		_ = p.file.Close()
		return err
	}
	return p.file.Close()
}

// Path returns the database file path.
func (p *Pager) Path() string { return p.path }

// WALPath returns the WAL file path.
func (p *Pager) WALPath() string { return p.walPath }
