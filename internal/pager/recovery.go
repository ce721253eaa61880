package pager

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Crash recovery
// ───────────────────────────────────────────────────────────────────────────
//
// Recovery replays only transactions with both a BEGIN and a COMMIT record
// and no ABORT, applying their PAGE_IMAGE records in LSN order when the
// record's LSN is newer than the checkpoint LSN already reflected on disk.
// This is deliberately not full ARIES analysis/redo/undo: only committed
// work is redone, nothing is undone, which suffices for a single-writer
// engine whose uncommitted pages are never checkpointed to the base file.

// Recover replays the WAL, applying committed transactions, then truncates it.
func (p *Pager) Recover() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recover read WAL: %w", err)
	}
	if len(records) == 0 {
		p.wal.SetNextLSN(p.sb.CheckpointLSN + 1)
		return nil
	}

	type txRecords struct {
		pages     []*WALRecord
		committed bool
		aborted   bool
	}
	txMap := make(map[TxID]*txRecords)

	var maxLSN LSN
	var maxTxID TxID

	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}
		switch rec.Kind {
		case WALBegin:
			if _, ok := txMap[rec.TxID]; !ok {
				txMap[rec.TxID] = &txRecords{}
			}
		case WALPageImage:
			tr, ok := txMap[rec.TxID]
			if !ok {
				tr = &txRecords{}
				txMap[rec.TxID] = tr
			}
			tr.pages = append(tr.pages, rec)
		case WALCommit:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.committed = true
			}
		case WALAbort:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.aborted = true
			}
		case WALCheckpoint:
			// marks that everything before it was already durable
		}
	}

	var applied int
	for _, rec := range records {
		if rec.Kind != WALPageImage {
			continue
		}
		if tr := txMap[rec.TxID]; !tr.committed || tr.aborted {
			continue
		}
		if rec.LSN <= p.sb.CheckpointLSN {
			continue
		}
		if err := p.writePageRaw(rec.PageID, rec.Data); err != nil {
			return fmt.Errorf("recover apply page %d: %w", rec.PageID, err)
		}
		applied++
	}

	if applied > 0 {
		if err := p.file.Sync(); err != nil {
			return err
		}
		p.sb.CheckpointLSN = maxLSN
		if TxID(maxTxID+1) > p.sb.NextTxID {
			p.sb.NextTxID = maxTxID + 1
		}
		for _, tr := range txMap {
			if !tr.committed || tr.aborted {
				continue
			}
			for _, rec := range tr.pages {
				if rec.PageID+1 > p.sb.NextPageID {
					p.sb.NextPageID = rec.PageID + 1
					p.sb.PageCount = uint64(p.sb.NextPageID)
				}
			}
		}
		sbBuf := MarshalSuperblock(p.sb, p.pageSize)
		if err := p.writePageRaw(0, sbBuf); err != nil {
			return fmt.Errorf("recover superblock: %w", err)
		}
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	p.wal.SetNextLSN(maxLSN + 1)
	return p.wal.Truncate()
}
