package recovery

import (
	"container/heap"

	"txnstore/disk"
	"txnstore/lock"
	"txnstore/locktype"
	"txnstore/logging"
	"txnstore/txn"
	"txnstore/wal"
)

// Restart runs the analysis and redo phases synchronously (they must
// complete before any new transaction work is safe to interleave with)
// and returns a Runnable that performs undo followed by a checkpoint —
// spec §6's "restart() -> Runnable". newTransaction, if non-nil, lets
// the transaction driver supply its own txn.Entry for a transaction
// analysis discovers mid-flight; if nil, a fresh txn.NewEntry is used.
func (m *Manager) Restart(newTransaction NewTransactionFunc) (func() error, error) {
	if err := m.restartAnalysis(newTransaction); err != nil {
		return nil, err
	}
	if err := m.restartRedo(); err != nil {
		return nil, err
	}
	m.cleanDPT()
	return func() error {
		if err := m.restartUndo(); err != nil {
			return err
		}
		return m.Checkpoint()
	}, nil
}

func (m *Manager) analysisEntry(id txn.ID, newTransaction NewTransactionFunc) *txnTableEntry {
	if e, ok := m.txns[id]; ok {
		return e
	}
	var te *txn.Entry
	if newTransaction != nil {
		te = newTransaction(id)
	} else {
		te = txn.NewEntry(id)
	}
	e := newTxnTableEntry(id, te)
	m.txns[id] = e
	return e
}

// reacquireX re-locks pageID with X on behalf of tx during analysis
// (spec §4.7), via the declarative façade rather than calling the lock
// manager directly, so the usual multigranularity ancestor-intent
// discipline applies even during restart.
func (m *Manager) reacquireX(tx txn.ID, pageID disk.PageID) error {
	ctx := m.pageContext(pageID)
	return lock.EnsureSufficient(tx, ctx, locktype.X)
}

// mergeStatus applies an END_CHECKPOINT's recorded status for a
// transaction on top of whatever analysis has observed so far, per
// spec §4.7's transition table: from RUNNING, a checkpointed status of
// COMMITTING, RECOVERY_ABORTING or COMPLETE is adopted (any other
// checkpointed status leaves it RUNNING); from any other status, only a
// further move to COMPLETE
// is honored (status records scanned after the checkpoint always
// dominate an earlier snapshot otherwise).
func mergeStatus(e *txnTableEntry, chkpt txn.Status) {
	cur := e.entry.Status()
	if cur == txn.Running {
		switch chkpt {
		case txn.Committing, txn.RecoveryAborting, txn.Complete:
			e.entry.ForceTransition(chkpt)
		}
		return
	}
	if chkpt == txn.Complete {
		e.entry.ForceTransition(txn.Complete)
	}
}

// updateDPTForAnalysis applies the DPT rule for a page-tagged record
// encountered during the main analysis scan (spec §4.7): UPDATE_PAGE and
// UNDO_UPDATE_PAGE insert if absent; FREE_PAGE and UNDO_ALLOC_PAGE
// remove; ALLOC_PAGE and UNDO_FREE_PAGE leave the table unchanged, so
// they get an explicit no-op case rather than falling through silently.
func (m *Manager) updateDPTForAnalysis(rec *wal.LogRecord) {
	switch rec.Type {
	case wal.RecordUpdatePage, wal.RecordUndoUpdatePage:
		m.dpt.InsertIfAbsent(rec.PageID, rec.LSN)
	case wal.RecordFreePage, wal.RecordUndoAllocPage:
		m.dpt.Remove(rec.PageID)
	case wal.RecordAllocPage, wal.RecordUndoFreePage:
		// leave unchanged: an allocation neither dirties a page the DPT
		// didn't already know about nor clears one that's still live.
	}
}

// restartAnalysis is restart's first phase (spec §4.7): scan forward
// from the master record's lastCheckpointLSN, rebuilding the
// transaction table and dirty page table, and re-acquiring locks for
// every page touched by a transaction that might still need to be
// undone.
func (m *Manager) restartAnalysis(newTransaction NewTransactionFunc) error {
	logging.L().Infow("restart: analysis starting", "instance", m.InstanceID)
	m.mu.Lock()
	defer m.mu.Unlock()

	master, err := m.log.ReadMasterRecord()
	if err != nil {
		return err
	}
	// LastCheckpointLSN == wal.NoLSN means no checkpoint has ever been
	// taken; LSN 0 addresses the master slot itself, not a record, so
	// analysis must start at the first real record instead of scanning
	// from 0.
	scanFrom := master.LastCheckpointLSN
	if scanFrom == wal.NoLSN {
		scanFrom = wal.FirstLSN
	}
	records, err := m.log.ScanFrom(scanFrom)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.TxnTagged() {
			e := m.analysisEntry(rec.TxnID, newTransaction)
			if rec.LSN > e.lastLSN {
				e.lastLSN = rec.LSN
			}
		}
		if rec.PageTagged() {
			e := m.analysisEntry(rec.TxnID, newTransaction)
			e.touchedPages[rec.PageID] = true
			if err := m.reacquireX(rec.TxnID, rec.PageID); err != nil {
				return err
			}
			m.updateDPTForAnalysis(rec)
		}

		switch rec.Type {
		case wal.RecordCommit:
			e := m.analysisEntry(rec.TxnID, newTransaction)
			e.entry.ForceTransition(txn.Committing)
		case wal.RecordAbort:
			e := m.analysisEntry(rec.TxnID, newTransaction)
			e.entry.ForceTransition(txn.RecoveryAborting)
		case wal.RecordEndTransaction:
			delete(m.txns, rec.TxnID)
		case wal.RecordEndCheckpoint:
			for p, lsn := range rec.DPT {
				m.dpt.Overwrite(p, lsn)
			}
			for id, snap := range rec.TxnTable {
				e := m.analysisEntry(id, newTransaction)
				if snap.LastLSN > e.lastLSN {
					e.lastLSN = snap.LastLSN
				}
				mergeStatus(e, snap.Status)
			}
			for id, pages := range rec.TouchedPages {
				e := m.analysisEntry(id, newTransaction)
				for _, p := range pages {
					e.touchedPages[p] = true
					if err := m.reacquireX(id, p); err != nil {
						return err
					}
				}
			}
		}
	}

	for id, e := range m.txns {
		switch e.entry.Status() {
		case txn.Committing:
			if err := m.endLocked(e); err != nil {
				return err
			}
		case txn.Running:
			rec := wal.NewAbortRecord(id, e.lastLSN)
			lsn, err := m.log.Append(rec)
			if err != nil {
				return err
			}
			e.lastLSN = lsn
			e.entry.ForceTransition(txn.RecoveryAborting)
		case txn.Complete:
			delete(m.txns, id)
		}
	}
	logging.L().Infow("restart: analysis complete", "instance", m.InstanceID, "txns", len(m.txns), "dptSize", m.dpt.Len())
	return nil
}

// pageLikeRedoUnconditional reports whether rec's type is redone
// unconditionally during restart redo (spec §4.7): partition records
// and the allocation-marking records, none of which carry a pageLSN to
// compare against.
func pageLikeRedoUnconditional(t wal.RecordType) bool {
	switch t {
	case wal.RecordAllocPart, wal.RecordFreePart, wal.RecordUndoAllocPart, wal.RecordUndoFreePart,
		wal.RecordAllocPage, wal.RecordUndoFreePage:
		return true
	default:
		return false
	}
}

// restartRedo is restart's second phase (spec §4.7): starting at
// min(DPT.recLSN), replay every redoable record whose page is still
// dirty as of that LSN and whose on-disk pageLSN predates it.
func (m *Manager) restartRedo() error {
	m.mu.Lock()
	start := m.dpt.MinRecLSN()
	dpt := m.dpt
	m.mu.Unlock()

	if dpt.Len() == 0 {
		logging.L().Infow("restart: redo skipped, dirty page table empty", "instance", m.InstanceID)
		return nil
	}
	logging.L().Infow("restart: redo starting", "instance", m.InstanceID, "startLSN", start)

	records, err := m.log.ScanFrom(start)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !rec.IsRedoable() {
			continue
		}
		if pageLikeRedoUnconditional(rec.Type) {
			if err := rec.Redo(m.pageIO); err != nil {
				return err
			}
			continue
		}
		recLSN, ok := dpt.Get(rec.PageID)
		if !ok || recLSN > rec.LSN {
			continue
		}
		pageLSN, err := m.pageIO.GetPageLSN(rec.PageID)
		if err != nil {
			return err
		}
		if pageLSN < rec.LSN {
			if err := rec.Redo(m.pageIO); err != nil {
				return err
			}
		}
	}
	return nil
}

// cleanDPT prunes the dirty page table down to pages the buffer pool
// actually still reports dirty in memory (spec §4.7, between redo and
// undo). A page that is not dirty in the pool (never redone, or already
// written back, which also drops it via DiskIOHook) has no change left
// to write back, so it no longer needs a DPT entry.
func (m *Manager) cleanDPT() {
	dirty := m.bufMgr.DirtyPages()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dpt.RetainOnly(dirty)
}

// undoItem is one entry of restart undo's max-heap: the LSN to process
// next for a given transaction (not a fixed value — it walks backward
// every time that transaction's record is popped and re-pushed).
type undoItem struct {
	lsn int64
	tx  txn.ID
}

type undoHeap []undoItem

func (h undoHeap) Len() int            { return len(h) }
func (h undoHeap) Less(i, j int) bool  { return h[i].lsn > h[j].lsn }
func (h undoHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *undoHeap) Push(x interface{}) { *h = append(*h, x.(undoItem)) }
func (h *undoHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// restartUndo is restart's third phase (spec §4.7): repeatedly pop the
// largest LSN among all RECOVERY_ABORTING transactions, undo that one
// record if undoable, and push the transaction's next LSN back onto the
// heap — or end it once undo reaches LSN 0.
func (m *Manager) restartUndo() error {
	m.mu.Lock()
	h := &undoHeap{}
	heap.Init(h)
	for id, e := range m.txns {
		if e.entry.Status() == txn.RecoveryAborting {
			heap.Push(h, undoItem{lsn: e.lastLSN, tx: id})
		}
	}
	m.mu.Unlock()
	logging.L().Infow("restart: undo starting", "instance", m.InstanceID, "txns", h.Len())

	for h.Len() > 0 {
		m.mu.Lock()
		item := heap.Pop(h).(undoItem)
		rec, err := m.log.FetchLogRecord(item.lsn)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		e := m.txns[item.tx]

		var next int64
		if rec.IsUndoable() {
			clr, flushNeeded := rec.Undo()
			clr.PrevLSN = e.lastLSN
			lsn, err := m.log.Append(clr)
			if err != nil {
				m.mu.Unlock()
				return err
			}
			clr.LSN = lsn
			if flushNeeded {
				if err := m.log.FlushToLSN(lsn + 1); err != nil {
					m.mu.Unlock()
					return err
				}
			}
			e.lastLSN = lsn
			m.applyDPTForUndo(clr)
			if err := clr.Redo(m.pageIO); err != nil {
				m.mu.Unlock()
				return err
			}
			next = clr.UndoNextLSN
		} else if rec.HasUndoNextLSN {
			next = rec.UndoNextLSN
		} else {
			next = rec.PrevLSN
		}

		if next == wal.NoLSN {
			err := m.endLocked(e)
			m.mu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		m.mu.Unlock()
		heap.Push(h, undoItem{lsn: next, tx: item.tx})
	}
	return nil
}
