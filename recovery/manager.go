package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"txnstore/buffer"
	"txnstore/disk"
	"txnstore/lock"
	"txnstore/logging"
	"txnstore/txn"
	"txnstore/wal"
)

// pageResourceLabel names the lock resource a page-tagged log record is
// re-locked under during restart analysis (spec §4.7): "re-acquire X on
// that page via LockUtil.ensureSufficient".
const pageResourceLabel = "page"

// txnTableEntry is the recovery manager's per-transaction bookkeeping
// (spec §3's TransactionTableEntry): last LSN appended, the pages it has
// touched, named savepoints, and the shared txn.Entry status cell.
type txnTableEntry struct {
	id           txn.ID
	entry        *txn.Entry
	lastLSN      int64
	touchedPages map[disk.PageID]bool
	savepoints   map[string]int64
}

func newTxnTableEntry(id txn.ID, entry *txn.Entry) *txnTableEntry {
	return &txnTableEntry{
		id:           id,
		entry:        entry,
		lastLSN:      wal.NoLSN,
		touchedPages: make(map[disk.PageID]bool),
		savepoints:   make(map[string]int64),
	}
}

// NewTransactionFunc lets the transaction driver supply its own txn.Entry
// (and, implicitly, its own status tracking) for a transaction restart
// analysis discovers was never explicitly started in this process —
// spec §4.7's "create entry if absent (via newTransaction callback)".
type NewTransactionFunc func(txn.ID) *txn.Entry

// Manager is the ARIESRecoveryManager: forward-processing hooks plus
// the analysis/redo/undo restart phases. All forward-processing
// mutations (transaction table, DPT, log append) serialize through mu,
// mirroring the single-monitor discipline spec §5 requires of the lock
// manager.
type Manager struct {
	mu sync.Mutex

	log     *wal.LogManager
	pageIO  wal.PageIO
	bufMgr  *buffer.BufferPoolManager
	lockMgr *lock.Manager
	rootCtx *lock.Context

	txns map[txn.ID]*txnTableEntry
	dpt  *dirtyPageTable

	// InstanceID tags this opened database instance for log
	// correlation, grounded in the pack's use of google/uuid for
	// recovery/transaction identity (see DESIGN.md).
	InstanceID uuid.UUID
}

// NewManager constructs a recovery manager over an already-open log,
// disk manager, buffer pool and lock manager. root is the lock
// hierarchy's database-level resource; page-tagged log records are
// re-locked under root's "page" children during restart analysis.
// NewManager installs itself as the buffer pool's flush hook.
func NewManager(log *wal.LogManager, diskMgr *disk.DiskManager, bufMgr *buffer.BufferPoolManager, lockMgr *lock.Manager, root lock.ResourceName) *Manager {
	m := &Manager{
		log:     log,
		pageIO:  &pageIOAdapter{disk: diskMgr, buf: bufMgr},
		bufMgr:  bufMgr,
		lockMgr: lockMgr,
		rootCtx: lock.NewDatabaseContext(lockMgr, root),
		txns:    make(map[txn.ID]*txnTableEntry),
		dpt:     newDirtyPageTable(),
		InstanceID: uuid.New(),
	}
	bufMgr.SetFlushHook(m.PageFlushHook)
	bufMgr.SetAfterWriteHook(m.DiskIOHook)
	return m
}

// Initialize verifies the log has a readable master record, failing
// fatally (spec §7) if it does not — a corrupt or half-initialized log
// is refused rather than silently treated as empty.
func (m *Manager) Initialize() error {
	if _, err := m.log.ReadMasterRecord(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoMasterRecord, err)
	}
	return nil
}

// Close flushes and closes the underlying log.
func (m *Manager) Close() error {
	if err := m.log.FlushToLSN(m.log.EndLSN()); err != nil {
		return err
	}
	return m.log.Close()
}

func (m *Manager) pageContext(pageID disk.PageID) *lock.Context {
	return m.rootCtx.ChildContext(pageResourceLabel, int64(pageID))
}

// StartTransaction inserts an empty table entry for tx (spec §4.6).
func (m *Manager) StartTransaction(tx txn.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[tx]; ok {
		return ErrAlreadyStarted
	}
	m.txns[tx] = newTxnTableEntry(tx, txn.NewEntry(tx))
	return nil
}

func (m *Manager) requireEntry(tx txn.ID) (*txnTableEntry, error) {
	e, ok := m.txns[tx]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	return e, nil
}

func (m *Manager) touchPage(e *txnTableEntry, pageID disk.PageID, lsn int64) {
	e.touchedPages[pageID] = true
	m.dpt.InsertIfAbsent(pageID, lsn)
}

// LogPageWrite appends an UPDATE_PAGE record for a write to pageID at
// offset, carrying before/after images for undo/redo. Per spec §4.6, a
// payload larger than half EffectivePageSize is split into an
// undo-only record followed by a redo-only record chained by prevLSN,
// so no single record's after-image risks overflowing a physical page
// once this log is itself stored in one. Returns the LSN of the last
// record appended. No flush: page writes rely on WAL at eviction/commit
// time, not immediate durability.
func (m *Manager) LogPageWrite(tx txn.ID, pageID disk.PageID, offset int, before, after []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.requireEntry(tx)
	if err != nil {
		return 0, err
	}

	if len(after) > wal.EffectivePageSize/2 {
		undoRec := wal.NewUpdatePageRecord(tx, e.lastLSN, pageID, offset, before, nil)
		undoLSN, err := m.log.Append(undoRec)
		if err != nil {
			return 0, err
		}
		e.lastLSN = undoLSN
		m.touchPage(e, pageID, undoLSN)

		redoRec := wal.NewUpdatePageRecord(tx, undoLSN, pageID, offset, nil, after)
		redoLSN, err := m.log.Append(redoRec)
		if err != nil {
			return 0, err
		}
		e.lastLSN = redoLSN
		return redoLSN, nil
	}

	rec := wal.NewUpdatePageRecord(tx, e.lastLSN, pageID, offset, before, after)
	lsn, err := m.log.Append(rec)
	if err != nil {
		return 0, err
	}
	e.lastLSN = lsn
	m.touchPage(e, pageID, lsn)
	return lsn, nil
}

// logAllocLike appends a record built by mk, updates lastLSN and
// touchedPages, and flushes through it before returning — alloc/free
// records make changes visible on disk immediately (spec §4.6), so
// unlike LogPageWrite they cannot wait for eviction or commit to become
// durable.
func (m *Manager) logAllocLike(tx txn.ID, pageID disk.PageID, mk func(prevLSN int64) *wal.LogRecord) (int64, error) {
	m.mu.Lock()
	e, err := m.requireEntry(tx)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	rec := mk(e.lastLSN)
	lsn, err := m.log.Append(rec)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	e.lastLSN = lsn
	if pageID.Valid() {
		e.touchedPages[pageID] = true
	}
	m.mu.Unlock()
	return lsn, m.log.FlushToLSN(lsn + 1)
}

// LogAllocPage appends an ALLOC_PAGE record and flushes through it.
func (m *Manager) LogAllocPage(tx txn.ID, pageID disk.PageID) (int64, error) {
	return m.logAllocLike(tx, pageID, func(prevLSN int64) *wal.LogRecord {
		return wal.NewAllocPageRecord(tx, prevLSN, pageID)
	})
}

// LogFreePage appends a FREE_PAGE record, flushes through it, and
// removes pageID from the dirty page table — once freed, any prior
// update to it no longer needs to survive a crash.
func (m *Manager) LogFreePage(tx txn.ID, pageID disk.PageID) (int64, error) {
	lsn, err := m.logAllocLike(tx, pageID, func(prevLSN int64) *wal.LogRecord {
		return wal.NewFreePageRecord(tx, prevLSN, pageID)
	})
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.dpt.Remove(pageID)
	m.mu.Unlock()
	return lsn, nil
}

// LogAllocPart appends an ALLOC_PART record and flushes through it.
func (m *Manager) LogAllocPart(tx txn.ID, partition uint32) (int64, error) {
	return m.logAllocLike(tx, disk.InvalidPageID, func(prevLSN int64) *wal.LogRecord {
		return wal.NewAllocPartRecord(tx, prevLSN, partition)
	})
}

// LogFreePart appends a FREE_PART record and flushes through it.
func (m *Manager) LogFreePart(tx txn.ID, partition uint32) (int64, error) {
	return m.logAllocLike(tx, disk.InvalidPageID, func(prevLSN int64) *wal.LogRecord {
		return wal.NewFreePartRecord(tx, prevLSN, partition)
	})
}

// PageFlushHook is installed on the buffer pool: before a dirty page is
// written back to disk, the log must be durable through that page's
// LSN (WAL, spec §3/§5). A page that was never logged (PageLSN < 0,
// buffer.NewBuffer's sentinel) has nothing to flush for.
func (m *Manager) PageFlushHook(pageLSN int64) error {
	if pageLSN < 0 {
		return nil
	}
	return m.log.FlushToLSN(pageLSN + 1)
}

// DiskIOHook removes pageNum from the dirty page table once its bytes
// are known to be on disk.
func (m *Manager) DiskIOHook(pageNum disk.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dpt.Remove(pageNum)
}

// Commit appends a COMMIT record, flushes through it, and transitions
// tx to COMMITTING. The transaction driver is responsible for calling
// End afterwards.
func (m *Manager) Commit(tx txn.ID) error {
	m.mu.Lock()
	e, err := m.requireEntry(tx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	rec := wal.NewCommitRecord(tx, e.lastLSN)
	lsn, err := m.log.Append(rec)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	e.lastLSN = lsn
	transitionErr := e.entry.Transition(txn.Committing)
	m.mu.Unlock()
	if transitionErr != nil {
		return transitionErr
	}
	logging.L().Debugw("txn committing", "txn", tx, "lsn", lsn)
	return m.log.FlushToLSN(lsn + 1)
}

// Abort appends an ABORT record and transitions tx to ABORTING. No
// rollback happens here — that is End's job (spec §4.6).
func (m *Manager) Abort(tx txn.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.requireEntry(tx)
	if err != nil {
		return err
	}
	rec := wal.NewAbortRecord(tx, e.lastLSN)
	lsn, err := m.log.Append(rec)
	if err != nil {
		return err
	}
	e.lastLSN = lsn
	logging.L().Debugw("txn aborting", "txn", tx, "lsn", lsn)
	return e.entry.Transition(txn.Aborting)
}

// End rolls an ABORTING or RECOVERY_ABORTING transaction all the way
// back to LSN 0, appends END_TRANSACTION, removes it from the table,
// and transitions it to COMPLETE. For a COMMITTING transaction, no
// rollback happens; End only appends END_TRANSACTION and completes it.
func (m *Manager) End(tx txn.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.requireEntry(tx)
	if err != nil {
		return err
	}
	status := e.entry.Status()
	if status == txn.Aborting || status == txn.RecoveryAborting {
		if err := m.rollback(e, wal.NoLSN); err != nil {
			return err
		}
	}
	return m.endLocked(e)
}

// endLocked appends END_TRANSACTION, transitions to COMPLETE, and
// removes the entry from the table. Caller holds mu.
func (m *Manager) endLocked(e *txnTableEntry) error {
	rec := wal.NewEndTransactionRecord(e.id, e.lastLSN)
	lsn, err := m.log.Append(rec)
	if err != nil {
		return err
	}
	e.lastLSN = lsn
	if err := e.entry.Transition(txn.Complete); err != nil {
		return err
	}
	delete(m.txns, e.id)
	return nil
}

// Savepoint records tx's current lastLSN under name, overwriting any
// earlier savepoint of the same name.
func (m *Manager) Savepoint(tx txn.ID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.requireEntry(tx)
	if err != nil {
		return err
	}
	e.savepoints[name] = e.lastLSN
	return nil
}

// ReleaseSavepoint forgets a previously recorded savepoint.
func (m *Manager) ReleaseSavepoint(tx txn.ID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.requireEntry(tx)
	if err != nil {
		return err
	}
	if _, ok := e.savepoints[name]; !ok {
		return ErrUnknownSavepoint
	}
	delete(e.savepoints, name)
	return nil
}

// RollbackToSavepoint rolls tx back to (but not including) the LSN
// recorded under name.
func (m *Manager) RollbackToSavepoint(tx txn.ID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.requireEntry(tx)
	if err != nil {
		return err
	}
	target, ok := e.savepoints[name]
	if !ok {
		return ErrUnknownSavepoint
	}
	return m.rollback(e, target)
}

// rollback runs the shared rollback procedure (spec §4.6) from e's
// current lastLSN down to (not including) stop, emitting a CLR for
// every undoable record it walks and physically applying each as it
// goes. Caller holds mu.
func (m *Manager) rollback(e *txnTableEntry, stop int64) error {
	cur := e.lastLSN
	for cur > stop {
		rec, err := m.log.FetchLogRecord(cur)
		if err != nil {
			return err
		}

		var next int64
		if rec.IsUndoable() {
			clr, flushNeeded := rec.Undo()
			clr.PrevLSN = e.lastLSN
			lsn, err := m.log.Append(clr)
			if err != nil {
				return err
			}
			clr.LSN = lsn
			if flushNeeded {
				if err := m.log.FlushToLSN(lsn + 1); err != nil {
					return err
				}
			}
			e.lastLSN = lsn
			m.applyDPTForUndo(clr)
			if err := clr.Redo(m.pageIO); err != nil {
				return err
			}
			next = clr.UndoNextLSN
		} else if rec.HasUndoNextLSN {
			// rec is itself an already-applied CLR (resuming a rollback
			// interrupted by a prior crash): skip straight to its target.
			next = rec.UndoNextLSN
		} else {
			next = rec.PrevLSN
		}
		cur = next
	}
	return nil
}

// applyDPTForUndo updates the dirty page table for a freshly-appended
// CLR, per the rollback procedure's DPT rule (spec §4.6): undoing an
// update or a free re-dirties the page (insert recLSN if absent);
// undoing an allocation removes the page, since it no longer exists.
func (m *Manager) applyDPTForUndo(clr *wal.LogRecord) {
	switch clr.Type {
	case wal.RecordUndoUpdatePage, wal.RecordUndoFreePage:
		m.dpt.InsertIfAbsent(clr.PageID, clr.LSN)
	case wal.RecordUndoAllocPage:
		m.dpt.Remove(clr.PageID)
	}
}

// RunCheckpoints calls Checkpoint on a ticker until ctx is canceled,
// logging (not panicking) on failure — every ARIES-style system in the
// retrieval pack that has a recovery manager pairs it with periodic
// checkpointing rather than only checkpointing at shutdown.
func (m *Manager) RunCheckpoints(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Checkpoint(); err != nil {
				logging.L().Errorw("checkpoint failed", "error", err, "instance", m.InstanceID)
			}
		}
	}
}
