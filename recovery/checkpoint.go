package recovery

import (
	"txnstore/disk"
	"txnstore/txn"
	"txnstore/wal"
)

// checkpointBuilder accumulates the three kinds of entries an
// END_CHECKPOINT record packs (spec §4.6: DPT entries, then
// txn -> (status, lastLSN), then txn -> touchedPages) so Checkpoint can
// greedily split them across as many records as FitsInOneRecord
// demands.
type checkpointBuilder struct {
	dpt      map[disk.PageID]int64
	txnTable map[txn.ID]wal.TxnSnapshot
	touched  map[txn.ID][]disk.PageID
}

func newCheckpointBuilder() *checkpointBuilder {
	return &checkpointBuilder{
		dpt:      make(map[disk.PageID]int64),
		txnTable: make(map[txn.ID]wal.TxnSnapshot),
		touched:  make(map[txn.ID][]disk.PageID),
	}
}

func (b *checkpointBuilder) fits() bool {
	touchedTotal := 0
	for _, pages := range b.touched {
		touchedTotal += len(pages)
	}
	return wal.FitsInOneRecord(len(b.dpt), len(b.txnTable), len(b.touched), touchedTotal)
}

func (b *checkpointBuilder) empty() bool {
	return len(b.dpt) == 0 && len(b.txnTable) == 0 && len(b.touched) == 0
}

// maxTxnCounter returns the largest transaction number currently in the
// table, the BEGIN_CHECKPOINT payload a restarted transaction driver
// uses to resume its own counter past every number that was ever live.
func (m *Manager) maxTxnCounter() int64 {
	var max int64
	for id := range m.txns {
		if int64(id) > max {
			max = int64(id)
		}
	}
	return max
}

// Checkpoint appends a BEGIN_CHECKPOINT, packs the DPT/transaction
// table/touched-pages snapshot into one or more END_CHECKPOINT records
// (flushing each as it is appended), and finally overwrites the master
// record to point at the BEGIN's LSN (spec §4.6). The snapshot itself is
// taken under mu; appending the END_CHECKPOINT records happens without
// holding it, since flushing to disk should not block forward
// processing.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	beginRec := wal.NewBeginCheckpointRecord(m.maxTxnCounter())
	beginLSN, err := m.log.Append(beginRec)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	dptSnap := m.dpt.Snapshot()
	txnSnap := make(map[txn.ID]wal.TxnSnapshot, len(m.txns))
	touchedSnap := make(map[txn.ID][]disk.PageID, len(m.txns))
	for id, e := range m.txns {
		txnSnap[id] = wal.TxnSnapshot{Status: e.entry.Status(), LastLSN: e.lastLSN}
		pages := make([]disk.PageID, 0, len(e.touchedPages))
		for p := range e.touchedPages {
			pages = append(pages, p)
		}
		touchedSnap[id] = pages
	}
	m.mu.Unlock()

	if err := m.packAndFlushCheckpoints(dptSnap, txnSnap, touchedSnap); err != nil {
		return err
	}
	return m.log.RewriteMasterRecord(beginLSN)
}

func (m *Manager) packAndFlushCheckpoints(dpt map[disk.PageID]int64, txnTable map[txn.ID]wal.TxnSnapshot, touched map[txn.ID][]disk.PageID) error {
	cur := newCheckpointBuilder()

	flush := func() error {
		if cur.empty() {
			return nil
		}
		rec := wal.NewEndCheckpointRecord(cur.dpt, cur.txnTable, cur.touched)
		lsn, err := m.log.Append(rec)
		if err != nil {
			return err
		}
		if err := m.log.FlushToLSN(lsn + 1); err != nil {
			return err
		}
		cur = newCheckpointBuilder()
		return nil
	}

	for p, lsn := range dpt {
		cur.dpt[p] = lsn
		if !cur.fits() {
			delete(cur.dpt, p)
			if err := flush(); err != nil {
				return err
			}
			cur.dpt[p] = lsn
		}
	}
	for id, snap := range txnTable {
		cur.txnTable[id] = snap
		if !cur.fits() {
			delete(cur.txnTable, id)
			if err := flush(); err != nil {
				return err
			}
			cur.txnTable[id] = snap
		}
	}
	for id, pages := range touched {
		cur.touched[id] = pages
		if !cur.fits() {
			delete(cur.touched, id)
			if err := flush(); err != nil {
				return err
			}
			cur.touched[id] = pages
		}
	}
	return flush()
}
