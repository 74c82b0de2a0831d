package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"txnstore/buffer"
	"txnstore/disk"
	"txnstore/lock"
	"txnstore/txn"
	"txnstore/wal"
)

type testDB struct {
	dm     *disk.DiskManager
	pool   *buffer.BufferPoolManager
	lm     *wal.LogManager
	lockMg *lock.Manager
	mgr    *Manager
	root   lock.ResourceName
}

func openTestDB(t *testing.T, dir string) *testDB {
	t.Helper()
	dm, err := disk.OpenDiskManager(filepath.Join(dir, "heap.db"))
	require.NoError(t, err)
	pool := buffer.NewBufferPoolManager(dm, buffer.NewBufferPool(8))
	lm, err := wal.Open(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	lockMgr := lock.NewManager()
	root := lock.NewResourceName(lock.NamePart{Label: "database", ID: 0})
	mgr := NewManager(lm, dm, pool, lockMgr, root)
	return &testDB{dm: dm, pool: pool, lm: lm, lockMg: lockMgr, mgr: mgr, root: root}
}

// writePage mimics what the query executor does: fetch the page, apply
// the new bytes, mark it dirty, then tell the recovery manager about the
// write and stamp the resulting LSN onto the buffer.
func writePage(t *testing.T, db *testDB, tx txn.ID, pageID disk.PageID, offset int, before, after []byte) int64 {
	t.Helper()
	buf, err := db.pool.FetchPage(pageID)
	require.NoError(t, err)
	copy(buf.Page[offset:offset+len(after)], after)
	buf.IsDirty = true
	lsn, err := db.mgr.LogPageWrite(tx, pageID, offset, before, after)
	require.NoError(t, err)
	db.pool.SetPageLSN(buf, lsn)
	return lsn
}

func pageBytes(t *testing.T, db *testDB, pageID disk.PageID, offset, n int) []byte {
	t.Helper()
	buf, err := db.pool.FetchPage(pageID)
	require.NoError(t, err)
	out := make([]byte, n)
	copy(out, buf.Page[offset:offset+n])
	return out
}

func TestCommitThenEndRemovesTransaction(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	require.NoError(t, db.mgr.StartTransaction(1))

	pageID := db.dm.AllocPage(disk.DefaultPartition)
	writePage(t, db, 1, pageID, 0, make([]byte, 4), []byte{1, 2, 3, 4})

	require.NoError(t, db.mgr.Commit(1))
	require.NoError(t, db.mgr.End(1))

	entry, ok := db.mgr.txns[1]
	require.False(t, ok)
	_ = entry
}

func TestAbortEndRevertsPageBytes(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	require.NoError(t, db.mgr.StartTransaction(7))

	pageID := db.dm.AllocPage(disk.DefaultPartition)
	before := make([]byte, 4)
	after := []byte{9, 9, 9, 9}
	writePage(t, db, 7, pageID, 0, before, after)

	require.Equal(t, after, pageBytes(t, db, pageID, 0, 4))

	require.NoError(t, db.mgr.Abort(7))
	require.NoError(t, db.mgr.End(7))

	require.Equal(t, before, pageBytes(t, db, pageID, 0, 4))
	_, ok := db.mgr.txns[7]
	require.False(t, ok)
}

func TestLogPageWriteSplitsOversizedPayload(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	require.NoError(t, db.mgr.StartTransaction(2))

	pageID := db.dm.AllocPage(disk.DefaultPartition)
	big := make([]byte, wal.EffectivePageSize/2+1)
	before := make([]byte, len(big))

	lastLSN := writePage(t, db, 2, pageID, 0, before, big)

	db.mgr.mu.Lock()
	e := db.mgr.txns[2]
	db.mgr.mu.Unlock()
	require.Equal(t, lastLSN, e.lastLSN)

	redoRec, err := db.lm.FetchLogRecord(lastLSN)
	require.NoError(t, err)
	require.Equal(t, wal.RecordUpdatePage, redoRec.Type)
	require.Nil(t, redoRec.Before)
	require.Equal(t, big, redoRec.After)

	undoRec, err := db.lm.FetchLogRecord(redoRec.PrevLSN)
	require.NoError(t, err)
	require.Equal(t, wal.RecordUpdatePage, undoRec.Type)
	require.Nil(t, undoRec.After)
	require.Equal(t, before, undoRec.Before)

	recLSN, ok := db.mgr.dpt.Get(pageID)
	require.True(t, ok)
	require.Equal(t, undoRec.LSN, recLSN)
}

func TestSavepointRollback(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	require.NoError(t, db.mgr.StartTransaction(3))

	pageID := db.dm.AllocPage(disk.DefaultPartition)
	orig := make([]byte, 4)
	writePage(t, db, 3, pageID, 0, orig, []byte{1, 1, 1, 1})

	require.NoError(t, db.mgr.Savepoint(3, "sp1"))

	writePage(t, db, 3, pageID, 0, []byte{1, 1, 1, 1}, []byte{2, 2, 2, 2})
	require.Equal(t, []byte{2, 2, 2, 2}, pageBytes(t, db, pageID, 0, 4))

	require.NoError(t, db.mgr.RollbackToSavepoint(3, "sp1"))
	require.Equal(t, []byte{1, 1, 1, 1}, pageBytes(t, db, pageID, 0, 4))
}

func TestCheckpointPacksWithinOneRecord(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	for i := txn.ID(1); i <= 5; i++ {
		require.NoError(t, db.mgr.StartTransaction(i))
		pageID := db.dm.AllocPage(disk.DefaultPartition)
		writePage(t, db, i, pageID, 0, make([]byte, 4), []byte{byte(i), byte(i), byte(i), byte(i)})
	}
	require.NoError(t, db.mgr.Checkpoint())

	master, err := db.lm.ReadMasterRecord()
	require.NoError(t, err)
	require.NotEqual(t, wal.NoLSN, master.LastCheckpointLSN)

	begin, err := db.lm.FetchLogRecord(master.LastCheckpointLSN)
	require.NoError(t, err)
	require.Equal(t, wal.RecordBeginCheckpoint, begin.Type)

	records, err := db.lm.ScanFrom(master.LastCheckpointLSN)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, wal.RecordEndCheckpoint, records[1].Type)
	require.Len(t, records[1].TxnTable, 5)
}
