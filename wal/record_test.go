package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"txnstore/disk"
	"txnstore/txn"
)

func TestEncodeDecodeRoundTripsUpdatePage(t *testing.T) {
	r := NewUpdatePageRecord(7, 40, disk.PageID(3), 12, []byte("before"), []byte("after!"))
	data := r.Encode()

	decoded, err := Decode(40, data)
	require.NoError(t, err)
	require.Equal(t, RecordUpdatePage, decoded.Type)
	require.Equal(t, txn.ID(7), decoded.TxnID)
	require.Equal(t, int64(40), decoded.LSN)
	require.Equal(t, int64(40), decoded.PrevLSN)
	require.Equal(t, disk.PageID(3), decoded.PageID)
	require.Equal(t, 12, decoded.Offset)
	require.Equal(t, []byte("before"), decoded.Before)
	require.Equal(t, []byte("after!"), decoded.After)
}

func TestEncodeDecodeRoundTripsEndCheckpoint(t *testing.T) {
	r := NewEndCheckpointRecord(
		map[disk.PageID]int64{1: 10, 2: 20},
		map[txn.ID]TxnSnapshot{5: {Status: txn.Running, LastLSN: 30}},
		map[txn.ID][]disk.PageID{5: {1, 2}},
	)
	data := r.Encode()
	decoded, err := Decode(0, data)
	require.NoError(t, err)
	require.Equal(t, RecordEndCheckpoint, decoded.Type)
	require.Equal(t, int64(10), decoded.DPT[1])
	require.Equal(t, int64(20), decoded.DPT[2])
	require.Equal(t, txn.Running, decoded.TxnTable[5].Status)
	require.Equal(t, int64(30), decoded.TxnTable[5].LastLSN)
	require.ElementsMatch(t, []disk.PageID{1, 2}, decoded.TouchedPages[5])
}

func TestUpdatePageUndoProducesCompensationChainedToPrevLSN(t *testing.T) {
	r := NewUpdatePageRecord(1, 100, disk.PageID(9), 4, []byte("old"), []byte("new"))
	clr, flushNeeded := r.Undo()
	require.NotNil(t, clr)
	require.False(t, flushNeeded)
	require.Equal(t, RecordUndoUpdatePage, clr.Type)
	require.Equal(t, []byte("old"), clr.After)
	require.True(t, clr.HasUndoNextLSN)
	require.Equal(t, int64(100), clr.UndoNextLSN)
}

func TestAllocPageUndoRequiresFlush(t *testing.T) {
	r := NewAllocPageRecord(1, 0, disk.PageID(4))
	clr, flushNeeded := r.Undo()
	require.NotNil(t, clr)
	require.True(t, flushNeeded)
	require.Equal(t, RecordUndoAllocPage, clr.Type)
}

func TestCLRsAreNotUndoableOrCLRChained(t *testing.T) {
	r := NewUpdatePageRecord(1, 0, disk.PageID(1), 0, nil, nil)
	clr, _ := r.Undo()
	require.False(t, clr.IsUndoable())
	clr2, ok := clr.Undo()
	require.Nil(t, clr2)
	require.False(t, ok)
}

func TestStatusRecordsAreNeitherRedoableNorUndoable(t *testing.T) {
	for _, r := range []*LogRecord{
		NewCommitRecord(1, 0),
		NewAbortRecord(1, 0),
		NewEndTransactionRecord(1, 0),
		NewMasterRecord(0),
		NewBeginCheckpointRecord(5),
	} {
		require.False(t, r.IsRedoable(), r.Type.String())
		require.False(t, r.IsUndoable(), r.Type.String())
	}
}

func TestFitsInOneRecordRejectsOversizedCheckpoint(t *testing.T) {
	require.True(t, FitsInOneRecord(1, 1, 1, 1))
	require.False(t, FitsInOneRecord(1<<20, 1<<20, 1<<20, 1<<20))
}
