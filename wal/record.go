// Package wal implements the write-ahead log: a tagged-variant
// LogRecord model and an append-only, byte-offset-addressed LogManager.
// It knows nothing about the lock manager or the catalog; it is driven
// entirely by the recovery package.
package wal

import (
	"encoding/binary"
	"fmt"

	"txnstore/disk"
	"txnstore/txn"
)

// RecordType tags the variant a LogRecord carries. A tagged struct
// (rather than an interface hierarchy) keeps encode/decode and the
// restart-phase switch statements in one place — see spec's design note
// on polymorphism.
type RecordType uint8

const (
	RecordMaster RecordType = iota
	RecordBeginCheckpoint
	RecordEndCheckpoint
	RecordUpdatePage
	RecordUndoUpdatePage
	RecordAllocPage
	RecordFreePage
	RecordUndoAllocPage
	RecordUndoFreePage
	RecordAllocPart
	RecordFreePart
	RecordUndoAllocPart
	RecordUndoFreePart
	RecordCommit
	RecordAbort
	RecordEndTransaction
)

func (t RecordType) String() string {
	switch t {
	case RecordMaster:
		return "MASTER"
	case RecordBeginCheckpoint:
		return "BEGIN_CHECKPOINT"
	case RecordEndCheckpoint:
		return "END_CHECKPOINT"
	case RecordUpdatePage:
		return "UPDATE_PAGE"
	case RecordUndoUpdatePage:
		return "UNDO_UPDATE_PAGE"
	case RecordAllocPage:
		return "ALLOC_PAGE"
	case RecordFreePage:
		return "FREE_PAGE"
	case RecordUndoAllocPage:
		return "UNDO_ALLOC_PAGE"
	case RecordUndoFreePage:
		return "UNDO_FREE_PAGE"
	case RecordAllocPart:
		return "ALLOC_PART"
	case RecordFreePart:
		return "FREE_PART"
	case RecordUndoAllocPart:
		return "UNDO_ALLOC_PART"
	case RecordUndoFreePart:
		return "UNDO_FREE_PART"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordEndTransaction:
		return "END_TRANSACTION"
	default:
		return "UNKNOWN"
	}
}

// Half of EffectivePageSize bounds how large a single record's
// after-image may be before logPageWrite must split it into an undo-only
// and a redo-only record; the whole of it bounds how many entries a single
// END_CHECKPOINT may pack before the checkpoint routine must split
// across multiple records.
const EffectivePageSize = disk.PageSize - 128

// FitsInOneRecord reports whether an END_CHECKPOINT carrying the given
// number of DPT entries, transaction-table entries, and touched-page
// entries (as a distinct-key count and a summed-pages-across-keys
// count) stays within EffectivePageSize once encoded.
func FitsInOneRecord(dptEntries, txnEntries, touchedKeys, touchedTotal int) bool {
	size := 1 + 8*6 + 4*7 + 1 + dptEntries*16 + txnEntries*17 + touchedKeys*12 + touchedTotal*8
	return size <= EffectivePageSize
}

// NoLSN is the sentinel used for "no predecessor" (a prevLSN/undoNextLSN
// chain terminator) and, doubling as the master record's own logical
// identity, for "no checkpoint yet". It never collides with a real
// record's LSN because LogManager reserves the master slot ahead of the
// first real append.
const NoLSN int64 = 0

// TxnSnapshot is one entry of an END_CHECKPOINT's transaction table
// snapshot.
type TxnSnapshot struct {
	Status  txn.Status
	LastLSN int64
}

// LogRecord is every record variant the WAL can hold. Only the fields
// relevant to Type are meaningful; see the accessor predicates below.
type LogRecord struct {
	Type    RecordType
	LSN     int64
	PrevLSN int64

	// Transaction-tagged variants (UPDATE_PAGE and friends, COMMIT,
	// ABORT, END_TRANSACTION).
	TxnID txn.ID

	// Page-tagged variants.
	PageID disk.PageID
	Offset int
	Before []byte
	After  []byte

	// Partition-tagged variants.
	Partition uint32

	// CLRs (UNDO_* variants): the LSN to resume undo scanning from once
	// this compensation has been applied, chained back to the original
	// record's PrevLSN.
	UndoNextLSN    int64
	HasUndoNextLSN bool

	// MASTER.
	LastCheckpointLSN int64

	// BEGIN_CHECKPOINT.
	MaxTransNum int64

	// END_CHECKPOINT.
	DPT          map[disk.PageID]int64
	TxnTable     map[txn.ID]TxnSnapshot
	TouchedPages map[txn.ID][]disk.PageID
}

// PageTagged reports whether this record names a page.
func (r *LogRecord) PageTagged() bool {
	switch r.Type {
	case RecordUpdatePage, RecordUndoUpdatePage,
		RecordAllocPage, RecordFreePage,
		RecordUndoAllocPage, RecordUndoFreePage:
		return true
	default:
		return false
	}
}

// TxnTagged reports whether this record belongs to a specific
// transaction.
func (r *LogRecord) TxnTagged() bool {
	switch r.Type {
	case RecordUpdatePage, RecordUndoUpdatePage,
		RecordAllocPage, RecordFreePage, RecordUndoAllocPage, RecordUndoFreePage,
		RecordAllocPart, RecordFreePart, RecordUndoAllocPart, RecordUndoFreePart,
		RecordCommit, RecordAbort, RecordEndTransaction:
		return true
	default:
		return false
	}
}

// PartitionTagged reports whether this record names a partition.
func (r *LogRecord) PartitionTagged() bool {
	switch r.Type {
	case RecordAllocPart, RecordFreePart, RecordUndoAllocPart, RecordUndoFreePart:
		return true
	default:
		return false
	}
}

// IsCLR reports whether r is a compensation log record.
func (r *LogRecord) IsCLR() bool {
	switch r.Type {
	case RecordUndoUpdatePage, RecordUndoAllocPage, RecordUndoFreePage,
		RecordUndoAllocPart, RecordUndoFreePart:
		return true
	default:
		return false
	}
}

// IsRedoable reports whether Redo has a physical effect to replay.
// CLRs are redoable (that is how their compensation survives a second
// crash); status records, checkpoints, and the master record are not.
func (r *LogRecord) IsRedoable() bool {
	switch r.Type {
	case RecordUpdatePage, RecordUndoUpdatePage,
		RecordAllocPage, RecordFreePage, RecordUndoAllocPage, RecordUndoFreePage,
		RecordAllocPart, RecordFreePart, RecordUndoAllocPart, RecordUndoFreePart:
		return true
	default:
		return false
	}
}

// IsUndoable reports whether Undo can produce a compensating record.
// CLRs, status records and checkpoints are never undone.
func (r *LogRecord) IsUndoable() bool {
	switch r.Type {
	case RecordUpdatePage, RecordAllocPage, RecordFreePage, RecordAllocPart, RecordFreePart:
		return true
	default:
		return false
	}
}

// PageIO is the narrow surface Redo needs from the disk/buffer layer.
// The wal package depends on it, not on the concrete disk/buffer
// packages, so the recovery package is free to supply whatever adapter
// wraps the real disk.DiskManager/buffer.BufferPoolManager.
type PageIO interface {
	WritePageBytes(pageID disk.PageID, offset int, data []byte) error
	SetPageLSN(pageID disk.PageID, lsn int64) error
	GetPageLSN(pageID disk.PageID) (int64, error)
	MarkPageAllocated(pageID disk.PageID) error
	MarkPageFreed(pageID disk.PageID) error
	MarkPartAllocated(partition uint32) error
	MarkPartFreed(partition uint32) error
}

// Redo idempotently re-applies r's effect through io. Callers are
// expected to have already checked IsRedoable and, for page records,
// the pageLSN-below-LSN condition from spec §4.7 — Redo itself does not
// re-check pageLSN so that the rollback procedure can use it
// unconditionally to apply a freshly-minted CLR.
func (r *LogRecord) Redo(io PageIO) error {
	switch r.Type {
	case RecordUpdatePage, RecordUndoUpdatePage:
		if err := io.WritePageBytes(r.PageID, r.Offset, r.After); err != nil {
			return err
		}
		return io.SetPageLSN(r.PageID, r.LSN)
	case RecordAllocPage, RecordUndoFreePage:
		return io.MarkPageAllocated(r.PageID)
	case RecordFreePage, RecordUndoAllocPage:
		return io.MarkPageFreed(r.PageID)
	case RecordAllocPart, RecordUndoFreePart:
		return io.MarkPartAllocated(r.Partition)
	case RecordFreePart, RecordUndoAllocPart:
		return io.MarkPartFreed(r.Partition)
	default:
		return fmt.Errorf("wal: record type %s is not redoable", r.Type)
	}
}

// Undo produces the compensating record for r, chained so that undoing
// it resumes the rollback scan at r.PrevLSN. flushNeeded mirrors
// whether the *original* forward operation required an immediate flush
// (allocation/deallocation records do; page updates don't). The
// returned CLR's LSN and PrevLSN are left zero — the caller (the
// rollback procedure) assigns LSN/PrevLSN when it appends the record
// and then sets UndoNextLSN's chain target, which is already fixed here
// to r.PrevLSN.
func (r *LogRecord) Undo() (clr *LogRecord, flushNeeded bool) {
	if !r.IsUndoable() {
		return nil, false
	}
	base := &LogRecord{
		TxnID:          r.TxnID,
		UndoNextLSN:    r.PrevLSN,
		HasUndoNextLSN: true,
	}
	switch r.Type {
	case RecordUpdatePage:
		base.Type = RecordUndoUpdatePage
		base.PageID = r.PageID
		base.Offset = r.Offset
		base.After = r.Before
		return base, false
	case RecordAllocPage:
		base.Type = RecordUndoAllocPage
		base.PageID = r.PageID
		return base, true
	case RecordFreePage:
		base.Type = RecordUndoFreePage
		base.PageID = r.PageID
		return base, true
	case RecordAllocPart:
		base.Type = RecordUndoAllocPart
		base.Partition = r.Partition
		return base, true
	case RecordFreePart:
		base.Type = RecordUndoFreePart
		base.Partition = r.Partition
		return base, true
	default:
		return nil, false
	}
}

// --- constructors ---

func NewMasterRecord(lastCheckpointLSN int64) *LogRecord {
	return &LogRecord{Type: RecordMaster, LastCheckpointLSN: lastCheckpointLSN}
}

func NewBeginCheckpointRecord(maxTransNum int64) *LogRecord {
	return &LogRecord{Type: RecordBeginCheckpoint, MaxTransNum: maxTransNum}
}

func NewEndCheckpointRecord(dpt map[disk.PageID]int64, txnTable map[txn.ID]TxnSnapshot, touchedPages map[txn.ID][]disk.PageID) *LogRecord {
	return &LogRecord{
		Type:         RecordEndCheckpoint,
		DPT:          dpt,
		TxnTable:     txnTable,
		TouchedPages: touchedPages,
	}
}

func NewUpdatePageRecord(tx txn.ID, prevLSN int64, pageID disk.PageID, offset int, before, after []byte) *LogRecord {
	return &LogRecord{
		Type: RecordUpdatePage, TxnID: tx, PrevLSN: prevLSN,
		PageID: pageID, Offset: offset, Before: before, After: after,
	}
}

func NewAllocPageRecord(tx txn.ID, prevLSN int64, pageID disk.PageID) *LogRecord {
	return &LogRecord{Type: RecordAllocPage, TxnID: tx, PrevLSN: prevLSN, PageID: pageID}
}

func NewFreePageRecord(tx txn.ID, prevLSN int64, pageID disk.PageID) *LogRecord {
	return &LogRecord{Type: RecordFreePage, TxnID: tx, PrevLSN: prevLSN, PageID: pageID}
}

func NewAllocPartRecord(tx txn.ID, prevLSN int64, partition uint32) *LogRecord {
	return &LogRecord{Type: RecordAllocPart, TxnID: tx, PrevLSN: prevLSN, Partition: partition}
}

func NewFreePartRecord(tx txn.ID, prevLSN int64, partition uint32) *LogRecord {
	return &LogRecord{Type: RecordFreePart, TxnID: tx, PrevLSN: prevLSN, Partition: partition}
}

func NewCommitRecord(tx txn.ID, prevLSN int64) *LogRecord {
	return &LogRecord{Type: RecordCommit, TxnID: tx, PrevLSN: prevLSN}
}

func NewAbortRecord(tx txn.ID, prevLSN int64) *LogRecord {
	return &LogRecord{Type: RecordAbort, TxnID: tx, PrevLSN: prevLSN}
}

func NewEndTransactionRecord(tx txn.ID, prevLSN int64) *LogRecord {
	return &LogRecord{Type: RecordEndTransaction, TxnID: tx, PrevLSN: prevLSN}
}

// --- encode/decode ---

func putInt64(buf []byte, v int64) []byte {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, uint64(v))
	return append(buf, tmp...)
}

func putUint32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func putBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// Encode serializes r into a self-delimited byte slice (no length
// prefix — LogManager.Append adds that).
func (r *LogRecord) Encode() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(r.Type))
	buf = putInt64(buf, r.PrevLSN)
	buf = putInt64(buf, int64(r.TxnID))
	buf = putInt64(buf, int64(r.PageID))
	buf = putUint32(buf, uint32(r.Offset))
	buf = putBytes(buf, r.Before)
	buf = putBytes(buf, r.After)
	buf = putUint32(buf, r.Partition)
	buf = putBool(buf, r.HasUndoNextLSN)
	buf = putInt64(buf, r.UndoNextLSN)
	buf = putInt64(buf, r.LastCheckpointLSN)
	buf = putInt64(buf, r.MaxTransNum)

	buf = putUint32(buf, uint32(len(r.DPT)))
	for pid, lsn := range r.DPT {
		buf = putInt64(buf, int64(pid))
		buf = putInt64(buf, lsn)
	}
	buf = putUint32(buf, uint32(len(r.TxnTable)))
	for id, snap := range r.TxnTable {
		buf = putInt64(buf, int64(id))
		buf = append(buf, byte(snap.Status))
		buf = putInt64(buf, snap.LastLSN)
	}
	buf = putUint32(buf, uint32(len(r.TouchedPages)))
	for id, pages := range r.TouchedPages {
		buf = putInt64(buf, int64(id))
		buf = putUint32(buf, uint32(len(pages)))
		for _, pid := range pages {
			buf = putInt64(buf, int64(pid))
		}
	}
	return buf
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) u32() uint32 {
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) i64() int64 {
	v := int64(binary.BigEndian.Uint64(d.buf[d.pos:]))
	d.pos += 8
	return v
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:d.pos+n])
	d.pos += n
	return b
}

func (d *decoder) b() bool {
	v := d.buf[d.pos] != 0
	d.pos++
	return v
}

// Decode parses the byte slice Encode produced, filling in LSN (the
// record's own position, supplied by the caller since it is not part of
// the encoded payload).
func Decode(lsn int64, data []byte) (*LogRecord, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("wal: record at LSN %d is truncated", lsn)
	}
	d := &decoder{buf: data}
	r := &LogRecord{Type: RecordType(data[0]), LSN: lsn}
	d.pos = 1
	r.PrevLSN = d.i64()
	r.TxnID = txn.ID(d.i64())
	r.PageID = disk.PageID(d.i64())
	r.Offset = int(d.u32())
	r.Before = d.bytes()
	r.After = d.bytes()
	r.Partition = d.u32()
	r.HasUndoNextLSN = d.b()
	r.UndoNextLSN = d.i64()
	r.LastCheckpointLSN = d.i64()
	r.MaxTransNum = d.i64()

	dptLen := int(d.u32())
	if dptLen > 0 {
		r.DPT = make(map[disk.PageID]int64, dptLen)
		for i := 0; i < dptLen; i++ {
			pid := disk.PageID(d.i64())
			r.DPT[pid] = d.i64()
		}
	}
	txnLen := int(d.u32())
	if txnLen > 0 {
		r.TxnTable = make(map[txn.ID]TxnSnapshot, txnLen)
		for i := 0; i < txnLen; i++ {
			id := txn.ID(d.i64())
			status := txn.Status(d.buf[d.pos])
			d.pos++
			r.TxnTable[id] = TxnSnapshot{Status: status, LastLSN: d.i64()}
		}
	}
	touchedLen := int(d.u32())
	if touchedLen > 0 {
		r.TouchedPages = make(map[txn.ID][]disk.PageID, touchedLen)
		for i := 0; i < touchedLen; i++ {
			id := txn.ID(d.i64())
			n := int(d.u32())
			pages := make([]disk.PageID, n)
			for j := 0; j < n; j++ {
				pages[j] = disk.PageID(d.i64())
			}
			r.TouchedPages[id] = pages
		}
	}
	return r, nil
}
