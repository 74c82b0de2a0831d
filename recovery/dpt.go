package recovery

import (
	"github.com/google/btree"

	"txnstore/disk"
	"txnstore/wal"
)

// dptEntry is one row of the dirty page table, ordered first by recLSN
// and then by page so the B-tree has a total order even when two pages
// share a recLSN.
type dptEntry struct {
	recLSN int64
	page   disk.PageID
}

func dptLess(a, b dptEntry) bool {
	if a.recLSN != b.recLSN {
		return a.recLSN < b.recLSN
	}
	return a.page < b.page
}

// dirtyPageTable is the DPT (spec §3): page -> recLSN, backed by
// github.com/google/btree so the redo phase's starting point —
// min(DPT.recLSN), spec §4.7/§8 — is an O(log n) Min() instead of a
// linear scan over a plain map, the way the teacher's recovery manager
// would have to re-derive it every restart.
type dirtyPageTable struct {
	tree   *btree.BTreeG[dptEntry]
	byPage map[disk.PageID]int64
}

func newDirtyPageTable() *dirtyPageTable {
	return &dirtyPageTable{
		tree:   btree.NewG(32, dptLess),
		byPage: make(map[disk.PageID]int64),
	}
}

// InsertIfAbsent records page -> recLSN only if page is not already
// tracked, matching the "insert recLSN if absent" rule used by
// LogPageWrite, the rollback procedure's CLRs and restart analysis.
func (d *dirtyPageTable) InsertIfAbsent(page disk.PageID, recLSN int64) {
	if _, ok := d.byPage[page]; ok {
		return
	}
	d.byPage[page] = recLSN
	d.tree.ReplaceOrInsert(dptEntry{recLSN: recLSN, page: page})
}

// Overwrite unconditionally sets page's recLSN, used when merging an
// END_CHECKPOINT's DPT snapshot during analysis (those entries always
// win over whatever analysis has derived so far).
func (d *dirtyPageTable) Overwrite(page disk.PageID, recLSN int64) {
	if old, ok := d.byPage[page]; ok {
		d.tree.Delete(dptEntry{recLSN: old, page: page})
	}
	d.byPage[page] = recLSN
	d.tree.ReplaceOrInsert(dptEntry{recLSN: recLSN, page: page})
}

// Remove drops page from the table entirely (FREE_PAGE/UNDO_ALLOC_PAGE).
func (d *dirtyPageTable) Remove(page disk.PageID) {
	recLSN, ok := d.byPage[page]
	if !ok {
		return
	}
	delete(d.byPage, page)
	d.tree.Delete(dptEntry{recLSN: recLSN, page: page})
}

// Get returns page's recorded recLSN.
func (d *dirtyPageTable) Get(page disk.PageID) (int64, bool) {
	recLSN, ok := d.byPage[page]
	return recLSN, ok
}

// MinRecLSN returns the smallest recLSN currently tracked, or
// wal.NoLSN if the table is empty — restart redo starts exactly here
// (spec §4.7) and treats an empty DPT as "nothing to redo".
func (d *dirtyPageTable) MinRecLSN() int64 {
	min, ok := d.tree.Min()
	if !ok {
		return wal.NoLSN
	}
	return min.recLSN
}

func (d *dirtyPageTable) Len() int {
	return len(d.byPage)
}

// Snapshot copies the table for a checkpoint's END_CHECKPOINT payload.
func (d *dirtyPageTable) Snapshot() map[disk.PageID]int64 {
	out := make(map[disk.PageID]int64, len(d.byPage))
	for p, l := range d.byPage {
		out[p] = l
	}
	return out
}

// RetainOnly removes every entry whose page is not in keep — the DPT
// cleanup step between restart redo and undo (spec §4.7): pages the
// buffer pool does not report dirty have no change left to write back.
func (d *dirtyPageTable) RetainOnly(keep map[disk.PageID]struct{}) {
	for p := range d.byPage {
		if _, ok := keep[p]; !ok {
			d.Remove(p)
		}
	}
}
