package recovery

import (
	"txnstore/buffer"
	"txnstore/disk"
)

// pageIOAdapter implements wal.PageIO over the real disk/buffer layer,
// so the wal package itself never imports them. Page writes and LSN
// bookkeeping go through the buffer pool (which may not have the page
// resident, in which case FetchPage reads it from disk); allocation and
// partition bookkeeping go straight to the disk manager, since redoing
// or undoing an ALLOC_PAGE/FREE_PAGE doesn't touch page bytes.
type pageIOAdapter struct {
	disk *disk.DiskManager
	buf  *buffer.BufferPoolManager
}

func (a *pageIOAdapter) WritePageBytes(pageID disk.PageID, offset int, data []byte) error {
	buf, err := a.buf.FetchPage(pageID)
	if err != nil {
		return err
	}
	copy(buf.Page[offset:offset+len(data)], data)
	buf.IsDirty = true
	return nil
}

func (a *pageIOAdapter) SetPageLSN(pageID disk.PageID, lsn int64) error {
	buf, err := a.buf.FetchPage(pageID)
	if err != nil {
		return err
	}
	a.buf.SetPageLSN(buf, lsn)
	return nil
}

func (a *pageIOAdapter) GetPageLSN(pageID disk.PageID) (int64, error) {
	buf, err := a.buf.FetchPage(pageID)
	if err != nil {
		return 0, err
	}
	return buf.PageLSN, nil
}

func (a *pageIOAdapter) MarkPageAllocated(pageID disk.PageID) error {
	a.disk.MarkPageAllocated(pageID)
	return nil
}

func (a *pageIOAdapter) MarkPageFreed(pageID disk.PageID) error {
	return a.disk.FreePage(pageID)
}

func (a *pageIOAdapter) MarkPartAllocated(partition uint32) error {
	a.disk.MarkPartAllocated(partition)
	return nil
}

func (a *pageIOAdapter) MarkPartFreed(partition uint32) error {
	return a.disk.FreePart(partition)
}
