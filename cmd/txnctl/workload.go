package main

import (
	"fmt"

	"txnstore/disk"
	"txnstore/lock"
	"txnstore/locktype"
	"txnstore/logging"
	"txnstore/txn"
)

// runWorkload drives a handful of synthetic transactions through e: it
// allocates a few pages, takes page-level X locks through the
// declarative lock.EnsureSufficient façade, writes bytes under
// LogPageWrite, and commits every transaction except the last, which
// is left running so crash-test has something to undo. It returns the
// page IDs it touched so a caller can verify their contents.
func runWorkload(e *engine, txnCount int) ([]disk.PageID, error) {
	pages := make([]disk.PageID, 0, txnCount)

	for i := 0; i < txnCount; i++ {
		tx := txn.ID(i + 1)
		if err := e.manager.StartTransaction(tx); err != nil {
			return nil, fmt.Errorf("starting txn %d: %w", tx, err)
		}

		pageID := e.disk.AllocPage(disk.DefaultPartition)
		pages = append(pages, pageID)

		pageCtx := lock.NewDatabaseContext(e.locks, databaseRoot).ChildContext("page", int64(pageID))
		if err := lock.EnsureSufficient(tx, pageCtx, locktype.X); err != nil {
			return nil, fmt.Errorf("locking page %d: %w", pageID, err)
		}

		buf, err := e.pool.CreatePageWithID(pageID)
		if err != nil {
			return nil, fmt.Errorf("creating page %d: %w", pageID, err)
		}
		before := make([]byte, 4)
		copy(before, buf.Page[:4])
		after := []byte{byte(i + 1), byte(i + 1), byte(i + 1), byte(i + 1)}
		copy(buf.Page[:4], after)
		buf.IsDirty = true

		lsn, err := e.manager.LogPageWrite(tx, pageID, 0, before, after)
		if err != nil {
			return nil, fmt.Errorf("logging write for txn %d: %w", tx, err)
		}
		e.pool.SetPageLSN(buf, lsn)

		last := i == txnCount-1
		if last {
			logging.L().Infow("leaving transaction running to exercise undo", "txn", tx)
			continue
		}
		if err := e.manager.Commit(tx); err != nil {
			return nil, fmt.Errorf("committing txn %d: %w", tx, err)
		}
		if err := e.manager.End(tx); err != nil {
			return nil, fmt.Errorf("ending txn %d: %w", tx, err)
		}
	}
	return pages, nil
}
