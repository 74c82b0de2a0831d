package main

import (
	"fmt"

	"txnstore/buffer"
	"txnstore/config"
	"txnstore/disk"
	"txnstore/lock"
	"txnstore/recovery"
	"txnstore/wal"
)

// engine bundles together everything a fresh or recovered database
// instance needs: the disk manager, buffer pool, lock manager, and
// recovery manager that drive all of it.
type engine struct {
	cfg     config.Config
	disk    *disk.DiskManager
	pool    *buffer.BufferPoolManager
	log     *wal.LogManager
	locks   *lock.Manager
	manager *recovery.Manager
}

var databaseRoot = lock.NewResourceName(lock.NamePart{Label: "database", ID: 0})

// openEngine opens the heap file, WAL, and lock/recovery managers
// named by cfg. It never runs restart recovery itself; callers decide
// when that is appropriate (demo never runs it, crash-test always runs
// it on reopen).
func openEngine(cfg config.Config) (*engine, error) {
	dm, err := disk.OpenDiskManager(cfg.HeapFile)
	if err != nil {
		return nil, fmt.Errorf("txnctl: opening heap file: %w", err)
	}
	pool := buffer.NewBufferPoolManager(dm, buffer.NewBufferPool(cfg.BufferPoolSize))
	lm, err := wal.Open(cfg.WALFile)
	if err != nil {
		return nil, fmt.Errorf("txnctl: opening WAL: %w", err)
	}
	lockMgr := lock.NewManager()
	mgr := recovery.NewManager(lm, dm, pool, lockMgr, databaseRoot)

	return &engine{
		cfg:     cfg,
		disk:    dm,
		pool:    pool,
		log:     lm,
		locks:   lockMgr,
		manager: mgr,
	}, nil
}

func (e *engine) close() error {
	if err := e.pool.Flush(); err != nil {
		return err
	}
	if err := e.log.Close(); err != nil {
		return err
	}
	return e.disk.Close()
}

// loadConfig resolves the --config flag through config.Load, which
// falls back to config.Default when the path is empty or missing.
func loadConfig(path string) (config.Config, error) {
	return config.Load(path)
}
