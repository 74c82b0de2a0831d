// Package recovery implements the ARIES-style recovery manager: forward
// processing hooks (startTransaction, logPageWrite, commit/abort/end,
// savepoints, checkpoint) and the three-phase analysis/redo/undo restart
// that runs over the log built by txnstore/wal. It is the component that
// ties the lock manager (re-acquiring locks during analysis) and the WAL
// together, the way the teacher's transaction/recovery.go ties its
// simpler log and buffer pool together, extended to ARIES steal/no-force
// semantics with LSNs, checkpoints, and compensation log records.
package recovery

import "errors"

var (
	// ErrAlreadyStarted is returned by StartTransaction for a
	// transaction number already present in the table.
	ErrAlreadyStarted = errors.New("recovery: transaction already started")
	// ErrUnknownTransaction is returned by any forward-processing call
	// naming a transaction absent from the table.
	ErrUnknownTransaction = errors.New("recovery: unknown transaction")
	// ErrUnknownSavepoint is returned by ReleaseSavepoint/RollbackToSavepoint
	// for a name never passed to Savepoint (or already released).
	ErrUnknownSavepoint = errors.New("recovery: unknown savepoint")
	// ErrNoMasterRecord means Initialize could not read a well-formed
	// master record — a corrupt or missing log. Fatal: the database
	// refuses to open (spec §7).
	ErrNoMasterRecord = errors.New("recovery: no master record, refusing to open")
)
