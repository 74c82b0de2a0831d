// Package lock implements the multigranularity lock manager: per-resource
// granted sets and FIFO wait queues (Manager), the hierarchy-aware
// acquire/release/promote/escalate discipline on top of it (Context), and
// a declarative "ensure transaction can do X" façade (EnsureSufficient).
package lock

import (
	"errors"
	"sync"

	"txnstore/locktype"
	"txnstore/logging"
	"txnstore/txn"
)

var (
	// ErrDuplicateLockRequest is returned by Acquire when the
	// transaction already holds a lock on the resource.
	ErrDuplicateLockRequest = errors.New("lock: transaction already holds a lock on this resource")
	// ErrNoLockHeld is returned by Release/Promote when the
	// transaction holds no lock on the resource.
	ErrNoLockHeld = errors.New("lock: transaction holds no lock on this resource")
	// ErrInvalidLock is returned when a requested lock type violates
	// the multigranularity or substitutability discipline.
	ErrInvalidLock = errors.New("lock: invalid lock request")
)

// Lock is a granted lock: a (resource, type, transaction) triple.
type Lock struct {
	Resource    ResourceName
	Type        locktype.LockType
	Transaction txn.ID
}

// request is a pending or granted entry in a resource's FIFO queue. Each
// request gets its own condition variable (bound to Manager.mu) rather
// than sharing one per transaction, since a transaction is single
// threaded internally (spec §5) and never has two outstanding blocking
// calls at once — this keeps Broadcast targeted and avoids spurious
// wakeups of unrelated requests.
type request struct {
	txn      txn.ID
	resource ResourceName
	lockType locktype.LockType
	cond     *sync.Cond
	granted  bool
}

type resourceEntry struct {
	granted []*Lock
	queue   []*request
}

// Manager owns all resource lock state: the granted set and FIFO queue
// per resource, and the reverse per-transaction index. All operations
// serialize through a single mutex; blocking happens via sync.Cond bound
// to that same mutex, so a parked caller releases the mutex for the
// duration of the wait exactly as spec §5 requires.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resourceEntry
	txnLocks  map[txn.ID]map[string]*Lock
}

// NewManager constructs an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		resources: make(map[string]*resourceEntry),
		txnLocks:  make(map[txn.ID]map[string]*Lock),
	}
}

func (m *Manager) entryFor(resource ResourceName) *resourceEntry {
	e, ok := m.resources[resource.Key()]
	if !ok {
		e = &resourceEntry{}
		m.resources[resource.Key()] = e
	}
	return e
}

func (m *Manager) recordGrant(l *Lock) {
	byRes, ok := m.txnLocks[l.Transaction]
	if !ok {
		byRes = make(map[string]*Lock)
		m.txnLocks[l.Transaction] = byRes
	}
	byRes[l.Resource.Key()] = l
}

func (m *Manager) forgetGrant(tx txn.ID, resource ResourceName) {
	if byRes, ok := m.txnLocks[tx]; ok {
		delete(byRes, resource.Key())
		if len(byRes) == 0 {
			delete(m.txnLocks, tx)
		}
	}
}

// compatibleWithGranted reports whether lt may be granted alongside
// every lock currently held on entry, per the locktype compatibility
// relation. A transaction's own prior lock on the same resource (if any
// remains, which should not normally happen) is not special-cased here;
// callers remove it before checking.
func compatibleWithGranted(entry *resourceEntry, lt locktype.LockType) bool {
	for _, g := range entry.granted {
		if !locktype.Compatible(g.Type, lt) {
			return false
		}
	}
	return true
}

// drainQueue grants the head of entry.queue repeatedly while it is
// compatible with the current granted set, stopping at the first
// incompatible request. This is strict FIFO: a later, compatible request
// never jumps a blocked earlier one.
func (m *Manager) drainQueue(entry *resourceEntry) {
	for len(entry.queue) > 0 {
		head := entry.queue[0]
		if !compatibleWithGranted(entry, head.lockType) {
			return
		}
		entry.queue = entry.queue[1:]
		l := &Lock{Resource: head.resource, Type: head.lockType, Transaction: head.txn}
		entry.granted = append(entry.granted, l)
		m.recordGrant(l)
		head.granted = true
		head.cond.Broadcast()
	}
}

// enqueueAndDrain inserts req into its resource's queue (at the tail for
// a plain acquire, at the head for a promotion or an acquireAndRelease
// target — spec §4.2/§9(b)) and immediately attempts to drain the queue
// from the head. A request that lands at the head of an empty queue and
// is compatible with the granted set is therefore granted inline, with
// no separate "try immediate grant" code path.
func (m *Manager) enqueueAndDrain(req *request, atFront bool) {
	entry := m.entryFor(req.resource)
	if atFront {
		entry.queue = append([]*request{req}, entry.queue...)
	} else {
		entry.queue = append(entry.queue, req)
	}
	m.drainQueue(entry)
}

func (m *Manager) newRequest(tx txn.ID, resource ResourceName, lt locktype.LockType) *request {
	return &request{txn: tx, resource: resource, lockType: lt, cond: sync.NewCond(&m.mu)}
}

func (m *Manager) waitForGrant(req *request) {
	for !req.granted {
		req.cond.Wait()
	}
}

// Acquire requests lt on resource for tx. If the resource's granted set
// is compatible with lt and its queue is empty, the lock is granted
// immediately; otherwise the caller blocks until the queue drains to it.
// Acquiring a second lock on a resource tx already holds one on is
// ErrDuplicateLockRequest; use Promote instead.
func (m *Manager) Acquire(tx txn.ID, resource ResourceName, lt locktype.LockType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txnLocks[tx][resource.Key()]; ok {
		return ErrDuplicateLockRequest
	}

	req := m.newRequest(tx, resource, lt)
	m.enqueueAndDrain(req, false)
	if !req.granted {
		logging.L().Debugw("lock blocked", "txn", tx, "resource", resource.String(), "type", lt.String())
		m.waitForGrant(req)
	}
	logging.L().Debugw("lock granted", "txn", tx, "resource", resource.String(), "type", lt.String())
	return nil
}

// Release drops tx's lock on resource and drains any requests that
// become grantable as a result.
func (m *Manager) Release(tx txn.ID, resource ResourceName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.txnLocks[tx][resource.Key()]
	if !ok {
		return ErrNoLockHeld
	}
	entry := m.entryFor(resource)
	entry.granted = removeLock(entry.granted, l)
	m.forgetGrant(tx, resource)
	m.drainQueue(entry)
	return nil
}

func removeLock(locks []*Lock, target *Lock) []*Lock {
	out := locks[:0]
	for _, l := range locks {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}

// Promote upgrades tx's lock on resource to newType. newType must be a
// strictly stronger substitute for the held lock (substitutable(newType,
// old) and newType != old); otherwise ErrInvalidLock. A blocked
// promotion is placed at the head of the resource's wait queue rather
// than the tail (spec §4.2).
func (m *Manager) Promote(tx txn.ID, resource ResourceName, newType locktype.LockType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.txnLocks[tx][resource.Key()]
	if !ok {
		return ErrNoLockHeld
	}
	if old.Type == newType {
		return ErrDuplicateLockRequest
	}
	if !locktype.Substitutable(newType, old.Type) {
		return ErrInvalidLock
	}

	entry := m.entryFor(resource)
	entry.granted = removeLock(entry.granted, old)
	m.forgetGrant(tx, resource)

	req := m.newRequest(tx, resource, newType)
	m.enqueueAndDrain(req, true)
	if !req.granted {
		m.waitForGrant(req)
	}
	return nil
}

// AcquireAndRelease atomically acquires newType on resource and releases
// every lock tx holds on the resources named in releaseSet, all within
// one critical section. If resource is itself in releaseSet, this is a
// promotion-in-place and does not raise ErrDuplicateLockRequest even
// though tx already holds a lock there; if resource is not in
// releaseSet and tx already holds a lock on it, that is a genuine
// duplicate request.
func (m *Manager) AcquireAndRelease(tx txn.ID, resource ResourceName, newType locktype.LockType, releaseSet []ResourceName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	releasing := make(map[string]bool, len(releaseSet))
	for _, r := range releaseSet {
		releasing[r.Key()] = true
		if r.Key() == resource.Key() {
			continue
		}
		if _, ok := m.txnLocks[tx][r.Key()]; !ok {
			return ErrNoLockHeld
		}
	}
	if !releasing[resource.Key()] {
		if _, ok := m.txnLocks[tx][resource.Key()]; ok {
			return ErrDuplicateLockRequest
		}
	}

	touched := make(map[string]*resourceEntry)
	for _, r := range releaseSet {
		if l, ok := m.txnLocks[tx][r.Key()]; ok {
			e := m.entryFor(r)
			e.granted = removeLock(e.granted, l)
			m.forgetGrant(tx, r)
			touched[r.Key()] = e
		}
	}

	req := m.newRequest(tx, resource, newType)
	m.enqueueAndDrain(req, true)
	delete(touched, resource.Key())
	for _, e := range touched {
		m.drainQueue(e)
	}

	if !req.granted {
		m.waitForGrant(req)
	}
	return nil
}

// GetLockType returns the type of the lock tx holds on resource, or
// locktype.NL if it holds none.
func (m *Manager) GetLockType(tx txn.ID, resource ResourceName) locktype.LockType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.txnLocks[tx][resource.Key()]; ok {
		return l.Type
	}
	return locktype.NL
}

// GetLocks returns every lock tx currently holds.
func (m *Manager) GetLocks(tx txn.ID) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lock, 0, len(m.txnLocks[tx]))
	for _, l := range m.txnLocks[tx] {
		out = append(out, *l)
	}
	return out
}

// GetLocksOnResource returns every lock currently granted on resource.
func (m *Manager) GetLocksOnResource(resource ResourceName) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.resources[resource.Key()]
	if !ok {
		return nil
	}
	out := make([]Lock, 0, len(entry.granted))
	for _, l := range entry.granted {
		out = append(out, *l)
	}
	return out
}

// LocksUnder returns every lock tx holds on a resource strictly below
// prefix in the resource hierarchy (prefix's own lock is not included),
// used by escalation to discover
// descendant locks without relying on a LockContext tree that may never
// have materialized every node it has locked (spec §9(c)).
func (m *Manager) LocksUnder(tx txn.ID, prefix ResourceName) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Lock
	for _, l := range m.txnLocks[tx] {
		if l.Resource.Key() == prefix.Key() {
			continue
		}
		if l.Resource.HasPrefix(prefix) {
			out = append(out, *l)
		}
	}
	return out
}
