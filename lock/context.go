package lock

import (
	"errors"
	"sync"

	"txnstore/locktype"
	"txnstore/txn"
)

// ErrReadOnly is returned by Context methods on a context marked
// read-only (used for resources, such as temporary tables, that are
// deliberately exempt from locking).
var ErrReadOnly = errors.New("lock: context is read-only")

// tree is the shared registry backing every Context descended from the
// same database root: the resource -> Context lookup (so escalation and
// SIX-collapse can find the Context owning an arbitrary descendant
// resource without walking a cached children map) and, per context, the
// count of locks tx holds anywhere in that context's subtree.
type tree struct {
	mu            sync.Mutex
	nodes         map[string]*Context
	numChildLocks map[string]map[txn.ID]int
}

func newTree() *tree {
	return &tree{
		nodes:         make(map[string]*Context),
		numChildLocks: make(map[string]map[txn.ID]int),
	}
}

func (t *tree) lookup(resource ResourceName) (*Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.nodes[resource.Key()]
	return c, ok
}

// Context is one node of the resource hierarchy: a database, table,
// page, or finer-grained resource. It wraps a Manager with the
// multigranularity discipline spec §4.3 requires — ancestor intent-lock
// preconditions on acquire, a subtree lock count blocking release while
// descendants are still locked, and SIX-promotion/escalation, which
// collapse descendant locks via Manager.AcquireAndRelease rather than
// releasing them one at a time.
type Context struct {
	mgr                *Manager
	resource           ResourceName
	parent             *Context
	tree               *tree
	readonly           bool
	childLocksDisabled bool
}

// NewDatabaseContext creates the root Context for a lock hierarchy
// backed by mgr.
func NewDatabaseContext(mgr *Manager, root ResourceName) *Context {
	t := newTree()
	c := &Context{mgr: mgr, resource: root, tree: t}
	t.nodes[root.Key()] = c
	return c
}

// ChildContext returns the Context for the child of c identified by
// (label, id), creating and registering it on first access.
func (c *Context) ChildContext(label string, id int64) *Context {
	child := c.resource.Child(label, id)
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if n, ok := c.tree.nodes[child.Key()]; ok {
		return n
	}
	n := &Context{mgr: c.mgr, resource: child, parent: c, tree: c.tree}
	c.tree.nodes[child.Key()] = n
	return n
}

// Resource returns the ResourceName this context guards.
func (c *Context) Resource() ResourceName { return c.resource }

// Parent returns c's parent context, or nil if c is a root.
func (c *Context) Parent() *Context { return c.parent }

// SetReadonly marks c (and therefore every lock request against it) as
// forbidden; used for resources deliberately excluded from locking.
func (c *Context) SetReadonly(readonly bool) { c.readonly = readonly }

// DisableChildLocks exempts c from the "cannot release while descendants
// are locked" check, for contexts whose subtrees are managed outside the
// normal acquire/release discipline (e.g. indexes, temp tables).
func (c *Context) DisableChildLocks() { c.childLocksDisabled = true }

func (c *Context) childLockCount(tx txn.ID) int {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.tree.numChildLocks[c.resource.Key()][tx]
}

func (c *Context) incrChildLocks(tx txn.ID, delta int) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	key := c.resource.Key()
	byTx, ok := c.tree.numChildLocks[key]
	if !ok {
		byTx = make(map[txn.ID]int)
		c.tree.numChildLocks[key] = byTx
	}
	byTx[tx] += delta
	if byTx[tx] <= 0 {
		delete(byTx, tx)
	}
}

// bumpAncestors adjusts numChildLocks[tx] by delta on every strict
// ancestor of c — not just its immediate parent — since numChildLocks
// counts locks held anywhere in a node's subtree (spec §3).
func (c *Context) bumpAncestors(tx txn.ID, delta int) {
	for p := c.parent; p != nil; p = p.parent {
		p.incrChildLocks(tx, delta)
	}
}

// ancestorHoldsSIX reports whether any strict ancestor of c holds an
// explicit SIX lock for tx, which makes a fresh S or IS request
// anywhere below it redundant.
func (c *Context) ancestorHoldsSIX(tx txn.ID) bool {
	for p := c.parent; p != nil; p = p.parent {
		if p.GetExplicitLockType(tx) == locktype.SIX {
			return true
		}
	}
	return false
}

// GetExplicitLockType returns the lock tx explicitly holds on c's
// resource, or locktype.NL.
func (c *Context) GetExplicitLockType(tx txn.ID) locktype.LockType {
	return c.mgr.GetLockType(tx, c.resource)
}

// GetEffectiveLockType returns the lock type tx effectively holds on c's
// resource. An explicit S or X is returned directly; an explicit SIX is
// reported as S, since that is the access it grants locally and is what
// should propagate to anything asking this node for its effective type.
// Absent a non-intent explicit lock (NL, IS, or IX held here), the
// effective type is whatever a non-intent ancestor lock implies: a
// parent effectively holding S or X passes that straight down; a parent
// effectively holding NL (including one whose own explicit lock is only
// intent) implies NL here too.
func (c *Context) GetEffectiveLockType(tx txn.ID) locktype.LockType {
	switch explicit := c.mgr.GetLockType(tx, c.resource); explicit {
	case locktype.S, locktype.X:
		return explicit
	case locktype.SIX:
		return locktype.S
	}
	if c.parent == nil {
		return locktype.NL
	}
	switch pe := c.parent.GetEffectiveLockType(tx); pe {
	case locktype.S, locktype.X:
		return pe
	default:
		return locktype.NL
	}
}

// checkAncestors enforces the multigranularity pre-conditions for
// requesting lt on c (spec §4.3): a request for S or IS requires the
// immediate parent to hold IS or IX, and fails if any ancestor holds
// SIX (the request would be redundant); a request for X, IX, or SIX
// requires the immediate parent to hold IX or SIX. The root has no
// parent and is exempt.
func (c *Context) checkAncestors(tx txn.ID, lt locktype.LockType) error {
	if c.parent != nil {
		parentExplicit := c.parent.GetExplicitLockType(tx)
		switch lt {
		case locktype.S, locktype.IS:
			if parentExplicit != locktype.IS && parentExplicit != locktype.IX {
				return ErrInvalidLock
			}
		case locktype.X, locktype.IX, locktype.SIX:
			if parentExplicit != locktype.IX && parentExplicit != locktype.SIX {
				return ErrInvalidLock
			}
		}
	}
	if lt == locktype.S || lt == locktype.IS {
		if c.ancestorHoldsSIX(tx) {
			return ErrInvalidLock
		}
	}
	return nil
}

// Acquire requests lt on c's resource for tx, after checking the
// multigranularity pre-conditions against tx's ancestor locks.
func (c *Context) Acquire(tx txn.ID, lt locktype.LockType) error {
	if c.readonly {
		return ErrReadOnly
	}
	if err := c.checkAncestors(tx, lt); err != nil {
		return err
	}
	if err := c.mgr.Acquire(tx, c.resource, lt); err != nil {
		return err
	}
	c.bumpAncestors(tx, 1)
	return nil
}

// Release drops tx's lock on c's resource. It fails with ErrInvalidLock
// if tx still holds any lock in c's subtree, unless child-lock
// enforcement has been disabled for c.
func (c *Context) Release(tx txn.ID) error {
	if c.readonly {
		return ErrReadOnly
	}
	if !c.childLocksDisabled && c.childLockCount(tx) > 0 {
		return ErrInvalidLock
	}
	if err := c.mgr.Release(tx, c.resource); err != nil {
		return err
	}
	c.bumpAncestors(tx, -1)
	return nil
}

// Promote upgrades tx's lock on c's resource to newType. Promoting to
// SIX is special-cased (spec §9(a)): regardless of the general
// substitutability rule, it is rejected outright if any ancestor already
// holds SIX (redundant), and otherwise any S/IS locks tx holds on
// descendants of c — redundant once c holds SIX's S component — are
// released in the same atomic step as the promotion.
func (c *Context) Promote(tx txn.ID, newType locktype.LockType) error {
	if c.readonly {
		return ErrReadOnly
	}
	old := c.mgr.GetLockType(tx, c.resource)
	if old == locktype.NL {
		return ErrNoLockHeld
	}
	if old == newType {
		return ErrDuplicateLockRequest
	}
	if err := c.checkAncestors(tx, newType); err != nil {
		return err
	}
	if newType == locktype.SIX {
		if c.ancestorHoldsSIX(tx) {
			return ErrInvalidLock
		}
		return c.promoteToSIX(tx)
	}
	return c.mgr.Promote(tx, c.resource, newType)
}

func (c *Context) promoteToSIX(tx txn.ID) error {
	descendants := c.mgr.LocksUnder(tx, c.resource)
	releaseSet := make([]ResourceName, 0, len(descendants)+1)
	releaseSet = append(releaseSet, c.resource)
	var redundant []Lock
	for _, l := range descendants {
		if l.Type == locktype.IS || l.Type == locktype.S {
			releaseSet = append(releaseSet, l.Resource)
			redundant = append(redundant, l)
		}
	}
	if err := c.mgr.AcquireAndRelease(tx, c.resource, locktype.SIX, releaseSet); err != nil {
		return err
	}
	c.collapseChildCounts(tx, redundant)
	return nil
}

// Escalate replaces every lock tx holds at or below c with a single lock
// directly on c: S if no descendant held X, IX, or SIX, otherwise X.
// This is the minimal escalation that preserves tx's access. Per §9(c),
// the descendant set comes from Manager.LocksUnder — tx's own lock
// index filtered by resource-path prefix — not from this Context's
// lazily-populated children map, since a transaction can hold locks on
// resources whose Context was never otherwise materialized.
func (c *Context) Escalate(tx txn.ID) error {
	if c.readonly {
		return ErrReadOnly
	}
	explicit := c.mgr.GetLockType(tx, c.resource)
	if explicit == locktype.NL {
		return ErrNoLockHeld
	}
	if explicit == locktype.S || explicit == locktype.X {
		return nil
	}
	descendants := c.mgr.LocksUnder(tx, c.resource)
	newType := locktype.S
	for _, l := range descendants {
		if l.Type == locktype.X || l.Type == locktype.IX || l.Type == locktype.SIX {
			newType = locktype.X
			break
		}
	}
	if err := c.checkAncestors(tx, newType); err != nil {
		return err
	}
	releaseSet := make([]ResourceName, 0, len(descendants)+1)
	releaseSet = append(releaseSet, c.resource)
	for _, l := range descendants {
		releaseSet = append(releaseSet, l.Resource)
	}
	if err := c.mgr.AcquireAndRelease(tx, c.resource, newType, releaseSet); err != nil {
		return err
	}
	c.collapseChildCounts(tx, descendants)
	return nil
}

// collapseChildCounts decrements, for each lock in collapsed, the
// subtree lock count of every ancestor of that lock's resource — from
// its immediate parent all the way to the root, since each of those
// ancestors' numChildLocks included this now-released lock.
func (c *Context) collapseChildCounts(tx txn.ID, collapsed []Lock) {
	for _, l := range collapsed {
		parentRN, ok := l.Resource.Parent()
		if !ok {
			continue
		}
		parentCtx, ok := c.tree.lookup(parentRN)
		if !ok {
			continue
		}
		parentCtx.incrChildLocks(tx, -1)
		parentCtx.bumpAncestors(tx, -1)
	}
}
