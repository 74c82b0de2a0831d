package lock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"txnstore/locktype"
)

func newTestHierarchy() (*Context, *Context, *Context) {
	mgr := NewManager()
	root := NewDatabaseContext(mgr, NewResourceName(NamePart{"database", 0}))
	table := root.ChildContext("table", 1)
	page := table.ChildContext("page", 1)
	return root, table, page
}

func TestContextAcquireRequiresAncestorIntent(t *testing.T) {
	root, table, page := newTestHierarchy()
	err := page.Acquire(1, locktype.X)
	require.ErrorIs(t, err, ErrInvalidLock)

	require.NoError(t, root.Acquire(1, locktype.IX))
	require.NoError(t, table.Acquire(1, locktype.IX))
	require.NoError(t, page.Acquire(1, locktype.X))
}

func TestContextReleaseBlockedByChildLocks(t *testing.T) {
	root, table, page := newTestHierarchy()
	require.NoError(t, root.Acquire(1, locktype.IX))
	require.NoError(t, table.Acquire(1, locktype.IX))
	require.NoError(t, page.Acquire(1, locktype.X))

	err := table.Release(1)
	require.ErrorIs(t, err, ErrInvalidLock)

	require.NoError(t, page.Release(1))
	require.NoError(t, table.Release(1))
}

func TestContextEffectiveLockInheritsFromAncestor(t *testing.T) {
	root, table, page := newTestHierarchy()
	require.NoError(t, root.Acquire(1, locktype.S))

	require.Equal(t, locktype.NL, table.GetExplicitLockType(1))
	require.Equal(t, locktype.S, table.GetEffectiveLockType(1))
	require.Equal(t, locktype.S, page.GetEffectiveLockType(1))
}

func TestContextPromoteToSIXReleasesRedundantDescendants(t *testing.T) {
	root, table, page := newTestHierarchy()
	require.NoError(t, root.Acquire(1, locktype.IX))
	require.NoError(t, table.Acquire(1, locktype.IX))
	require.NoError(t, page.Acquire(1, locktype.IS))

	require.NoError(t, table.Promote(1, locktype.SIX))

	require.Equal(t, locktype.SIX, table.GetExplicitLockType(1))
	require.Equal(t, locktype.NL, page.GetExplicitLockType(1))
	// The child-lock count dropped along with the descendant lock, so
	// table can now be released without first releasing page again.
	require.NoError(t, table.Release(1))
}

func TestContextEscalateChoosesMinimalType(t *testing.T) {
	root, table, page := newTestHierarchy()
	require.NoError(t, root.Acquire(1, locktype.IS))
	require.NoError(t, table.Acquire(1, locktype.IS))
	require.NoError(t, page.Acquire(1, locktype.S))

	require.NoError(t, table.Escalate(1))
	require.Equal(t, locktype.S, table.GetExplicitLockType(1))
	require.Equal(t, locktype.NL, page.GetExplicitLockType(1))
}

func TestContextEscalateToXWhenDescendantWrites(t *testing.T) {
	root, table, page := newTestHierarchy()
	require.NoError(t, root.Acquire(1, locktype.IX))
	require.NoError(t, table.Acquire(1, locktype.IX))
	require.NoError(t, page.Acquire(1, locktype.X))

	require.NoError(t, table.Escalate(1))
	require.Equal(t, locktype.X, table.GetExplicitLockType(1))
}

func TestContextReadonlyRejectsAcquire(t *testing.T) {
	_, table, _ := newTestHierarchy()
	table.SetReadonly(true)
	require.ErrorIs(t, table.Acquire(1, locktype.IS), ErrReadOnly)
}
