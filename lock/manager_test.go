package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"txnstore/locktype"
	"txnstore/txn"
)

func testResource() ResourceName {
	return NewResourceName(NamePart{"database", 0}).Child("table", 1)
}

func TestAcquireCompatibleLocksCoalesce(t *testing.T) {
	m := NewManager()
	res := testResource()

	require.NoError(t, m.Acquire(1, res, locktype.IS))
	require.NoError(t, m.Acquire(2, res, locktype.IS))

	locks := m.GetLocksOnResource(res)
	require.Len(t, locks, 2)
}

func TestAcquireDuplicateRejected(t *testing.T) {
	m := NewManager()
	res := testResource()

	require.NoError(t, m.Acquire(1, res, locktype.S))
	err := m.Acquire(1, res, locktype.S)
	require.ErrorIs(t, err, ErrDuplicateLockRequest)
}

func TestReleaseWithoutLockFails(t *testing.T) {
	m := NewManager()
	res := testResource()
	require.ErrorIs(t, m.Release(1, res), ErrNoLockHeld)
}

func TestIncompatibleAcquireBlocksThenGrantsOnRelease(t *testing.T) {
	m := NewManager()
	res := testResource()

	require.NoError(t, m.Acquire(1, res, locktype.X))

	done := make(chan struct{})
	go func() {
		require.NoError(t, m.Acquire(2, res, locktype.S))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("acquire should have blocked on conflicting X lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Release(1, res))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiting acquire never granted after release")
	}
	require.Equal(t, locktype.S, m.GetLockType(2, res))
}

func TestStrictFIFOOrdering(t *testing.T) {
	m := NewManager()
	res := testResource()
	require.NoError(t, m.Acquire(1, res, locktype.X))

	var mu sync.Mutex
	var order []txn.ID
	record := func(id txn.ID) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}

	var g errgroup.Group
	// Txn 2 requests X (incompatible), txn 3 requests S (would be
	// compatible with nothing granted, but must not jump ahead of 2).
	g.Go(func() error {
		if err := m.Acquire(2, res, locktype.X); err != nil {
			return err
		}
		record(2)
		return m.Release(2, res)
	})
	time.Sleep(20 * time.Millisecond)
	g.Go(func() error {
		if err := m.Acquire(3, res, locktype.S); err != nil {
			return err
		}
		record(3)
		return m.Release(3, res)
	})
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Release(1, res))
	require.NoError(t, g.Wait())

	require.Equal(t, []txn.ID{2, 3}, order)
}

func TestPromoteRejectsWeakerType(t *testing.T) {
	m := NewManager()
	res := testResource()
	require.NoError(t, m.Acquire(1, res, locktype.X))
	err := m.Promote(1, res, locktype.S)
	require.ErrorIs(t, err, ErrInvalidLock)
}

func TestPromoteBlocksAtQueueHead(t *testing.T) {
	m := NewManager()
	res := testResource()
	require.NoError(t, m.Acquire(1, res, locktype.S))
	require.NoError(t, m.Acquire(2, res, locktype.S))

	promoted := make(chan struct{})
	go func() {
		require.NoError(t, m.Promote(1, res, locktype.X))
		close(promoted)
	}()
	time.Sleep(20 * time.Millisecond)

	// A fresh S acquire must queue behind the pending promotion even
	// though S is compatible with txn 2's granted S lock.
	acquired := make(chan struct{})
	go func() {
		require.NoError(t, m.Acquire(3, res, locktype.S))
		close(acquired)
	}()
	time.Sleep(20 * time.Millisecond)

	select {
	case <-promoted:
		t.Fatal("promotion should still be blocked by txn 2's shared lock")
	default:
	}

	require.NoError(t, m.Release(2, res))

	select {
	case <-promoted:
	case <-time.After(time.Second):
		t.Fatal("promotion never granted")
	}
	require.Equal(t, locktype.X, m.GetLockType(1, res))

	select {
	case <-acquired:
		t.Fatal("txn 3 should not acquire until the promoted X lock releases")
	default:
	}
	require.NoError(t, m.Release(1, res))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("txn 3 never granted after promotion released")
	}
}

func TestAcquireAndReleaseAtomicSwap(t *testing.T) {
	m := NewManager()
	root := NewResourceName(NamePart{"database", 0})
	table := root.Child("table", 1)
	page1 := table.Child("page", 1)
	page2 := table.Child("page", 2)

	require.NoError(t, m.Acquire(1, table, locktype.IX))
	require.NoError(t, m.Acquire(1, page1, locktype.X))
	require.NoError(t, m.Acquire(1, page2, locktype.X))

	err := m.AcquireAndRelease(1, table, locktype.X, []ResourceName{table, page1, page2})
	require.NoError(t, err)

	require.Equal(t, locktype.X, m.GetLockType(1, table))
	require.Equal(t, locktype.NL, m.GetLockType(1, page1))
	require.Equal(t, locktype.NL, m.GetLockType(1, page2))
}

func TestAcquireAndReleaseUnblocksOtherResourceWaiters(t *testing.T) {
	m := NewManager()
	root := NewResourceName(NamePart{"database", 0})
	table := root.Child("table", 1)
	page := table.Child("page", 1)

	require.NoError(t, m.Acquire(1, page, locktype.X))

	waiting := make(chan struct{})
	go func() {
		require.NoError(t, m.Acquire(2, page, locktype.S))
		close(waiting)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.AcquireAndRelease(1, table, locktype.X, []ResourceName{table, page}))

	select {
	case <-waiting:
	case <-time.After(time.Second):
		t.Fatal("releasing page via AcquireAndRelease never unblocked waiter")
	}
}

func TestLocksUnderFiltersByPrefix(t *testing.T) {
	m := NewManager()
	root := NewResourceName(NamePart{"database", 0})
	table1 := root.Child("table", 1)
	table2 := root.Child("table", 2)
	page := table1.Child("page", 1)

	require.NoError(t, m.Acquire(1, table1, locktype.IX))
	require.NoError(t, m.Acquire(1, page, locktype.X))
	require.NoError(t, m.Acquire(1, table2, locktype.IX))

	under := m.LocksUnder(1, table1)
	require.Len(t, under, 1)
	require.True(t, under[0].Resource.Equals(page))
}
