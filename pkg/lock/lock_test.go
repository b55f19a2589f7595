package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedLocksCoexist(t *testing.T) {
	m := New(time.Hour)
	a, err := m.TryAcquire("res", Shared, "a")
	require.NoError(t, err)
	b, err := m.TryAcquire("res", Shared, "b")
	require.NoError(t, err)
	assert.NotEqual(t, a.LockID, b.LockID)
}

func TestExclusiveLockBlocksOthers(t *testing.T) {
	m := New(time.Hour)
	_, err := m.TryAcquire("res", Exclusive, "a")
	require.NoError(t, err)

	_, err = m.TryAcquire("res", Shared, "b")
	assert.ErrorContains(t, err, "timeout")
}

func TestReleaseWakesWaiter(t *testing.T) {
	m := New(time.Hour)
	held, err := m.TryAcquire("res", Exclusive, "a")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, acquireErr := m.Acquire("res", Exclusive, "b", 2*time.Second)
		done <- acquireErr
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Release(held.LockID))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestSweepExpiredRemovesStaleLocks(t *testing.T) {
	m := New(time.Hour)
	_, err := m.Acquire("res", Exclusive, "a", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.sweepExpired()

	assert.False(t, m.IsHeld("res"))
}
