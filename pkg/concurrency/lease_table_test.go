package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaseTable_AcquireRejectsDoubleHold(t *testing.T) {
	lt := NewLeaseTable(nil)
	assert.True(t, lt.Acquire("slot1", time.Minute))
	assert.False(t, lt.Acquire("slot1", time.Minute))
}

func TestLeaseTable_AcquireSucceedsAfterExpiry(t *testing.T) {
	lt := NewLeaseTable(nil)
	assert.True(t, lt.Acquire("slot1", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, lt.Acquire("slot1", time.Minute))
}

func TestLeaseTable_AcquireAllIsAllOrNothing(t *testing.T) {
	lt := NewLeaseTable(nil)
	assert.True(t, lt.Acquire("b", time.Minute))

	ok := lt.AcquireAll([]string{"a", "b", "c"}, time.Minute)
	assert.False(t, ok)
	assert.False(t, lt.Held("a"), "a must not remain locked after a partial acquire fails")
	assert.False(t, lt.Held("c"))
}

func TestLeaseTable_ReleaseAllDropsEveryKey(t *testing.T) {
	lt := NewLeaseTable(nil)
	lt.AcquireAll([]string{"a", "b"}, time.Minute)
	lt.ReleaseAll([]string{"a", "b"})
	assert.False(t, lt.Held("a"))
	assert.False(t, lt.Held("b"))
	assert.Equal(t, 0, lt.Len())
}

func TestLeaseTable_RefreshExtendsOnlyHeldKeys(t *testing.T) {
	lt := NewLeaseTable(nil)
	lt.Acquire("a", 5*time.Millisecond)
	lt.Refresh([]string{"a", "never-held"}, time.Minute)
	assert.True(t, lt.Held("a"))
	assert.False(t, lt.Held("never-held"))
}

func TestLeaseTable_StartRefresherKeepsLeaseAliveUntilCancelled(t *testing.T) {
	lt := NewLeaseTable(nil)
	lt.Acquire("a", 10*time.Millisecond)

	ctx, stop := context.WithCancel(context.Background())
	cancel := lt.StartRefresher(ctx, []string{"a"}, 10*time.Millisecond, 3*time.Millisecond)
	defer stop()

	time.Sleep(25 * time.Millisecond)
	assert.True(t, lt.Held("a"), "refresher should have kept the lease alive")

	cancel()
	lt.Release("a")
	assert.False(t, lt.Held("a"))
}
