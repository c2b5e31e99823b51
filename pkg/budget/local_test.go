package budget_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/guardian/pkg/budget"
)

func TestAcquireExclusivePerKey(t *testing.T) {
	locker := budget.NewLocalLocker()
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "task-1", "copilot", 0)
	require.ErrorIs(t, err, budget.ErrUnavailable)

	// A different lane on the same task is a different slot.
	other, err := locker.Acquire(ctx, "task-1", "background", 0)
	require.NoError(t, err)
	other.Release()

	held.Release()
	retry, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)
	retry.Release()
}

func TestAcquireBoundedTimeout(t *testing.T) {
	locker := budget.NewLocalLocker()
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = locker.Acquire(ctx, "task-1", "copilot", 40*time.Millisecond)
	require.ErrorIs(t, err, budget.ErrUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	locker := budget.NewLocalLocker()
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	lease, err := locker.Acquire(ctx, "task-1", "copilot", -1)
	require.NoError(t, err)
	lease.Release()
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	locker := budget.NewLocalLocker()

	held, err := locker.Acquire(context.Background(), "task-1", "copilot", 0)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = locker.Acquire(ctx, "task-1", "copilot", -1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReleaseIsIdempotent(t *testing.T) {
	locker := budget.NewLocalLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	assert.False(t, lease.Held())

	// Double release must not free the slot twice: exactly one holder at
	// a time even after the sloppy cleanup above.
	a, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "task-1", "copilot", 0)
	require.ErrorIs(t, err, budget.ErrUnavailable)
	a.Release()
}

func TestReentrantAcquireViaContext(t *testing.T) {
	locker := budget.NewLocalLocker()
	ctx := context.Background()

	outer, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)

	inner, err := locker.Acquire(budget.ContextWithLease(ctx, outer), "task-1", "copilot", 0)
	require.NoError(t, err)
	assert.True(t, inner.Nested())

	// Releasing the nested lease leaves the slot held by the outer one.
	inner.Release()
	_, err = locker.Acquire(ctx, "task-1", "copilot", 0)
	require.ErrorIs(t, err, budget.ErrUnavailable)

	outer.Release()
	lease, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)
	lease.Release()
}

func TestReleasedLeaseDoesNotGrantReentry(t *testing.T) {
	locker := budget.NewLocalLocker()
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)
	stale.Release()

	blocker, err := locker.Acquire(ctx, "task-1", "copilot", 0)
	require.NoError(t, err)
	defer blocker.Release()

	// A context carrying a released lease must contend like anyone else.
	_, err = locker.Acquire(budget.ContextWithLease(ctx, stale), "task-1", "copilot", 0)
	require.ErrorIs(t, err, budget.ErrUnavailable)
}

func TestLeaseFiles(t *testing.T) {
	dir := t.TempDir()
	locker := budget.NewLocalLocker()
	locker.SetLeaseDir(dir)

	lease, err := locker.Acquire(context.Background(), "task-1", "copilot", 0)
	require.NoError(t, err)

	path := filepath.Join(dir, lease.ID+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id": "task-1"`)
	assert.Contains(t, string(data), `"lane": "copilot"`)

	lease.Release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestActiveKeys(t *testing.T) {
	locker := budget.NewLocalLocker()
	ctx := context.Background()

	a, _ := locker.Acquire(ctx, "task-b", "lane", 0)
	b, _ := locker.Acquire(ctx, "task-a", "lane", 0)

	keys := locker.ActiveKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, "task-a/lane", keys[0].String())
	assert.Equal(t, "task-b/lane", keys[1].String())

	a.Release()
	b.Release()
	assert.Empty(t, locker.ActiveKeys())
}

func TestMutualExclusionUnderContention(t *testing.T) {
	locker := budget.NewLocalLocker()
	ctx := context.Background()

	var inCritical atomic.Int32
	var overlaps atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				lease, err := locker.Acquire(ctx, "task-1", "copilot", -1)
				if err != nil {
					t.Error(err)
					return
				}
				if inCritical.Add(1) > 1 {
					overlaps.Add(1)
				}
				inCritical.Add(-1)
				lease.Release()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load(), "two holders observed inside the critical section")
}
