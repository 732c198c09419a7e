package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/types"
)

func desc(id string, priority int, submitted time.Time) *types.TaskDescriptor {
	return &types.TaskDescriptor{
		ID:          id,
		Kind:        types.TaskKindCommand,
		Type:        "utility",
		Priority:    priority,
		SubmittedAt: submitted,
	}
}

func TestPopOrdersByPriorityThenSubmission(t *testing.T) {
	q := New()
	base := time.Now()

	// submission order 5, 3, 7 — dispatch order must be 3, 5, 7
	require.NoError(t, q.Push(desc("p5", 5, base)))
	require.NoError(t, q.Push(desc("p3", 3, base.Add(time.Millisecond))))
	require.NoError(t, q.Push(desc("p7", 7, base.Add(2*time.Millisecond))))

	assert.Equal(t, "p3", q.Pop().ID)
	assert.Equal(t, "p5", q.Pop().ID)
	assert.Equal(t, "p7", q.Pop().ID)
	assert.Nil(t, q.Pop())
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	q := New()
	base := time.Now()

	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, q.Push(desc(id, 5, base.Add(time.Duration(i)*time.Millisecond))))
	}

	assert.Equal(t, "first", q.Pop().ID)
	assert.Equal(t, "second", q.Pop().ID)
	assert.Equal(t, "third", q.Pop().ID)
}

func TestExactTieBreaksBySequence(t *testing.T) {
	q := New()
	now := time.Now()

	// identical priority and timestamp: insertion order wins
	require.NoError(t, q.Push(desc("a", 5, now)))
	require.NoError(t, q.Push(desc("b", 5, now)))
	require.NoError(t, q.Push(desc("c", 5, now)))

	assert.Equal(t, "a", q.Pop().ID)
	assert.Equal(t, "b", q.Pop().ID)
	assert.Equal(t, "c", q.Pop().ID)
}

func TestDuplicateIDRejected(t *testing.T) {
	q := New()
	now := time.Now()

	require.NoError(t, q.Push(desc("dup", 5, now)))
	err := q.Push(desc("dup", 3, now))
	require.Error(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestRemoveByID(t *testing.T) {
	q := New()
	base := time.Now()

	require.NoError(t, q.Push(desc("keep", 3, base)))
	require.NoError(t, q.Push(desc("drop", 5, base)))
	require.NoError(t, q.Push(desc("keep2", 7, base)))

	removed := q.Remove("drop")
	require.NotNil(t, removed)
	assert.Equal(t, "drop", removed.ID)
	assert.Nil(t, q.Remove("drop"), "second remove is a no-op")
	assert.False(t, q.Contains("drop"))

	assert.Equal(t, "keep", q.Pop().ID)
	assert.Equal(t, "keep2", q.Pop().ID)
}

func TestRepushKeepsPriorityClassPosition(t *testing.T) {
	q := New()
	base := time.Now()

	early := desc("early", 5, base)
	require.NoError(t, q.Push(early))
	require.NoError(t, q.Push(desc("later", 5, base.Add(time.Second))))

	// manager pops the head, cannot dispatch, and returns it unchanged
	popped := q.Pop()
	require.Equal(t, "early", popped.ID)
	require.NoError(t, q.Push(popped))

	assert.Equal(t, "early", q.Pop().ID, "original submitted_at restores head position")
	assert.Equal(t, "later", q.Pop().ID)
}

func TestPopWaitDeliversPushedItem(t *testing.T) {
	q := New()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(desc("late", 5, time.Now()))
	}()

	got := q.PopWait(context.Background(), time.Second)
	require.NotNil(t, got)
	assert.Equal(t, "late", got.ID)
}

func TestPopWaitTimesOut(t *testing.T) {
	q := New()

	start := time.Now()
	got := q.PopWait(context.Background(), 30*time.Millisecond)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPopWaitHonoursContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *types.TaskDescriptor, 1)
	go func() { done <- q.PopWait(ctx, time.Minute) }()

	cancel()
	select {
	case got := <-done:
		assert.Nil(t, got)
	case <-time.After(time.Second):
		t.Fatal("PopWait ignored context cancellation")
	}
}

func TestSnapshotIsOrderedAndNonDestructive(t *testing.T) {
	q := New()
	base := time.Now()

	require.NoError(t, q.Push(desc("c", 7, base)))
	require.NoError(t, q.Push(desc("a", 3, base)))
	require.NoError(t, q.Push(desc("b", 5, base)))

	snap := q.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	// queue unchanged, ordering intact
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, "a", q.Pop().ID)
	assert.Equal(t, "b", q.Pop().ID)
	assert.Equal(t, "c", q.Pop().ID)
}

func TestConcurrentPushPop(t *testing.T) {
	q := New()
	const n = 200

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = q.Push(desc(fmt.Sprintf("task-%d", i), i%10, time.Now()))
		}
	}()

	popped := 0
	go func() {
		defer wg.Done()
		deadline := time.After(5 * time.Second)
		for popped < n {
			select {
			case <-deadline:
				return
			default:
			}
			if q.PopWait(context.Background(), 100*time.Millisecond) != nil {
				popped++
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, n, popped, "every pushed descriptor must be popped exactly once")
}
