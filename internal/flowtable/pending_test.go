package flowtable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gizmoguy/RouteFlow/internal/flow"
	"github.com/gizmoguy/RouteFlow/internal/iface"
)

func pendingFor(name string) PendingRoute {
	return PendingRoute{
		Type:  flow.ModAdd,
		Entry: RouteEntry{Iface: &iface.Interface{Name: name}},
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(pendingFor("a"))
	q.Push(pendingFor("b"))
	q.Push(pendingFor("c"))
	require.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		pr, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, pr.Entry.Iface.Name)
	}
	require.Equal(t, 0, q.Len())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()

	done := make(chan PendingRoute, 1)
	go func() {
		pr, err := q.Pop(context.Background())
		if err == nil {
			done <- pr
		}
	}()

	select {
	case <-done:
		t.Fatal("pop returned before push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(pendingFor("a"))
	select {
	case pr := <-done:
		require.Equal(t, "a", pr.Entry.Iface.Name)
	case <-time.After(time.Second):
		t.Fatal("pop did not observe push")
	}
}

func TestQueuePopHonorsCancellation(t *testing.T) {
	q := NewQueue()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		errs <- err
	}()

	cancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pop did not observe cancellation")
	}
}

// Re-enqueued routes go to the tail so an unresolvable head cannot starve
// the rest of the queue.
func TestQueueRecycleToTail(t *testing.T) {
	q := NewQueue()
	q.Push(pendingFor("a"))
	q.Push(pendingFor("b"))

	ctx := context.Background()
	pr, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", pr.Entry.Iface.Name)
	q.Push(pr)

	pr, err = q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", pr.Entry.Iface.Name)

	pr, err = q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", pr.Entry.Iface.Name)
}
