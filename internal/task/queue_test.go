package task

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := New()
	var order []int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		i := i
		q.Enqueue(Normal, func(a1, a2 any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, nil, nil)
	}
	q.PerformAll()
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestQueueUrgentDrainsBeforeNormal(t *testing.T) {
	q := New()
	var order []string
	q.Enqueue(Normal, func(a1, a2 any) { order = append(order, "normal") }, nil, nil)
	q.Enqueue(Urgent, func(a1, a2 any) { order = append(order, "urgent") }, nil, nil)
	q.PerformAll()
	require.Equal(t, []string{"urgent", "normal"}, order)
}

func TestQueueClearDropsWithoutRunning(t *testing.T) {
	q := New()
	ran := false
	q.Enqueue(Normal, func(a1, a2 any) { ran = true }, nil, nil)
	q.Clear()
	q.PerformAll()
	require.False(t, ran)
}

func TestQueueManyBlocksAcrossPageBoundary(t *testing.T) {
	q := New()
	count := 0
	for i := 0; i < blockCapacity*3+17; i++ {
		q.Enqueue(Normal, func(a1, a2 any) { count++ }, nil, nil)
	}
	q.PerformAll()
	require.Equal(t, blockCapacity*3+17, count)
}

func TestQueueRunStopsWhenStopped(t *testing.T) {
	q := New()
	done := make(chan struct{})
	go func() {
		q.Run()
		close(done)
	}()
	q.Stop()
	<-done
	require.False(t, q.IsRunning())
}
