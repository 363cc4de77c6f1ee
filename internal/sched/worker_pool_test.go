package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickWorkerPoolRunsSubmittedTasks(t *testing.T) {
	wp := newTickWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	var mu sync.Mutex
	ran := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		queued := wp.Submit(func() {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		})
		require.True(t, queued)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, ran)
}

func TestTickWorkerPoolSubmitReportsDroppedWhenQueueFull(t *testing.T) {
	wp := newTickWorkerPool(1)
	// Not started: nothing drains taskQueue, so it fills up deterministically.
	capacity := cap(wp.taskQueue)

	for i := 0; i < capacity; i++ {
		require.True(t, wp.Submit(func() {}))
	}

	queued := wp.Submit(func() {})
	assert.False(t, queued, "Submit must report false once the queue is full")
	assert.Equal(t, int64(1), wp.DroppedTicks())
}

func TestTickRoundParallelRunsEveryNodeEvenWhenQueueIsFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = Parallel
	s := New(cfg, zerolog.Nop())

	// An unbuffered, undrained queue: every Submit drops.
	s.workerPool = &tickWorkerPool{
		workerCount: 1,
		taskQueue:   make(chan tickTask),
	}

	counts := map[string]*countingNode{}
	for _, name := range []string{"a", "b", "c"} {
		n := &countingNode{}
		counts[name] = n
		s.Add(n, name, 0, false, 0)
	}
	order := append([]*registeredNode(nil), s.nodes...)

	done := make(chan struct{})
	go func() {
		s.tickRoundParallel(order)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tickRoundParallel deadlocked when every submission was dropped")
	}

	for name, n := range counts {
		assert.Greater(t, n.count(), 0, "node %q should have ticked inline after a dropped submission", name)
	}
}
