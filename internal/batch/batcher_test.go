package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.replikit.dev/internal/clock"
	"go.replikit.dev/internal/executor"
)

type recordingProcessor[T any] struct {
	mu     sync.Mutex
	groups [][]T
	notify chan struct{}
}

func newRecordingProcessor[T any]() *recordingProcessor[T] {
	return &recordingProcessor[T]{notify: make(chan struct{}, 64)}
}

func (p *recordingProcessor[T]) Process(group []T) {
	p.mu.Lock()
	cp := make([]T, len(group))
	copy(cp, group)
	p.groups = append(p.groups, cp)
	p.mu.Unlock()
	p.notify <- struct{}{}
}

func (p *recordingProcessor[T]) waitForGroups(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		p.mu.Lock()
		count := len(p.groups)
		p.mu.Unlock()
		if count >= n {
			return
		}
		select {
		case <-p.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d groups, saw %d", n, count)
		}
	}
}

func TestBatcherDeliversOnCapacity(t *testing.T) {
	sched := executor.NewScheduled(2)
	proc := newRecordingProcessor[int]()
	b, err := New("test", sched, clock.Real{}, 3, time.Hour, proc)
	require.NoError(t, err)

	b.Enqueue(1, 2, 3)

	proc.waitForGroups(t, 1, time.Second)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, [][]int{{1, 2, 3}}, proc.groups)
}

func TestBatcherDeliversOnDelay(t *testing.T) {
	sched := executor.NewScheduled(2)
	proc := newRecordingProcessor[int]()
	b, err := New("test", sched, clock.Real{}, 10, 20*time.Millisecond, proc)
	require.NoError(t, err)

	b.Enqueue(1, 2)

	proc.waitForGroups(t, 1, time.Second)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, [][]int{{1, 2}}, proc.groups)
}

func TestBatcherIdleCatchUpDeliversImmediately(t *testing.T) {
	sched := executor.NewScheduled(2)
	proc := newRecordingProcessor[int]()
	fc := clock.NewFake(time.Now())
	b, err := New("test", sched, fc, 10, 50*time.Millisecond, proc)
	require.NoError(t, err)

	// lastProcessedAt starts at construction time; advance the fake clock
	// well past the delay window before the first item arrives, so the
	// idle-catchup rule fires the group immediately instead of waiting.
	fc.Advance(time.Second)
	b.Enqueue(1)

	proc.waitForGroups(t, 1, time.Second)
}

func TestBatcherCoalescesWithinWindow(t *testing.T) {
	sched := executor.NewScheduled(2)
	proc := newRecordingProcessor[int]()
	b, err := New("test", sched, clock.Real{}, 100, 40*time.Millisecond, proc)
	require.NoError(t, err)

	b.Enqueue(1)
	time.Sleep(5 * time.Millisecond)
	b.Enqueue(2)
	time.Sleep(5 * time.Millisecond)
	b.Enqueue(3)

	proc.waitForGroups(t, 1, time.Second)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.groups, 1)
	assert.Equal(t, []int{1, 2, 3}, proc.groups[0])
}

func TestBatcherOverflowSplitsIntoMultipleGroups(t *testing.T) {
	sched := executor.NewScheduled(2)
	proc := newRecordingProcessor[int]()
	b, err := New("test", sched, clock.Real{}, 2, time.Hour, proc)
	require.NoError(t, err)

	b.Enqueue(1, 2, 3, 4, 5)

	proc.waitForGroups(t, 3, time.Second)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.groups, 3)
	assert.Equal(t, []int{1, 2}, proc.groups[0])
	assert.Equal(t, []int{3, 4}, proc.groups[1])
	assert.Equal(t, []int{5}, proc.groups[2])
}

func TestBatcherClearDropsBufferedItems(t *testing.T) {
	sched := executor.NewScheduled(2)
	proc := newRecordingProcessor[int]()
	b, err := New("test", sched, clock.Real{}, 10, time.Hour, proc)
	require.NoError(t, err)

	b.Enqueue(1, 2, 3)
	b.Clear()

	assert.Equal(t, 0, b.Count())
	time.Sleep(20 * time.Millisecond)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Empty(t, proc.groups)
}

func TestBatcherFlushAllDeliversEverything(t *testing.T) {
	sched := executor.NewScheduled(2)
	proc := newRecordingProcessor[int]()
	b, err := New("test", sched, clock.Real{}, 2, time.Hour, proc)
	require.NoError(t, err)

	b.Enqueue(1, 2, 3, 4, 5)
	b.FlushAll()

	assert.Equal(t, 0, b.Count())
	proc.mu.Lock()
	defer proc.mu.Unlock()
	total := 0
	for _, g := range proc.groups {
		total += len(g)
	}
	assert.Equal(t, 5, total)
}

func TestBatcherWaitUntilDrainedBlocksUntilEmpty(t *testing.T) {
	sched := executor.NewScheduled(2)
	proc := newRecordingProcessor[int]()
	b, err := New("test", sched, clock.Real{}, 10, 10*time.Millisecond, proc)
	require.NoError(t, err)

	b.Enqueue(1, 2, 3)
	b.WaitUntilDrained()

	assert.Equal(t, 0, b.Count())
	stats := b.Stats()
	assert.False(t, stats.Delivering)
}

func TestBatcherEnqueueDuringSlowDeliveryIsNotLost(t *testing.T) {
	sched := executor.NewScheduled(2)
	release := make(chan struct{})
	var calls int
	var callMu sync.Mutex
	groups := make(chan []int, 8)
	proc := ProcessorFunc[int](func(group []int) {
		callMu.Lock()
		calls++
		first := calls == 1
		callMu.Unlock()
		if first {
			<-release
		}
		cp := make([]int, len(group))
		copy(cp, group)
		groups <- cp
	})

	b, err := New("test", sched, clock.Real{}, 2, time.Hour, proc)
	require.NoError(t, err)

	// First group starts delivering and blocks inside Process. A second
	// Enqueue lands while delivering is true: scheduleLocked must not arm a
	// second task on top of the in-flight one, and the items must still be
	// delivered once the first delivery's post-processing reschedules them.
	b.Enqueue(1, 2)
	time.Sleep(20 * time.Millisecond)
	b.Enqueue(3, 4)

	close(release)

	var got [][]int
	for i := 0; i < 2; i++ {
		select {
		case g := <-groups:
			got = append(got, g)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for group %d; items enqueued during delivery were lost", i+1)
		}
	}
	assert.ElementsMatch(t, [][]int{{1, 2}, {3, 4}}, got)

	done := make(chan struct{})
	go func() {
		b.WaitUntilDrained()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntilDrained blocked forever; batcher wedged after concurrent enqueue")
	}
}

func TestNewRejectsInvalidCapacity(t *testing.T) {
	sched := executor.NewScheduled(1)
	proc := newRecordingProcessor[int]()
	_, err := New("test", sched, clock.Real{}, 0, time.Second, proc)
	assert.Error(t, err)
}

func TestProcessorPanicPropagatesButDoesNotWedgeState(t *testing.T) {
	sched := executor.NewScheduled(2)
	panicked := make(chan struct{})
	proc := ProcessorFunc[int](func(group []int) {
		close(panicked)
		panic("processor exploded")
	})

	b, err := New("test", sched, clock.Real{}, 10, time.Millisecond, proc)
	require.NoError(t, err)

	b.Enqueue(1)

	select {
	case <-panicked:
	case <-time.After(time.Second):
		t.Fatal("processor never invoked")
	}

	time.Sleep(20 * time.Millisecond)
	stats := b.Stats()
	assert.False(t, stats.Delivering)
}
