// Package batch implements the size/time-bounded grouping primitive shared
// by the replicator: items accumulate in arrival order until either the
// group reaches capacity or the batching window elapses, then the whole
// group is handed to a processor in one call.
package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.replikit.dev/internal/clock"
	"go.replikit.dev/internal/common/metrics"
	"go.replikit.dev/internal/executor"
)

// Processor consumes one delivered group. Groups are never empty and never
// exceed the Batcher's capacity.
type Processor[T any] interface {
	Process(group []T)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc[T any] func(group []T)

// Process calls f(group).
func (f ProcessorFunc[T]) Process(group []T) { f(group) }

// Stats is a point-in-time snapshot of a Batcher's internal state, used by
// the admin API and by tests asserting on scheduling behavior.
type Stats struct {
	QueueDepth      int
	Scheduled       bool
	ScheduledDelay  time.Duration
	Delivering      bool
	LastProcessedAt time.Time
}

// Batcher accumulates items of type T into capacity- or delay-bounded
// groups and delivers them to a Processor on a scheduled executor. See
// SPEC_FULL.md's Batcher module for the full invariant list.
type Batcher[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	name     string
	capacity int
	delay    time.Duration

	inbox          []T
	scheduled      bool
	scheduledDelay time.Duration
	pendingTask    executor.Handle
	delivering     bool

	lastProcessedAt time.Time

	clock     clock.Clock
	scheduler *executor.Scheduled
	processor Processor[T]
}

// New constructs a Batcher. capacity must be > 0. name labels this
// Batcher's metrics and log lines; callers with a single Batcher can pass
// "default".
func New[T any](name string, scheduler *executor.Scheduled, clk clock.Clock, capacity int, delay time.Duration, processor Processor[T]) (*Batcher[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("batch: capacity must be > 0, got %d", capacity)
	}
	if delay < 0 {
		return nil, fmt.Errorf("batch: delay must be >= 0, got %s", delay)
	}
	if scheduler == nil {
		return nil, fmt.Errorf("batch: scheduler is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if name == "" {
		name = "default"
	}

	b := &Batcher[T]{
		name:            name,
		capacity:        capacity,
		delay:           delay,
		clock:           clk,
		scheduler:       scheduler,
		processor:       processor,
		lastProcessedAt: clk.Now(),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Enqueue appends items to the inbox in order. A zero-length call is a
// no-op. Wakes any drain waiters, then (re)arms delivery scheduling.
func (b *Batcher[T]) Enqueue(items ...T) {
	if len(items) == 0 {
		return
	}

	b.mu.Lock()
	b.inbox = append(b.inbox, items...)
	b.cond.Broadcast()
	b.scheduleLocked(false)
	depth := len(b.inbox)
	b.mu.Unlock()

	metrics.BatchQueueDepth.WithLabelValues(b.name).Set(float64(depth))
}

// Count returns the current inbox size. Informational only — no ordering
// guarantee with concurrent enqueues.
func (b *Batcher[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inbox)
}

// Stats returns a snapshot of the Batcher's scheduling state.
func (b *Batcher[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		QueueDepth:      len(b.inbox),
		Scheduled:       b.scheduled,
		ScheduledDelay:  b.scheduledDelay,
		Delivering:      b.delivering,
		LastProcessedAt: b.lastProcessedAt,
	}
}

// Clear cancels any pending delivery and drops every buffered item without
// delivering it. Does not abort an in-flight delivery — that group has
// already been removed from the inbox and will run to completion.
func (b *Batcher[T]) Clear() {
	b.mu.Lock()
	if b.pendingTask != nil {
		b.pendingTask.Cancel()
		b.pendingTask = nil
	}
	b.scheduled = false
	b.inbox = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}

// FlushAll synchronously delivers every item currently in the inbox, in
// contiguous capacity-sized groups, blocking until each scheduled delivery
// completes. Items arriving during FlushAll are not guaranteed to be
// included.
func (b *Batcher[T]) FlushAll() {
	for {
		b.mu.Lock()
		if len(b.inbox) == 0 && !b.delivering {
			b.mu.Unlock()
			return
		}
		if b.delivering {
			b.cond.Wait()
			b.mu.Unlock()
			continue
		}
		if b.pendingTask != nil {
			b.pendingTask.Cancel()
			b.pendingTask = nil
		}
		b.scheduled = false
		b.mu.Unlock()

		done := make(chan struct{})
		b.scheduler.Schedule(0, func() {
			defer close(done)
			b.fire()
		})
		<-done
	}
}

// WaitUntilDrained blocks until the inbox is empty and no processor
// invocation is currently running. Items enqueued after the call begins
// may be observed by the wait loop.
func (b *Batcher[T]) WaitUntilDrained() {
	b.mu.Lock()
	for len(b.inbox) > 0 || b.delivering {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// scheduleLocked picks a target delay and arms (or re-arms) the scheduled
// delivery task. Must be called with b.mu held.
func (b *Batcher[T]) scheduleLocked(forceImmediate bool) {
	if len(b.inbox) == 0 {
		return
	}
	if b.delivering {
		// A delivery is already in flight; fire()'s post-processing step
		// re-runs scheduleLocked once it finishes and delivering flips back
		// to false. Arming a second task here would leave a stale, already
		// -fired pendingTask behind once it discovers delivering is still
		// true and bails — wedging b.scheduled true forever.
		return
	}

	delay := b.delay
	switch {
	case forceImmediate:
		delay = 0
	case len(b.inbox) >= b.capacity:
		delay = 0
	case b.clock.Now().Sub(b.lastProcessedAt) >= b.delay:
		delay = 0
	}

	if !b.scheduled {
		b.armLocked(delay)
		return
	}

	if b.pendingTask == nil {
		b.armLocked(delay)
		return
	}

	remaining := b.pendingTask.Remaining()
	if remaining <= 0 {
		// Already ready to fire or actively running — leave it; it will
		// process soon and reschedule the residue afterward.
		return
	}
	if delay < remaining {
		if b.pendingTask.Cancel() {
			b.armLocked(delay)
		}
		// Cancel lost the race (task entered its critical section between
		// the Remaining() check and Cancel()) — leave the armed task alone.
	}
}

func (b *Batcher[T]) armLocked(delay time.Duration) {
	b.scheduled = true
	b.scheduledDelay = delay
	b.pendingTask = b.scheduler.Schedule(delay, b.fire)
}

// fire is invoked by the scheduled executor. It snapshots up to capacity
// items, delivers them outside the lock, then reschedules any residue.
func (b *Batcher[T]) fire() {
	b.mu.Lock()
	if b.delivering {
		b.mu.Unlock()
		return
	}

	n := len(b.inbox)
	if n > b.capacity {
		n = b.capacity
	}
	if n == 0 {
		b.scheduled = false
		b.mu.Unlock()
		return
	}

	group := make([]T, n)
	copy(group, b.inbox[:n])
	b.inbox = b.inbox[n:]
	b.scheduled = false
	b.delivering = true
	queueDepth := len(b.inbox)
	b.mu.Unlock()

	metrics.BatchQueueDepth.WithLabelValues(b.name).Set(float64(queueDepth))
	metrics.BatchGroupsDelivered.WithLabelValues(b.name).Inc()
	metrics.BatchItemsDelivered.WithLabelValues(b.name).Add(float64(n))
	metrics.BatchGroupSize.WithLabelValues(b.name).Observe(float64(n))

	var panicVal any
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
		}()
		b.processor.Process(group)
	}()

	b.mu.Lock()
	b.delivering = false
	b.lastProcessedAt = b.clock.Now()
	// Re-check the inbox now, rather than relying on a pre-Process
	// snapshot: items enqueued while this delivery was in flight were
	// never armed (scheduleLocked no-ops while delivering), so this is
	// their only path to delivery.
	if len(b.inbox) > 0 {
		b.scheduleLocked(true)
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	if panicVal != nil {
		log.Error().Interface("panic", panicVal).Msg("batch processor panicked; group is not retried")
		panic(panicVal)
	}
}
