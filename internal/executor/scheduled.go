// Package executor provides the two worker pools the dispatch core is
// built on top of: a Scheduled executor for timers and short tasks, and a
// RequestPool for blocking outbound Transport calls.
package executor

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Handle is a cancelable scheduled-task handle. It implements the
// "ready-or-running" guard spec.md's Batcher scheduling algorithm needs:
// Remaining() <= 0 means the task has already fired or is about to, so
// callers should not try to arm a shorter replacement.
type Handle interface {
	// Cancel attempts to prevent the task from firing. Returns false if the
	// task has already fired, is currently running, or was already
	// cancelled.
	Cancel() bool
	// Remaining returns the time until the task fires. Zero or negative
	// means the task is ready to fire or already running.
	Remaining() time.Duration
}

type scheduledHandle struct {
	timer    *time.Timer
	deadline time.Time
	running  atomic.Bool
	fired    atomic.Bool
}

func (h *scheduledHandle) Cancel() bool {
	if h.running.Load() || h.fired.Load() {
		return false
	}
	stopped := h.timer.Stop()
	if stopped {
		h.fired.Store(true)
	}
	return stopped
}

func (h *scheduledHandle) Remaining() time.Duration {
	return time.Until(h.deadline)
}

// Scheduled runs delayed tasks on a bounded number of goroutines. One
// worker is sufficient (per spec.md §5); more is permitted for higher
// timer-fan-out throughput.
type Scheduled struct {
	sem chan struct{}
}

// NewScheduled returns a Scheduled executor that runs at most `workers`
// fired tasks concurrently. workers <= 0 is treated as 1.
func NewScheduled(workers int) *Scheduled {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduled{sem: make(chan struct{}, workers)}
}

// Schedule arms fn to run after delay on this executor's worker budget.
// The returned Handle can be cancelled before the task enters its
// critical section.
func (s *Scheduled) Schedule(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	h := &scheduledHandle{deadline: time.Now().Add(delay)}
	h.timer = time.AfterFunc(delay, func() {
		h.running.Store(true)
		s.sem <- struct{}{}
		defer func() {
			<-s.sem
			h.fired.Store(true)
			h.running.Store(false)
		}()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("scheduled task panicked")
			}
		}()
		fn()
	})
	return h
}
