package executor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleFiresAfterDelay(t *testing.T) {
	s := NewScheduled(1)
	var fired atomic.Bool
	done := make(chan struct{})

	s.Schedule(10*time.Millisecond, func() {
		fired.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not fire within timeout")
	}

	assert.True(t, fired.Load())
}

func TestScheduleCancelBeforeFire(t *testing.T) {
	s := NewScheduled(1)
	var fired atomic.Bool

	h := s.Schedule(100*time.Millisecond, func() {
		fired.Store(true)
	})

	ok := h.Cancel()
	assert.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestScheduleCancelAfterFireFails(t *testing.T) {
	s := NewScheduled(1)
	done := make(chan struct{})

	h := s.Schedule(5*time.Millisecond, func() {
		close(done)
	})

	<-done
	time.Sleep(10 * time.Millisecond)

	assert.False(t, h.Cancel())
}

func TestRemainingReflectsDeadline(t *testing.T) {
	s := NewScheduled(1)
	h := s.Schedule(50*time.Millisecond, func() {})

	remaining := h.Remaining()
	assert.True(t, remaining > 0 && remaining <= 50*time.Millisecond)

	h.Cancel()
}

func TestScheduleRecoversPanics(t *testing.T) {
	s := NewScheduled(1)
	done := make(chan struct{})

	s.Schedule(time.Millisecond, func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task never completed")
	}
}
