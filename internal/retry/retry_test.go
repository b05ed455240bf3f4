package retry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.replikit.dev/internal/executor"
	"go.replikit.dev/internal/transport"
)

// scriptedTransport replays a fixed sequence of outcomes, one per attempt,
// repeating the last outcome once the script is exhausted.
type scriptedTransport struct {
	outcomes []func() (*transport.Response, any, error)
	attempts atomic.Int32
}

func (s *scriptedTransport) Execute(ctx context.Context, req *transport.Request, done transport.CompletionFunc) {
	n := int(s.attempts.Add(1)) - 1
	idx := n
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	resp, result, err := s.outcomes[idx]()
	done(resp, result, err)
}

func (s *scriptedTransport) ShutDown() bool { return false }

// gatedTransport blocks inside Execute until release is closed, then
// delivers a fixed outcome. Used to land a Cancel call deterministically
// while an attempt is in flight, rather than racing it with a sleep.
type gatedTransport struct {
	release  chan struct{}
	resp     *transport.Response
	result   any
	err      error
	attempts atomic.Int32
}

func (g *gatedTransport) Execute(ctx context.Context, req *transport.Request, done transport.CompletionFunc) {
	g.attempts.Add(1)
	<-g.release
	done(g.resp, g.result, g.err)
}

func (g *gatedTransport) ShutDown() bool { return false }

func newPools(t *testing.T) (*executor.RequestPool, *executor.Scheduled) {
	t.Helper()
	pool, err := executor.NewRequestPool(executor.MinRequestWorkers)
	require.NoError(t, err)
	t.Cleanup(pool.Stop)
	return pool, executor.NewScheduled(2)
}

func TestRequestSucceedsOnFirstAttempt(t *testing.T) {
	pool, sched := newPools(t)
	tp := &scriptedTransport{outcomes: []func() (*transport.Response, any, error){
		func() (*transport.Response, any, error) { return &transport.Response{StatusCode: 200}, "ok", nil },
	}}

	var callbackErr error
	done := make(chan struct{})
	req, err := New(context.Background(), Config{
		URL:               "https://example.test/upload",
		Transport:         tp,
		RequestExecutor:   pool,
		ScheduledExecutor: sched,
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		OnComplete: func(resp *transport.Response, result any, err error) {
			callbackErr = err
			close(done)
		},
	})
	require.NoError(t, err)

	req.Submit()
	req.Await()
	<-done

	assert.NoError(t, callbackErr)
	assert.Equal(t, int32(1), tp.attempts.Load())
}

func TestRequestRetriesTransientThenSucceeds(t *testing.T) {
	pool, sched := newPools(t)
	tp := &scriptedTransport{outcomes: []func() (*transport.Response, any, error){
		func() (*transport.Response, any, error) { return &transport.Response{StatusCode: 503}, nil, nil },
		func() (*transport.Response, any, error) { return &transport.Response{StatusCode: 200}, "ok", nil },
	}}

	done := make(chan struct{})
	var callbackErr error
	req, err := New(context.Background(), Config{
		URL:               "https://example.test/upload",
		Transport:         tp,
		RequestExecutor:   pool,
		ScheduledExecutor: sched,
		MaxRetries:        3,
		BaseDelay:         5 * time.Millisecond,
		OnComplete: func(resp *transport.Response, result any, err error) {
			callbackErr = err
			close(done)
		},
	})
	require.NoError(t, err)

	req.Submit()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}

	assert.NoError(t, callbackErr)
	assert.Equal(t, int32(2), tp.attempts.Load())
}

func TestRequestExhaustsRetriesOnPersistentTransientFailure(t *testing.T) {
	pool, sched := newPools(t)
	tp := &scriptedTransport{outcomes: []func() (*transport.Response, any, error){
		func() (*transport.Response, any, error) { return &transport.Response{StatusCode: 500}, nil, nil },
	}}

	done := make(chan struct{})
	var callbackErr error
	req, err := New(context.Background(), Config{
		URL:               "https://example.test/upload",
		Transport:         tp,
		RequestExecutor:   pool,
		ScheduledExecutor: sched,
		MaxRetries:        3,
		BaseDelay:         2 * time.Millisecond,
		OnComplete: func(resp *transport.Response, result any, err error) {
			callbackErr = err
			close(done)
		},
	})
	require.NoError(t, err)

	req.Submit()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}

	assert.ErrorIs(t, callbackErr, ErrRetryExhausted)
	assert.Equal(t, int32(4), tp.attempts.Load())
}

func TestRequestPermanentClientErrorDoesNotRetry(t *testing.T) {
	pool, sched := newPools(t)
	tp := &scriptedTransport{outcomes: []func() (*transport.Response, any, error){
		func() (*transport.Response, any, error) { return &transport.Response{StatusCode: 400}, nil, nil },
	}}

	done := make(chan struct{})
	var callbackErr error
	req, err := New(context.Background(), Config{
		URL:               "https://example.test/upload",
		Transport:         tp,
		RequestExecutor:   pool,
		ScheduledExecutor: sched,
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		OnComplete: func(resp *transport.Response, result any, err error) {
			callbackErr = err
			close(done)
		},
	})
	require.NoError(t, err)

	req.Submit()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}

	assert.Error(t, callbackErr)
	assert.Equal(t, int32(1), tp.attempts.Load())
}

func TestNewRejectsMissingURL(t *testing.T) {
	pool, sched := newPools(t)
	_, err := New(context.Background(), Config{
		Transport:         &scriptedTransport{},
		RequestExecutor:   pool,
		ScheduledExecutor: sched,
		MaxRetries:        1,
		BaseDelay:         time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancelAlwaysReturnsFalse(t *testing.T) {
	pool, sched := newPools(t)
	tp := &scriptedTransport{outcomes: []func() (*transport.Response, any, error){
		func() (*transport.Response, any, error) { return &transport.Response{StatusCode: 503}, nil, nil },
	}}

	req, err := New(context.Background(), Config{
		URL:               "https://example.test/upload",
		Transport:         tp,
		RequestExecutor:   pool,
		ScheduledExecutor: sched,
		MaxRetries:        5,
		BaseDelay:         time.Minute,
	})
	require.NoError(t, err)

	req.Submit()
	time.Sleep(20 * time.Millisecond)

	assert.False(t, req.Cancel(false))
	assert.False(t, req.Cancel(true))
}

func TestCancelDoesNotOverrideInFlightSuccess(t *testing.T) {
	pool, sched := newPools(t)
	tp := &gatedTransport{
		release: make(chan struct{}),
		resp:    &transport.Response{StatusCode: 200},
		result:  "ok",
	}

	done := make(chan struct{})
	var gotResp *transport.Response
	var gotErr error
	req, err := New(context.Background(), Config{
		URL:               "https://example.test/upload",
		Transport:         tp,
		RequestExecutor:   pool,
		ScheduledExecutor: sched,
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		OnComplete: func(resp *transport.Response, result any, err error) {
			gotResp = resp
			gotErr = err
			close(done)
		},
	})
	require.NoError(t, err)

	req.Submit()
	// Wait for the attempt to actually be in flight against the transport
	// before canceling, so this exercises the "canceled while in flight"
	// path rather than canceling before Submit has done anything.
	for tp.attempts.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	assert.False(t, req.Cancel(false))
	close(tp.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}

	assert.NoError(t, gotErr)
	require.NotNil(t, gotResp)
	assert.Equal(t, 200, gotResp.StatusCode)
}

func TestCancelReportsCanceledInsteadOfRetryingAfterTransientFailure(t *testing.T) {
	pool, sched := newPools(t)
	tp := &gatedTransport{
		release: make(chan struct{}),
		resp:    &transport.Response{StatusCode: 503},
	}

	done := make(chan struct{})
	var gotErr error
	req, err := New(context.Background(), Config{
		URL:               "https://example.test/upload",
		Transport:         tp,
		RequestExecutor:   pool,
		ScheduledExecutor: sched,
		MaxRetries:        5,
		BaseDelay:         time.Millisecond,
		OnComplete: func(resp *transport.Response, result any, err error) {
			gotErr = err
			close(done)
		},
	})
	require.NoError(t, err)

	req.Submit()
	for tp.attempts.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	assert.False(t, req.Cancel(false))
	close(tp.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}

	assert.ErrorIs(t, gotErr, ErrCanceled)
	assert.Equal(t, int32(1), tp.attempts.Load())
}

func TestOwningQueueNotifiedOnTerminalCompletion(t *testing.T) {
	pool, sched := newPools(t)
	tp := &scriptedTransport{outcomes: []func() (*transport.Response, any, error){
		func() (*transport.Response, any, error) { return &transport.Response{StatusCode: 200}, "ok", nil },
	}}

	removed := make(chan string, 1)
	queue := ownerFunc(func(id string) { removed <- id })

	req, err := New(context.Background(), Config{
		ID:                "req-1",
		URL:               "https://example.test/upload",
		Transport:         tp,
		RequestExecutor:   pool,
		ScheduledExecutor: sched,
		MaxRetries:        1,
		BaseDelay:         time.Millisecond,
		OwningQueue:       queue,
	})
	require.NoError(t, err)

	req.Submit()
	req.Await()

	select {
	case id := <-removed:
		assert.Equal(t, "req-1", id)
	case <-time.After(time.Second):
		t.Fatal("owning queue was never notified")
	}
}

type ownerFunc func(id string)

func (f ownerFunc) Remove(id string) { f(id) }
