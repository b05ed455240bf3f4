// Package retry implements RetryingRequest: a single-shot outbound
// operation that retries transient failures with exponential backoff,
// tracks its own in-flight state, and supports cooperative cancellation.
// Grounded on internal/router/mediator/http.go's executeWithRetry, with
// the teacher's linear attempt*baseBackoff generalized to the exponential
// BASE_RETRY_DELAY * 2^(retryCount-1) schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.replikit.dev/internal/common/metrics"
	"go.replikit.dev/internal/executor"
	"go.replikit.dev/internal/transport"
)

// Sentinel errors surfaced to completion callbacks and Await callers.
var (
	ErrExecutorShutdown = errors.New("retry: executor shut down before attempt could run")
	ErrRetryExhausted   = errors.New("retry: attempts exhausted")
	ErrInvalidRequest   = errors.New("retry: invalid request configuration")
	ErrCanceled         = errors.New("retry: canceled")
)

// Authenticator is consulted before each attempt to obtain credentials for
// the outbound call. Defined locally (rather than imported from an auth
// package) so this package never needs to import one.
type Authenticator interface {
	Authenticate(ctx context.Context) (map[string]string, error)
}

// OwningQueue is notified when a Request reaches a terminal state, so the
// owner can drop its reference and release the slot. Optional: a Request
// constructed with a nil OwningQueue simply skips the notification.
type OwningQueue interface {
	Remove(id string)
}

// CompletionCallback is invoked exactly once, when the request reaches a
// terminal outcome (success, permanent failure, exhaustion or cancellation).
type CompletionCallback func(resp *transport.Response, result any, err error)

// PreCompletionCallback runs just before the terminal completion callback,
// while the request is still considered in-flight. Used by owners that
// need to do bookkeeping (e.g. persist a watermark) before the slot frees.
type PreCompletionCallback func(resp *transport.Response, result any, err error)

// Config holds the fixed parameters of one RetryingRequest, set at
// construction and never mutated afterward.
type Config struct {
	ID      string
	Kind    transport.Kind
	Method  string
	URL     string
	Body    any
	Headers map[string]string

	Compressed       bool
	SuppressNotFound bool

	MaxRetries int
	BaseDelay  time.Duration

	Transport         transport.Transport
	RequestExecutor   *executor.RequestPool
	ScheduledExecutor *executor.Scheduled

	Authenticator  Authenticator
	OwningQueue    OwningQueue
	OnComplete     CompletionCallback
	OnPreComplete  PreCompletionCallback
}

// Request is one outbound operation tracked through its full retry
// lifecycle. Create with New, then call Submit to begin.
type Request struct {
	cfg Config

	mu         sync.Mutex
	retryCount int
	retryTimer executor.Handle

	lastResponse *transport.Response
	lastResult   any
	lastError    error

	pendingAttempts chan struct{}
	done            chan struct{}
	submitted       atomic.Bool
	completed       atomic.Bool
	canceled        atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates cfg and constructs a Request. The request does nothing
// until Submit is called.
func New(ctx context.Context, cfg Config) (*Request, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidRequest)
	}
	if cfg.RequestExecutor == nil {
		return nil, fmt.Errorf("%w: request executor is required", ErrInvalidRequest)
	}
	if cfg.ScheduledExecutor == nil {
		return nil, fmt.Errorf("%w: scheduled executor is required", ErrInvalidRequest)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be >= 0, got %d", ErrInvalidRequest, cfg.MaxRetries)
	}
	if cfg.BaseDelay <= 0 {
		return nil, fmt.Errorf("%w: base delay must be > 0, got %s", ErrInvalidRequest, cfg.BaseDelay)
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("retry-%p", cfg)
	}

	reqCtx, cancel := context.WithCancel(ctx)

	r := &Request{
		cfg:             cfg,
		pendingAttempts: make(chan struct{}, cfg.MaxRetries+1),
		done:            make(chan struct{}),
		ctx:             reqCtx,
		cancel:          cancel,
	}
	return r, nil
}

// Submit enqueues the first attempt on the request executor. Safe to call
// once; subsequent calls are no-ops.
func (r *Request) Submit() {
	if !r.submitted.CompareAndSwap(false, true) {
		return
	}
	metrics.RetryInFlight.Inc()
	r.submit()
}

func (r *Request) submit() {
	if r.completed.Load() {
		return
	}

	err := r.cfg.RequestExecutor.Submit(func() {
		r.runAttempt()
	})
	if err != nil {
		r.completeTerminal(nil, nil, fmt.Errorf("%w: %v", ErrExecutorShutdown, err))
	}
}

// runAttempt performs one outbound attempt: authenticate, build the
// transport request, execute it, and feed the outcome to onCompletion.
func (r *Request) runAttempt() {
	select {
	case r.pendingAttempts <- struct{}{}:
	default:
	}

	headers := make(map[string]string, len(r.cfg.Headers)+1)
	for k, v := range r.cfg.Headers {
		headers[k] = v
	}

	if r.cfg.Authenticator != nil {
		authHeaders, err := r.cfg.Authenticator.Authenticate(r.ctx)
		if err != nil {
			r.onCompletion(nil, nil, err)
			return
		}
		for k, v := range authHeaders {
			headers[k] = v
		}
	}

	req := &transport.Request{
		Kind:       r.cfg.Kind,
		Method:     r.cfg.Method,
		URL:        r.cfg.URL,
		Body:       r.cfg.Body,
		Headers:    headers,
		Compressed: r.cfg.Compressed,
	}

	r.cfg.Transport.Execute(r.ctx, req, func(resp *transport.Response, result any, err error) {
		select {
		case <-r.pendingAttempts:
		default:
		}
		r.onCompletion(resp, result, err)
	})
}

// onCompletion is the single retry-decision point: classify the outcome,
// decide whether to retry, reschedule, or finish.
func (r *Request) onCompletion(resp *transport.Response, result any, err error) {
	kind := transport.Classify(resp, err)

	r.mu.Lock()
	r.lastResponse = resp
	r.lastResult = result
	r.lastError = err

	if kind == transport.None {
		r.mu.Unlock()
		metrics.RetryAttempts.WithLabelValues("success").Inc()
		r.completeTerminal(resp, result, nil)
		return
	}

	if !kind.Transient() {
		r.mu.Unlock()
		metrics.RetryAttempts.WithLabelValues("permanent").Inc()
		r.completeTerminal(resp, result, err)
		return
	}

	if r.retryCount >= r.cfg.MaxRetries {
		r.mu.Unlock()
		metrics.RetryAttempts.WithLabelValues("exhausted").Inc()
		final := err
		if final == nil {
			final = ErrRetryExhausted
		} else {
			final = fmt.Errorf("%w: %v", ErrRetryExhausted, final)
		}
		r.completeTerminal(resp, result, final)
		return
	}

	if r.canceled.Load() {
		// Cancel only suppresses *future* retry scheduling; this attempt's
		// own outcome is real and the request is still reported terminal
		// exactly once, just as canceled rather than retried.
		r.mu.Unlock()
		metrics.RetryAttempts.WithLabelValues("canceled").Inc()
		final := err
		if final == nil {
			final = ErrCanceled
		} else {
			final = fmt.Errorf("%w: %v", ErrCanceled, final)
		}
		r.completeTerminal(resp, result, final)
		return
	}

	r.retryCount++
	metrics.RetryAttempts.WithLabelValues("transient").Inc()
	backoff := r.cfg.BaseDelay * time.Duration(1<<(r.retryCount-1))
	metrics.RetryBackoffSeconds.Observe(backoff.Seconds())

	log.Debug().Str("id", r.cfg.ID).Int("retry", r.retryCount).Dur("backoff", backoff).
		Str("errorKind", kind.String()).Msg("retry: scheduling retry attempt")

	r.retryTimer = r.cfg.ScheduledExecutor.Schedule(backoff, func() {
		r.submit()
	})
	r.mu.Unlock()
}

// completeTerminal runs exactly once per Request via an atomic latch:
// it releases retained response/result/error state, notifies the owning
// queue, invokes the completion callbacks, and unblocks Await.
func (r *Request) completeTerminal(resp *transport.Response, result any, err error) {
	if !r.completed.CompareAndSwap(false, true) {
		return
	}

	metrics.RetryInFlight.Dec()

	if r.cfg.OnPreComplete != nil {
		r.cfg.OnPreComplete(resp, result, err)
	}

	if r.cfg.OwningQueue != nil {
		r.cfg.OwningQueue.Remove(r.cfg.ID)
	}

	if r.cfg.OnComplete != nil {
		r.cfg.OnComplete(resp, result, err)
	}

	r.mu.Lock()
	r.lastResponse = nil
	r.lastResult = nil
	r.lastError = nil
	r.mu.Unlock()

	r.cancel()
	close(r.done)
}

// Cancel requests cooperative cancellation. It never interrupts an
// attempt already in flight against the transport; it only prevents a
// future retry from being scheduled; interrupt has no effect. Always
// returns false, matching the
// single-flight semantics of the attempt already committed to the
// request executor.
func (r *Request) Cancel(interrupt bool) bool {
	r.canceled.Store(true)

	r.mu.Lock()
	if r.retryTimer != nil {
		r.retryTimer.Cancel()
	}
	r.mu.Unlock()

	return false
}

// Await blocks until the request reaches a terminal outcome. The actual
// (response, result, error) triple is only observable through the
// completion callback configured at construction — Await exists purely
// as a synchronization point for callers (notably tests) that don't need
// the payload.
func (r *Request) Await() {
	<-r.done
}

// AwaitTimeout blocks until terminal completion or the timeout elapses,
// reporting which occurred.
func (r *Request) AwaitTimeout(timeout time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stats is a point-in-time introspection snapshot, used by the admin API.
type Stats struct {
	ID         string
	RetryCount int
	MaxRetries int
	Completed  bool
	Canceled   bool
}

// Stats returns a snapshot of the request's retry bookkeeping.
func (r *Request) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		ID:         r.cfg.ID,
		RetryCount: r.retryCount,
		MaxRetries: r.cfg.MaxRetries,
		Completed:  r.completed.Load(),
		Canceled:   r.canceled.Load(),
	}
}
