// Package dispatch wires a delivered Batcher group to a RetryingRequest:
// one group becomes one outbound upload attempt, carried through to
// completion (or exhaustion) independently of the batcher that produced it.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"go.replikit.dev/internal/executor"
	"go.replikit.dev/internal/ratelimit"
	"go.replikit.dev/internal/retry"
	"go.replikit.dev/internal/transport"
)

// Config configures a Dispatcher.
type Config struct {
	UploadURL         string
	Transport         transport.Transport
	RequestExecutor   *executor.RequestPool
	ScheduledExecutor *executor.Scheduled
	Limiter           *ratelimit.HostLimiter
	Authenticator     retry.Authenticator
	MaxRetries        int
	BaseDelay         time.Duration
}

// Dispatcher implements batch.Processor[T] by packaging each delivered
// group into a RetryingRequest. It never blocks the batcher's own
// goroutine on a full upload/retry cycle — the RetryingRequest and its
// backing pools own that concurrency.
type Dispatcher[T any] struct {
	cfg Config
}

// New constructs a Dispatcher.
func New[T any](cfg Config) *Dispatcher[T] {
	return &Dispatcher[T]{cfg: cfg}
}

// Process uploads one delivered group as a single RetryingRequest.
func (d *Dispatcher[T]) Process(group []T) {
	if len(group) == 0 {
		return
	}

	if d.cfg.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := d.cfg.Limiter.Wait(ctx, d.cfg.UploadURL); err != nil {
			cancel()
			log.Warn().Err(err).Msg("dispatch: rate limiter wait failed, submitting anyway")
		} else {
			cancel()
		}
	}

	body, err := json.Marshal(group)
	if err != nil {
		log.Error().Err(err).Int("groupSize", len(group)).Msg("dispatch: failed to marshal group, dropping")
		return
	}

	req, err := retry.New(context.Background(), retry.Config{
		Kind:              transport.Simple,
		Method:            "POST",
		URL:               d.cfg.UploadURL,
		Body:              json.RawMessage(body),
		Transport:         d.cfg.Transport,
		RequestExecutor:   d.cfg.RequestExecutor,
		ScheduledExecutor: d.cfg.ScheduledExecutor,
		Authenticator:     d.cfg.Authenticator,
		MaxRetries:        d.cfg.MaxRetries,
		BaseDelay:         d.cfg.BaseDelay,
		OnComplete: func(resp *transport.Response, result any, err error) {
			if err != nil {
				log.Error().Err(err).Int("groupSize", len(group)).Msg("dispatch: group upload failed terminally")
				return
			}
			log.Debug().Int("groupSize", len(group)).Msg("dispatch: group uploaded successfully")
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("dispatch: failed to construct retrying request")
		return
	}

	req.Submit()
}
