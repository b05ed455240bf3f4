// Package nats subscribes to a JetStream consumer and feeds decoded
// messages into a Batcher, generalizing the SQS adapter's shape to the
// teacher's other listed queue client.
package nats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"go.replikit.dev/internal/batch"
	"go.replikit.dev/internal/common/metrics"
)

// Config configures a Consumer.
type Config struct {
	StreamName   string
	ConsumerName string
	FetchBatch   int
	FetchTimeout time.Duration
}

// Consumer pulls messages from a JetStream consumer and enqueues decoded
// items onto a Batcher.
type Consumer[T any] struct {
	js       jetstream.JetStream
	cfg      Config
	batcher  *batch.Batcher[T]
	decode   func([]byte) (T, error)
	stopped  chan struct{}
	done     chan struct{}
}

// New constructs a Consumer bound to an already-connected JetStream handle.
func New[T any](js jetstream.JetStream, cfg Config, batcher *batch.Batcher[T], decode func([]byte) (T, error)) *Consumer[T] {
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 50
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}

	return &Consumer[T]{
		js:      js,
		cfg:     cfg,
		batcher: batcher,
		decode:  decode,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks, pulling batches until ctx is canceled or Stop is called.
func (c *Consumer[T]) Run(ctx context.Context) error {
	defer close(c.done)

	consumer, err := c.js.Consumer(ctx, c.cfg.StreamName, c.cfg.ConsumerName)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopped:
			return nil
		default:
		}

		msgs, err := consumer.Fetch(c.cfg.FetchBatch, jetstream.FetchMaxWait(c.cfg.FetchTimeout))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			log.Warn().Err(err).Msg("ingest/nats: fetch failed")
			time.Sleep(time.Second)
			continue
		}

		for msg := range msgs.Messages() {
			c.handle(msg)
		}
		if err := msgs.Error(); err != nil {
			log.Warn().Err(err).Msg("ingest/nats: fetch batch reported an error")
		}
	}
}

func (c *Consumer[T]) handle(msg jetstream.Msg) {
	metrics.IngestMessagesReceived.WithLabelValues("nats").Inc()

	item, err := c.decode(msg.Data())
	if err != nil {
		metrics.IngestMessagesFailed.WithLabelValues("nats").Inc()
		log.Warn().Err(err).Msg("ingest/nats: decode failed, nak'ing for redelivery")
		_ = msg.Nak()
		return
	}

	c.batcher.Enqueue(item)

	if err := msg.Ack(); err != nil {
		log.Warn().Err(err).Msg("ingest/nats: ack failed after successful enqueue")
	}
}

// Stop requests the Run loop to exit after its current fetch.
func (c *Consumer[T]) Stop(ctx context.Context) error {
	select {
	case <-c.stopped:
	default:
		close(c.stopped)
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func jsonDecode[T any](body []byte) (T, error) {
	var out T
	err := json.Unmarshal(body, &out)
	return out, err
}

// JSONDecoder returns a decode function that unmarshals the message
// payload as JSON into T.
func JSONDecoder[T any]() func([]byte) (T, error) {
	return jsonDecode[T]
}
