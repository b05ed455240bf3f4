// Package sqs polls an SQS queue and feeds decoded messages into a
// Batcher, adapted from the teacher's queue consumer long-poll loop.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"go.replikit.dev/internal/batch"
	"go.replikit.dev/internal/common/metrics"
)

// ClientAPI is the subset of the SQS client this adapter needs, narrowed
// so tests can substitute a fake without depending on the concrete AWS SDK
// client type.
type ClientAPI interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// Consumer long-polls a queue and enqueues decoded items onto a Batcher.
type Consumer[T any] struct {
	client          ClientAPI
	queueURL        string
	batcher         *batch.Batcher[T]
	decode          func([]byte) (T, error)
	waitTime        int32
	visibilityTimeo int32
	maxMessages     int32

	stopped chan struct{}
	done    chan struct{}
}

// Config configures a Consumer.
type Config struct {
	QueueURL          string
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	MaxMessages       int32
}

// New constructs a Consumer bound to a Batcher and a decode function for
// the queue's message body.
func New[T any](client ClientAPI, cfg Config, batcher *batch.Batcher[T], decode func([]byte) (T, error)) *Consumer[T] {
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}

	return &Consumer[T]{
		client:          client,
		queueURL:        cfg.QueueURL,
		batcher:         batcher,
		decode:          decode,
		waitTime:        cfg.WaitTimeSeconds,
		visibilityTimeo: cfg.VisibilityTimeout,
		maxMessages:     cfg.MaxMessages,
		stopped:         make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Run blocks, long-polling until ctx is canceled or Stop is called.
func (c *Consumer[T]) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:            &c.queueURL,
			MaxNumberOfMessages: c.maxMessages,
			WaitTimeSeconds:     c.waitTime,
			VisibilityTimeout:   c.visibilityTimeo,
		})
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			log.Warn().Err(err).Str("queue", c.queueURL).Msg("ingest/sqs: receive failed")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range out.Messages {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer[T]) handle(ctx context.Context, msg types.Message) {
	metrics.IngestMessagesReceived.WithLabelValues("sqs").Inc()

	if msg.Body == nil {
		metrics.IngestMessagesFailed.WithLabelValues("sqs").Inc()
		return
	}

	item, err := c.decode([]byte(*msg.Body))
	if err != nil {
		metrics.IngestMessagesFailed.WithLabelValues("sqs").Inc()
		log.Warn().Err(err).Msg("ingest/sqs: decode failed, leaving message for redelivery")
		return
	}

	c.batcher.Enqueue(item)

	_, err = c.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      &c.queueURL,
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		log.Warn().Err(err).Msg("ingest/sqs: delete failed after successful enqueue")
	}
}

// Stop requests the Run loop to exit after its current poll.
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

// jsonDecode is a convenience decode function for JSON-bodied messages.
func jsonDecode[T any](body []byte) (T, error) {
	var out T
	err := json.Unmarshal(body, &out)
	return out, err
}

// JSONDecoder returns a decode function that unmarshals the message body as
// JSON into T.
func JSONDecoder[T any]() func([]byte) (T, error) {
	return jsonDecode[T]
}
