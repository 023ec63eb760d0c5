package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

type Handler func(ctx context.Context, payload []byte) error

type Consumer struct {
	reader      *kafka.Reader
	topic       string
	groupID     string
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

type ConsumerOption func(*Consumer)

func WithStartOffset(offset int64) ConsumerOption {
	return func(c *Consumer) {
		brokers := c.reader.Config().Brokers
		_ = c.reader.Close()
		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       c.topic,
			GroupID:     c.groupID,
			StartOffset: offset,
		})
	}
}

// WithRetry sets how many times a message is handed to the handler before
// it is committed and skipped, and the pause between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.maxAttempts = maxAttempts
		c.backoff = backoff
	}
}

func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		topic:       topic,
		groupID:     groupID,
		maxAttempts: 3,
		backoff:     time.Second,
		logger:      logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Consume runs until ctx is cancelled or the reader fails. Handler errors
// never stop the loop: a message that still fails after the retry budget is
// logged and committed.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		var handleErr error
		for attempt := 1; attempt <= c.maxAttempts; attempt++ {
			handleErr = c.processMessage(ctx, msg, handler)
			if handleErr == nil || ctx.Err() != nil {
				break
			}
			c.logger.Warn("message handling failed", "error", handleErr, "topic", c.topic, "offset", msg.Offset, "attempt", attempt)
			if attempt < c.maxAttempts {
				select {
				case <-ctx.Done():
				case <-time.After(c.backoff):
				}
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if handleErr != nil {
			c.logger.Error("giving up on message", "error", handleErr, "topic", c.topic, "offset", msg.Offset, "key", string(msg.Key))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler Handler) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{msg: &msg})

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	if err := handler(spanCtx, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
