package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

// MessageHandler processes incoming Kafka messages
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// reader is the part of kafka.Reader the consumer uses
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	fetchRetryDelay = time.Second
	maxRetryDelay   = 30 * time.Second
)

// Consumer feeds messages of one topic to a handler, one at a time. A failed
// message is retried with backoff until it succeeds or the consumer stops,
// and offsets are committed only after success. Group offsets are a high
// water mark, so moving on past a failure would silently drop it.
type Consumer struct {
	reader     reader
	topic      string
	logger     ectologger.Logger
	handler    MessageHandler
	retryDelay time.Duration
	wg         sync.WaitGroup
	cancel     context.CancelFunc

	running  atomic.Bool
	fetchErr atomic.Pointer[error]
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // commit synchronously after each record
	})
	return newConsumer(r, cfg.Topic, logger, handler)
}

func newConsumer(r reader, topic string, logger ectologger.Logger, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:     r,
		topic:      topic,
		logger:     logger,
		handler:    handler,
		retryDelay: fetchRetryDelay,
	}
}

// Start launches the consume loop. The loop lives until Stop or until ctx is
// cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running.Store(true)

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithField("topic", c.topic).Info("Kafka consumer started")
	return nil
}

// Stop ends the loop, waits for the in-flight message and closes the reader
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

// Health reports an error when the loop is not running or the last fetch
// failed
func (c *Consumer) Health(_ context.Context) error {
	if !c.running.Load() {
		return errors.New("consumer is not running")
	}
	if errp := c.fetchErr.Load(); errp != nil && *errp != nil {
		return *errp
	}
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.running.Store(false)

	for ctx.Err() == nil {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				break
			}
			c.fetchErr.Store(&err)
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			c.sleep(ctx, c.retryDelay)
			continue
		}
		c.fetchErr.Store(nil)

		delay := c.retryDelay
		for c.processMessage(ctx, msg) != nil && c.sleep(ctx, delay) {
			delay = min(delay*2, maxRetryDelay)
		}
	}
	c.logger.WithContext(ctx).WithField("topic", c.topic).Info("Kafka consumer stopped")
}

// Incoming converts a fetched message, reading the trace headers
func Incoming(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &IncomingMessage{
		Key:         string(msg.Key),
		Value:       msg.Value,
		Headers:     headers,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Time,
		Topic:       msg.Topic,
		TraceParent: headers[HeaderTraceParent],
		TraceState:  headers[HeaderTraceState],
	}
}

// sleep waits for d and reports false when ctx ended first
func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	incoming := Incoming(msg)
	ctx = tracing.Extract(ctx, propagation.MapCarrier(incoming.Headers))
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage",
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int("messaging.partition", msg.Partition),
		attribute.Int64("messaging.offset", msg.Offset),
	)
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	if err := c.handler(ctx, incoming); err != nil {
		log.WithError(err).Error("Failed to process message, retrying")
		return tracing.Fail(span, err)
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
		return tracing.Fail(span, err)
	}
	return nil
}
