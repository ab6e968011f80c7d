package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const eventSchemaVersion = "1.0"

var compressionCodecs = map[string]compress.Compression{
	"":       compress.Snappy,
	"snappy": compress.Snappy,
	"gzip":   compress.Gzip,
	"lz4":    compress.Lz4,
	"zstd":   compress.Zstd,
	"none":   compress.None,
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes subject events to the output topic
type Producer struct {
	writer writer
	topic  string
	logger ectologger.Logger
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a producer. Unknown compression names fall back to
// snappy.
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	codec, ok := compressionCodecs[cfg.Compression]
	if !ok {
		logger.WithField("compression", cfg.Compression).Warn("Unknown kafka compression, using snappy")
		codec = compress.Snappy
	}

	return newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            codec,
		AllowAutoTopicCreation: true,
	}, cfg.Topic, logger)
}

func newProducer(w writer, topic string, logger ectologger.Logger) *Producer {
	return &Producer{writer: w, topic: topic, logger: logger}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Publish implements events.Publisher. Messages are keyed by subject so all
// events of one subject land on one partition in order.
func (p *Producer) Publish(ctx context.Context, key string, eventType string, event any) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.Publish")
	defer span.End()

	value, err := json.Marshal(event)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to encode %s event: %w", eventType, err))
	}

	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: eventHeaders(ctx, eventType),
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": eventType,
		"key":        key,
		"topic":      p.topic,
	})
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.KafkaEventsPublished.WithLabelValues(eventType, "failed").Inc()
		log.WithError(err).Error("Failed to publish event")
		return tracing.Fail(span, err)
	}

	metrics.KafkaEventsPublished.WithLabelValues(eventType, "published").Inc()
	log.Debug("Published event")
	return nil
}

// eventHeaders returns the type, schema and W3C trace headers of an event
func eventHeaders(ctx context.Context, eventType string) []kafka.Header {
	carrier := propagation.MapCarrier{}
	tracing.Inject(ctx, carrier)

	headers := make([]kafka.Header, 0, 2+len(carrier))
	headers = append(headers,
		kafka.Header{Key: HeaderEventType, Value: []byte(eventType)},
		kafka.Header{Key: HeaderSchemaVersion, Value: []byte(eventSchemaVersion)},
	)
	for _, k := range carrier.Keys() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}
	return headers
}
