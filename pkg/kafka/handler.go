package kafka

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
)

// RecordResolver resolves one incoming record
type RecordResolver interface {
	ResolveOrCreate(ctx context.Context, rec models.Record) (*models.Resolution, error)
}

// RecordHandlerConfig controls retries of contended records
type RecordHandlerConfig struct {
	MaxRetries int
	Backoff    time.Duration
}

// NewRecordHandler returns a handler feeding records to the resolver.
// Invalid records and records whose unique identifiers are split across
// subjects are logged and committed: only a reviewer can clear them. A target
// merged away mid-resolve is followed by the resolver and never reaches here.
// Lock timeouts are retried in place before the message is left uncommitted.
func NewRecordHandler(logger ectologger.Logger, r RecordResolver, cfg RecordHandlerConfig) MessageHandler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}

	return func(ctx context.Context, msg *IncomingMessage) error {
		log := logger.WithContext(ctx).WithFields(map[string]any{
			"topic":  msg.Topic,
			"offset": msg.Offset,
			"key":    msg.Key,
		})

		rec, ok, err := msg.Record()
		if err != nil {
			log.WithError(err).Warn("Dropping undecodable message")
			metrics.KafkaMessagesConsumed.WithLabelValues("invalid").Inc()
			return nil
		}
		if !ok {
			metrics.KafkaMessagesConsumed.WithLabelValues("skipped").Inc()
			return nil
		}

		for attempt := 0; ; attempt++ {
			res, err := r.ResolveOrCreate(ctx, rec)
			switch {
			case err == nil:
				metrics.KafkaMessagesConsumed.WithLabelValues("resolved").Inc()
				log.WithFields(map[string]any{
					"subject_id": res.SubjectID,
					"tier":       res.Tier,
					"created":    res.Created,
				}).Debug("Resolved record from stream")
				return nil
			case clerrors.IsValidation(err), clerrors.IsConflict(err):
				log.WithError(err).Warn("Dropping rejected record")
				metrics.KafkaMessagesConsumed.WithLabelValues("rejected").Inc()
				return nil
			case clerrors.IsLockTimeout(err) && attempt < cfg.MaxRetries:
				log.WithError(err).WithField("attempt", attempt+1).Warn("Record contended, retrying")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(cfg.Backoff * time.Duration(attempt+1)):
				}
			default:
				metrics.KafkaMessagesConsumed.WithLabelValues("failed").Inc()
				return err
			}
		}
	}
}
