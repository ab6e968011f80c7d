package kafka

import (
	"bytes"
	"encoding/json"
	"time"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Message headers
const (
	HeaderEventType     = "event_type"
	HeaderSchemaVersion = "schema_version"
	HeaderTraceParent   = "traceparent"
	HeaderTraceState    = "tracestate"
	HeaderSource        = "source"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string
}

// Record decodes the message as an incoming record. Plain records are JSON
// objects in the Record shape; Debezium envelopes carry an intake row. ok is
// false for messages that carry no record, like deletes and tombstones.
func (m *IncomingMessage) Record() (rec models.Record, ok bool, err error) {
	value := bytes.TrimSpace(m.Value)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return rec, false, nil
	}

	change, err := decodeChange(value)
	if err != nil {
		return rec, false, clerrors.NewValidationError("value", "invalid message: %v", err)
	}
	if change != nil {
		row := change.row()
		if row == nil {
			return rec, false, nil
		}
		rec = row.ToRecord()
	} else if err := json.Unmarshal(value, &rec); err != nil {
		return rec, false, clerrors.NewValidationError("value", "invalid record: %v", err)
	}

	if rec.Source == "" {
		rec.Source = m.Headers[HeaderSource]
	}
	return rec, true, nil
}
