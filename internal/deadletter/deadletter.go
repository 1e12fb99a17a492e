// Package deadletter records messages and documents that the pipeline gave
// up on. Sinks are best-effort: a sink failure is logged and never blocks
// offset progress.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/kafka"
)

// Stages at which a record can be dead-lettered.
const (
	StageMapping = "mapping"
	StageWrite   = "write"
)

// Record describes one rejected message or document.
type Record struct {
	ID         string          `json:"id"`
	Stage      string          `json:"stage"`
	Reason     string          `json:"reason"`
	Topic      string          `json:"topic"`
	Partition  int             `json:"partition"`
	Offset     int64           `json:"offset"`
	Index      string          `json:"index,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RawPayload []byte          `json:"raw_payload,omitempty"`
	At         time.Time       `json:"at"`
}

// Sink receives dead-lettered records.
type Sink interface {
	Send(ctx context.Context, rec Record) error
}

// FromMessage builds a mapping-stage record for msg. Payloads that are not
// valid JSON are kept as raw bytes.
func FromMessage(msg kafka.Message, cause error) Record {
	rec := Record{
		Stage:     StageMapping,
		Reason:    cause.Error(),
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	if json.Valid(msg.Value) {
		rec.Payload = json.RawMessage(msg.Value)
	} else {
		rec.RawPayload = msg.Value
	}
	return rec
}

func stamp(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	return rec
}

// LogSink writes each record as a structured warning. Records that did not
// come through Multi are stamped here.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through logger, or the default logger when nil, tagged
// with the dead-letter component.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "dead-letter")}
}

func (s *LogSink) Send(ctx context.Context, rec Record) error {
	rec = stamp(rec)
	s.logger.WarnContext(ctx, "record dead-lettered",
		"id", rec.ID,
		"at", rec.At,
		"stage", rec.Stage,
		"reason", rec.Reason,
		"topic", rec.Topic,
		"partition", rec.Partition,
		"offset", rec.Offset,
		"index", rec.Index,
		"document_id", rec.DocumentID,
		"attempts", rec.Attempts,
	)
	return nil
}

// Multi fans a record out to every sink, stamping it once so all sinks see
// the same id and time. Every sink is tried; errors are joined.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{
		sinks:  sinks,
		logger: slog.Default().With("component", "dead-letter"),
	}
}

func (m *Multi) Send(ctx context.Context, rec Record) error {
	rec = stamp(rec)
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ctx, rec); err != nil {
			m.logger.Error("dead-letter sink failed",
				"id", rec.ID,
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
