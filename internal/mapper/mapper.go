// Package mapper turns broker messages into search documents. Mapping is
// pure: the same message always yields the same index, id and body, so a
// redelivered message overwrites its earlier copy instead of duplicating it.
package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/kafka"
)

const timestampKey = "@timestamp"

// Document is a message mapped onto its target index.
type Document struct {
	Index string
	ID    string
	Body  json.RawMessage
}

type Mapper struct {
	prefix         string
	layout         string
	idField        string
	timestampField string
}

func New(cfg config.MappingConfig) *Mapper {
	layout := cfg.IndexDateLayout
	if layout == "" {
		layout = "2006.01.02"
	}
	return &Mapper{
		prefix:         cfg.IndexPrefix,
		layout:         layout,
		idField:        cfg.IDField,
		timestampField: cfg.TimestampField,
	}
}

// Map validates msg and derives its document. Errors wrap ErrMapping.
func (m *Mapper) Map(msg kafka.Message) (Document, error) {
	fields, err := decodeObject(msg.Value)
	if err != nil {
		return Document{}, apperrors.Newf(apperrors.ErrMapping,
			"%s/%d@%d: payload is not a JSON object: %v", msg.Topic, msg.Partition, msg.Offset, err)
	}

	id, err := m.documentID(msg, fields)
	if err != nil {
		return Document{}, err
	}

	eventTime, err := m.eventTime(msg, fields)
	if err != nil {
		return Document{}, err
	}
	// a zero time would land in a year-1 index the sweeper removes at once
	if eventTime.IsZero() {
		return Document{}, apperrors.Newf(apperrors.ErrMapping,
			"%s/%d@%d: message has no event time", msg.Topic, msg.Partition, msg.Offset)
	}

	if _, ok := fields[timestampKey]; !ok {
		fields[timestampKey] = eventTime.UTC().Format(time.RFC3339Nano)
	}
	// map keys are marshalled sorted, which keeps the body deterministic
	body, err := json.Marshal(fields)
	if err != nil {
		return Document{}, apperrors.Newf(apperrors.ErrMapping,
			"%s/%d@%d: encoding document: %v", msg.Topic, msg.Partition, msg.Offset, err)
	}

	return Document{
		Index: m.IndexFor(eventTime),
		ID:    id,
		Body:  body,
	}, nil
}

// IndexFor returns the daily index holding documents stamped t.
func (m *Mapper) IndexFor(t time.Time) string {
	return m.prefix + t.UTC().Format(m.layout)
}

func (m *Mapper) documentID(msg kafka.Message, fields map[string]any) (string, error) {
	if m.idField == "" {
		return DeriveID(msg.Topic, msg.Partition, msg.Offset), nil
	}
	raw, ok := fields[m.idField]
	if !ok || raw == nil {
		return "", apperrors.Newf(apperrors.ErrMapping,
			"%s/%d@%d: id field %q missing", msg.Topic, msg.Partition, msg.Offset, m.idField)
	}
	var id string
	switch v := raw.(type) {
	case string:
		id = v
	case json.Number:
		id = v.String()
	default:
		return "", apperrors.Newf(apperrors.ErrMapping,
			"%s/%d@%d: id field %q must be a string or number", msg.Topic, msg.Partition, msg.Offset, m.idField)
	}
	if strings.TrimSpace(id) == "" {
		return "", apperrors.Newf(apperrors.ErrMapping,
			"%s/%d@%d: id field %q is empty", msg.Topic, msg.Partition, msg.Offset, m.idField)
	}
	return id, nil
}

func (m *Mapper) eventTime(msg kafka.Message, fields map[string]any) (time.Time, error) {
	if m.timestampField == "" {
		return msg.Time, nil
	}
	raw, ok := fields[m.timestampField]
	if !ok || raw == nil {
		return msg.Time, nil
	}
	t, err := parseTimestamp(raw)
	if err != nil {
		return time.Time{}, apperrors.Newf(apperrors.ErrMapping,
			"%s/%d@%d: timestamp field %q: %v", msg.Topic, msg.Partition, msg.Offset, m.timestampField, err)
	}
	return t, nil
}

// DeriveID hashes a message position into a 16 character hex id.
func DeriveID(topic string, partition int, offset int64) string {
	key := topic + "/" + strconv.Itoa(partition) + "/" + strconv.FormatInt(offset, 10)
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		return time.Parse(time.RFC3339Nano, v)
	case json.Number:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("epoch millis %q: %w", v.String(), err)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", raw)
	}
}

func decodeObject(value []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("null payload")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after object")
	}
	return fields, nil
}
