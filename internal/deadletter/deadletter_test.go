package deadletter

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/kafka"
)

type captureSink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *captureSink) Send(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func TestFromMessage(t *testing.T) {
	msg := kafka.Message{Topic: "orders", Partition: 1, Offset: 9, Value: []byte(`[1,2]`)}
	rec := FromMessage(msg, apperrors.New(apperrors.ErrMapping, "not an object"))
	assert.Equal(t, StageMapping, rec.Stage)
	assert.Equal(t, "mapping failed: not an object", rec.Reason)
	assert.JSONEq(t, `[1,2]`, string(rec.Payload))
	assert.Nil(t, rec.RawPayload)

	rec = FromMessage(kafka.Message{Value: []byte("\x00garbage")}, errors.New("bad"))
	assert.Nil(t, rec.Payload)
	assert.Equal(t, []byte("\x00garbage"), rec.RawPayload)
}

func TestMultiStampsOnceAndTriesEverySink(t *testing.T) {
	failing := &captureSink{err: errors.New("broker down")}
	ok := &captureSink{}
	m := NewMulti(failing, NewLogSink(nil), ok)

	err := m.Send(context.Background(), Record{Stage: StageWrite, Topic: "orders", Offset: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	require.Len(t, failing.records, 1)
	require.Len(t, ok.records, 1)
	assert.NotEmpty(t, ok.records[0].ID)
	assert.False(t, ok.records[0].At.IsZero())
	assert.Equal(t, failing.records[0].ID, ok.records[0].ID)
}

type fakePublisher struct {
	key     string
	value   any
	headers map[string]string
}

func (p *fakePublisher) Publish(ctx context.Context, key string, value any, headers map[string]string) error {
	p.key, p.value, p.headers = key, value, headers
	return nil
}

func TestKafkaSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewKafkaSink(pub)
	require.NoError(t, sink.Send(context.Background(), Record{
		Stage: StageWrite, Topic: "orders", Partition: 2, Offset: 77, DocumentID: "abc",
	}))

	assert.Equal(t, "orders/2/77", pub.key)
	assert.Equal(t, "write", pub.headers["dlq-stage"])
	assert.Equal(t, "77", pub.headers["dlq-source-offset"])
	rec, ok := pub.value.(Record)
	require.True(t, ok)
	assert.Equal(t, "abc", rec.DocumentID)
	assert.NotEmpty(t, rec.ID)
}

type fakeExecer struct {
	queries []string
	args    [][]any
	err     error
}

func (f *fakeExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	return nil, f.err
}

func TestPostgresSink(t *testing.T) {
	db := &fakeExecer{}
	sink, err := NewPostgresSink(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "CREATE TABLE IF NOT EXISTS dead_letters")

	require.NoError(t, sink.Send(context.Background(), Record{
		Stage: StageMapping, Reason: "bad", Topic: "orders", Partition: 0, Offset: 5,
		RawPayload: []byte("oops"),
	}))
	require.Len(t, db.queries, 2)
	assert.Contains(t, db.queries[1], "INSERT INTO dead_letters")
	args := db.args[1]
	require.Len(t, args, 11)
	assert.NotEmpty(t, args[0])
	assert.Equal(t, int64(5), args[5])
	assert.Equal(t, sql.NullString{}, args[6])
	assert.Equal(t, []byte("oops"), args[9])

	db.err = errors.New("connection reset")
	assert.Error(t, sink.Send(context.Background(), Record{Topic: "orders"}))
}

func TestLogSinkStampsStandaloneRecords(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Send(context.Background(), Record{Stage: StageMapping, Topic: "orders", Offset: 4}))

	line := buf.String()
	assert.Equal(t, 1, strings.Count(line, `"component"`))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "dead-letter", entry["component"])
	assert.NotEmpty(t, entry["id"])
	assert.NotEmpty(t, entry["at"])
}
