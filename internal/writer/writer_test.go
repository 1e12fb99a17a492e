package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/deadletter"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/lease"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/mapper"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search/memory"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
)

type captureSink struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (s *captureSink) Send(ctx context.Context, rec deadletter.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) all() []deadletter.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deadletter.Record(nil), s.records...)
}

var fastRetry = config.WriterConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	Multiplier:     2,
}

func newWriter(engine search.Engine) (*Writer, *lease.Table, *captureSink) {
	leases := lease.NewTable()
	dlq := &captureSink{}
	return New(engine, leases, dlq, metrics.NewNop(), fastRetry), leases, dlq
}

func testBatch(n int) batch.Batch {
	b := batch.Batch{Topic: "orders", Partition: 1, Trigger: batch.TriggerSize}
	for i := 0; i < n; i++ {
		b.Items = append(b.Items, batch.Item{
			Offset: int64(i),
			Doc: mapper.Document{
				Index: "events-2024.03.01",
				ID:    fmt.Sprintf("doc-%d", i),
				Body:  []byte(fmt.Sprintf(`{"n":%d}`, i)),
			},
		})
	}
	b.HighOffset = int64(n - 1)
	return b
}

func rejected() search.ItemResult {
	return search.ItemResult{Status: 429, ErrorType: "es_rejected_execution_exception", Reason: "queue full"}
}

func TestWriteAllAccepted(t *testing.T) {
	engine := memory.New()
	w, _, dlq := newWriter(engine)

	outcomes, err := w.Write(context.Background(), testBatch(5))
	require.NoError(t, err)
	require.Len(t, outcomes, 5)
	for i, o := range outcomes {
		assert.Equal(t, StatusAccepted, o.Status)
		assert.Equal(t, int64(i), o.Offset)
		assert.Equal(t, 1, o.Attempts)
	}
	assert.Equal(t, 5, engine.Count())
	assert.Equal(t, 1, engine.Requests())
	assert.Empty(t, dlq.all())
}

func TestWriteRetriesRetryableItemsOnly(t *testing.T) {
	engine := memory.New()
	engine.FailDocument("doc-2", rejected(), rejected())
	w, _, dlq := newWriter(engine)

	outcomes, err := w.Write(context.Background(), testBatch(4))
	require.NoError(t, err)

	assert.Equal(t, StatusAccepted, outcomes[2].Status)
	assert.Equal(t, 3, outcomes[2].Attempts)
	assert.Equal(t, 1, outcomes[0].Attempts)
	assert.Equal(t, 3, engine.Requests())
	assert.Empty(t, dlq.all())
}

func TestWriteGivesUpAfterMaxAttempts(t *testing.T) {
	engine := memory.New()
	engine.FailDocument("doc-0", rejected(), rejected(), rejected(), rejected())
	w, _, dlq := newWriter(engine)

	outcomes, err := w.Write(context.Background(), testBatch(2))
	require.NoError(t, err)

	assert.Equal(t, StatusPermanent, outcomes[0].Status)
	assert.Equal(t, 3, outcomes[0].Attempts)
	assert.ErrorIs(t, outcomes[0].Err, apperrors.ErrPermanent)
	assert.Equal(t, StatusAccepted, outcomes[1].Status)

	records := dlq.all()
	require.Len(t, records, 1)
	assert.Equal(t, deadletter.StageWrite, records[0].Stage)
	assert.Equal(t, "doc-0", records[0].DocumentID)
	assert.Equal(t, int64(0), records[0].Offset)
	assert.Equal(t, 3, records[0].Attempts)
	assert.JSONEq(t, `{"n":0}`, string(records[0].Payload))
}

func TestWritePermanentFailureNotRetried(t *testing.T) {
	engine := memory.New()
	engine.FailDocument("doc-1", search.ItemResult{Status: 400, ErrorType: "mapper_parsing_exception", Reason: "failed to parse field [n]"})
	w, _, dlq := newWriter(engine)

	outcomes, err := w.Write(context.Background(), testBatch(3))
	require.NoError(t, err)
	assert.Equal(t, StatusPermanent, outcomes[1].Status)
	assert.Equal(t, 1, outcomes[1].Attempts)
	assert.Equal(t, 1, engine.Requests())
	require.Len(t, dlq.all(), 1)
	assert.Contains(t, dlq.all()[0].Reason, "mapper_parsing_exception")
}

func TestWriteCreatesMissingIndex(t *testing.T) {
	engine := memory.New()
	engine.AutoCreate = false
	w, _, dlq := newWriter(engine)

	outcomes, err := w.Write(context.Background(), testBatch(2))
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.Equal(t, StatusAccepted, o.Status)
		assert.Equal(t, 2, o.Attempts)
	}
	assert.Equal(t, 2, engine.Count())
	assert.Empty(t, dlq.all())
}

func TestWriteRetriesConnectivityWithoutSpendingAttempts(t *testing.T) {
	engine := memory.New()
	var calls atomic.Int32
	engine.BulkHook = func(ctx context.Context, ops []search.Operation) error {
		if calls.Add(1) <= 6 {
			return apperrors.New(apperrors.ErrConnectivity, "connection refused")
		}
		return nil
	}
	w, _, dlq := newWriter(engine)

	outcomes, err := w.Write(context.Background(), testBatch(2))
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.Equal(t, StatusAccepted, o.Status)
		assert.Equal(t, 1, o.Attempts)
	}
	assert.Equal(t, int32(7), calls.Load())
	assert.Empty(t, dlq.all())
}

func TestWriteReturnsErrorWhenContextEnds(t *testing.T) {
	engine := memory.New()
	engine.BulkHook = func(ctx context.Context, ops []search.Operation) error {
		return apperrors.New(apperrors.ErrConnectivity, "connection refused")
	}
	w, _, dlq := newWriter(engine)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	outcomes, err := w.Write(ctx, testBatch(2))
	require.Error(t, err)
	assert.True(t, apperrors.IsCancellation(err))
	for _, o := range outcomes {
		assert.False(t, o.Status.Final())
	}
	assert.Empty(t, dlq.all())
}

// Writing the same batch twice leaves exactly one copy of each document.
func TestWriteRedeliveryIsIdempotent(t *testing.T) {
	engine := memory.New()
	w, _, _ := newWriter(engine)

	_, err := w.Write(context.Background(), testBatch(10))
	require.NoError(t, err)
	outcomes, err := w.Write(context.Background(), testBatch(10))
	require.NoError(t, err)

	for _, o := range outcomes {
		assert.Equal(t, StatusAccepted, o.Status)
	}
	assert.Equal(t, 10, engine.Count())
	doc, ok := engine.Document("events-2024.03.01", "doc-3")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":3}`, string(doc))
}

func TestWriteWaitsForDeletionLease(t *testing.T) {
	engine := memory.New()
	w, leases, _ := newWriter(engine)

	releaseDelete, ok := leases.TryAcquireDelete("events-2024.03.01")
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		_, err := w.Write(context.Background(), testBatch(1))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("write finished while the index was being deleted")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, engine.Requests())

	releaseDelete()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not resume after deletion")
	}
	assert.Equal(t, 1, engine.Count())
}

func TestWriteReportsLongDeletionWaits(t *testing.T) {
	engine := memory.New()
	leases := lease.NewTable()
	m := metrics.NewNop()
	cfg := fastRetry
	cfg.LeaseWaitWarn = 10 * time.Millisecond
	w := New(engine, leases, &captureSink{}, m, cfg)

	_, err := w.Write(context.Background(), testBatch(1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, promtest.ToFloat64(m.LeaseWaits))

	releaseDelete, ok := leases.TryAcquireDelete("events-2024.03.01")
	require.True(t, ok)
	time.AfterFunc(80*time.Millisecond, releaseDelete)

	_, err = w.Write(context.Background(), testBatch(1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.LeaseWaits))
}

func TestWriteEmptyBatch(t *testing.T) {
	engine := memory.New()
	w, _, _ := newWriter(engine)
	outcomes, err := w.Write(context.Background(), batch.Batch{Topic: "orders", HighOffset: 9})
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 0, engine.Requests())
}
