// Package writer delivers batches to the search engine. Each document moves
// through a small state machine (pending, retryable, permanent, accepted)
// and Write only returns once every document has a final state.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/deadletter"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/lease"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/resilience"
)

type Status int

const (
	StatusPending Status = iota
	StatusRetryable
	StatusPermanent
	StatusAccepted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRetryable:
		return "retryable"
	case StatusPermanent:
		return "permanent"
	case StatusAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Final reports whether no further write attempt will change s.
func (s Status) Final() bool {
	return s == StatusAccepted || s == StatusPermanent
}

// Outcome is the write result of one batch item, in batch order.
type Outcome struct {
	Offset     int64
	Index      string
	DocumentID string
	Status     Status
	Attempts   int
	Err        error
}

type Writer struct {
	engine    search.Engine
	leases    *lease.Table
	dlq       deadletter.Sink
	metrics   *metrics.Metrics
	itemRetry resilience.RetryConfig
	connRetry resilience.RetryConfig
	waitWarn  time.Duration
	logger    *slog.Logger
}

func New(engine search.Engine, leases *lease.Table, dlq deadletter.Sink, m *metrics.Metrics, cfg config.WriterConfig) *Writer {
	itemRetry := resilience.RetryConfig{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialBackoff,
		MaxDelay:     cfg.MaxBackoff,
		Multiplier:   cfg.Multiplier,
	}.WithDefaults()
	connRetry := itemRetry
	connRetry.MaxAttempts = resilience.Unlimited
	waitWarn := cfg.LeaseWaitWarn
	if waitWarn <= 0 {
		waitWarn = 10 * time.Second
	}
	return &Writer{
		engine:    engine,
		leases:    leases,
		dlq:       dlq,
		metrics:   m,
		itemRetry: itemRetry,
		connRetry: connRetry,
		waitWarn:  waitWarn,
		logger:    slog.Default().With("component", "index-writer"),
	}
}

// Write sends every item of b until each is accepted or permanently failed.
// Permanent failures are dead-lettered. An error is returned only when ctx
// ends first; the outcomes then still contain unresolved items.
func (w *Writer) Write(ctx context.Context, b batch.Batch) ([]Outcome, error) {
	outcomes := make([]Outcome, len(b.Items))
	for i, it := range b.Items {
		outcomes[i] = Outcome{
			Offset:     it.Offset,
			Index:      it.Doc.Index,
			DocumentID: it.Doc.ID,
			Status:     StatusPending,
		}
	}

	logger := w.logger.With("topic", b.Topic, "partition", b.Partition, "high_offset", b.HighOffset)
	connFailures, retryRounds := 0, 0
	for {
		open := unresolved(outcomes)
		if len(open) == 0 {
			break
		}

		missing, err := w.round(ctx, b, outcomes, open)
		if err != nil {
			if ctx.Err() != nil {
				return outcomes, fmt.Errorf("writing batch %s/%d@%d: %w", b.Topic, b.Partition, b.HighOffset, ctx.Err())
			}
			if apperrors.Is(err, apperrors.ErrConnectivity) {
				connFailures++
				delay := resilience.Backoff(connFailures, w.connRetry)
				logger.Warn("search engine unreachable, retrying bulk",
					"failures", connFailures,
					"next_delay", delay,
					"error", err,
				)
				if err := resilience.Sleep(ctx, delay); err != nil {
					return outcomes, fmt.Errorf("writing batch %s/%d@%d: %w", b.Topic, b.Partition, b.HighOffset, err)
				}
				continue
			}
			// any other request failure costs every open item one attempt
			logger.Warn("bulk request failed", "items", len(open), "error", err)
			status := StatusRetryable
			if apperrors.Is(err, apperrors.ErrPermanent) {
				status = StatusPermanent
			}
			for _, i := range open {
				outcomes[i].Attempts++
				outcomes[i].Status = status
				outcomes[i].Err = fmt.Errorf("bulk request: %w", err)
			}
		}
		connFailures = 0

		for _, name := range missing {
			if err := w.engine.CreateIndex(ctx, name); err != nil {
				logger.Warn("creating missing index failed", "index", name, "error", err)
			}
		}

		retrying := w.exhaust(outcomes)
		if retrying == 0 {
			continue
		}
		retryRounds++
		delay := resilience.Backoff(retryRounds, w.itemRetry)
		logger.Debug("retrying documents", "count", retrying, "round", retryRounds, "next_delay", delay)
		if err := resilience.Sleep(ctx, delay); err != nil {
			return outcomes, fmt.Errorf("writing batch %s/%d@%d: %w", b.Topic, b.Partition, b.HighOffset, err)
		}
	}

	w.finish(ctx, b, outcomes)
	return outcomes, nil
}

// round issues one bulk request for the open items and applies the item
// results. It returns the indices reported missing.
func (w *Writer) round(ctx context.Context, b batch.Batch, outcomes []Outcome, open []int) ([]string, error) {
	ops := make([]search.Operation, len(open))
	names := make([]string, 0, len(open))
	for j, i := range open {
		doc := b.Items[i].Doc
		ops[j] = search.Operation{Index: doc.Index, ID: doc.ID, Body: doc.Body}
		names = append(names, doc.Index)
	}

	release, err := w.acquire(ctx, b, names)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	results, err := w.engine.Bulk(ctx, ops)
	release()
	w.metrics.BulkLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		w.metrics.BulkRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(results) != len(ops) {
		w.metrics.BulkRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("bulk returned %d results for %d operations", len(results), len(ops))
	}

	missing := make(map[string]struct{})
	failed := 0
	for j, r := range results {
		o := &outcomes[open[j]]
		o.Attempts++
		switch search.Classify(r) {
		case search.ClassAccepted:
			o.Status = StatusAccepted
			o.Err = nil
		case search.ClassMissingIndex:
			missing[o.Index] = struct{}{}
			o.Status = StatusRetryable
			o.Err = apperrors.Newf(apperrors.ErrRetryable, "index %s missing", o.Index)
		case search.ClassRetryable:
			o.Status = StatusRetryable
			o.Err = apperrors.Newf(apperrors.ErrRetryable, "%d %s: %s", r.Status, r.ErrorType, r.Reason)
		default:
			o.Status = StatusPermanent
			o.Err = apperrors.Newf(apperrors.ErrPermanent, "%d %s: %s", r.Status, r.ErrorType, r.Reason)
		}
		if o.Status != StatusAccepted {
			failed++
		}
	}
	if failed == 0 {
		w.metrics.BulkRequests.WithLabelValues("ok").Inc()
	} else {
		w.metrics.BulkRequests.WithLabelValues("partial").Inc()
	}

	names = names[:0]
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// acquire takes the write leases for names. A snapshot-before-delete can
// hold an index for minutes, so long waits are reported.
func (w *Writer) acquire(ctx context.Context, b batch.Batch, names []string) (func(), error) {
	start := time.Now()
	warn := time.AfterFunc(w.waitWarn, func() {
		w.metrics.LeaseWaits.Inc()
		w.logger.Warn("batch blocked on index deletion",
			"topic", b.Topic,
			"partition", b.Partition,
			"high_offset", b.HighOffset,
			"waited", w.waitWarn,
		)
	})
	release, err := w.leases.AcquireWrite(ctx, names...)
	if !warn.Stop() {
		w.logger.Info("batch resumed after index deletion", "topic", b.Topic, "partition", b.Partition, "waited", time.Since(start).Round(time.Millisecond))
	}
	return release, err
}

// exhaust turns retryable items that used all attempts into permanent
// failures and returns how many remain retryable.
func (w *Writer) exhaust(outcomes []Outcome) int {
	retrying := 0
	for i := range outcomes {
		o := &outcomes[i]
		if o.Status != StatusRetryable {
			continue
		}
		if o.Attempts >= w.itemRetry.MaxAttempts {
			o.Status = StatusPermanent
			o.Err = apperrors.Newf(apperrors.ErrPermanent, "gave up after %d attempts: %v", o.Attempts, o.Err)
			continue
		}
		retrying++
	}
	return retrying
}

func (w *Writer) finish(ctx context.Context, b batch.Batch, outcomes []Outcome) {
	accepted := 0
	for i, o := range outcomes {
		if o.Status == StatusAccepted {
			accepted++
			continue
		}
		w.metrics.DocumentsWritten.WithLabelValues(StatusPermanent.String()).Inc()
		w.metrics.DeadLetters.WithLabelValues(deadletter.StageWrite).Inc()
		rec := deadletter.Record{
			Stage:      deadletter.StageWrite,
			Reason:     o.Err.Error(),
			Topic:      b.Topic,
			Partition:  b.Partition,
			Offset:     o.Offset,
			Index:      o.Index,
			DocumentID: o.DocumentID,
			Attempts:   o.Attempts,
			Payload:    b.Items[i].Doc.Body,
		}
		if err := w.dlq.Send(ctx, rec); err != nil {
			w.logger.Error("dead-lettering document failed",
				"topic", b.Topic,
				"partition", b.Partition,
				"offset", o.Offset,
				"document_id", o.DocumentID,
				"error", err,
			)
		}
	}
	if accepted > 0 {
		w.metrics.DocumentsWritten.WithLabelValues(StatusAccepted.String()).Add(float64(accepted))
	}
}

func unresolved(outcomes []Outcome) []int {
	var open []int
	for i, o := range outcomes {
		if !o.Status.Final() {
			open = append(open, i)
		}
	}
	return open
}
