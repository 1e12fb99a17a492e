package consumer

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/deadletter"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/resilience"
)

// tracker holds a partition's cursor state: the last offset handed to the
// worker and the last offset committed to the broker.
type tracker struct {
	seen       bool
	lastSeen   int64
	committed  bool
	lastCommit int64
}

// observe records offset and reports whether it rewinds the partition.
func (t *tracker) observe(offset int64) bool {
	rewound := t.seen && offset <= t.lastSeen
	t.seen = true
	t.lastSeen = offset
	return rewound
}

// covered reports whether offset is already committed.
func (t *tracker) covered(offset int64) bool {
	return t.committed && offset <= t.lastCommit
}

func (t *tracker) checkCommit(offset int64) error {
	if t.committed && offset <= t.lastCommit {
		return apperrors.Newf(apperrors.ErrInvariant,
			"commit of offset %d does not advance past %d", offset, t.lastCommit)
	}
	return nil
}

func (t *tracker) commit(offset int64) {
	t.committed = true
	t.lastCommit = offset
}

type worker struct {
	c         *Consumer
	topic     string
	partition int
	in        chan Message
	acc       *batch.Accumulator
	cursor    tracker
	timer     *time.Timer
	logger    *slog.Logger
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

// run processes messages until the input channel closes, then flushes and
// commits the remainder. It returns nil when ctx ends first; only invariant
// violations are returned as errors.
func (w *worker) run(ctx context.Context) error {
	defer w.timer.Stop()
	var due <-chan time.Time
	for {
		var err error
		select {
		case msg, ok := <-w.in:
			if !ok {
				if b, ok := w.acc.FlushNow(); ok {
					err = w.flush(ctx, b)
				}
				return w.settle(ctx, err)
			}
			err = w.handle(ctx, msg)
		case <-due:
			due = nil
			if b, ok := w.acc.Expire(); ok {
				err = w.flush(ctx, b)
			}
		case <-ctx.Done():
			return w.settle(ctx, nil)
		}
		if err != nil {
			return w.settle(ctx, err)
		}
		due = w.arm()
	}
}

// settle separates abandoned work from fatal errors.
func (w *worker) settle(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if pending := w.acc.Len(); pending > 0 || err != nil {
			w.logger.Warn("abandoning uncommitted work", "buffered", pending, "last_committed", w.cursor.lastCommit)
		}
		if err != nil && apperrors.Is(err, apperrors.ErrInvariant) {
			return err
		}
		return nil
	}
	return err
}

func (w *worker) arm() <-chan time.Time {
	deadline, ok := w.acc.Deadline()
	if !ok {
		w.timer.Stop()
		return nil
	}
	w.timer.Reset(time.Until(deadline))
	return w.timer.C
}

func (w *worker) handle(ctx context.Context, msg Message) error {
	if w.cursor.observe(msg.Offset) {
		// the group rebalanced and replays from its committed cursor
		w.logger.Info("partition rewound, discarding uncommitted buffer",
			"offset", msg.Offset,
			"buffered", w.acc.Len(),
		)
		w.acc.Reset()
	}
	if w.cursor.covered(msg.Offset) {
		return nil
	}

	var (
		b  batch.Batch
		ok bool
	)
	doc, err := w.c.mapper.Map(msg)
	if err != nil {
		w.c.metrics.DeadLetters.WithLabelValues(deadletter.StageMapping).Inc()
		if dlqErr := w.c.dlq.Send(ctx, deadletter.FromMessage(msg, err)); dlqErr != nil {
			w.logger.Error("dead-lettering message failed", "offset", msg.Offset, "error", dlqErr)
		}
		b, ok = w.acc.Mark(msg.Offset)
	} else {
		b, ok = w.acc.Add(msg.Offset, doc)
	}
	if !ok {
		return nil
	}
	return w.flush(ctx, b)
}

// flush writes b, waiting for a free in-flight slot, and commits its high
// offset once every item is resolved.
func (w *worker) flush(ctx context.Context, b batch.Batch) error {
	m := w.c.metrics
	m.BatchesFlushed.WithLabelValues(string(b.Trigger)).Inc()
	m.BatchSize.Observe(float64(len(b.Items)))

	if len(b.Items) > 0 {
		if err := w.c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		m.BatchesInFlight.Inc()
		outcomes, err := w.c.writer.Write(ctx, b)
		m.BatchesInFlight.Dec()
		w.c.sem.Release(1)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			if !o.Status.Final() {
				return apperrors.Newf(apperrors.ErrInvariant,
					"offset %d left %s after write", o.Offset, o.Status)
			}
		}
	}
	return w.commit(ctx, b)
}

func (w *worker) commit(ctx context.Context, b batch.Batch) error {
	if err := w.cursor.checkCommit(b.HighOffset); err != nil {
		return err
	}
	msg := Message{Topic: b.Topic, Partition: b.Partition, Offset: b.HighOffset}
	err := resilience.Retry(ctx, "offset commit", w.c.cfg.Commit, nil, func() error {
		return w.c.broker.Commit(ctx, msg)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a later commit covers this offset
		w.c.metrics.CommitFailures.Inc()
		w.logger.Error("offset commit failed", "offset", b.HighOffset, "error", err)
		return nil
	}
	w.cursor.commit(b.HighOffset)
	w.c.metrics.OffsetsCommitted.WithLabelValues(b.Topic, strconv.Itoa(b.Partition)).Set(float64(b.HighOffset))
	w.logger.Debug("offsets committed",
		"offset", b.HighOffset,
		"items", len(b.Items),
		"trigger", b.Trigger,
	)
	return nil
}
