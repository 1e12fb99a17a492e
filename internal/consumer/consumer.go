// Package consumer drives the sync pipeline: a single fetch loop pulls from
// the broker and hands each message to the worker owning its partition.
// Workers map, batch, write and commit sequentially, so a partition's
// offsets are only committed once everything before them is resolved.
package consumer

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/deadletter"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/mapper"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/writer"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/resilience"
)

type Message = kafka.Message

// Broker is the message source. Commit stores msg.Offset+1 as the
// partition's next read position.
type Broker interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// BatchWriter is implemented by *writer.Writer.
type BatchWriter interface {
	Write(ctx context.Context, b batch.Batch) ([]writer.Outcome, error)
}

type Config struct {
	Batch  config.BatchConfig
	Commit resilience.RetryConfig
	// QueueSize bounds each partition's hand-off channel. Defaults to
	// Batch.MaxItems.
	QueueSize int
}

type Consumer struct {
	broker  Broker
	mapper  *mapper.Mapper
	writer  BatchWriter
	dlq     deadletter.Sink
	metrics *metrics.Metrics
	cfg     Config
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

func New(broker Broker, m *mapper.Mapper, w BatchWriter, dlq deadletter.Sink, mt *metrics.Metrics, cfg Config) *Consumer {
	if cfg.Batch.MaxInFlight <= 0 {
		cfg.Batch.MaxInFlight = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Batch.MaxItems
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 500
	}
	cfg.Commit = cfg.Commit.WithDefaults()
	return &Consumer{
		broker:  broker,
		mapper:  m,
		writer:  w,
		dlq:     dlq,
		metrics: mt,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Batch.MaxInFlight)),
		logger:  slog.Default().With("component", "stream-consumer"),
	}
}

type partitionKey struct {
	topic     string
	partition int
}

// Run pulls until ctx ends, then lets every worker flush, write and commit
// what it already holds. Writes and commits use drainCtx, so cancelling
// drainCtx abandons in-flight work without committing it. Run returns the
// first fatal worker error, or nil.
func (c *Consumer) Run(ctx, drainCtx context.Context) error {
	g, workCtx := errgroup.WithContext(drainCtx)

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	// a failed worker stops the pulls as well
	stop := context.AfterFunc(workCtx, cancelFetch)
	defer stop()

	workers := make(map[partitionKey]*worker)
	fetchFailures := 0
	c.logger.Info("stream consumer started", "max_in_flight", c.cfg.Batch.MaxInFlight)

fetch:
	for {
		msg, err := c.broker.Fetch(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil {
				break
			}
			fetchFailures++
			delay := resilience.Backoff(fetchFailures, c.cfg.Commit)
			c.logger.Warn("fetch failed, retrying", "failures", fetchFailures, "next_delay", delay, "error", err)
			if resilience.Sleep(fetchCtx, delay) != nil {
				break
			}
			continue
		}
		fetchFailures = 0
		c.metrics.MessagesConsumed.WithLabelValues(msg.Topic).Inc()

		key := partitionKey{msg.Topic, msg.Partition}
		wk, ok := workers[key]
		if !ok {
			wk = c.newWorker(msg.Topic, msg.Partition)
			workers[key] = wk
			g.Go(func() error { return wk.run(workCtx) })
		}
		select {
		case wk.in <- msg:
		case <-fetchCtx.Done():
			// not handed off, so never committed; the broker redelivers it
			break fetch
		}
	}

	c.logger.Info("stream consumer draining", "partitions", len(workers))
	for _, wk := range workers {
		close(wk.in)
	}
	err := g.Wait()
	if err != nil {
		c.logger.Error("stream consumer stopped on fatal error", "error", err)
		return err
	}
	c.logger.Info("stream consumer stopped")
	return nil
}

func (c *Consumer) newWorker(topic string, partition int) *worker {
	return &worker{
		c:         c,
		topic:     topic,
		partition: partition,
		in:        make(chan Message, c.cfg.QueueSize),
		acc:       batch.New(topic, partition, c.cfg.Batch),
		logger:    logger.WithPartition(c.logger, topic, partition),
		timer:     newStoppedTimer(),
	}
}
