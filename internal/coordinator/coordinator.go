// Package coordinator wires the sync pipeline and the retention sweeper
// around a shared lease table and owns graceful shutdown.
package coordinator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/consumer"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/deadletter"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/lease"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/mapper"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/retention"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/writer"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/resilience"
)

// Deps are the external collaborators. Snapshotter and Locker are
// optional; DeadLetter defaults to a stamping log sink and Metrics to a private
// registry.
type Deps struct {
	Broker      consumer.Broker
	Engine      search.Engine
	Snapshotter search.Snapshotter
	DeadLetter  deadletter.Sink
	Locker      retention.Locker
	Metrics     *metrics.Metrics
}

type Coordinator struct {
	cfg      config.Config
	leases   *lease.Table
	consumer *consumer.Consumer
	sweeper  *retention.Sweeper
	logger   *slog.Logger
}

func New(cfg config.Config, deps Deps) *Coordinator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.DeadLetter == nil {
		deps.DeadLetter = deadletter.NewMulti(deadletter.NewLogSink(nil))
	}
	leases := lease.NewTable()

	w := writer.New(deps.Engine, leases, deps.DeadLetter, deps.Metrics, cfg.Writer)
	c := consumer.New(deps.Broker, mapper.New(cfg.Mapping), w, deps.DeadLetter, deps.Metrics, consumer.Config{
		Batch: cfg.Batch,
		Commit: resilience.RetryConfig{
			MaxAttempts:  cfg.Writer.MaxAttempts,
			InitialDelay: cfg.Writer.InitialBackoff,
			MaxDelay:     cfg.Writer.MaxBackoff,
			Multiplier:   cfg.Writer.Multiplier,
		},
	})

	co := &Coordinator{
		cfg:      cfg,
		leases:   leases,
		consumer: c,
		logger:   slog.Default().With("component", "coordinator"),
	}
	if cfg.Retention.Enabled {
		co.sweeper = NewSweeper(cfg, deps, leases)
	}
	return co
}

// NewSweeper builds the retention sweeper for cfg. The coordinator shares
// its lease table with it; one-shot sweeps pass a fresh table.
func NewSweeper(cfg config.Config, deps Deps, leases *lease.Table) *retention.Sweeper {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	var opts []retention.Option
	if deps.Snapshotter != nil {
		opts = append(opts, retention.WithSnapshotter(deps.Snapshotter))
	}
	if deps.Locker != nil {
		opts = append(opts, retention.WithLocker(deps.Locker, cfg.Redis.LockTTL))
	}
	return retention.New(deps.Engine, leases, deps.Metrics, cfg.Retention, cfg.Mapping.IndexDateLayout, opts...)
}

// Leases exposes the shared lease table.
func (c *Coordinator) Leases() *lease.Table { return c.leases }

// Run starts the consumer and the sweeper and blocks until ctx ends and
// in-flight work has drained. Writes and commits continue after ctx ends
// for at most the shutdown timeout; past it the remaining work is
// abandoned uncommitted and Run returns ErrShutdownTimeout. A fatal
// pipeline error stops everything and is returned.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	var forced atomic.Bool
	timeout := c.cfg.Shutdown.Timeout
	stopTimer := context.AfterFunc(runCtx, func() {
		t := time.AfterFunc(timeout, func() {
			forced.Store(true)
			cancelDrain()
		})
		context.AfterFunc(drainCtx, func() { t.Stop() })
	})
	defer stopTimer()

	c.logger.Info("coordinator started",
		"retention_enabled", c.sweeper != nil,
		"shutdown_timeout", timeout,
	)

	var g errgroup.Group
	if c.sweeper != nil {
		g.Go(func() error { return c.sweeper.Run(runCtx) })
	}
	g.Go(func() error {
		err := c.consumer.Run(runCtx, drainCtx)
		if err != nil {
			// fatal: stop sweeping as well
			cancelRun()
		}
		return err
	})
	err := g.Wait()

	timedOut := forced.Load()
	cancelDrain()

	switch {
	case err != nil && !apperrors.IsCancellation(err):
		c.logger.Error("pipeline stopped on fatal error", "error", err)
		return err
	case timedOut:
		c.logger.Error("forced exit: shutdown timeout elapsed, in-flight work abandoned uncommitted", "timeout", timeout)
		return apperrors.Newf(apperrors.ErrShutdownTimeout, "drain did not finish within %s", timeout)
	default:
		c.logger.Info("coordinator stopped cleanly")
		return nil
	}
}
