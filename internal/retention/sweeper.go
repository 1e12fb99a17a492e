// Package retention deletes indices that have aged past the retention
// window. Deletions go through the lease table so an index is never removed
// while a batch is being written to it.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/lease"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/tracing"
)

// LockName is the distributed lock guarding a sweep cycle.
const LockName = "retention-sweep"

// Age sources.
const (
	AgeFromName     = "name"
	AgeFromCreation = "creation"
	AgeAuto         = "auto"
)

// Locker elects a single sweeping instance. The holder renews with Extend
// for as long as its pass runs.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, name string, ttl time.Duration) error
	Release(ctx context.Context, name string) error
}

// Report summarises one sweep pass.
type Report struct {
	Examined int
	Expired  int
	Deleted  []string
	Deferred []string
	Failed   []string
	// Skipped is set when another instance held the sweep lock.
	Skipped bool
}

type Sweeper struct {
	engine     search.Engine
	snapshots  search.Snapshotter
	leases     *lease.Table
	locker     Locker
	lockTTL    time.Duration
	metrics    *metrics.Metrics
	cfg        config.RetentionConfig
	patterns   []string
	dateLayout string
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Sweeper)

// WithLocker makes each cycle conditional on holding LockName.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Sweeper) {
		s.locker = l
		s.lockTTL = ttl
	}
}

// WithSnapshotter enables snapshot-before-delete when the retention config
// names a repository.
func WithSnapshotter(sn search.Snapshotter) Option {
	return func(s *Sweeper) { s.snapshots = sn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New builds a sweeper. dateLayout is the layout of the date suffix in
// index names, used when ages are derived from names.
func New(engine search.Engine, leases *lease.Table, m *metrics.Metrics, cfg config.RetentionConfig, dateLayout string, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.AgeSource == "" {
		cfg.AgeSource = AgeAuto
	}
	if cfg.SnapshotPollInterval <= 0 {
		cfg.SnapshotPollInterval = 10 * time.Second
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 30 * time.Minute
	}
	s := &Sweeper{
		engine:     engine,
		leases:     leases,
		lockTTL:    10 * time.Minute,
		metrics:    m,
		cfg:        cfg,
		patterns:   cfg.Patterns(),
		dateLayout: dateLayout,
		now:        time.Now,
		logger:     slog.Default().With("component", "retention-sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately and then on every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("retention sweeper started",
		"interval", s.cfg.Interval,
		"keep_days", s.cfg.KeepDays,
		"patterns", s.patterns,
		"age_source", s.cfg.AgeSource,
	)
	sweep := func(ctx context.Context) {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep finished with errors", "error", err)
		}
	}
	sweep(ctx)

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return nil
		case <-t.C:
			sweep(ctx)
		}
	}
}

// Sweep runs one pass. Deletion failures do not stop the pass; they are
// collected into the returned error.
func (s *Sweeper) Sweep(ctx context.Context) (report Report, err error) {
	ctx, span := tracing.Start(ctx, "retention.sweep")
	defer func() {
		span.SetAttr("deleted", len(report.Deleted))
		span.End(err)
		span.Log(s.logger)
	}()

	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, LockName, s.lockTTL)
		if err != nil {
			s.metrics.SweepRuns.WithLabelValues("error").Inc()
			return report, fmt.Errorf("acquiring sweep lock: %w", err)
		}
		if !ok {
			s.logger.Debug("sweep lock held elsewhere, skipping cycle")
			s.metrics.SweepRuns.WithLabelValues("skipped").Inc()
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), LockName); err != nil {
				s.logger.Warn("releasing sweep lock failed", "error", err)
			}
		}()
		var stop func()
		ctx, stop = s.holdLock(ctx)
		defer stop()
	}

	records, err := s.engine.ListIndices(ctx, s.patterns)
	if err != nil {
		s.metrics.SweepRuns.WithLabelValues("error").Inc()
		return report, fmt.Errorf("listing indices: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	now := s.now()
	retention := s.cfg.Retention()
	var failures *multierror.Error
	for _, rec := range records {
		if ctx.Err() != nil {
			return report, context.Cause(ctx)
		}
		if !s.matches(rec.Name) {
			continue
		}
		report.Examined++
		age, ok := s.age(rec, now)
		if !ok {
			s.logger.Warn("cannot determine index age, skipping", "index", rec.Name, "age_source", s.cfg.AgeSource)
			continue
		}
		if age <= retention {
			continue
		}
		report.Expired++

		release, ok := s.leases.TryAcquireDelete(rec.Name)
		if !ok {
			s.logger.Info("index is being written, deferring deletion", "index", rec.Name, "age", age)
			s.metrics.IndicesDeferred.Inc()
			report.Deferred = append(report.Deferred, rec.Name)
			continue
		}
		err := s.remove(ctx, rec)
		release()
		if err != nil {
			if ctx.Err() != nil {
				return report, context.Cause(ctx)
			}
			s.logger.Error("deleting expired index failed", "index", rec.Name, "error", err)
			s.metrics.DeletionFailures.Inc()
			report.Failed = append(report.Failed, rec.Name)
			failures = multierror.Append(failures, err)
			continue
		}
		s.logger.Info("expired index deleted", "index", rec.Name, "age", age.Round(time.Hour), "docs", rec.DocCount)
		s.metrics.IndicesDeleted.Inc()
		report.Deleted = append(report.Deleted, rec.Name)
	}

	status := "ok"
	if len(report.Failed) > 0 {
		status = "partial"
	}
	s.metrics.SweepRuns.WithLabelValues(status).Inc()
	s.logger.Info("retention sweep finished",
		"examined", report.Examined,
		"expired", report.Expired,
		"deleted", len(report.Deleted),
		"deferred", len(report.Deferred),
		"failed", len(report.Failed),
	)
	return report, failures.ErrorOrNil()
}

// holdLock renews the sweep lock at a third of its TTL until stop is
// called. A failed renewal cancels the returned context with ErrLockLost so
// the pass ends before another instance can start deleting.
func (s *Sweeper) holdLock(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	every := s.lockTTL / 3
	if every <= 0 {
		every = time.Second
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.locker.Extend(ctx, LockName, s.lockTTL); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Error("renewing sweep lock failed, aborting pass", "error", err)
					cancel(apperrors.Newf(apperrors.ErrLockLost, "%s: %v", LockName, err))
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		<-exited
		cancel(nil)
	}
}

// matches re-checks name against the configured patterns; listings are not
// trusted to have filtered.
func (s *Sweeper) matches(name string) bool {
	for _, p := range s.patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (s *Sweeper) age(rec search.IndexRecord, now time.Time) (time.Duration, bool) {
	switch s.cfg.AgeSource {
	case AgeFromName:
		return s.ageFromName(rec.Name, now)
	case AgeFromCreation:
		return ageFromCreation(rec, now)
	default:
		if age, ok := s.ageFromName(rec.Name, now); ok {
			return age, true
		}
		return ageFromCreation(rec, now)
	}
}

// ageFromName parses the date suffix of name, such as events-2024.01.31.
func (s *Sweeper) ageFromName(name string, now time.Time) (time.Duration, bool) {
	n := len(s.dateLayout)
	if s.dateLayout == "" || len(name) < n {
		return 0, false
	}
	t, err := time.Parse(s.dateLayout, name[len(name)-n:])
	if err != nil {
		return 0, false
	}
	return now.Sub(t), true
}

func ageFromCreation(rec search.IndexRecord, now time.Time) (time.Duration, bool) {
	if rec.CreatedAt.IsZero() {
		return 0, false
	}
	return now.Sub(rec.CreatedAt), true
}

func (s *Sweeper) remove(ctx context.Context, rec search.IndexRecord) (err error) {
	ctx, span := tracing.Start(ctx, "retention.remove")
	span.SetAttr("index", rec.Name)
	defer func() { span.End(err) }()

	if s.snapshots != nil && s.cfg.SnapshotRepository != "" {
		if err := s.snapshot(ctx, rec.Name); err != nil {
			return apperrors.Newf(apperrors.ErrDeletion, "%s: snapshot: %v", rec.Name, err)
		}
	}
	err = s.engine.DeleteIndex(ctx, rec.Name)
	if apperrors.Is(err, apperrors.ErrIndexNotFound) {
		return nil
	}
	if err != nil && !apperrors.Is(err, apperrors.ErrDeletion) {
		return apperrors.Newf(apperrors.ErrDeletion, "%s: %v", rec.Name, err)
	}
	return err
}

// snapshot waits for the repository to be idle, snapshots name into a
// snapshot of the same name and polls until it succeeds.
func (s *Sweeper) snapshot(ctx context.Context, name string) (err error) {
	ctx, span := tracing.Start(ctx, "retention.snapshot")
	defer func() { span.End(err) }()
	return resilience.WithTimeout(ctx, s.cfg.SnapshotTimeout, "snapshot "+name, func(ctx context.Context) error {
		return s.takeSnapshot(ctx, name)
	})
}

func (s *Sweeper) takeSnapshot(ctx context.Context, name string) error {
	repo := s.cfg.SnapshotRepository
	poll := s.cfg.SnapshotPollInterval

	for {
		running, err := s.snapshots.SnapshotInProgress(ctx)
		if err != nil {
			return err
		}
		if !running {
			break
		}
		s.logger.Debug("snapshot in progress, waiting", "index", name)
		if err := resilience.Sleep(ctx, poll); err != nil {
			return fmt.Errorf("waiting for running snapshot: %w", err)
		}
	}

	if err := s.snapshots.CreateSnapshot(ctx, repo, name, name); err != nil {
		return err
	}
	for {
		done, err := s.snapshots.SnapshotSucceeded(ctx, repo, name)
		if err != nil {
			return err
		}
		if done {
			s.logger.Info("snapshot completed", "repository", repo, "snapshot", name)
			return nil
		}
		if err := resilience.Sleep(ctx, poll); err != nil {
			return fmt.Errorf("waiting for snapshot %s/%s: %w", repo, name, err)
		}
	}
}
