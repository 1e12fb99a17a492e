package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/lease"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search/memory"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/redis"
)

var now = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

const layout = "2006.01.02"

func retentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		Enabled:              true,
		Interval:             time.Hour,
		KeepDays:             30,
		IndexFilter:          "events-*",
		AgeSource:            AgeAuto,
		SnapshotTimeout:      time.Second,
		SnapshotPollInterval: time.Millisecond,
	}
}

func newSweeper(engine search.Engine, leases *lease.Table, cfg config.RetentionConfig, opts ...Option) *Sweeper {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(engine, leases, metrics.NewNop(), cfg, layout, opts...)
}

// unfiltered ignores patterns when listing, like a cluster returning more
// than was asked for.
type unfiltered struct{ *memory.Engine }

func (u unfiltered) ListIndices(ctx context.Context, _ []string) ([]search.IndexRecord, error) {
	return u.Engine.ListIndices(ctx, nil)
}

func TestSweepDeletesOnlyExpiredAndDefersLocked(t *testing.T) {
	engine := memory.New()
	engine.AddIndex("events-2024.01.21", now) // 40 days by name
	engine.AddIndex("events-2024.02.20", now) // 10 days
	engine.AddIndex("events-2024.01.10", now) // expired but being written
	engine.AddIndex("other-2020.01.01", now)  // outside the filter
	leases := lease.NewTable()
	releaseWrite, err := leases.AcquireWrite(context.Background(), "events-2024.01.10")
	require.NoError(t, err)

	s := newSweeper(unfiltered{engine}, leases, retentionConfig())
	report, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"events-2024.01.21"}, report.Deleted)
	assert.Equal(t, []string{"events-2024.01.10"}, report.Deferred)
	assert.Equal(t, 3, report.Examined)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, []string{"events-2024.01.21"}, engine.Deleted())

	// the deferred index goes on the next cycle once the write finished
	releaseWrite()
	report, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"events-2024.01.10"}, report.Deleted)
	assert.Empty(t, report.Deferred)
}

func TestSweepAgeFromCreation(t *testing.T) {
	engine := memory.New()
	engine.AddIndex("events-current", now.Add(-40*24*time.Hour))
	engine.AddIndex("events-2000.01.01", now.Add(-24*time.Hour))

	cfg := retentionConfig()
	cfg.AgeSource = AgeFromCreation
	report, err := newSweeper(engine, lease.NewTable(), cfg).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"events-current"}, report.Deleted)
}

func TestSweepAutoFallsBackToCreation(t *testing.T) {
	engine := memory.New()
	engine.AddIndex("events-rollover-000001", now.Add(-31*24*time.Hour))
	engine.AddIndex("events-2024.02.29", now.Add(-90*24*time.Hour))

	report, err := newSweeper(engine, lease.NewTable(), retentionConfig()).Sweep(context.Background())
	require.NoError(t, err)
	// the dated name wins over its creation time
	assert.Equal(t, []string{"events-rollover-000001"}, report.Deleted)
}

func TestSweepNameSourceSkipsUndatedIndices(t *testing.T) {
	engine := memory.New()
	engine.AddIndex("events-rollover-000001", now.Add(-300*24*time.Hour))
	cfg := retentionConfig()
	cfg.AgeSource = AgeFromName
	report, err := newSweeper(engine, lease.NewTable(), cfg).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, 1, report.Examined)
}

func TestSweepIsolatesDeletionFailures(t *testing.T) {
	engine := memory.New()
	engine.AddIndex("events-2024.01.01", now)
	engine.AddIndex("events-2024.01.02", now)
	engine.AddIndex("events-2024.01.03", now)
	engine.FailDelete("events-2024.01.02", errors.New("index is closed"))
	engine.FailDelete("events-2024.01.03", apperrors.New(apperrors.ErrIndexNotFound, "events-2024.01.03"))

	report, err := newSweeper(engine, lease.NewTable(), retentionConfig()).Sweep(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDeletion)
	assert.Contains(t, err.Error(), "index is closed")

	assert.Equal(t, []string{"events-2024.01.01", "events-2024.01.03"}, report.Deleted)
	assert.Equal(t, []string{"events-2024.01.02"}, report.Failed)
}

func TestSweepSnapshotsBeforeDeleting(t *testing.T) {
	engine := memory.New()
	engine.AddIndex("events-2024.01.01", now)
	cfg := retentionConfig()
	cfg.SnapshotRepository = "backups"

	report, err := newSweeper(engine, lease.NewTable(), cfg, WithSnapshotter(engine)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/events-2024.01.01"}, engine.Snapshots())
	assert.Equal(t, []string{"events-2024.01.01"}, report.Deleted)
}

type slowSnapshots struct {
	busyPolls int
	polls     int
	created   []string
	createErr error
	never     bool
}

func (s *slowSnapshots) SnapshotInProgress(ctx context.Context) (bool, error) {
	if s.busyPolls > 0 {
		s.busyPolls--
		return true, nil
	}
	return false, nil
}

func (s *slowSnapshots) CreateSnapshot(ctx context.Context, repository, snapshot, index string) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, snapshot)
	return nil
}

func (s *slowSnapshots) SnapshotSucceeded(ctx context.Context, repository, snapshot string) (bool, error) {
	s.polls++
	return !s.never && s.polls >= 3, nil
}

func TestSweepWaitsForRunningSnapshotAndPolls(t *testing.T) {
	engine := memory.New()
	engine.AddIndex("events-2024.01.01", now)
	snaps := &slowSnapshots{busyPolls: 2}
	cfg := retentionConfig()
	cfg.SnapshotRepository = "backups"

	report, err := newSweeper(engine, lease.NewTable(), cfg, WithSnapshotter(snaps)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"events-2024.01.01"}, snaps.created)
	assert.Equal(t, 3, snaps.polls)
	assert.Equal(t, []string{"events-2024.01.01"}, report.Deleted)
}

func TestSweepKeepsIndexWhenSnapshotFails(t *testing.T) {
	cfg := retentionConfig()
	cfg.SnapshotRepository = "backups"
	cfg.SnapshotTimeout = 20 * time.Millisecond

	for name, snaps := range map[string]*slowSnapshots{
		"create fails": {createErr: errors.New("repository missing")},
		"times out":    {never: true},
	} {
		t.Run(name, func(t *testing.T) {
			engine := memory.New()
			engine.AddIndex("events-2024.01.01", now)
			report, err := newSweeper(engine, lease.NewTable(), cfg, WithSnapshotter(snaps)).Sweep(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrDeletion)
			assert.Empty(t, report.Deleted)
			assert.Empty(t, engine.Deleted())
		})
	}
}

func TestSweepRequiresDistributedLock(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return redis.Wrap(rdb)
	}
	other, mine := newClient(), newClient()

	engine := memory.New()
	engine.AddIndex("events-2024.01.01", now)
	s := newSweeper(engine, lease.NewTable(), retentionConfig(), WithLocker(mine, time.Minute))

	held, err := other.Acquire(context.Background(), LockName, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, engine.Deleted())

	require.NoError(t, other.Release(context.Background(), LockName))
	report, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, []string{"events-2024.01.01"}, report.Deleted)

	// released at the end of the cycle
	assert.False(t, mr.Exists("indexsync:lock:"+LockName))
}

// clockedSnapshots takes wait of wall time to finish a snapshot and moves
// the miniredis clock along with it, since miniredis only expires keys on
// FastForward. On every poll a rival instance tries to take the sweep lock.
type clockedSnapshots struct {
	mr    *miniredis.Miniredis
	rival *redis.Client
	wait  time.Duration

	mu      sync.Mutex
	started time.Time
	last    time.Time
	stolen  bool
}

func (c *clockedSnapshots) SnapshotInProgress(ctx context.Context) (bool, error) { return false, nil }

func (c *clockedSnapshots) CreateSnapshot(ctx context.Context, repository, snapshot, index string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = time.Now()
	c.last = c.started
	return nil
}

func (c *clockedSnapshots) SnapshotSucceeded(ctx context.Context, repository, snapshot string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.mr.FastForward(now.Sub(c.last))
	c.last = now
	if ok, _ := c.rival.Acquire(ctx, LockName, time.Minute); ok {
		c.stolen = true
	}
	return now.Sub(c.started) >= c.wait, nil
}

func TestSweepRenewsLockDuringLongSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return redis.Wrap(rdb)
	}
	mine := newClient()
	snaps := &clockedSnapshots{mr: mr, rival: newClient(), wait: 300 * time.Millisecond}

	engine := memory.New()
	engine.AddIndex("events-2024.01.01", now)
	cfg := retentionConfig()
	cfg.SnapshotRepository = "backups"
	cfg.SnapshotPollInterval = 10 * time.Millisecond
	// the snapshot outlives the TTL several times over
	s := newSweeper(engine, lease.NewTable(), cfg, WithSnapshotter(snaps), WithLocker(mine, 60*time.Millisecond))

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"events-2024.01.01"}, report.Deleted)
	assert.False(t, snaps.stolen, "another instance acquired the sweep lock mid-pass")
	assert.False(t, mr.Exists("indexsync:lock:"+LockName))
}

type losingLocker struct{}

func (losingLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (losingLocker) Extend(ctx context.Context, name string, ttl time.Duration) error {
	return errors.New("lock taken over")
}

func (losingLocker) Release(ctx context.Context, name string) error { return nil }

func TestSweepAbortsWhenLockRenewalFails(t *testing.T) {
	engine := memory.New()
	engine.AddIndex("events-2024.01.01", now)
	engine.AddIndex("events-2024.01.02", now)
	cfg := retentionConfig()
	cfg.SnapshotRepository = "backups"
	cfg.SnapshotTimeout = 5 * time.Second
	s := newSweeper(engine, lease.NewTable(), cfg,
		WithSnapshotter(&slowSnapshots{never: true}),
		WithLocker(losingLocker{}, 30*time.Millisecond),
	)

	report, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLockLost)
	assert.Empty(t, report.Deleted)
	assert.Empty(t, engine.Deleted())
}

func TestRunSweepsImmediately(t *testing.T) {
	engine := memory.New()
	engine.AddIndex("events-2024.01.01", now)
	s := newSweeper(engine, lease.NewTable(), retentionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(engine.Deleted()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
