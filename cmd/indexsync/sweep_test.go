package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
)

func sweepCommand(t *testing.T, args ...string) (*cobra.Command, *sweepOverrides) {
	t.Helper()
	cmd := &cobra.Command{Use: "sweep"}
	o := &sweepOverrides{}
	o.register(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, o
}

func TestSweepFlagsOverrideConfig(t *testing.T) {
	cmd, o := sweepCommand(t, "-k", "7", "-f", "logs-*,audit-*", "-r", "backups", "-h", "http://es-0:9200", "-h", "http://es-1:9200")
	cfg := config.Default()
	cfg.Retention.Enabled = false

	require.NoError(t, o.apply(cmd, cfg))
	assert.Equal(t, 7, cfg.Retention.KeepDays)
	assert.Equal(t, []string{"logs-*", "audit-*"}, cfg.Retention.Patterns())
	assert.Equal(t, "backups", cfg.Retention.SnapshotRepository)
	assert.Equal(t, []string{"http://es-0:9200", "http://es-1:9200"}, cfg.Elasticsearch.Addresses)
	assert.True(t, cfg.Retention.Enabled)
}

func TestSweepFlagsKeepConfigWhenUnset(t *testing.T) {
	cmd, o := sweepCommand(t, "--keep-days", "3")
	cfg := config.Default()
	cfg.Retention.SnapshotRepository = "nightly"

	require.NoError(t, o.apply(cmd, cfg))
	assert.Equal(t, 3, cfg.Retention.KeepDays)
	assert.Equal(t, "events-*", cfg.Retention.IndexFilter)
	assert.Equal(t, "nightly", cfg.Retention.SnapshotRepository)
	assert.Equal(t, []string{"http://localhost:9200"}, cfg.Elasticsearch.Addresses)
}

func TestSweepFlagsAreValidated(t *testing.T) {
	cmd, o := sweepCommand(t, "-k", "0")
	err := o.apply(cmd, config.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}
