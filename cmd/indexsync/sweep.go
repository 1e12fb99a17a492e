package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/coordinator"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/lease"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
)

// sweepOverrides are the standalone cleaner's flags. Flags that were set
// win over the config file and environment.
type sweepOverrides struct {
	keepDays    int
	indexFilter string
	repository  string
	addresses   []string
}

var sweepFlags sweepOverrides

func (o *sweepOverrides) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVarP(&o.keepDays, "keep-days", "k", 0, "delete indices older than this many days")
	f.StringVarP(&o.indexFilter, "index-filter", "f", "", "comma separated index patterns to consider")
	f.StringVarP(&o.repository, "elasticsearch-repo", "r", "", "snapshot repository to back indices up to before deleting")
	f.StringSliceVarP(&o.addresses, "elasticsearch-addr", "h", nil, "Elasticsearch address, repeatable")
}

func (o *sweepOverrides) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("keep-days") {
		cfg.Retention.KeepDays = o.keepDays
	}
	if f.Changed("index-filter") {
		cfg.Retention.IndexFilter = o.indexFilter
	}
	if f.Changed("elasticsearch-repo") {
		cfg.Retention.SnapshotRepository = o.repository
	}
	if f.Changed("elasticsearch-addr") {
		cfg.Elasticsearch.Addresses = o.addresses
	}
	// an explicit sweep runs even when the scheduled one is off
	cfg.Retention.Enabled = true
	return cfg.Validate()
}

func init() {
	sweepFlags.register(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := sweepFlags.apply(cmd, cfg); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := open(ctx, cfg, prometheus.NewRegistry(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		report, err := coordinator.NewSweeper(*cfg, rt.deps, lease.NewTable()).Sweep(ctx)
		out := cmd.OutOrStdout()
		if report.Skipped {
			fmt.Fprintln(out, "skipped: another instance holds the sweep lock")
			return nil
		}
		fmt.Fprintf(out, "examined %d, expired %d, deleted %d, deferred %d, failed %d\n",
			report.Examined, report.Expired, len(report.Deleted), len(report.Deferred), len(report.Failed))
		for _, name := range report.Deleted {
			fmt.Fprintf(out, "deleted %s\n", name)
		}
		return err
	},
}
