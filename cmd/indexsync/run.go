package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/coordinator"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/middleware"
)

const healthTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync pipeline and the retention sweeper until signalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("starting indexsync",
			"version", version,
			"topics", cfg.Kafka.Topics,
			"group", cfg.Kafka.ConsumerGroup,
			"elasticsearch", cfg.Elasticsearch.Addresses,
		)
		rt, err := open(ctx, cfg, prometheus.DefaultRegisterer, true)
		if err != nil {
			return err
		}
		defer rt.Close()

		if cfg.Metrics.Enabled {
			routes := middleware.Wrap(rt.health.Routes(), middleware.Metrics(rt.deps.Metrics), middleware.Timeout(healthTimeout))
			shutdown := metrics.StartServer(cfg.Metrics.Port, routes)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}

		err = coordinator.New(*cfg, rt.deps).Run(ctx)
		if err != nil {
			slog.Error("indexsync stopped", "error", err)
			return err
		}
		slog.Info("indexsync stopped")
		return nil
	},
}
