package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/coordinator"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/deadletter"
	"github.com/Adithya-Monish-Kumar-K/indexsync/internal/search/elastic"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/indexsync/pkg/resilience"
)

const startupPingTimeout = 10 * time.Second

// services holds the opened clients and their teardown.
type services struct {
	cfg     *config.Config
	deps    coordinator.Deps
	health  *health.Checker
	closers []func() error
}

func (r *services) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrInvalidConfig) {
			return nil, err
		}
		return nil, apperrors.Newf(apperrors.ErrInvalidConfig, "%v", err)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// open connects to Elasticsearch and, when withBroker is set, Kafka, plus
// the optional Redis lock and Postgres dead-letter table. Unreachable
// required services fail startup.
func open(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, withBroker bool) (*services, error) {
	m := metrics.New(reg)
	rt := &services{cfg: cfg, health: health.NewChecker()}
	rt.deps.Metrics = m
	fail := func(err error) (*services, error) {
		rt.Close()
		return nil, err
	}

	es, err := elastic.New(cfg.Elasticsearch, m)
	if err != nil {
		return fail(err)
	}
	if err := resilience.WithTimeout(ctx, startupPingTimeout, "elasticsearch ping", es.Ping); err != nil {
		return fail(fmt.Errorf("elasticsearch unreachable: %w", err))
	}
	rt.deps.Engine = es
	rt.deps.Snapshotter = es
	rt.health.RegisterPing("elasticsearch", es.Ping)

	if withBroker {
		broker := kafka.NewConsumer(cfg.Kafka)
		rt.closers = append(rt.closers, broker.Close)
		if err := resilience.WithTimeout(ctx, startupPingTimeout, "kafka ping", broker.Ping); err != nil {
			return fail(fmt.Errorf("kafka unreachable: %w", err))
		}
		rt.deps.Broker = broker
		rt.health.RegisterPing("kafka", broker.Ping)
	}

	if cfg.Redis.Addr != "" {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, rc.Close)
		rt.deps.Locker = rc
		rt.health.RegisterOptional("redis", rc.Ping)
	}

	sinks := []deadletter.Sink{deadletter.NewLogSink(nil)}
	if withBroker && cfg.Kafka.DeadLetterTopic != "" {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.DeadLetterTopic)
		rt.closers = append(rt.closers, producer.Close)
		sinks = append(sinks, deadletter.NewKafkaSink(producer))
	}
	if withBroker && cfg.Postgres.Enabled {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, pg.Close)
		sink, err := deadletter.NewPostgresSink(ctx, pg.DB)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink)
		rt.health.RegisterOptional("postgres", pg.Ping)
	}
	rt.deps.DeadLetter = deadletter.NewMulti(sinks...)
	return rt, nil
}
