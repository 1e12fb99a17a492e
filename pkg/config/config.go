// Package config loads and validates indexsync configuration from a YAML file
// with environment-variable overrides. It provides typed structs for every
// subsystem (Kafka, Elasticsearch, batching, retention, Redis, Postgres, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Adithya-Monish-Kumar-K/indexsync/pkg/errors"
)

// Config is the top-level application configuration.
type Config struct {
	Kafka         KafkaConfig         `yaml:"kafka"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Batch         BatchConfig         `yaml:"batch"`
	Writer        WriterConfig        `yaml:"writer"`
	Mapping       MappingConfig       `yaml:"mapping"`
	Retention     RetentionConfig     `yaml:"retention"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Shutdown      ShutdownConfig      `yaml:"shutdown"`
}

// KafkaConfig holds broker, topic and consumer group settings.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers" validate:"min=1,dive,required"`
	Topics          []string      `yaml:"topics" validate:"min=1,dive,required"`
	ConsumerGroup   string        `yaml:"consumerGroup" validate:"required"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	MaxWait         time.Duration `yaml:"maxWait"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
}

// ElasticsearchConfig holds the search cluster connection.
type ElasticsearchConfig struct {
	Addresses      []string      `yaml:"addresses" validate:"min=1,dive,url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// BatchConfig controls when the accumulator emits a batch and how many
// batches may be in flight to the writer at once.
type BatchConfig struct {
	MaxItems    int           `yaml:"maxItems" validate:"gt=0"`
	MaxWait     time.Duration `yaml:"maxWait" validate:"gt=0"`
	MaxInFlight int           `yaml:"maxInFlight" validate:"gt=0"`
}

// WriterConfig is the retry policy for retryable bulk item failures.
// LeaseWaitWarn is how long a batch may wait on an index deletion before a
// warning is logged.
type WriterConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts" validate:"gt=0"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	Multiplier     float64       `yaml:"multiplier"`
	LeaseWaitWarn  time.Duration `yaml:"leaseWaitWarn"`
}

// MappingConfig controls message to document mapping.
type MappingConfig struct {
	IndexPrefix     string `yaml:"indexPrefix"`
	IndexDateLayout string `yaml:"indexDateLayout" validate:"required"`
	IDField         string `yaml:"idField"`
	TimestampField  string `yaml:"timestampField"`
}

// RetentionConfig controls the periodic index sweep.
type RetentionConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	KeepDays             int           `yaml:"keepDays"`
	IndexFilter          string        `yaml:"indexFilter"`
	AgeSource            string        `yaml:"ageSource"`
	SnapshotRepository   string        `yaml:"snapshotRepository"`
	SnapshotTimeout      time.Duration `yaml:"snapshotTimeout"`
	SnapshotPollInterval time.Duration `yaml:"snapshotPollInterval"`
}

// Retention returns the retention window as a duration.
func (r RetentionConfig) Retention() time.Duration {
	return time.Duration(r.KeepDays) * 24 * time.Hour
}

// Patterns splits the comma separated index filter.
func (r RetentionConfig) Patterns() []string {
	var out []string
	for _, p := range strings.Split(r.IndexFilter, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RedisConfig enables the distributed sweep lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	LockTTL  time.Duration `yaml:"lockTTL"`
}

// PostgresConfig holds the dead-letter table connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ShutdownConfig bounds the graceful drain.
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			Topics:        []string{"events"},
			ConsumerGroup: "indexsync",
			MaxWait:       500 * time.Millisecond,
			DialTimeout:   10 * time.Second,
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses:      []string{"http://localhost:9200"},
			RequestTimeout: 30 * time.Second,
		},
		Batch: BatchConfig{
			MaxItems:    500,
			MaxWait:     2 * time.Second,
			MaxInFlight: 4,
		},
		Writer: WriterConfig{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
			LeaseWaitWarn:  10 * time.Second,
		},
		Mapping: MappingConfig{
			IndexPrefix:     "events-",
			IndexDateLayout: "2006.01.02",
		},
		Retention: RetentionConfig{
			Enabled:              true,
			Interval:             time.Hour,
			KeepDays:             15,
			IndexFilter:          "events-*",
			AgeSource:            "auto",
			SnapshotTimeout:      30 * time.Minute,
			SnapshotPollInterval: 10 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			LockTTL:  10 * time.Minute,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "indexsync",
			User:            "indexsync",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperrors.Newf(apperrors.ErrInvalidConfig, "%s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return apperrors.Newf(apperrors.ErrInvalidConfig, "%v", err)
	}
	if c.Shutdown.Timeout <= 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "shutdown.timeout must be positive, got %s", c.Shutdown.Timeout)
	}
	if c.Retention.Enabled {
		switch {
		case c.Retention.Interval <= 0:
			return apperrors.Newf(apperrors.ErrInvalidConfig, "retention.interval must be positive, got %s", c.Retention.Interval)
		case c.Retention.KeepDays <= 0:
			return apperrors.Newf(apperrors.ErrInvalidConfig, "retention.keepDays must be positive, got %d", c.Retention.KeepDays)
		case len(c.Retention.Patterns()) == 0:
			return apperrors.New(apperrors.ErrInvalidConfig, "retention.indexFilter is empty")
		}
		switch c.Retention.AgeSource {
		case "auto", "name", "creation":
		default:
			return apperrors.Newf(apperrors.ErrInvalidConfig, "retention.ageSource %q is not one of auto, name, creation", c.Retention.AgeSource)
		}
	}
	return nil
}

// applyEnvOverrides reads INDEXSYNC_* variables, plus the ELASTICSEARCH_*
// names the standalone cleaner used, and overrides the matching fields. A
// value that does not parse is a configuration error.
func applyEnvOverrides(cfg *Config) error {
	var errs *multierror.Error
	setInt := func(dst *int, keys ...string) {
		if key, v := lookupEnv(keys...); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	setDuration := func(dst *time.Duration, keys ...string) {
		if key, v := lookupEnv(keys...); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s=%q is not a duration", key, v))
				return
			}
			*dst = d
		}
	}

	if v := os.Getenv("INDEXSYNC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("INDEXSYNC_KAFKA_TOPICS"); v != "" {
		cfg.Kafka.Topics = splitList(v)
	}
	if v := os.Getenv("INDEXSYNC_KAFKA_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("INDEXSYNC_KAFKA_DEAD_LETTER_TOPIC"); v != "" {
		cfg.Kafka.DeadLetterTopic = v
	}
	if v := firstEnv("INDEXSYNC_ELASTICSEARCH_ADDRESSES", "ELASTICSEARCH_ADDRESS"); v != "" {
		cfg.Elasticsearch.Addresses = splitList(v)
	}
	if v := os.Getenv("INDEXSYNC_ELASTICSEARCH_USERNAME"); v != "" {
		cfg.Elasticsearch.Username = v
	}
	if v := os.Getenv("INDEXSYNC_ELASTICSEARCH_PASSWORD"); v != "" {
		cfg.Elasticsearch.Password = v
	}
	setInt(&cfg.Batch.MaxItems, "INDEXSYNC_BATCH_MAX_ITEMS")
	setDuration(&cfg.Batch.MaxWait, "INDEXSYNC_BATCH_MAX_WAIT")
	setInt(&cfg.Retention.KeepDays, "INDEXSYNC_RETENTION_KEEP_DAYS", "ELASTICSEARCH_KEEP_DAYS")
	if v := firstEnv("INDEXSYNC_RETENTION_INDEX_FILTER", "ELASTICSEARCH_INDEX_FILTER"); v != "" {
		cfg.Retention.IndexFilter = v
	}
	if v := firstEnv("INDEXSYNC_RETENTION_SNAPSHOT_REPOSITORY", "ELASTICSEARCH_REPOSITORY"); v != "" {
		cfg.Retention.SnapshotRepository = v
	}
	if v := os.Getenv("INDEXSYNC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("INDEXSYNC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("INDEXSYNC_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("INDEXSYNC_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("INDEXSYNC_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("INDEXSYNC_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	setInt(&cfg.Metrics.Port, "INDEXSYNC_METRICS_PORT")
	setDuration(&cfg.Shutdown.Timeout, "INDEXSYNC_SHUTDOWN_TIMEOUT")

	if err := errs.ErrorOrNil(); err != nil {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "environment overrides: %v", err)
	}
	return nil
}

func firstEnv(keys ...string) string {
	_, v := lookupEnv(keys...)
	return v
}

// lookupEnv returns the first of keys that is set, with its value.
func lookupEnv(keys ...string) (string, string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return k, v
		}
	}
	return "", ""
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
