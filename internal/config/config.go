package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Queue backends for dispatch jobs.
const (
	QueueKafka  = "kafka"
	QueueNSQ    = "nsq"
	QueueMemory = "memory"
)

type RedisConfig struct {
	Addr          string
	Password      string
	GeoKey        string
	EventsChannel string
}

type QueueConfig struct {
	Backend string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	NSQDAddr   string
	NSQTopic   string
	NSQChannel string
}

// DispatchConfig tunes the matching loop and the pool that runs it.
type DispatchConfig struct {
	Radii          []float64 // meters
	CandidateLimit int
	AcceptTimeout  time.Duration
	PollInterval   time.Duration
	Workers        int
	MaxAttempts    int
	RetryBackoff   time.Duration
	SweepInterval  time.Duration

	OSRMEndpoint string
	ETASpeedMps  float64
}

// ServerConfig captures all tunable parameters for the API process.
// Values are loaded from an optional .env file and then the environment,
// with defaults that let the binary run locally on in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Redis         RedisConfig
	PGDSN         string
	RunMigrations bool

	Queue    QueueConfig
	Dispatch DispatchConfig
	// DispatchEmbedded runs the dispatch pool inside the API process. It is
	// always on for the memory queue.
	DispatchEmbedded bool

	LogLevel string
}

// DispatcherConfig is the worker process configuration.
type DispatcherConfig struct {
	MetricsAddr     string
	ShutdownTimeout time.Duration

	Redis         RedisConfig
	PGDSN         string
	RunMigrations bool

	Queue    QueueConfig
	Dispatch DispatchConfig

	LogLevel string
}

func defaultRedis() RedisConfig {
	return RedisConfig{GeoKey: "drivers_geo", EventsChannel: "socket-events"}
}

func defaultQueue() QueueConfig {
	return QueueConfig{
		Backend:    QueueMemory,
		KafkaTopic: "ride-dispatch",
		KafkaGroup: "ride-dispatcher",
		NSQTopic:   "ride-dispatch",
		NSQChannel: "dispatcher",
	}
}

func defaultDispatch() DispatchConfig {
	return DispatchConfig{
		Radii:          []float64{3000, 6000, 9000, 12000},
		CandidateLimit: 10,
		AcceptTimeout:  30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		Workers:        5,
		MaxAttempts:    3,
		RetryBackoff:   time.Second,
		SweepInterval:  time.Minute,
		ETASpeedMps:    8,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Redis:           defaultRedis(),
		Queue:           defaultQueue(),
		Dispatch:        defaultDispatch(),
		LogLevel:        "info",
	}
}

func defaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MetricsAddr:     ":2112",
		ShutdownTimeout: 45 * time.Second,
		Redis:           defaultRedis(),
		Queue:           defaultQueue(),
		Dispatch:        defaultDispatch(),
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(".env"); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadShared(&cfg.Redis, &cfg.PGDSN, &cfg.RunMigrations, &cfg.Queue, &cfg.Dispatch, &cfg.LogLevel, &errs)
	setBoolFromEnv(&cfg.DispatchEmbedded, "DISPATCH_EMBEDDED", &errs)

	// nothing outside this process can drain an in-memory queue
	if cfg.Queue.Backend == QueueMemory {
		cfg.DispatchEmbedded = true
	}

	errs = append(errs, cfg.Queue.validate(), cfg.Dispatch.validate())
	return cfg, errors.Join(errs...)
}

func LoadDispatcherConfig() (DispatcherConfig, error) {
	cfg := defaultDispatcherConfig()
	var errs []error
	if err := loadDotEnv(".env"); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setDurationFromEnv(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)
	loadShared(&cfg.Redis, &cfg.PGDSN, &cfg.RunMigrations, &cfg.Queue, &cfg.Dispatch, &cfg.LogLevel, &errs)

	errs = append(errs, cfg.Queue.validate(), cfg.Dispatch.validate())
	if cfg.Queue.Backend == QueueMemory {
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND=memory cannot feed a separate dispatcher process"))
	}
	// presence, leases and rides must be the ones the API instances see
	if cfg.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the dispatcher"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required for the dispatcher"))
	}
	return cfg, errors.Join(errs...)
}

func loadShared(redis *RedisConfig, pgDSN *string, migrate *bool, queue *QueueConfig, dispatch *DispatchConfig, logLevel *string, errs *[]error) {
	redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	redis.Password = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&redis.GeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&redis.EventsChannel, "REDIS_EVENTS_CHANNEL")

	*pgDSN = os.Getenv("PG_DSN")
	*migrate = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		queue.KafkaBrokers = splitAndTrim(brokers)
		queue.Backend = QueueKafka
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		queue.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&queue.KafkaTopic, "KAFKA_DISPATCH_TOPIC")
	setStringFromEnv(&queue.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&queue.NSQDAddr, "NSQD_ADDR")
	setStringFromEnv(&queue.NSQTopic, "NSQ_TOPIC")
	setStringFromEnv(&queue.NSQChannel, "NSQ_CHANNEL")

	setFloatsFromEnv(&dispatch.Radii, "DISPATCH_RADII", errs)
	setIntFromEnv(&dispatch.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", errs)
	setDurationFromEnv(&dispatch.AcceptTimeout, "DISPATCH_ACCEPT_TIMEOUT", errs)
	setDurationFromEnv(&dispatch.PollInterval, "DISPATCH_POLL_INTERVAL", errs)
	setIntFromEnv(&dispatch.Workers, "DISPATCH_WORKERS", errs)
	setIntFromEnv(&dispatch.MaxAttempts, "DISPATCH_MAX_ATTEMPTS", errs)
	setDurationFromEnv(&dispatch.RetryBackoff, "DISPATCH_RETRY_BACKOFF", errs)
	setDurationFromEnv(&dispatch.SweepInterval, "SWEEP_INTERVAL", errs)
	setStringFromEnv(&dispatch.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&dispatch.ETASpeedMps, "ETA_SPEED_MPS", errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*logLevel = strings.ToLower(v)
	}
}

func (q QueueConfig) validate() error {
	switch q.Backend {
	case QueueKafka:
		if len(q.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for QUEUE_BACKEND=kafka")
		}
	case QueueNSQ:
		if q.NSQDAddr == "" {
			return fmt.Errorf("NSQD_ADDR is required for QUEUE_BACKEND=nsq")
		}
	case QueueMemory:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", q.Backend)
	}
	return nil
}

func (d DispatchConfig) validate() error {
	var errs []error
	if len(d.Radii) == 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADII must not be empty"))
	}
	for i, r := range d.Radii {
		if r <= 0 {
			errs = append(errs, fmt.Errorf("DISPATCH_RADII[%d] must be > 0", i))
		}
		if i > 0 && r <= d.Radii[i-1] {
			errs = append(errs, fmt.Errorf("DISPATCH_RADII must be strictly increasing"))
			break
		}
	}
	if d.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if d.AcceptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ACCEPT_TIMEOUT must be > 0"))
	}
	if d.PollInterval <= 0 || d.PollInterval > d.AcceptTimeout {
		errs = append(errs, fmt.Errorf("DISPATCH_POLL_INTERVAL must be > 0 and <= the accept timeout"))
	}
	if d.Workers <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be > 0"))
	}
	if d.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if d.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if d.ETASpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_SPEED_MPS must be > 0"))
	}
	return errors.Join(errs...)
}

// loadDotEnv reads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setFloatsFromEnv(target *[]float64, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []float64
	for _, part := range splitAndTrim(v) {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		out = append(out, f)
	}
	*target = out
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
