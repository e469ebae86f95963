// Package app wires configured backends into the components both processes
// run. Every backend has an in-memory fallback so a single binary runs with
// no infrastructure at all.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/bridge"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	memoryQueueSize = 1024
	etaCacheTTL     = 5 * time.Minute
)

type Backends struct {
	Redis    *redis.Client // nil on in-memory backends
	Registry geo.Registry
	Locks    lock.Locker
	Store    storage.TripStore
	Checks   []httpapi.Check

	closers []func() error
}

// OpenBackends connects to Redis and Postgres when configured and falls
// back to in-process implementations otherwise.
func OpenBackends(ctx context.Context, rc config.RedisConfig, pgDSN string, migrate bool, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}

	if rc.Addr != "" {
		b.Redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password})
		b.closers = append(b.closers, b.Redis.Close)
		if err := b.Redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("redis %s: %w", rc.Addr, err)
		}
		b.Registry = geo.NewRedisGeo(b.Redis, rc.GeoKey, logger.With("component", "geo"))
		b.Locks = lock.NewRedisLocker(b.Redis)
		client := b.Redis
		b.Checks = append(b.Checks, httpapi.Check{Name: "redis", Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() }})
		logger.Info("using redis presence and leases", "addr", rc.Addr, "geo_key", rc.GeoKey)
	} else {
		b.Registry = geo.NewIndex()
		b.Locks = lock.NewMemoryLocker()
		logger.Warn("REDIS_ADDR not set; presence and leases are local to this process")
	}

	if pgDSN != "" {
		ps, err := storage.NewPostgresStore(pgDSN)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, ps.Close)
		if migrate {
			if err := ps.Migrate(ctx); err != nil {
				b.Close()
				return nil, err
			}
			logger.Info("migrations applied")
		}
		b.Store = ps
		b.Checks = append(b.Checks, httpapi.Check{Name: "postgres", Ping: ps.Ping})
	} else {
		b.Store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set; rides are kept in memory")
	}
	return b, nil
}

// Close releases every connection in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
	b.closers = nil
}

// Publisher returns the fan-out bridge. With Redis it subscribes dir to the
// events channel, unless dir is nil (publish-only processes).
func (b *Backends) Publisher(ctx context.Context, channel string, dir bridge.Directory, logger *slog.Logger) (bridge.Publisher, error) {
	if b.Redis == nil {
		if dir == nil {
			return nil, fmt.Errorf("in-memory bridge needs a local directory")
		}
		return bridge.NewLocal(dir, logger), nil
	}
	rb := bridge.NewRedisBridge(b.Redis, channel, dir, logger)
	if dir != nil {
		if err := rb.Start(ctx); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, rb.Close)
	}
	return rb, nil
}

// Queue is the producer side plus however many consumer sources were asked for.
type Queue struct {
	Producer ingest.Producer
	Sources  []ingest.Source

	closers []func() error
}

func (q *Queue) Close() {
	for i := len(q.closers) - 1; i >= 0; i-- {
		_ = q.closers[i]()
	}
	q.closers = nil
}

// OpenQueue builds the configured job queue with consumers sources; zero
// consumers opens the producer only.
func OpenQueue(qc config.QueueConfig, consumers int, logger *slog.Logger) (*Queue, error) {
	q := &Queue{}
	switch qc.Backend {
	case config.QueueMemory:
		mq := ingest.NewMemoryQueue(memoryQueueSize)
		q.Producer = mq
		for i := 0; i < consumers; i++ {
			q.Sources = append(q.Sources, mq)
		}
	case config.QueueKafka:
		kp := ingest.NewKafkaProducer(qc.KafkaBrokers, qc.KafkaTopic)
		q.Producer = kp
		q.closers = append(q.closers, kp.Close)
		for i := 0; i < consumers; i++ {
			ks := ingest.NewKafkaSource(qc.KafkaBrokers, qc.KafkaTopic, qc.KafkaGroup, logger)
			q.Sources = append(q.Sources, ks)
			q.closers = append(q.closers, ks.Close)
		}
	case config.QueueNSQ:
		np, err := ingest.NewNSQProducer(qc.NSQDAddr, qc.NSQTopic)
		if err != nil {
			return nil, err
		}
		q.Producer = np
		q.closers = append(q.closers, np.Close)
		if consumers > 0 {
			ns, err := ingest.NewNSQSource(qc.NSQDAddr, qc.NSQTopic, qc.NSQChannel, consumers, logger)
			if err != nil {
				q.Close()
				return nil, err
			}
			q.closers = append(q.closers, ns.Close)
			for i := 0; i < consumers; i++ {
				q.Sources = append(q.Sources, ns)
			}
		}
	default:
		return nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
	}
	logger.Info("dispatch queue ready", "backend", qc.Backend, "consumers", len(q.Sources))
	return q, nil
}

// Dispatch is the worker pool plus the stale-ride sweeper.
type Dispatch struct {
	Pool    *dispatch.Pool
	Sweeper *dispatch.Sweeper
}

func NewDispatch(dc config.DispatchConfig, b *Backends, pub bridge.Publisher, rides *ride.Service, sources []ingest.Source, logger *slog.Logger) *Dispatch {
	estimator := &eta.Estimator{Cache: eta.NewCache(etaCacheTTL), SpeedMps: dc.ETASpeedMps}
	if dc.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(dc.OSRMEndpoint)
	}
	wc := dispatch.Config{
		Radii:         dc.Radii,
		Limit:         dc.CandidateLimit,
		AcceptTimeout: dc.AcceptTimeout,
		PollInterval:  dc.PollInterval,
	}
	worker := dispatch.NewWorker(wc, b.Store, b.Registry, b.Locks, pub, rides, estimator, logger.With("component", "dispatch"))

	pc := dispatch.DefaultPoolConfig()
	pc.MaxAttempts = dc.MaxAttempts
	pc.Backoff = dc.RetryBackoff
	return &Dispatch{
		Pool:    dispatch.NewPool(worker, sources, pc, logger.With("component", "pool")),
		Sweeper: dispatch.NewSweeper(b.Store, rides, dc.SweepInterval, wc.MaxSearchAge(), logger.With("component", "sweeper")),
	}
}

// Run blocks until ctx is cancelled and every in-flight job has returned.
func (d *Dispatch) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Sweeper.Run(ctx)
	}()
	d.Pool.Run(ctx)
	<-done
}
