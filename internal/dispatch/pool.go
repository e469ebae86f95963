package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Processor handles one dispatch job.
type Processor interface {
	Process(ctx context.Context, job models.DispatchJob) error
}

type PoolConfig struct {
	MaxAttempts int
	Backoff     time.Duration // first retry delay, doubled per attempt
	MaxBackoff  time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxAttempts: 3, Backoff: time.Second, MaxBackoff: 30 * time.Second}
}

// Pool drains its sources with one goroutine each, so len(sources) bounds
// how many jobs run at once.
type Pool struct {
	proc    Processor
	sources []ingest.Source
	cfg     PoolConfig
	logger  *slog.Logger
}

func NewPool(proc Processor, sources []ingest.Source, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Pool{proc: proc, sources: sources, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled and every in-flight job has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, src := range p.sources {
		wg.Add(1)
		go func(i int, src ingest.Source) {
			defer wg.Done()
			p.drain(ctx, i, src)
		}(i, src)
	}
	p.logger.Info("dispatch pool started", "workers", len(p.sources))
	wg.Wait()
	p.logger.Info("dispatch pool stopped")
}

func (p *Pool) drain(ctx context.Context, worker int, src ingest.Source) {
	backoff := p.cfg.Backoff
	for {
		d, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("job source error; backing off", "worker", worker, "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = p.next(backoff)
			continue
		}
		backoff = p.cfg.Backoff
		p.handle(ctx, d)
	}
}

// handle runs a job with retries and acks it unless shutdown interrupted it,
// in which case the queue redelivers it.
func (p *Pool) handle(ctx context.Context, d ingest.Delivery) {
	job := d.Job()
	delay := p.cfg.Backoff
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		err = p.run(ctx, job)
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		observability.DispatchRetries.Inc()
		p.logger.Warn("dispatch attempt failed", "ride_id", job.RideID, "attempt", attempt, "error", err)
		if !sleep(ctx, delay) {
			break
		}
		delay = p.next(delay)
	}
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		observability.DispatchJobs.WithLabelValues("failed").Inc()
		p.logger.Error("dispatch job failed", "ride_id", job.RideID, "attempts", p.cfg.MaxAttempts, "error", err)
	}
	if err := d.Ack(ctx); err != nil {
		p.logger.Warn("ack dispatch job", "ride_id", job.RideID, "error", err)
	}
}

func (p *Pool) run(ctx context.Context, job models.DispatchJob) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic in dispatch job", "ride_id", job.RideID, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.proc.Process(ctx, job)
}

func (p *Pool) next(d time.Duration) time.Duration {
	d *= 2
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
