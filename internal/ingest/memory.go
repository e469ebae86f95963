package ingest

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryQueue is an in-process queue for single-binary deployments and
// tests. It is both a Producer and a Source; jobs are lost on restart.
type MemoryQueue struct {
	ch chan models.DispatchJob
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan models.DispatchJob, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.DispatchJob) error {
	if _, err := encodeJob(job); err != nil {
		return err
	}
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Next(ctx context.Context) (Delivery, error) {
	select {
	case job := <-q.ch:
		return memoryDelivery{job: job}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error { return nil }

type memoryDelivery struct {
	job models.DispatchJob
}

func (d memoryDelivery) Job() models.DispatchJob { return d.job }

func (memoryDelivery) Ack(context.Context) error { return nil }
