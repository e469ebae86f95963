// Package ingest carries dispatch jobs from intake to the dispatch pool.
// Delivery is at-least-once: a job is acknowledged only after processing.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Producer enqueues one job per created ride.
type Producer interface {
	Enqueue(ctx context.Context, job models.DispatchJob) error
	Close() error
}

// Delivery is a received job awaiting acknowledgement.
type Delivery interface {
	Job() models.DispatchJob
	Ack(ctx context.Context) error
}

// Source yields deliveries. Each Source is drained by one goroutine, so a
// backend that must commit in order gets one Source per consumer.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
}

func encodeJob(job models.DispatchJob) ([]byte, error) {
	if job.RideID == "" {
		return nil, fmt.Errorf("%w: dispatch job without rideId", models.ErrInvalidInput)
	}
	return json.Marshal(job)
}

func decodeJob(b []byte) (models.DispatchJob, error) {
	var job models.DispatchJob
	if err := json.Unmarshal(b, &job); err != nil {
		return job, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if job.RideID == "" {
		return job, fmt.Errorf("%w: dispatch job without rideId", models.ErrInvalidInput)
	}
	return job, nil
}
