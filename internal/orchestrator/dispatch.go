// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator consumes the scheduler's events and the worker
// pool's job results, advancing batches/phases/members/executions through
// their lifecycles and dispatching work to workers.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/metrics"
	runbookerrors "github.com/owenmpls/runbookd/pkg/errors"
)

var tracer = otel.Tracer("github.com/owenmpls/runbookd/internal/orchestrator")

// Dispatcher caps in-flight jobs per worker pool identity. It is the
// teacher's Runner.semaphore (one buffered channel sized MaxParallel)
// generalized from a single pool to one semaphore per distinct worker_id,
// since a runbook's steps fan out across many worker pools that should not
// share a concurrency budget.
//
// Each worker_id also gets its own circuit breaker around the publish
// call: a worker pool that is unreachable (broker down for its routing
// key, queue missing) trips its breaker so the orchestrator fails fast for
// that pool instead of holding every dispatch goroutine on a timeout while
// other worker pools are healthy.
type Dispatcher struct {
	jobs        messaging.JobBus
	maxInFlight int

	mu         sync.Mutex
	semaphores map[string]chan struct{}
	breakers   map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher builds a Dispatcher publishing through jobs, allowing up to
// maxInFlight concurrently dispatched jobs per worker_id.
func NewDispatcher(jobs messaging.JobBus, maxInFlight int) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Dispatcher{
		jobs:        jobs,
		maxInFlight: maxInFlight,
		semaphores:  make(map[string]chan struct{}),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (d *Dispatcher) semaphoreFor(workerID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.semaphores[workerID]
	if !ok {
		sem = make(chan struct{}, d.maxInFlight)
		d.semaphores[workerID] = sem
	}
	return sem
}

func (d *Dispatcher) breakerFor(workerID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[workerID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "worker:" + workerID,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		d.breakers[workerID] = cb
	}
	return cb
}

func (d *Dispatcher) publish(ctx context.Context, job *messaging.Job) error {
	ctx, span := tracer.Start(ctx, "orchestrator.publish_job",
		attribute.String("worker_id", job.WorkerID),
		attribute.String("function", job.FunctionName),
	)
	defer span.End()

	_, err := d.breakerFor(job.WorkerID).Execute(func() (any, error) {
		return nil, d.jobs.PublishJob(ctx, job)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Dispatch acquires a slot in job.WorkerID's semaphore and publishes job.
// The slot is held until Release is called for job.WorkerID -- normally by
// the result processor once the worker's result (or its poll/retry
// follow-ups) arrives, not merely once the publish succeeds, since the job
// is still "in flight" against the worker until then.
func (d *Dispatcher) Dispatch(ctx context.Context, job *messaging.Job) error {
	sem := d.semaphoreFor(job.WorkerID)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := d.publish(ctx, job); err != nil {
		<-sem
		return &runbookerrors.DispatchError{JobID: job.JobID, WorkerID: job.WorkerID, Cause: err}
	}
	metrics.JobsDispatchedTotal.WithLabelValues(job.WorkerID).Inc()
	metrics.InFlightJobs.WithLabelValues(job.WorkerID).Inc()
	return nil
}

// Republish re-sends job without acquiring a new semaphore slot, for
// poll-check follow-ups where the original dispatch's slot is still held.
func (d *Dispatcher) Republish(ctx context.Context, job *messaging.Job) error {
	if err := d.publish(ctx, job); err != nil {
		return &runbookerrors.DispatchError{JobID: job.JobID, WorkerID: job.WorkerID, Cause: err}
	}
	return nil
}

// FireAndForget publishes job without acquiring a semaphore slot or
// recording correlation data, for rollback and on_member_removed steps:
// these are not persisted as StepExecution rows, so nothing will ever
// call Release or look up a result against them. job.CorrelationData
// must be left zero-valued so the result processor recognizes and
// discards whatever result the worker eventually reports.
func (d *Dispatcher) FireAndForget(ctx context.Context, job *messaging.Job) error {
	if err := d.publish(ctx, job); err != nil {
		return &runbookerrors.DispatchError{JobID: job.JobID, WorkerID: job.WorkerID, Cause: err}
	}
	metrics.JobsDispatchedTotal.WithLabelValues(job.WorkerID).Inc()
	return nil
}

// Release returns a worker's semaphore slot, to be called once a job's
// final result (success, failure, or poll timeout) is known.
func (d *Dispatcher) Release(workerID string) {
	sem := d.semaphoreFor(workerID)
	select {
	case <-sem:
		metrics.InFlightJobs.WithLabelValues(workerID).Dec()
	default:
	}
}
