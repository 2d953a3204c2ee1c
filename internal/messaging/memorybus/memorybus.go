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

// Package memorybus is an in-process implementation of messaging.EventBus
// and messaging.JobBus, directly modeled on the teacher's
// queue.MemoryQueue. Each subscriber gets its own buffered channel (64
// entries); a publish skips any subscriber whose buffer is full, and
// Close() closes every subscriber channel so blocked receivers return.
package memorybus

import (
	"context"
	"sync"
	"time"

	"github.com/owenmpls/runbookd/internal/messaging"
)

var (
	_ messaging.EventBus = (*Bus)(nil)
	_ messaging.JobBus   = (*Bus)(nil)
)

// ErrClosed is returned by operations performed on a closed Bus.
var ErrClosed = &closedError{}

type closedError struct{}

func (e *closedError) Error() string { return "memorybus: bus is closed" }

// Bus is a single in-process EventBus and JobBus, suitable for unit tests
// and single-process deployments where the memory or sqlite store backend
// is already in use.
type Bus struct {
	mu     sync.Mutex
	closed bool

	events map[messaging.MessageType][]chan *messaging.Event
	jobs   map[string][]chan *messaging.Job
	results []chan *messaging.Result

	timersMu sync.Mutex
	timers   []*time.Timer
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		events: make(map[messaging.MessageType][]chan *messaging.Event),
		jobs:   make(map[string][]chan *messaging.Job),
	}
}

// Publish delivers event to every subscriber registered for its
// MessageType. Delivery is non-blocking: subscribers must keep up or miss
// events, matching the at-least-once, re-derive-from-store handler
// contract the orchestrator already assumes.
func (b *Bus) Publish(ctx context.Context, event *messaging.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.events[event.MessageType] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// PublishAt schedules event for delivery at or after when. It is used for
// retry-check events, which must not be visible to subscribers before
// retry_after.
func (b *Bus) PublishAt(ctx context.Context, event *messaging.Event, when time.Time) error {
	delay := time.Until(when)
	if delay <= 0 {
		return b.Publish(ctx, event)
	}

	timer := time.AfterFunc(delay, func() {
		_ = b.Publish(context.Background(), event)
	})

	b.timersMu.Lock()
	b.timers = append(b.timers, timer)
	b.timersMu.Unlock()
	return nil
}

// Subscribe returns a channel receiving every future Event of the given
// MessageType. The channel is closed when the Bus is closed.
func (b *Bus) Subscribe(ctx context.Context, messageType messaging.MessageType) (<-chan *messaging.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan *messaging.Event, 64)
	b.events[messageType] = append(b.events[messageType], ch)
	return ch, nil
}

// PublishJob delivers job to every subscriber registered for its WorkerID.
func (b *Bus) PublishJob(ctx context.Context, job *messaging.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.jobs[job.WorkerID] {
		select {
		case ch <- job:
		default:
		}
	}
	return nil
}

// SubscribeJobs returns a channel receiving every future Job dispatched to
// workerID.
func (b *Bus) SubscribeJobs(ctx context.Context, workerID string) (<-chan *messaging.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan *messaging.Job, 64)
	b.jobs[workerID] = append(b.jobs[workerID], ch)
	return ch, nil
}

// PublishResult delivers result to every result subscriber (the
// orchestrator's single ResultProcessor, typically).
func (b *Bus) PublishResult(ctx context.Context, result *messaging.Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.results {
		select {
		case ch <- result:
		default:
		}
	}
	return nil
}

// SubscribeResults returns a channel receiving every future Result.
func (b *Bus) SubscribeResults(ctx context.Context) (<-chan *messaging.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan *messaging.Result, 64)
	b.results = append(b.results, ch)
	return ch, nil
}

// Close stops all pending scheduled deliveries and closes every subscriber
// channel. Further Publish/Subscribe calls return ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	b.timersMu.Lock()
	for _, t := range b.timers {
		t.Stop()
	}
	b.timersMu.Unlock()

	for _, subs := range b.events {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, subs := range b.jobs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.results {
		close(ch)
	}
	return nil
}
