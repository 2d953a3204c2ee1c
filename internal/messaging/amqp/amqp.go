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

// Package amqp implements messaging.EventBus and messaging.JobBus against a
// real RabbitMQ broker using github.com/rabbitmq/amqp091-go, for multi-
// process scheduler/orchestrator deployments. WorkerId and MessageType are
// carried as AMQP message headers (the wire contract's "application
// property" concept) in addition to the JSON body fields of the same name,
// so broker-side bindings and worker subscriptions can filter without
// deserializing the payload.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/owenmpls/runbookd/internal/messaging"
)

var (
	_ messaging.EventBus = (*Bus)(nil)
	_ messaging.JobBus   = (*Bus)(nil)
)

// Config describes the topology this Bus declares on connect.
type Config struct {
	URL string

	// EventsExchange is a topic exchange; events are routed by MessageType.
	EventsExchange string
	// DelayedExchange is an x-delayed-message exchange used for
	// PublishAt (retry-check must not be visible before retry_after).
	// Requires the rabbitmq_delayed_message_exchange plugin.
	DelayedExchange string
	// JobsExchange is a topic exchange; jobs are routed by WorkerID.
	JobsExchange string
	// ResultsQueue is a single queue: there is exactly one ResultProcessor.
	ResultsQueue string
}

func (c Config) withDefaults() Config {
	if c.EventsExchange == "" {
		c.EventsExchange = "runbookd.events"
	}
	if c.DelayedExchange == "" {
		c.DelayedExchange = "runbookd.events.delayed"
	}
	if c.JobsExchange == "" {
		c.JobsExchange = "runbookd.jobs"
	}
	if c.ResultsQueue == "" {
		c.ResultsQueue = "runbookd.results"
	}
	return c
}

// Bus is a RabbitMQ-backed EventBus and JobBus.
type Bus struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  Config
}

// New dials url and declares the exchanges/queues this package relies on.
func New(cfg Config) (*Bus, error) {
	cfg = cfg.withDefaults()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	b := &Bus{conn: conn, ch: ch, cfg: cfg}
	if err := b.declareTopology(); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) declareTopology() error {
	if err := b.ch.ExchangeDeclare(b.cfg.EventsExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare events exchange: %w", err)
	}
	if err := b.ch.ExchangeDeclare(b.cfg.DelayedExchange, "x-delayed-message", true, false, false, false, amqp.Table{
		"x-delayed-type": amqp.ExchangeTopic,
	}); err != nil {
		return fmt.Errorf("declare delayed events exchange: %w", err)
	}
	if err := b.ch.ExchangeDeclare(b.cfg.JobsExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare jobs exchange: %w", err)
	}
	if _, err := b.ch.QueueDeclare(b.cfg.ResultsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare results queue: %w", err)
	}
	return nil
}

// Publish routes event to every queue bound to its MessageType.
func (b *Bus) Publish(ctx context.Context, event *messaging.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.ch.PublishWithContext(ctx, b.cfg.EventsExchange, string(event.MessageType), false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     amqp.Table{"MessageType": string(event.MessageType)},
		Body:        body,
	})
}

// PublishAt publishes event to the delayed-message exchange with an
// x-delay header computed from when, so the broker withholds routing
// until that time has passed.
func (b *Bus) PublishAt(ctx context.Context, event *messaging.Event, when time.Time) error {
	delayMs := int64(time.Until(when) / time.Millisecond)
	if delayMs < 0 {
		delayMs = 0
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.ch.PublishWithContext(ctx, b.cfg.DelayedExchange, string(event.MessageType), false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers: amqp.Table{
			"MessageType": string(event.MessageType),
			"x-delay":     delayMs,
		},
		Body: body,
	})
}

// Subscribe declares an exclusive queue bound to messageType on both the
// events and delayed-events exchanges, and decodes deliveries into Events.
func (b *Bus) Subscribe(ctx context.Context, messageType messaging.MessageType) (<-chan *messaging.Event, error) {
	q, err := b.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare subscriber queue: %w", err)
	}
	if err := b.ch.QueueBind(q.Name, string(messageType), b.cfg.EventsExchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind subscriber queue to events exchange: %w", err)
	}
	if err := b.ch.QueueBind(q.Name, string(messageType), b.cfg.DelayedExchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind subscriber queue to delayed events exchange: %w", err)
	}

	deliveries, err := b.ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume subscriber queue: %w", err)
	}

	out := make(chan *messaging.Event, 64)
	go func() {
		defer close(out)
		for d := range deliveries {
			var event messaging.Event
			if err := json.Unmarshal(d.Body, &event); err != nil {
				continue
			}
			out <- &event
		}
	}()
	return out, nil
}

// PublishJob routes job to every worker subscription bound to its
// WorkerID, and sets WorkerID as an AMQP header so bindings and
// subscriptions can filter without parsing the body.
func (b *Bus) PublishJob(ctx context.Context, job *messaging.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return b.ch.PublishWithContext(ctx, b.cfg.JobsExchange, job.WorkerID, false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     amqp.Table{"WorkerId": job.WorkerID, "MessageType": "job"},
		Body:        body,
	})
}

// SubscribeJobs declares a durable queue bound to workerID so that jobs
// dispatched while no worker of that identity is connected are not lost.
func (b *Bus) SubscribeJobs(ctx context.Context, workerID string) (<-chan *messaging.Job, error) {
	q, err := b.ch.QueueDeclare("jobs."+workerID, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare worker queue: %w", err)
	}
	if err := b.ch.QueueBind(q.Name, workerID, b.cfg.JobsExchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind worker queue: %w", err)
	}

	deliveries, err := b.ch.ConsumeWithContext(ctx, q.Name, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume worker queue: %w", err)
	}

	out := make(chan *messaging.Job, 64)
	go func() {
		defer close(out)
		for d := range deliveries {
			var job messaging.Job
			if err := json.Unmarshal(d.Body, &job); err != nil {
				continue
			}
			out <- &job
		}
	}()
	return out, nil
}

// PublishResult enqueues result on the single results queue.
func (b *Bus) PublishResult(ctx context.Context, result *messaging.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return b.ch.PublishWithContext(ctx, "", b.cfg.ResultsQueue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// SubscribeResults consumes the single results queue.
func (b *Bus) SubscribeResults(ctx context.Context) (<-chan *messaging.Result, error) {
	deliveries, err := b.ch.ConsumeWithContext(ctx, b.cfg.ResultsQueue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume results queue: %w", err)
	}

	out := make(chan *messaging.Result, 64)
	go func() {
		defer close(out)
		for d := range deliveries {
			var result messaging.Result
			if err := json.Unmarshal(d.Body, &result); err != nil {
				continue
			}
			out <- &result
		}
	}()
	return out, nil
}

// Close closes the channel and connection.
func (b *Bus) Close() error {
	chErr := b.ch.Close()
	connErr := b.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}
