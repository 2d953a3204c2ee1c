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

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/runbook"
	"github.com/owenmpls/runbookd/internal/store"
)

// Orchestrator wires the event/job buses, the dispatcher, and progression
// bookkeeping into the six handlers that drive a batch from init through
// completion.
type Orchestrator struct {
	store       store.Store
	events      messaging.EventBus
	jobs        messaging.JobBus
	dispatcher  *Dispatcher
	progression *Progression
	defs        *definitionCache
	logger      *slog.Logger
}

// New builds an Orchestrator. maxInFlight bounds concurrent dispatches per
// worker_id; see Dispatcher.
func New(st store.Store, events messaging.EventBus, jobs messaging.JobBus, maxInFlight int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	defs := newDefinitionCache(st)
	o := &Orchestrator{
		store:      st,
		events:     events,
		jobs:       jobs,
		dispatcher: NewDispatcher(jobs, maxInFlight),
		defs:       defs,
		logger:     logger,
	}
	o.progression = newProgression(st, defs, logger, o.dispatcher, o.dispatchStepExecution)
	return o
}

// Run subscribes to every event type and the result stream and processes
// them until ctx is cancelled. Each message type runs its own goroutine so a
// slow handler for one message type (e.g. a large member-added catch-up)
// never backs up delivery of the others.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	subscriptions := []struct {
		messageType messaging.MessageType
		handle      func(context.Context, *messaging.Event) error
	}{
		{messaging.BatchInit, o.handleBatchInit},
		{messaging.PhaseDue, o.handlePhaseDue},
		{messaging.MemberAdded, o.handleMemberAdded},
		{messaging.MemberRemoved, o.handleMemberRemoved},
		{messaging.PollCheck, o.handlePollCheck},
		{messaging.RetryCheck, o.handleRetryCheck},
	}

	for _, sub := range subscriptions {
		sub := sub
		ch, err := o.events.Subscribe(ctx, sub.messageType)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.messageType, err)
		}
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case evt, ok := <-ch:
					if !ok {
						return nil
					}
					if err := sub.handle(ctx, evt); err != nil {
						o.logger.Error("event handler failed", append(logEventFields(evt), slog.String("error", err.Error()))...)
					}
				}
			}
		})
	}

	results, err := o.jobs.SubscribeResults(ctx)
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	processor := newResultProcessor(o.store, o.dispatcher, o.progression, o.defs, o.logger)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case res, ok := <-results:
				if !ok {
					return nil
				}
				if err := processor.Process(ctx, res); err != nil {
					o.logger.Error("result processing failed", slog.String("jobId", res.JobID), slog.String("error", err.Error()))
				}
			}
		}
	})

	return g.Wait()
}

func (o *Orchestrator) definitionForBatch(ctx context.Context, batchID int64) (*runbook.Definition, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	row, err := o.store.GetRunbook(ctx, batch.RunbookID)
	if err != nil {
		return nil, fmt.Errorf("get runbook: %w", err)
	}
	return o.defs.get(ctx, row.Name)
}

func newJobID() string {
	return uuid.New().String()
}

// definitionCache resolves a runbook's active YAML into a parsed,
// validated Definition once per version, avoiding a yaml.Unmarshal +
// Validate pass on every dispatch.
type definitionCache struct {
	store store.Store

	mu     sync.RWMutex
	byName map[string]cachedDefinition
}

type cachedDefinition struct {
	version int
	def     *runbook.Definition
}

func newDefinitionCache(st store.Store) *definitionCache {
	return &definitionCache{store: st, byName: make(map[string]cachedDefinition)}
}

func (c *definitionCache) get(ctx context.Context, name string) (*runbook.Definition, error) {
	row, err := c.store.GetActiveByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get active runbook %q: %w", name, err)
	}

	c.mu.RLock()
	cached, ok := c.byName[name]
	c.mu.RUnlock()
	if ok && cached.version == row.Version {
		return cached.def, nil
	}

	var def runbook.Definition
	if err := yaml.Unmarshal([]byte(row.YAML), &def); err != nil {
		return nil, fmt.Errorf("parse runbook %q yaml: %w", name, err)
	}
	if err := runbook.Validate(&def); err != nil {
		return nil, fmt.Errorf("validate runbook %q: %w", name, err)
	}

	c.mu.Lock()
	c.byName[name] = cachedDefinition{version: row.Version, def: &def}
	c.mu.Unlock()

	return &def, nil
}
