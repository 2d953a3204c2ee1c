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

// Package bootstrap builds the store backend, message bus, and data
// source registry shared by cmd/scheduler and cmd/orchestrator from a
// single config.Config, so the two daemons' main packages don't each
// re-derive the same driver-selection logic.
package bootstrap

import (
	"fmt"

	"github.com/owenmpls/runbookd/internal/config"
	"github.com/owenmpls/runbookd/internal/datasource"
	"github.com/owenmpls/runbookd/internal/datasource/databricks"
	"github.com/owenmpls/runbookd/internal/datasource/dataverse"
	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/messaging/amqp"
	"github.com/owenmpls/runbookd/internal/messaging/memorybus"
	"github.com/owenmpls/runbookd/internal/store"
	"github.com/owenmpls/runbookd/internal/store/memory"
	"github.com/owenmpls/runbookd/internal/store/postgres"
	"github.com/owenmpls/runbookd/internal/store/sqlite"
	"github.com/owenmpls/runbookd/internal/runbook"
)

// Bus is the subset of messaging capabilities a daemon needs: both
// EventBus and JobBus, plus lifecycle teardown. memorybus.Bus and
// amqp.Bus both implement it.
type Bus interface {
	messaging.EventBus
	messaging.JobBus
	Close() error
}

// Resources holds every backend a daemon wires together at startup.
type Resources struct {
	Store       store.Store
	Bus         Bus
	DataSources *datasource.Registry
	closers     []func() error
}

// Close tears resources down in reverse build order, returning the first
// error encountered (if any), after attempting every closer.
func (r *Resources) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build constructs the store, message bus, and data source registry named
// by cfg.
func Build(cfg *config.Config) (*Resources, error) {
	r := &Resources{}

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	r.Store = st
	if closeStore != nil {
		r.closers = append(r.closers, closeStore)
	}

	bus, err := buildBus(cfg)
	if err != nil {
		return nil, fmt.Errorf("build message bus: %w", err)
	}
	r.Bus = bus
	r.closers = append(r.closers, bus.Close)

	r.DataSources = datasource.NewRegistry(map[string]datasource.QueryClient{
		runbook.DataSourceDataverse:  dataverse.New(),
		runbook.DataSourceDatabricks: databricks.New(),
	})

	return r, nil
}

func buildStore(cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.StoreDriver {
	case "", "memory":
		return memory.New(), nil, nil
	case "sqlite":
		b, err := sqlite.New(sqlite.Config{Path: cfg.StoreDSN, WAL: true})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "postgres":
		b, err := postgres.New(postgres.Config{ConnectionString: cfg.StoreDSN})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func buildBus(cfg *config.Config) (Bus, error) {
	if cfg.BrokerURL == "" {
		return memorybus.New(), nil
	}
	return amqp.New(amqp.Config{URL: cfg.BrokerURL})
}
