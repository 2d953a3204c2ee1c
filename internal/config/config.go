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

// Package config loads scheduler/orchestrator runtime configuration from
// the environment, mirroring the env-var + default precedence internal/log
// uses for its own FromEnv(). There is no config file: both daemons are
// meant to run as containers configured entirely through their
// environment and command-line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the runtime configuration shared by cmd/scheduler and
// cmd/orchestrator.
type Config struct {
	// StoreDriver selects the storage backend: "memory", "sqlite", or
	// "postgres".
	StoreDriver string
	// StoreDSN is the backend-specific connection string: a filesystem
	// path for sqlite, a postgres:// URL for postgres, ignored for
	// memory.
	StoreDSN string

	// TickInterval is how often the scheduler re-evaluates every active
	// runbook. Default 5m, per spec.
	TickInterval time.Duration

	// BrokerURL is the AMQP connection string used by
	// internal/messaging/amqp. Empty means use the in-process memorybus
	// instead (single-process / test deployments).
	BrokerURL string

	// DispatchConcurrency bounds how many jobs may be in flight at once
	// per worker-pool identity (worker_id). Default 10.
	DispatchConcurrency int

	// DataSourceEnvPrefix is prepended to a runbook's data_source name to
	// form the environment variable holding its connection string, e.g.
	// prefix "RUNBOOKD_DATASOURCE_" + name "crm" -> RUNBOOKD_DATASOURCE_CRM.
	// A runbook's data_source.connection holds the variable's name; a
	// runbook.Validate check covers only that it is non-empty, not what it
	// contains.
	DataSourceEnvPrefix string

	// OTLPEndpoint is the OTLP/gRPC collector address for distributed
	// tracing, e.g. "otel-collector:4317". Empty disables tracing.
	OTLPEndpoint string

	// ServiceName identifies this process in exported spans. Defaults to
	// the binary name the daemon sets at startup.
	ServiceName string
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		StoreDriver:         "sqlite",
		StoreDSN:            "runbookd.db",
		TickInterval:        5 * time.Minute,
		DispatchConcurrency: 10,
		DataSourceEnvPrefix: "RUNBOOKD_DATASOURCE_",
	}
}

// FromEnv builds a Config from environment variables, falling back to
// DefaultConfig for anything unset. Supported variables:
//   - RUNBOOKD_STORE_DRIVER: memory, sqlite, postgres
//   - RUNBOOKD_STORE_DSN: backend connection string
//   - RUNBOOKD_TICK_INTERVAL: Go duration string, e.g. "5m"
//   - RUNBOOKD_BROKER_URL: AMQP connection string
//   - RUNBOOKD_DISPATCH_CONCURRENCY: integer
//   - RUNBOOKD_DATASOURCE_ENV_PREFIX: prefix for data-source env var names
//   - RUNBOOKD_OTLP_ENDPOINT: OTLP/gRPC collector address; empty disables tracing
//   - RUNBOOKD_SERVICE_NAME: service name reported in exported spans
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("RUNBOOKD_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("RUNBOOKD_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("RUNBOOKD_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse RUNBOOKD_TICK_INTERVAL: %w", err)
		}
		cfg.TickInterval = d
	}
	if v := os.Getenv("RUNBOOKD_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("RUNBOOKD_DISPATCH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse RUNBOOKD_DISPATCH_CONCURRENCY: %w", err)
		}
		cfg.DispatchConcurrency = n
	}
	if v := os.Getenv("RUNBOOKD_DATASOURCE_ENV_PREFIX"); v != "" {
		cfg.DataSourceEnvPrefix = v
	}
	if v := os.Getenv("RUNBOOKD_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("RUNBOOKD_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}

	return cfg, nil
}

// DataSourceEnvVar returns the environment variable name holding the
// connection string for the named data source.
func (c *Config) DataSourceEnvVar(dataSourceName string) string {
	return c.DataSourceEnvPrefix + envSafe(dataSourceName)
}

func envSafe(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - ('a' - 'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
