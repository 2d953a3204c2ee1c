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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 5*time.Minute, cfg.TickInterval)
	assert.Equal(t, 10, cfg.DispatchConcurrency)
	assert.Equal(t, "RUNBOOKD_DATASOURCE_", cfg.DataSourceEnvPrefix)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("RUNBOOKD_STORE_DRIVER", "postgres")
	t.Setenv("RUNBOOKD_STORE_DSN", "postgres://localhost/runbookd")
	t.Setenv("RUNBOOKD_TICK_INTERVAL", "30s")
	t.Setenv("RUNBOOKD_BROKER_URL", "amqp://localhost")
	t.Setenv("RUNBOOKD_DISPATCH_CONCURRENCY", "25")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "postgres://localhost/runbookd", cfg.StoreDSN)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, "amqp://localhost", cfg.BrokerURL)
	assert.Equal(t, 25, cfg.DispatchConcurrency)
}

func TestFromEnv_DefaultsWhenUnset(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestFromEnv_InvalidTickInterval(t *testing.T) {
	t.Setenv("RUNBOOKD_TICK_INTERVAL", "not-a-duration")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnv_InvalidDispatchConcurrency(t *testing.T) {
	t.Setenv("RUNBOOKD_DISPATCH_CONCURRENCY", "not-a-number")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestConfig_DataSourceEnvVar(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		dsName string
		want   string
	}{
		{"simple name", "RUNBOOKD_DATASOURCE_", "crm", "RUNBOOKD_DATASOURCE_CRM"},
		{"hyphenated name becomes underscore", "RUNBOOKD_DATASOURCE_", "sales-db", "RUNBOOKD_DATASOURCE_SALES_DB"},
		{"custom prefix", "DS_", "crm", "DS_CRM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DataSourceEnvPrefix: tt.prefix}
			assert.Equal(t, tt.want, cfg.DataSourceEnvVar(tt.dsName))
		})
	}
}
