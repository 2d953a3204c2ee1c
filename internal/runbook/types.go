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

// Package runbook parses versioned migration runbook YAML into a validated
// in-memory definition and resolves {{name}} templates against a binding
// dictionary.
package runbook

// Definition is the parsed, validated shape of a runbook YAML document.
type Definition struct {
	Name            string               `yaml:"name"`
	Description     string               `yaml:"description"`
	DataSource      DataSource           `yaml:"data_source"`
	Init            []StepDef            `yaml:"init"`
	Phases          []PhaseDef           `yaml:"phases"`
	OnMemberRemoved []StepDef            `yaml:"on_member_removed"`
	Rollbacks       map[string][]StepDef `yaml:"rollbacks"`
	Retry           *RetryDef            `yaml:"retry"`

	// Schedule is an optional standard 5-field cron expression overriding
	// the scheduler's default jittered tick interval for this runbook --
	// e.g. a nightly data source only needs to be polled once a day, not
	// every few seconds. Empty means use the scheduler's default interval.
	Schedule string `yaml:"schedule"`
}

// DataSource describes where a runbook's candidate rows come from and how
// rows are grouped into time-anchored batches.
type DataSource struct {
	Type               string              `yaml:"type"`
	Connection         string              `yaml:"connection"`
	WarehouseID        string              `yaml:"warehouse_id"`
	Query              string              `yaml:"query"`
	PrimaryKey         string              `yaml:"primary_key"`
	BatchTimeColumn    string              `yaml:"batch_time_column"`
	BatchTime          string              `yaml:"batch_time"`
	MultiValuedColumns []MultiValuedColumn `yaml:"multi_valued_columns"`
}

// MultiValuedColumn names a query column that packs several values into one
// field and how to split it when materializing the dynamic data table.
type MultiValuedColumn struct {
	Name   string `yaml:"name"`
	Format string `yaml:"format"`
}

// Multi-valued column split formats.
const (
	FormatSemicolonDelimited = "semicolon_delimited"
	FormatCommaDelimited     = "comma_delimited"
	FormatJSONArray          = "json_array"
)

// Data source types recognized by this engine.
const (
	DataSourceDataverse  = "dataverse"
	DataSourceDatabricks = "databricks"
)

// BatchTimeImmediate is the sentinel value of DataSource.BatchTime that
// groups every observed row into one rolling, 5-minute-grid-anchored batch
// instead of grouping by a column value.
const BatchTimeImmediate = "immediate"

// PhaseDef declares one time-anchored bundle of steps relative to a batch's
// anchor time.
type PhaseDef struct {
	Name   string    `yaml:"name"`
	Offset string    `yaml:"offset"`
	Steps  []StepDef `yaml:"steps"`
}

// StepDef is one worker-invocable action: a named function plus templated
// parameters, with optional polling, retry, and rollback-on-failure config.
type StepDef struct {
	Name         string            `yaml:"name"`
	WorkerID     string            `yaml:"worker_id"`
	Function     string            `yaml:"function"`
	Params       map[string]string `yaml:"params"`
	OutputParams map[string]string `yaml:"output_params"`
	OnFailure    string            `yaml:"on_failure"`
	Poll         *PollDef          `yaml:"poll"`
	Retry        *RetryDef         `yaml:"retry"`
}

// PollDef configures the polling clock for a step whose worker may return
// {complete:false} while the underlying operation is still running.
type PollDef struct {
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
}

// RetryDef configures retry-on-failure behavior, either as a runbook-wide
// default or a step-level override that replaces the default entirely.
type RetryDef struct {
	MaxRetries int    `yaml:"max_retries"`
	Interval   string `yaml:"interval"`
}

// EffectiveRetry returns the step's own retry config if set, otherwise the
// runbook's global default, otherwise nil (no retries).
func (s StepDef) EffectiveRetry(def *Definition) *RetryDef {
	if s.Retry != nil {
		return s.Retry
	}
	return def.Retry
}

// RollbackSteps returns the named rollback sequence, or nil if s has no
// on_failure reference or the name is undefined.
func (s StepDef) RollbackSteps(def *Definition) []StepDef {
	if s.OnFailure == "" {
		return nil
	}
	return def.Rollbacks[s.OnFailure]
}

// IsImmediate reports whether the data source groups rows into a single
// rolling batch instead of grouping by a batch-time column.
func (d DataSource) IsImmediate() bool {
	return d.BatchTime == BatchTimeImmediate
}
