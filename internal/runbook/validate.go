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

package runbook

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	runbookerrors "github.com/owenmpls/runbookd/pkg/errors"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextScheduledTick returns the next time def.Schedule fires after t. It
// returns false if the runbook has no schedule override, in which case the
// scheduler's default jittered interval applies instead.
func NextScheduledTick(def *Definition, t time.Time) (time.Time, bool) {
	if def.Schedule == "" {
		return time.Time{}, false
	}
	sched, err := scheduleParser.Parse(def.Schedule)
	if err != nil {
		// Already validated at parse time; defensive only.
		return time.Time{}, false
	}
	return sched.Next(t), true
}

var offsetPattern = regexp.MustCompile(`^T-(\d+)(s|m|h|d)$`)
var durationPattern = regexp.MustCompile(`^(\d+)(s|m|h|d)$`)

// ParseOffset converts a phase offset ("T-1d", "T-30m", "T-0") to minutes
// before the batch anchor. Sub-minute seconds round up.
func ParseOffset(s string) (int, error) {
	if s == "T-0" {
		return 0, nil
	}
	m := offsetPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("offset %q does not match ^T-(\\d+)(s|m|h|d)$ or T-0", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("offset %q: %w", s, err)
	}
	return unitToMinutes(n, m[2]), nil
}

// ParseDuration converts a duration string ("5m", "30s", "1h") to seconds.
// Uses the same N<unit> grammar as ParseOffset without the "T-" prefix.
func ParseDuration(s string) (int, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("duration %q does not match ^(\\d+)(s|m|h|d)$", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	return unitToSeconds(n, m[2]), nil
}

func unitToMinutes(n int, unit string) int {
	switch unit {
	case "d":
		return n * 1440
	case "h":
		return n * 60
	case "m":
		return n
	case "s":
		return (n + 59) / 60
	default:
		return 0
	}
}

func unitToSeconds(n int, unit string) int {
	switch unit {
	case "d":
		return n * 86400
	case "h":
		return n * 3600
	case "m":
		return n * 60
	case "s":
		return n
	default:
		return 0
	}
}

// Validate checks a parsed runbook definition and returns every violation it
// finds (it never stops at the first). Returns nil when the definition is
// valid.
func Validate(def *Definition) error {
	var v []string

	if strings.TrimSpace(def.Name) == "" {
		v = append(v, "name is required")
	}

	v = append(v, validateDataSource(def.DataSource)...)

	if len(def.Phases) == 0 {
		v = append(v, "at least one phase is required")
	}

	seenPhaseNames := make(map[string]bool)
	for i, phase := range def.Phases {
		prefix := fmt.Sprintf("phases[%d]", i)
		if strings.TrimSpace(phase.Name) == "" {
			v = append(v, prefix+".name is required")
		} else if seenPhaseNames[phase.Name] {
			v = append(v, fmt.Sprintf("phase name %q is duplicated", phase.Name))
		} else {
			seenPhaseNames[phase.Name] = true
		}

		if _, err := ParseOffset(phase.Offset); err != nil {
			v = append(v, fmt.Sprintf("%s.offset: %s", prefix, err))
		}

		v = append(v, validateSteps(def, fmt.Sprintf("%s.steps", prefix), phase.Steps)...)
	}

	v = append(v, validateSteps(def, "init", def.Init)...)
	v = append(v, validateSteps(def, "on_member_removed", def.OnMemberRemoved)...)

	for name, steps := range def.Rollbacks {
		v = append(v, validateSteps(def, fmt.Sprintf("rollbacks[%s]", name), steps)...)
	}

	if def.Retry != nil {
		if _, err := ParseDuration(def.Retry.Interval); err != nil {
			v = append(v, fmt.Sprintf("retry.interval: %s", err))
		}
	}

	if def.Schedule != "" {
		if _, err := scheduleParser.Parse(def.Schedule); err != nil {
			v = append(v, fmt.Sprintf("schedule: %s", err))
		}
	}

	if len(v) == 0 {
		return nil
	}
	return &runbookerrors.RunbookInvalidError{RunbookName: def.Name, Violations: v}
}

func validateDataSource(ds DataSource) []string {
	var v []string

	switch ds.Type {
	case DataSourceDataverse, DataSourceDatabricks:
	default:
		v = append(v, fmt.Sprintf("data_source.type must be %q or %q, got %q", DataSourceDataverse, DataSourceDatabricks, ds.Type))
	}

	if strings.TrimSpace(ds.Connection) == "" {
		v = append(v, "data_source.connection is required")
	}
	if strings.TrimSpace(ds.PrimaryKey) == "" {
		v = append(v, "data_source.primary_key is required")
	}
	if strings.TrimSpace(ds.Query) == "" {
		v = append(v, "data_source.query is required")
	}

	if ds.Type == DataSourceDatabricks && strings.TrimSpace(ds.WarehouseID) == "" {
		v = append(v, "data_source.warehouse_id is required when type is databricks")
	}

	hasColumn := ds.BatchTimeColumn != ""
	hasImmediate := ds.BatchTime != ""
	switch {
	case hasColumn && hasImmediate:
		v = append(v, "data_source: exactly one of batch_time_column or batch_time is allowed, got both")
	case !hasColumn && !hasImmediate:
		v = append(v, "data_source: exactly one of batch_time_column or batch_time is required")
	case hasImmediate && ds.BatchTime != BatchTimeImmediate:
		v = append(v, fmt.Sprintf("data_source.batch_time must be %q, got %q", BatchTimeImmediate, ds.BatchTime))
	}

	for i, col := range ds.MultiValuedColumns {
		switch col.Format {
		case FormatSemicolonDelimited, FormatCommaDelimited, FormatJSONArray:
		default:
			v = append(v, fmt.Sprintf("data_source.multi_valued_columns[%d].format must be one of semicolon_delimited, comma_delimited, json_array, got %q", i, col.Format))
		}
		if strings.TrimSpace(col.Name) == "" {
			v = append(v, fmt.Sprintf("data_source.multi_valued_columns[%d].name is required", i))
		}
	}

	return v
}

func validateSteps(def *Definition, prefix string, steps []StepDef) []string {
	var v []string
	seen := make(map[string]bool)

	for i, step := range steps {
		stepPrefix := fmt.Sprintf("%s[%d]", prefix, i)

		if strings.TrimSpace(step.Name) == "" {
			v = append(v, stepPrefix+".name is required")
		} else if seen[step.Name] {
			v = append(v, fmt.Sprintf("%s: step name %q is duplicated within this step list", stepPrefix, step.Name))
		} else {
			seen[step.Name] = true
		}

		if strings.TrimSpace(step.WorkerID) == "" {
			v = append(v, stepPrefix+".worker_id is required")
		}
		if strings.TrimSpace(step.Function) == "" {
			v = append(v, stepPrefix+".function is required")
		}

		if step.OnFailure != "" {
			if _, ok := def.Rollbacks[step.OnFailure]; !ok {
				v = append(v, fmt.Sprintf("%s.on_failure references undefined rollback %q", stepPrefix, step.OnFailure))
			}
		}

		if step.Poll != nil {
			if _, err := ParseDuration(step.Poll.Interval); err != nil {
				v = append(v, fmt.Sprintf("%s.poll.interval: %s", stepPrefix, err))
			}
			if _, err := ParseDuration(step.Poll.Timeout); err != nil {
				v = append(v, fmt.Sprintf("%s.poll.timeout: %s", stepPrefix, err))
			}
		}

		if step.Retry != nil {
			if _, err := ParseDuration(step.Retry.Interval); err != nil {
				v = append(v, fmt.Sprintf("%s.retry.interval: %s", stepPrefix, err))
			}
		}

		for paramName, tmpl := range step.Params {
			if err := validateBraceBalance(tmpl); err != nil {
				v = append(v, fmt.Sprintf("%s.params.%s: %s", stepPrefix, paramName, err))
			}
		}
		if err := validateBraceBalance(step.Function); err != nil {
			v = append(v, fmt.Sprintf("%s.function: %s", stepPrefix, err))
		}
	}

	return v
}

// validateBraceBalance checks that every "{{" in s has a matching "}}" and
// that braces do not nest or cross. It does not check that referenced names
// exist — that is Resolve's job at resolve time.
func validateBraceBalance(s string) error {
	depth := 0
	for i := 0; i < len(s); i++ {
		if strings.HasPrefix(s[i:], "{{") {
			if depth > 0 {
				return fmt.Errorf("unbalanced template braces in %q: nested {{", s)
			}
			depth++
			i++
			continue
		}
		if strings.HasPrefix(s[i:], "}}") {
			if depth == 0 {
				return fmt.Errorf("unbalanced template braces in %q: stray }}", s)
			}
			depth--
			i++
			continue
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced template braces in %q: missing }}", s)
	}
	return nil
}
