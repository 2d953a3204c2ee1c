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

package runbook_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owenmpls/runbookd/internal/runbook"
	runbookerrors "github.com/owenmpls/runbookd/pkg/errors"
)

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"T-0", 0, false},
		{"T-1d", 1440, false},
		{"T-2h", 120, false},
		{"T-30m", 30, false},
		{"T-90s", 2, false}, // ceil(90/60)
		{"T-1s", 1, false},  // ceil(1/60)
		{"T-1", 0, true},
		{"1d", 0, true},
		{"T--1d", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := runbook.ParseOffset(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"5m", 300, false},
		{"30s", 30, false},
		{"1h", 3600, false},
		{"1d", 86400, false},
		{"T-5m", 0, true},
		{"5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := runbook.ParseDuration(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// R1 round-trip law: ParseOffset("T-" + N + "d") == N*1440.
func TestParseOffset_RoundTripDays(t *testing.T) {
	for _, n := range []int{0, 1, 3, 30} {
		got, err := runbook.ParseOffset(offsetDays(n))
		require.NoError(t, err)
		assert.Equal(t, n*1440, got)
	}
}

func offsetDays(n int) string {
	if n == 0 {
		return "T-0"
	}
	return "T-" + itoa(n) + "d"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func validDataverseRunbook() *runbook.Definition {
	return &runbook.Definition{
		Name: "mailbox-migration",
		DataSource: runbook.DataSource{
			Type:            runbook.DataSourceDataverse,
			Connection:      "DATAVERSE_CONN",
			Query:           "SELECT uid, migration_date FROM mailboxes",
			PrimaryKey:      "uid",
			BatchTimeColumn: "migration_date",
		},
		Phases: []runbook.PhaseDef{
			{
				Name:   "migrate",
				Offset: "T-0",
				Steps: []runbook.StepDef{
					{Name: "move", WorkerID: "ediscovery-worker", Function: "moveMailbox"},
				},
			},
		},
	}
}

func TestValidate_AcceptsWellFormedRunbook(t *testing.T) {
	assert.NoError(t, runbook.Validate(validDataverseRunbook()))
}

func TestValidate_AccumulatesAllViolations(t *testing.T) {
	def := &runbook.Definition{}

	err := runbook.Validate(def)
	require.Error(t, err)

	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)

	assert.Contains(t, invalid.Violations, "name is required")
	assert.Contains(t, invalid.Violations, "at least one phase is required")
	assert.GreaterOrEqual(t, len(invalid.Violations), 4, "validation should accumulate every violation, not stop at the first")
}

func TestValidate_DatabricksRequiresWarehouseID(t *testing.T) {
	def := validDataverseRunbook()
	def.DataSource.Type = runbook.DataSourceDatabricks
	def.DataSource.WarehouseID = ""

	err := runbook.Validate(def)
	require.Error(t, err)
	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Violations, "data_source.warehouse_id is required when type is databricks")
}

func TestValidate_RejectsBothBatchTimeVariants(t *testing.T) {
	def := validDataverseRunbook()
	def.DataSource.BatchTime = runbook.BatchTimeImmediate

	err := runbook.Validate(def)
	require.Error(t, err)
	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Violations, "data_source: exactly one of batch_time_column or batch_time is allowed, got both")
}

func TestValidate_RejectsNeitherBatchTimeVariant(t *testing.T) {
	def := validDataverseRunbook()
	def.DataSource.BatchTimeColumn = ""

	err := runbook.Validate(def)
	require.Error(t, err)
	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Violations, "data_source: exactly one of batch_time_column or batch_time is required")
}

func TestValidate_DuplicatePhaseNames(t *testing.T) {
	def := validDataverseRunbook()
	def.Phases = append(def.Phases, runbook.PhaseDef{
		Name:   "migrate",
		Offset: "T-1d",
		Steps:  []runbook.StepDef{{Name: "notify", WorkerID: "w1", Function: "notify"}},
	})

	err := runbook.Validate(def)
	require.Error(t, err)
	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Violations, `phase name "migrate" is duplicated`)
}

func TestValidate_DuplicateStepNamesWithinPhase(t *testing.T) {
	def := validDataverseRunbook()
	def.Phases[0].Steps = append(def.Phases[0].Steps, runbook.StepDef{Name: "move", WorkerID: "w1", Function: "moveMailbox"})

	err := runbook.Validate(def)
	require.Error(t, err)
	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)
	found := false
	for _, v := range invalid.Violations {
		if v == `phases[0].steps[1]: step name "move" is duplicated within this step list` {
			found = true
		}
	}
	assert.True(t, found, "expected duplicated step name violation, got %v", invalid.Violations)
}

func TestValidate_OnFailureMustReferenceDefinedRollback(t *testing.T) {
	def := validDataverseRunbook()
	def.Phases[0].Steps[0].OnFailure = "undo-move"

	err := runbook.Validate(def)
	require.Error(t, err)
	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Violations, `phases[0].steps[0].on_failure references undefined rollback "undo-move"`)

	def.Rollbacks = map[string][]runbook.StepDef{
		"undo-move": {{Name: "revert", WorkerID: "w1", Function: "revertMailbox"}},
	}
	assert.NoError(t, runbook.Validate(def))
}

func TestValidate_InvalidMultiValuedColumnFormat(t *testing.T) {
	def := validDataverseRunbook()
	def.DataSource.MultiValuedColumns = []runbook.MultiValuedColumn{{Name: "groups", Format: "xml"}}

	err := runbook.Validate(def)
	require.Error(t, err)
	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Violations[0], "multi_valued_columns[0].format")
}

func TestValidate_UnbalancedTemplateBraces(t *testing.T) {
	def := validDataverseRunbook()
	def.Phases[0].Steps[0].Params = map[string]string{"mailbox": "{{uid from _batch_id}}"}
	assert.NoError(t, runbook.Validate(def))

	def.Phases[0].Steps[0].Params = map[string]string{"mailbox": "{{uid"}
	err := runbook.Validate(def)
	require.Error(t, err)
	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)
	found := false
	for _, v := range invalid.Violations {
		if v == `phases[0].steps[0].params.mailbox: unbalanced template braces in "{{uid": missing }}` {
			found = true
		}
	}
	assert.True(t, found, "expected unbalanced-brace violation, got %v", invalid.Violations)
}

func TestValidate_PollAndRetryDurationsMustParse(t *testing.T) {
	def := validDataverseRunbook()
	def.Phases[0].Steps[0].Poll = &runbook.PollDef{Interval: "5m", Timeout: "bogus"}

	err := runbook.Validate(def)
	require.Error(t, err)
	var invalid *runbookerrors.RunbookInvalidError
	require.ErrorAs(t, err, &invalid)
	found := false
	for _, v := range invalid.Violations {
		if v == `phases[0].steps[0].poll.timeout: duration "bogus" does not match ^(\d+)(s|m|h|d)$` {
			found = true
		}
	}
	assert.True(t, found, "expected poll.timeout violation, got %v", invalid.Violations)
}
