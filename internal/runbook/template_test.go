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
	"testing"
	"time"

	runbookerrors "github.com/owenmpls/runbookd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_SubstitutesKnownVariables(t *testing.T) {
	got, err := Resolve("hello {{name}}, id {{id}}", map[string]string{
		"name": "world",
		"id":   "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world, id 42", got)
}

func TestResolve_NoPlaceholdersIsUnchanged(t *testing.T) {
	got, err := Resolve("no variables here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no variables here", got)
}

func TestResolve_FailsOnUnresolvedVariable(t *testing.T) {
	_, err := Resolve("hello {{name}}", nil)
	require.Error(t, err)

	var tmplErr *runbookerrors.TemplateResolutionError
	require.ErrorAs(t, err, &tmplErr)
	assert.Equal(t, []string{"name"}, tmplErr.Unresolved)
}

func TestResolve_CollectsEveryUnresolvedName(t *testing.T) {
	_, err := Resolve("{{a}} and {{b}} and {{a}}", map[string]string{"c": "1"})
	require.Error(t, err)

	var tmplErr *runbookerrors.TemplateResolutionError
	require.ErrorAs(t, err, &tmplErr)
	assert.Equal(t, []string{"a", "b", "a"}, tmplErr.Unresolved)
}

func TestResolve_IsIdempotentOnceFullyResolved(t *testing.T) {
	vars := map[string]string{"name": "world"}
	once, err := Resolve("hello {{name}}", vars)
	require.NoError(t, err)

	twice, err := Resolve(once, vars)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestBaseVars_IncludesBatchIDAndStartTime(t *testing.T) {
	start := time.Date(2026, 3, 5, 12, 30, 0, 0, time.UTC)
	vars := BaseVars(99, start)

	assert.Equal(t, "99", vars[SpecialVarBatchID])
	assert.Equal(t, "2026-03-05T12:30:00Z", vars[SpecialVarBatchStartTime])
}

func TestMemberVars_BindsDataAndWorkerDataWithWorkerDataWinning(t *testing.T) {
	start := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	vars, err := MemberVars(1, start,
		`{"account_id":"acct-1","region":"us-east"}`,
		`{"region":"us-west","ticket_id":"T-100"}`,
	)
	require.NoError(t, err)

	assert.Equal(t, "acct-1", vars["account_id"])
	assert.Equal(t, "us-west", vars["region"])
	assert.Equal(t, "T-100", vars["ticket_id"])
	assert.Equal(t, "1", vars[SpecialVarBatchID])
}

func TestMemberVars_EmptyJSONFieldsLeaveOnlySpecialVars(t *testing.T) {
	start := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	vars, err := MemberVars(1, start, "", "")
	require.NoError(t, err)

	assert.Len(t, vars, 2)
}

func TestInitVars_OnlyBindsSpecialVars(t *testing.T) {
	start := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	vars := InitVars(7, start)

	assert.Len(t, vars, 2)
	assert.Equal(t, "7", vars[SpecialVarBatchID])
}

func TestResolveParams_ResolvesEveryValue(t *testing.T) {
	params := map[string]string{
		"account": "{{account_id}}",
		"label":   "static",
	}
	resolved, err := ResolveParams(params, map[string]string{"account_id": "acct-9"})
	require.NoError(t, err)

	assert.Equal(t, "acct-9", resolved["account"])
	assert.Equal(t, "static", resolved["label"])
}

func TestResolveParams_FailsWhenAnyParamUnresolved(t *testing.T) {
	params := map[string]string{"account": "{{missing}}"}
	_, err := ResolveParams(params, nil)
	require.Error(t, err)
}

func TestStringifyValue_NumbersBoolsAndNull(t *testing.T) {
	assert.Equal(t, "3", stringifyValue(float64(3)))
	assert.Equal(t, "3.5", stringifyValue(float64(3.5)))
	assert.Equal(t, "true", stringifyValue(true))
	assert.Equal(t, "", stringifyValue(nil))
}
