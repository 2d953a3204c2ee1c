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
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	runbookerrors "github.com/owenmpls/runbookd/pkg/errors"
)

// identPattern matches {{name}} with an ASCII identifier and no internal
// whitespace. Unlike expression.PreprocessTemplate (which tolerates dotted
// paths for condition expressions), this resolver binds a flat name ->
// string dictionary and must fail loudly on anything it can't resolve --
// Go's text/template would silently emit "<no value>" instead, which is
// exactly the behavior spec.md section 4.1 rules out.
var identPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// SpecialVarBatchID and SpecialVarBatchStartTime are always bound in
// addition to whatever member/init-scoped variables a call site adds.
const (
	SpecialVarBatchID        = "_batch_id"
	SpecialVarBatchStartTime = "_batch_start_time"
)

// Resolve replaces every {{name}} in template with vars[name]. It returns a
// TemplateResolutionError naming every unresolved variable (not just the
// first) if any name in template has no entry in vars.
func Resolve(template string, vars map[string]string) (string, error) {
	var unresolved []string

	result := identPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		unresolved = append(unresolved, name)
		return match
	})

	if len(unresolved) > 0 {
		return "", &runbookerrors.TemplateResolutionError{Template: template, Unresolved: unresolved}
	}
	return result, nil
}

// BaseVars returns the special variables bound for every template
// resolution: the batch id and its start time in ISO-8601 (RFC3339).
func BaseVars(batchID int64, batchStartTime time.Time) map[string]string {
	return map[string]string{
		SpecialVarBatchID:        strconv.FormatInt(batchID, 10),
		SpecialVarBatchStartTime: batchStartTime.UTC().Format(time.RFC3339),
	}
}

// MemberVars returns the full variable dictionary for resolving a step's
// params against one batch member: the special variables plus every key
// of dataJSON and workerDataJSON (worker_data wins on key collision, since
// it reflects what earlier steps have actually observed).
func MemberVars(batchID int64, batchStartTime time.Time, dataJSON, workerDataJSON string) (map[string]string, error) {
	vars := BaseVars(batchID, batchStartTime)

	if err := mergeJSONFields(vars, dataJSON); err != nil {
		return nil, fmt.Errorf("decode data_json for template resolution: %w", err)
	}
	if err := mergeJSONFields(vars, workerDataJSON); err != nil {
		return nil, fmt.Errorf("decode worker_data_json for template resolution: %w", err)
	}
	return vars, nil
}

// InitVars returns the variable dictionary for resolving an init step's
// params: only the special variables, per spec.md's ResolveInitParams.
func InitVars(batchID int64, batchStartTime time.Time) map[string]string {
	return BaseVars(batchID, batchStartTime)
}

func mergeJSONFields(vars map[string]string, rawJSON string) error {
	if rawJSON == "" {
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(rawJSON), &fields); err != nil {
		return err
	}
	for k, v := range fields {
		vars[k] = stringifyValue(v)
	}
	return nil
}

// stringifyValue renders a decoded JSON value as the literal text that
// belongs in place of a {{name}} placeholder -- unlike
// expression.valueToLiteral, this never adds quotes: the result is
// spliced directly into the surrounding template string, not compiled as
// an expr-lang literal.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// ResolveParams resolves every value in params against vars, returning a
// new map. It stops at the first unresolved variable across all params
// (each individual Resolve call already accumulates every unresolved name
// within that one value).
func ResolveParams(params map[string]string, vars map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(params))
	for key, tmpl := range params {
		value, err := Resolve(tmpl, vars)
		if err != nil {
			return nil, err
		}
		resolved[key] = value
	}
	return resolved, nil
}
