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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	runbookerrors "github.com/owenmpls/runbookd/pkg/errors"
)

func TestRunbookInvalidError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *runbookerrors.RunbookInvalidError
		want []string
	}{
		{
			name: "with name",
			err: &runbookerrors.RunbookInvalidError{
				RunbookName: "mailbox-migration",
				Violations:  []string{"name is required", "at least one phase is required"},
			},
			want: []string{"mailbox-migration", "name is required", "at least one phase is required"},
		},
		{
			name: "without name",
			err:  &runbookerrors.RunbookInvalidError{Violations: []string{"data_source.type must be dataverse or databricks"}},
			want: []string{"data_source.type must be dataverse or databricks"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("RunbookInvalidError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestTemplateResolutionError_Error(t *testing.T) {
	err := &runbookerrors.TemplateResolutionError{
		Template:   "hello {{name}} from {{missing}}",
		Unresolved: []string{"missing"},
	}
	got := err.Error()
	if !strings.Contains(got, "missing") {
		t.Errorf("TemplateResolutionError.Error() = %q, want to contain %q", got, "missing")
	}
}

func TestDataSourceError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &runbookerrors.DataSourceError{RunbookName: "r1", SourceType: "dataverse", Cause: cause}

	if got := err.Unwrap(); got != cause {
		t.Errorf("DataSourceError.Unwrap() = %v, want %v", got, cause)
	}
	if !strings.Contains(err.Error(), "dataverse") {
		t.Errorf("DataSourceError.Error() = %q, want to contain %q", err.Error(), "dataverse")
	}
}

func TestDispatchError_Unwrap(t *testing.T) {
	cause := errors.New("broker unavailable")
	err := &runbookerrors.DispatchError{JobID: "job-1", WorkerID: "worker-a", Cause: cause}

	if got := err.Unwrap(); got != cause {
		t.Errorf("DispatchError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestWorkerFailureError_Error(t *testing.T) {
	err := &runbookerrors.WorkerFailureError{
		JobID:     "step-1-dispatch-1",
		Message:   "mailbox not found",
		Type:      "NotFound",
		Throttled: false,
		Attempts:  1,
	}
	got := err.Error()
	for _, want := range []string{"step-1-dispatch-1", "mailbox not found", "NotFound"} {
		if !strings.Contains(got, want) {
			t.Errorf("WorkerFailureError.Error() = %q, want to contain %q", got, want)
		}
	}
}

func TestPollTimeoutError_Error(t *testing.T) {
	err := &runbookerrors.PollTimeoutError{ExecutionID: 42, StepName: "move-mailbox", WaitedFor: "16m0s"}
	got := err.Error()
	for _, want := range []string{"42", "move-mailbox", "16m0s"} {
		if !strings.Contains(got, want) {
			t.Errorf("PollTimeoutError.Error() = %q, want to contain %q", got, want)
		}
	}
}

func TestStateGuardMiss(t *testing.T) {
	err := &runbookerrors.StateGuardMiss{Entity: "phase_execution", ID: 7, ExpectedFrom: "dispatched"}

	if !runbookerrors.IsStateGuardMiss(err) {
		t.Error("IsStateGuardMiss should report true for a *StateGuardMiss")
	}
	if runbookerrors.IsStateGuardMiss(errors.New("plain error")) {
		t.Error("IsStateGuardMiss should report false for an unrelated error")
	}
	if !strings.Contains(err.Error(), "dispatched") {
		t.Errorf("StateGuardMiss.Error() = %q, want to contain %q", err.Error(), "dispatched")
	}
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	t.Run("RunbookInvalidError", func(t *testing.T) {
		original := &runbookerrors.RunbookInvalidError{RunbookName: "r1", Violations: []string{"bad"}}
		wrapped := fmt.Errorf("publish failed: %w", original)

		var target *runbookerrors.RunbookInvalidError
		if !errors.As(wrapped, &target) {
			t.Fatal("errors.As should find RunbookInvalidError in wrapped error")
		}
		if target.RunbookName != "r1" {
			t.Errorf("unwrapped RunbookName = %q, want %q", target.RunbookName, "r1")
		}
	})

	t.Run("DataSourceError preserves cause", func(t *testing.T) {
		rootCause := errors.New("timeout")
		dsErr := &runbookerrors.DataSourceError{RunbookName: "r1", SourceType: "databricks", Cause: rootCause}
		wrapped := fmt.Errorf("tick failed: %w", dsErr)

		var target *runbookerrors.DataSourceError
		if !errors.As(wrapped, &target) {
			t.Fatal("errors.As should find DataSourceError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("DataSourceError.Unwrap() should return root cause")
		}
	})
}
