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

package expression

// BuildMemberContext builds an expression evaluation context for a single
// batch member: its snapshotted data_json, its accumulated worker_data_json,
// and the batch anchor fields every template binding also exposes.
//
//	{
//	    "data": {"uid": "u1", "migration_date": "2025-03-15T00:00Z"},
//	    "worker_data": {"target_mailbox_id": "mb-123"},
//	    "_batch_id": 42,
//	    "_batch_start_time": "2025-03-15T00:00:00Z",
//	}
//
// worker_data keys are also promoted to top level so an expression can
// reference a captured output directly (e.g. `target_mailbox_id != ""`)
// without the worker_data. prefix; data_json keys are promoted the same way
// but worker_data wins on collision, matching template resolution semantics.
func BuildMemberContext(batchID int64, batchStartTime string, data, workerData map[string]interface{}) map[string]interface{} {
	if data == nil {
		data = make(map[string]interface{})
	}
	if workerData == nil {
		workerData = make(map[string]interface{})
	}

	ctx := map[string]interface{}{
		"data":              data,
		"worker_data":       workerData,
		"_batch_id":         batchID,
		"_batch_start_time": batchStartTime,
	}

	for k, v := range data {
		ctx[k] = v
	}
	for k, v := range workerData {
		ctx[k] = v
	}

	return ctx
}

// BuildBatchContext builds an expression evaluation context scoped to a
// batch with no member (used for overdue-phase and init-level conditions).
func BuildBatchContext(batchID int64, batchStartTime string) map[string]interface{} {
	return map[string]interface{}{
		"_batch_id":         batchID,
		"_batch_start_time": batchStartTime,
	}
}
