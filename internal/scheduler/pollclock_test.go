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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/messaging/memorybus"
	"github.com/owenmpls/runbookd/internal/store"
	"github.com/owenmpls/runbookd/internal/store/memory"
)

func TestPollClock_EmitsPollCheckAndAdvancesClock(t *testing.T) {
	st := memory.New()
	bus := memorybus.New()
	ctx := context.Background()

	st.PutRunbook(&store.Runbook{Name: "r", Version: 1, IsActive: true})
	batchID, err := st.CreateBatch(ctx, &store.Batch{RunbookID: 1, BatchStartTime: time.Now(), Status: store.BatchActive})
	require.NoError(t, err)
	peID, err := st.CreatePhaseExecution(ctx, &store.PhaseExecution{BatchID: batchID, PhaseName: "p", DueAt: time.Now(), Status: store.PhaseDispatched})
	require.NoError(t, err)
	memberID, _, err := st.UpsertActiveMember(ctx, &store.BatchMember{BatchID: batchID, MemberKey: "m1", Status: store.MemberActive})
	require.NoError(t, err)

	seID, err := st.CreateStepExecution(ctx, &store.StepExecution{
		PhaseExecutionID: peID,
		BatchMemberID:    memberID,
		StepName:         "poll-me",
		Status:           store.ExecPolling,
		IsPollStep:       true,
		PollIntervalSec:  10,
		PollTimeoutSec:   3600,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetStepPolling(ctx, seID, time.Now().Add(-time.Minute), time.Now().Add(-time.Minute)))

	sub, err := bus.Subscribe(ctx, messaging.PollCheck)
	require.NoError(t, err)

	clock := NewPollClock(st, bus, time.Hour, nil)
	require.NoError(t, clock.scanStepPolling(ctx, time.Now()))

	select {
	case evt := <-sub:
		assert.Equal(t, seID, evt.StepExecutionID)
	default:
		t.Fatal("expected a poll-check event")
	}

	se, err := st.GetStepExecution(ctx, seID)
	require.NoError(t, err)
	assert.Equal(t, 1, se.PollCount)
}

func TestPollClock_TimesOutPastDeadline(t *testing.T) {
	st := memory.New()
	bus := memorybus.New()
	ctx := context.Background()

	batchID, err := st.CreateBatch(ctx, &store.Batch{RunbookID: 1, BatchStartTime: time.Now(), Status: store.BatchActive})
	require.NoError(t, err)
	peID, err := st.CreatePhaseExecution(ctx, &store.PhaseExecution{BatchID: batchID, DueAt: time.Now(), Status: store.PhaseDispatched})
	require.NoError(t, err)
	memberID, _, err := st.UpsertActiveMember(ctx, &store.BatchMember{BatchID: batchID, MemberKey: "m1", Status: store.MemberActive})
	require.NoError(t, err)

	seID, err := st.CreateStepExecution(ctx, &store.StepExecution{
		PhaseExecutionID: peID,
		BatchMemberID:    memberID,
		StepName:         "slow-poll",
		Status:           store.ExecPolling,
		IsPollStep:       true,
		PollIntervalSec:  10,
		PollTimeoutSec:   60,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetStepPolling(ctx, seID, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Minute)))

	clock := NewPollClock(st, bus, time.Hour, nil)
	require.NoError(t, clock.scanStepPolling(ctx, time.Now()))

	se, err := st.GetStepExecution(ctx, seID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecPollTimeout, se.Status)
}

func TestPollClock_EmitsRetryCheck(t *testing.T) {
	st := memory.New()
	bus := memorybus.New()
	ctx := context.Background()

	batchID, err := st.CreateBatch(ctx, &store.Batch{RunbookID: 1, BatchStartTime: time.Now(), Status: store.BatchActive})
	require.NoError(t, err)
	peID, err := st.CreatePhaseExecution(ctx, &store.PhaseExecution{BatchID: batchID, DueAt: time.Now(), Status: store.PhaseDispatched})
	require.NoError(t, err)
	memberID, _, err := st.UpsertActiveMember(ctx, &store.BatchMember{BatchID: batchID, MemberKey: "m1", Status: store.MemberActive})
	require.NoError(t, err)

	seID, err := st.CreateStepExecution(ctx, &store.StepExecution{
		PhaseExecutionID: peID,
		BatchMemberID:    memberID,
		StepName:         "flaky",
		Status:           store.ExecFailed,
		MaxRetries:       3,
		RetryIntervalSec: 30,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetStepRetryPending(ctx, seID, time.Now().Add(-time.Second)))

	sub, err := bus.Subscribe(ctx, messaging.RetryCheck)
	require.NoError(t, err)

	clock := NewPollClock(st, bus, time.Hour, nil)
	require.NoError(t, clock.scanStepRetries(ctx, time.Now()))

	select {
	case evt := <-sub:
		assert.Equal(t, seID, evt.StepExecutionID)
		assert.Equal(t, 1, evt.RetryCount)
	default:
		t.Fatal("expected a retry-check event")
	}
}
