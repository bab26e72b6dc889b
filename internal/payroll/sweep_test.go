package payroll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protocol-bank/payroll/types"
)

func TestGetDueSchedules_Window(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch, err := env.svc.CreateSchedule(ctx, dailyRequest(types.AutoMode{}))
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		due  bool
	}{
		{name: "before the run", now: sch.NextExecution.Add(-time.Minute), due: false},
		{name: "exactly at the run", now: sch.NextExecution, due: true},
		{name: "inside the look-back", now: sch.NextExecution.Add(59 * time.Minute), due: true},
		{name: "past the look-back", now: sch.NextExecution.Add(DefaultLookBack + time.Minute), due: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.clock.Set(tt.now)
			due, err := env.svc.GetDueSchedules(ctx)
			require.NoError(t, err)
			if tt.due {
				require.Len(t, due, 1)
				assert.Equal(t, sch.ID, due[0].ID)
			} else {
				assert.Empty(t, due)
			}
		})
	}
}

func TestSweep_OneFailureDoesNotStopOthers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	second, err := env.svc.CreateSchedule(ctx, dailyRequest(types.AutoMode{}))
	require.NoError(t, err)
	first := env.dueSchedule(t, dailyRequest(types.AutoMode{}))
	require.Equal(t, first.NextExecution, second.NextExecution)

	var mu sync.Mutex
	seen := map[string]bool{}
	report, err := env.svc.Sweep(ctx, func(_ context.Context, s types.Schedule) error {
		mu.Lock()
		seen[s.ID.String()] = true
		mu.Unlock()
		if s.ID == first.ID {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, seen[first.ID.String()])
	assert.True(t, seen[second.ID.String()])
}

func TestProcessDue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.executor.fail[payeeA] = true
	env.executor.fail[payeeB] = true
	waiting, err := env.svc.CreateSchedule(ctx, dailyRequest(types.ConfirmMode{}))
	require.NoError(t, err)
	failing := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

	report, err := env.svc.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 1, report.Failed, "the failed settlement is counted")

	report, err = env.svc.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed, "the in-flight confirmation is not a failure")

	assert.Equal(t, failing.NextExecution, env.schedule(t, failing).NextExecution)
	active, err := env.store.GetActiveExecution(ctx, waiting.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, types.ExecutionConfirming, active.Status)
}

func TestExpirePendingActions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.ConfirmMode{}))
	exec, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)

	env.clock.Set(sch.NextExecution.Add(DefaultActionTTL - time.Minute))
	n, err := env.svc.ExpirePendingActions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Set(time.Date(2025, 6, 5, 10, 0, 0, 0, time.UTC))
	n, err = env.svc.ExpirePendingActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := env.execution(t, exec)
	assert.Equal(t, types.ExecutionCancelled, stored.Status)
	actions, err := env.store.ListPendingActions(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionExpired, actions[0].Status)

	got := env.schedule(t, sch)
	assert.Equal(t, time.Date(2025, 6, 6, 9, 0, 0, 0, time.UTC), got.NextExecution.UTC())
	assert.Zero(t, got.ExecutionCount)

	_, err = env.svc.ConfirmExecution(ctx, exec.ID, owner)
	var stateErr *types.StateTransitionError
	require.ErrorAs(t, err, &stateErr)
}

func TestRecordMissedRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch, err := env.svc.CreateSchedule(ctx, dailyRequest(types.AutoMode{}))
	require.NoError(t, err)

	env.clock.Set(sch.NextExecution.Add(2 * time.Hour))
	due, err := env.svc.GetDueSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	n, err := env.svc.RecordMissedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	executions, err := env.store.ListExecutions(ctx, sch.ID, 0)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, types.ExecutionMissed, executions[0].Status)
	assert.Equal(t, sch.NextExecution, executions[0].ScheduledTime)

	got := env.schedule(t, *sch)
	assert.Equal(t, time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC), got.NextExecution.UTC())
	assert.Contains(t, env.events.Types(), types.EventExecutionMissed)

	n, err = env.svc.RecordMissedRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecordMissedRuns_SkipsInFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.ApprovalMode{Approvers: approvers}))
	_, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)

	env.clock.Set(sch.NextExecution.Add(3 * time.Hour))
	n, err := env.svc.RecordMissedRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a run waiting for approvals is not missed")
	assert.Equal(t, sch.NextExecution, env.schedule(t, sch).NextExecution)
}
