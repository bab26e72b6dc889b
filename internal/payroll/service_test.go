package payroll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protocol-bank/payroll/internal/recurrence"
	"github.com/protocol-bank/payroll/internal/safety"
	"github.com/protocol-bank/payroll/internal/storage"
	"github.com/protocol-bank/payroll/internal/storage/memory"
	"github.com/protocol-bank/payroll/types"
)

var (
	owner     = "0x1111111111111111111111111111111111111111"
	stranger  = "0x9999999999999999999999999999999999999999"
	payeeA    = "0x2222222222222222222222222222222222222222"
	payeeB    = "0x3333333333333333333333333333333333333333"
	approvers = []string{
		"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"0xcccccccccccccccccccccccccccccccccccccccc",
	}
	t0 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeExecutor struct {
	mu       sync.Mutex
	requests []types.TransferRequest
	fail     map[string]bool
	err      error
}

func (f *fakeExecutor) Execute(_ context.Context, req types.TransferRequest) (types.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return types.TransferResult{}, f.err
	}
	res := types.TransferResult{Success: true}
	for _, r := range req.Recipients {
		ok := !f.fail[r.Address]
		rr := types.RecipientResult{Address: r.Address, Amount: r.Amount, Success: ok}
		if ok {
			rr.TxHash = "0xtx"
		} else {
			rr.Error = "reverted"
			res.Success = false
			res.ErrorMessage = "some transfers reverted"
		}
		res.Results = append(res.Results, rr)
	}
	return res, nil
}

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) Types() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	svc      *Service
	store    *memory.Store
	executor *fakeExecutor
	events   *recordingNotifier
	clock    *fakeClock
	gate     *safety.Gate
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		store:    memory.NewStore(),
		executor: &fakeExecutor{fail: map[string]bool{}},
		events:   &recordingNotifier{},
		clock:    &fakeClock{t: t0},
	}
	env.gate = safety.NewGate(env.store, logger)
	env.svc = NewService(logger, env.store, recurrence.NewDefaultInterval(), nil, nil,
		env.executor, env.events, env.gate, nil, Config{})
	env.svc.now = env.clock.Now
	return env
}

func dailyRequest(mode types.ExecutionMode) CreateScheduleRequest {
	return CreateScheduleRequest{
		Owner: owner,
		Name:  "June payroll",
		SplitRule: types.SplitRule{
			TotalAmount: decimal.NewFromInt(1000),
			Token:       types.TokenUSDC,
			ChainID:     types.ChainEthereum,
			Method:      types.AllocationPercentage,
			Recipients: []types.Recipient{
				{Address: payeeA, Allocation: decimal.NewFromInt(60)},
				{Address: payeeB, Allocation: decimal.NewFromInt(40)},
			},
		},
		Frequency: types.FrequencyConfig{Type: types.FrequencyDaily, Time: "09:00"},
		Mode:      mode,
	}
}

// dueSchedule creates a schedule and moves the clock to its first run.
func (env *testEnv) dueSchedule(t *testing.T, req CreateScheduleRequest) types.Schedule {
	t.Helper()
	sch, err := env.svc.CreateSchedule(context.Background(), req)
	require.NoError(t, err)
	env.clock.Set(sch.NextExecution)
	return *sch
}

func (env *testEnv) schedule(t *testing.T, sch types.Schedule) types.Schedule {
	t.Helper()
	got, err := env.store.GetSchedule(context.Background(), sch.ID)
	require.NoError(t, err)
	return got
}

func (env *testEnv) execution(t *testing.T, exec *types.Execution) types.Execution {
	t.Helper()
	require.NotNil(t, exec)
	got, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	return got
}

func TestCreateSchedule_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateScheduleRequest)
		field  string
	}{
		{
			name:   "missing name",
			mutate: func(r *CreateScheduleRequest) { r.Name = "  " },
			field:  "name",
		},
		{
			name:   "invalid owner",
			mutate: func(r *CreateScheduleRequest) { r.Owner = "0x123" },
			field:  "owner",
		},
		{
			name: "percentages under 100",
			mutate: func(r *CreateScheduleRequest) {
				r.SplitRule.Recipients[1].Allocation = decimal.NewFromInt(37)
			},
			field: "split_rule",
		},
		{
			name:   "token not on chain",
			mutate: func(r *CreateScheduleRequest) { r.SplitRule.Token = types.TokenSOL },
			field:  "split_rule.token",
		},
		{
			name:   "approval without approvers",
			mutate: func(r *CreateScheduleRequest) { r.Mode = types.ApprovalMode{} },
			field:  "execution_mode.approvers",
		},
		{
			name: "duplicate approver",
			mutate: func(r *CreateScheduleRequest) {
				r.Mode = types.ApprovalMode{Approvers: []string{approvers[0], approvers[0]}}
			},
			field: "execution_mode.approvers[1]",
		},
		{
			name: "end before start",
			mutate: func(r *CreateScheduleRequest) {
				end := t0.Add(-time.Hour)
				r.EndDate = &end
			},
			field: "end_date",
		},
		{
			name:   "bad cron",
			mutate: func(r *CreateScheduleRequest) { r.Frequency = types.FrequencyConfig{Type: types.FrequencyCustom, CronExpression: "nope"} },
			field:  "frequency",
		},
		{
			name: "non positive cap",
			mutate: func(r *CreateScheduleRequest) {
				zero := decimal.Zero
				r.MaxAmountPerExecution = &zero
			},
			field: "max_amount_per_execution",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := dailyRequest(types.AutoMode{})
			tt.mutate(&req)

			_, err := env.svc.CreateSchedule(context.Background(), req)
			var verrs types.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.True(t, hasField(verrs, tt.field), "expected %s in %v", tt.field, verrs)
		})
	}
}

func TestCreateSchedule_CollectsEveryProblem(t *testing.T) {
	env := newTestEnv(t)
	req := dailyRequest(types.ApprovalMode{})
	req.Name = ""
	req.Owner = "nope"

	_, err := env.svc.CreateSchedule(context.Background(), req)
	var verrs types.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, hasField(verrs, "name"))
	assert.True(t, hasField(verrs, "owner"))
	assert.True(t, hasField(verrs, "execution_mode.approvers"))
}

func TestCreateSchedule_FirstRun(t *testing.T) {
	env := newTestEnv(t)

	sch, err := env.svc.CreateSchedule(context.Background(), dailyRequest(types.AutoMode{}))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), sch.NextExecution.UTC())
	assert.Equal(t, types.ScheduleActive, sch.Status)

	req := dailyRequest(types.AutoMode{})
	req.StartDate = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	sch, err = env.svc.CreateSchedule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.StartDate, sch.NextExecution.UTC(), "a run exactly at the start date counts")
}

func TestCreateSchedule_NormalizesAddresses(t *testing.T) {
	env := newTestEnv(t)
	req := dailyRequest(types.ApprovalMode{Approvers: []string{"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}})

	sch, err := env.svc.CreateSchedule(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{approvers[0]}, sch.Approvers())

	list, err := env.svc.ListSchedules(context.Background(), owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestProcessSchedule_AutoCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

	exec, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.SuccessCount)
	assert.Zero(t, exec.FailedCount)

	require.Equal(t, 1, env.executor.Calls())
	req := env.executor.requests[0]
	assert.Equal(t, exec.ID.String(), req.Reference)
	assert.Equal(t, types.ChainEthereum, req.Chain)
	assert.True(t, decimal.NewFromInt(600).Equal(req.Recipients[0].Amount))
	assert.True(t, decimal.NewFromInt(400).Equal(req.Recipients[1].Amount))

	got := env.schedule(t, sch)
	assert.Equal(t, int64(1), got.ExecutionCount)
	assert.True(t, decimal.NewFromInt(1000).Equal(got.TotalPaid))
	assert.Equal(t, time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC), got.NextExecution.UTC())
	require.NotNil(t, got.LastExecution)
	assert.Contains(t, env.events.Types(), types.EventExecutionCompleted)

	stored := env.execution(t, exec)
	assert.Equal(t, types.ExecutionCompleted, stored.Status)
	assert.Len(t, stored.Results, 2)
}

func TestProcessSchedule_AutoPartial(t *testing.T) {
	env := newTestEnv(t)
	env.executor.fail[payeeB] = true
	sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

	exec, err := env.svc.ProcessSchedule(context.Background(), sch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPartial, exec.Status)
	assert.Equal(t, 1, exec.SuccessCount)
	assert.Equal(t, 1, exec.FailedCount)

	got := env.schedule(t, sch)
	assert.True(t, decimal.NewFromInt(600).Equal(got.TotalPaid), "only successful transfers count as paid")
	assert.Equal(t, int64(1), got.ExecutionCount)
	assert.Contains(t, env.events.Types(), types.EventExecutionPartial)
}

func TestProcessSchedule_FailureLeavesScheduleUnchanged(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(env *testEnv)
		message string
	}{
		{
			name:    "executor error",
			setup:   func(env *testEnv) { env.executor.err = errors.New("rpc unavailable") },
			message: "rpc unavailable",
		},
		{
			name: "every transfer failed",
			setup: func(env *testEnv) {
				env.executor.fail[payeeA] = true
				env.executor.fail[payeeB] = true
			},
			message: "some transfers reverted",
		},
		{
			name: "payouts disabled for owner",
			setup: func(env *testEnv) {
				require.NoError(t, env.gate.SetOwner(context.Background(), owner, false))
			},
			message: safety.ErrOwnerDisabled.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env)
			sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))
			before := env.schedule(t, sch)

			exec, err := env.svc.ProcessSchedule(context.Background(), sch.ID)
			var execErr *types.ExecutionError
			require.ErrorAs(t, err, &execErr)
			require.NotNil(t, exec)
			assert.Equal(t, exec.ID, execErr.ExecutionID)

			stored := env.execution(t, exec)
			assert.Equal(t, types.ExecutionFailed, stored.Status)
			assert.Contains(t, stored.ErrorMessage, tt.message)

			after := env.schedule(t, sch)
			assert.Equal(t, before.NextExecution, after.NextExecution)
			assert.Equal(t, before.ExecutionCount, after.ExecutionCount)
			assert.True(t, before.TotalPaid.Equal(after.TotalPaid))
			assert.Contains(t, env.events.Types(), types.EventExecutionFailed)
		})
	}
}

func TestProcessSchedule_MaxAmountPerExecution(t *testing.T) {
	env := newTestEnv(t)
	req := dailyRequest(types.AutoMode{})
	limit := decimal.NewFromInt(500)
	req.MaxAmountPerExecution = &limit
	sch := env.dueSchedule(t, req)

	exec, err := env.svc.ProcessSchedule(context.Background(), sch.ID)
	var execErr *types.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "exceeds maximum")
	assert.Zero(t, env.executor.Calls())
}

func TestProcessSchedule_Guards(t *testing.T) {
	t.Run("not due", func(t *testing.T) {
		env := newTestEnv(t)
		sch, err := env.svc.CreateSchedule(context.Background(), dailyRequest(types.AutoMode{}))
		require.NoError(t, err)

		_, err = env.svc.ProcessSchedule(context.Background(), sch.ID)
		var stateErr *types.StateTransitionError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, "not_due", stateErr.From)
	})

	t.Run("second run while one is in flight", func(t *testing.T) {
		env := newTestEnv(t)
		sch := env.dueSchedule(t, dailyRequest(types.ConfirmMode{}))

		first, err := env.svc.ProcessSchedule(context.Background(), sch.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ExecutionConfirming, first.Status)

		_, err = env.svc.ProcessSchedule(context.Background(), sch.ID)
		var stateErr *types.StateTransitionError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, "in_flight", stateErr.From)
	})

	t.Run("duplicate run after settlement", func(t *testing.T) {
		env := newTestEnv(t)
		sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

		_, err := env.svc.ProcessSchedule(context.Background(), sch.ID)
		require.NoError(t, err)
		_, err = env.svc.ProcessSchedule(context.Background(), sch.ID)
		var stateErr *types.StateTransitionError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, 1, env.executor.Calls())
	})
}

// staleRepo serves a schedule snapshot taken before its last settlement.
type staleRepo struct {
	storage.Repository
	snapshot types.Schedule
}

func (r *staleRepo) GetSchedule(context.Context, uuid.UUID) (types.Schedule, error) {
	return r.snapshot, nil
}

// racedRepo reports the run as settled by another worker once the insert
// of a new execution went through.
type racedRepo struct {
	storage.Repository
}

func (r *racedRepo) CountSettledRuns(context.Context, uuid.UUID, time.Time) (int, error) {
	return 1, nil
}

func TestProcessSchedule_SettledRunIsNotPaidTwice(t *testing.T) {
	t.Run("stale schedule read", func(t *testing.T) {
		env := newTestEnv(t)
		sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

		_, err := env.svc.ProcessSchedule(context.Background(), sch.ID)
		require.NoError(t, err)

		env.svc.repo = &staleRepo{Repository: env.store, snapshot: sch}
		_, err = env.svc.ProcessSchedule(context.Background(), sch.ID)
		var stateErr *types.StateTransitionError
		require.ErrorAs(t, err, &stateErr)

		assert.Equal(t, 1, env.executor.Calls())
		got := env.schedule(t, sch)
		assert.EqualValues(t, 1, got.ExecutionCount)
		assert.True(t, got.TotalPaid.Equal(decimal.NewFromInt(1000)), got.TotalPaid.String())
	})

	t.Run("run settled concurrently", func(t *testing.T) {
		env := newTestEnv(t)
		sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

		env.svc.repo = &racedRepo{Repository: env.store}
		_, err := env.svc.ProcessSchedule(context.Background(), sch.ID)
		var stateErr *types.StateTransitionError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, "settled", stateErr.From)
		assert.Zero(t, env.executor.Calls())
		assert.Zero(t, env.schedule(t, sch).ExecutionCount)
	})
}

func TestProcessSchedule_MaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	env.executor.err = errors.New("rpc unavailable")
	sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts; i++ {
		env.clock.Set(sch.NextExecution.Add(time.Duration(i) * time.Minute))
		_, err := env.svc.ProcessSchedule(ctx, sch.ID)
		var execErr *types.ExecutionError
		require.ErrorAs(t, err, &execErr, "attempt %d", i+1)
	}

	_, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, DefaultMaxAttempts, env.executor.Calls())

	got := env.schedule(t, sch)
	assert.True(t, got.NextExecution.After(sch.NextExecution), "schedule moves past the abandoned run")
	assert.Zero(t, got.ExecutionCount)
}

func TestConfirmMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.ConfirmMode{}))

	exec, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionConfirming, exec.Status)
	assert.Zero(t, env.executor.Calls())
	assert.Contains(t, env.events.Types(), types.EventExecutionPending)

	actions, err := env.svc.GetPendingActions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionConfirm, actions[0].Type)
	assert.Nil(t, actions[0].TargetAddress)
	assert.Equal(t, owner, actions[0].RequesterAddress)
	assert.Equal(t, t0.Add(time.Hour).Add(DefaultActionTTL), actions[0].ExpiresAt)

	_, err = env.svc.ConfirmExecution(ctx, exec.ID, stranger)
	var authErr *types.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, types.ExecutionConfirming, env.execution(t, exec).Status)
	assert.Zero(t, env.executor.Calls())

	done, err := env.svc.ConfirmExecution(ctx, exec.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, done.Status)
	require.NotNil(t, done.ConfirmedBy)
	assert.Equal(t, owner, *done.ConfirmedBy)

	actions, err = env.svc.GetPendingActions(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, actions)

	_, err = env.svc.ConfirmExecution(ctx, exec.ID, owner)
	var stateErr *types.StateTransitionError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, 1, env.executor.Calls())
}

func TestConfirmMode_ExecutorFailurePropagates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.ConfirmMode{}))
	exec, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)

	env.executor.err = errors.New("nonce too low")
	_, err = env.svc.ConfirmExecution(ctx, exec.ID, owner)
	var execErr *types.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, types.ExecutionFailed, env.execution(t, exec).Status)
	assert.Equal(t, sch.NextExecution, env.schedule(t, sch).NextExecution)
}

func TestApprovalMode_LastApprovalSettles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.ApprovalMode{Approvers: approvers}))

	exec, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionApproving, exec.Status)

	actions, err := env.store.ListPendingActions(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, actions, 3)

	_, err = env.svc.ApproveExecution(ctx, exec.ID, stranger)
	var authErr *types.AuthorizationError
	require.ErrorAs(t, err, &authErr)

	for i, approver := range approvers[:2] {
		got, err := env.svc.ApproveExecution(ctx, exec.ID, approver)
		require.NoError(t, err, "approval %d", i+1)
		assert.Equal(t, types.ExecutionApproving, got.Status)
	}
	assert.Zero(t, env.executor.Calls())

	_, err = env.svc.ApproveExecution(ctx, exec.ID, approvers[0])
	var stateErr *types.StateTransitionError
	require.ErrorAs(t, err, &stateErr, "an approver cannot approve twice")

	done, err := env.svc.ApproveExecution(ctx, exec.ID, approvers[2])
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, done.Status)
	assert.ElementsMatch(t, approvers, env.execution(t, exec).ApprovedBy)
	assert.Equal(t, 1, env.executor.Calls())
}

func TestApprovalMode_ConcurrentApprovalsSettleOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.ApprovalMode{Approvers: approvers}))

	exec, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, len(approvers))
	for i, approver := range approvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.svc.ApproveExecution(ctx, exec.ID, approver)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "approver %d", i)
	}
	assert.Equal(t, 1, env.executor.Calls())
	assert.Equal(t, types.ExecutionCompleted, env.execution(t, exec).Status)
	assert.Equal(t, int64(1), env.schedule(t, sch).ExecutionCount)
}

func TestRejectExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.ApprovalMode{Approvers: approvers}))

	exec, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)

	_, err = env.svc.RejectExecution(ctx, exec.ID, stranger, "")
	var authErr *types.AuthorizationError
	require.ErrorAs(t, err, &authErr)

	rejected, err := env.svc.RejectExecution(ctx, exec.ID, approvers[1], "wrong amounts")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, rejected.Status)
	assert.Contains(t, rejected.ErrorMessage, "wrong amounts")

	actions, err := env.store.ListPendingActions(ctx, exec.ID)
	require.NoError(t, err)
	for _, a := range actions {
		assert.Equal(t, types.ActionRejected, a.Status)
	}

	got := env.schedule(t, sch)
	assert.True(t, got.NextExecution.After(sch.NextExecution), "a rejected run is skipped")
	assert.Zero(t, got.ExecutionCount)

	_, err = env.svc.ApproveExecution(ctx, exec.ID, approvers[0])
	var stateErr *types.StateTransitionError
	require.ErrorAs(t, err, &stateErr)
	assert.Zero(t, env.executor.Calls())
}

func TestExecutePayroll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

	pending := types.Execution{
		ID:            uuid.New(),
		ScheduleID:    sch.ID,
		ScheduledTime: sch.NextExecution,
		Status:        types.ExecutionPending,
		TotalAmount:   sch.SplitRule.TotalAmount,
		Token:         sch.SplitRule.Token,
	}
	require.NoError(t, env.store.CreateExecution(ctx, pending))

	exec, err := env.svc.ExecutePayroll(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)

	_, err = env.svc.ExecutePayroll(ctx, pending.ID)
	var stateErr *types.StateTransitionError
	require.ErrorAs(t, err, &stateErr)
}

func TestScheduleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch, err := env.svc.CreateSchedule(ctx, dailyRequest(types.AutoMode{}))
	require.NoError(t, err)

	_, err = env.svc.PauseSchedule(ctx, sch.ID, stranger)
	var authErr *types.AuthorizationError
	require.ErrorAs(t, err, &authErr)

	paused, err := env.svc.PauseSchedule(ctx, sch.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.SchedulePaused, paused.Status)

	_, err = env.svc.PauseSchedule(ctx, sch.ID, owner)
	var stateErr *types.StateTransitionError
	require.ErrorAs(t, err, &stateErr)

	env.clock.Set(time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC))
	_, err = env.svc.ProcessSchedule(ctx, sch.ID)
	require.ErrorAs(t, err, &stateErr, "paused schedules do not run")

	resumed, err := env.svc.ResumeSchedule(ctx, sch.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.ScheduleActive, resumed.Status)
	assert.Equal(t, time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC), resumed.NextExecution.UTC())

	cancelled, err := env.svc.CancelSchedule(ctx, sch.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.ScheduleCancelled, cancelled.Status)

	_, err = env.svc.ResumeSchedule(ctx, sch.ID, owner)
	require.ErrorAs(t, err, &stateErr)
	_, err = env.svc.CancelSchedule(ctx, sch.ID, owner)
	require.ErrorAs(t, err, &stateErr)
}

func TestCancelSchedule_CancelsWaitingExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.ConfirmMode{}))

	exec, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)

	_, err = env.svc.CancelSchedule(ctx, sch.ID, owner)
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionCancelled, env.execution(t, exec).Status)
	actions, err := env.svc.GetPendingActions(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Contains(t, env.events.Types(), types.EventExecutionCancelled)
}

func TestVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sch := env.dueSchedule(t, dailyRequest(types.ApprovalMode{Approvers: approvers[:1]}))
	exec, err := env.svc.ProcessSchedule(ctx, sch.ID)
	require.NoError(t, err)

	for _, actor := range []string{owner, approvers[0]} {
		_, err := env.svc.GetSchedule(ctx, sch.ID, actor)
		assert.NoError(t, err, actor)
		_, err = env.svc.GetExecution(ctx, exec.ID, actor)
		assert.NoError(t, err, actor)
		list, err := env.svc.ListExecutions(ctx, sch.ID, actor, 10)
		assert.NoError(t, err, actor)
		assert.Len(t, list, 1)
	}

	_, err = env.svc.GetSchedule(ctx, sch.ID, stranger)
	var authErr *types.AuthorizationError
	assert.ErrorAs(t, err, &authErr)
	_, err = env.svc.GetExecution(ctx, exec.ID, stranger)
	assert.ErrorAs(t, err, &authErr)
}

func TestEndDateExpiresSchedule(t *testing.T) {
	env := newTestEnv(t)
	req := dailyRequest(types.AutoMode{})
	end := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	req.EndDate = &end
	sch := env.dueSchedule(t, req)

	exec, err := env.svc.ProcessSchedule(context.Background(), sch.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)

	got := env.schedule(t, sch)
	assert.Equal(t, types.ScheduleExpired, got.Status)
	assert.Equal(t, int64(1), got.ExecutionCount)
	assert.Contains(t, env.events.Types(), types.EventScheduleExpired)
}

func TestCreateSchedule_NeverRunsBeforeEnd(t *testing.T) {
	env := newTestEnv(t)
	req := dailyRequest(types.AutoMode{})
	end := t0.Add(30 * time.Minute)
	req.EndDate = &end

	_, err := env.svc.CreateSchedule(context.Background(), req)
	var verrs types.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, hasField(verrs, "end_date"))
}

func TestTally(t *testing.T) {
	env := newTestEnv(t)
	alloc := env.svc.allocator.Calculate(dailyRequest(types.AutoMode{}).SplitRule).Recipients

	tests := []struct {
		name    string
		res     types.TransferResult
		success []bool
		paid    int64
	}{
		{
			name:    "overall success without per recipient results",
			res:     types.TransferResult{Success: true, TxHash: "0xabc"},
			success: []bool{true, true},
			paid:    1000,
		},
		{
			name:    "overall failure without per recipient results",
			res:     types.TransferResult{ErrorMessage: "reverted"},
			success: []bool{false, false},
			paid:    0,
		},
		{
			name: "short result list",
			res: types.TransferResult{Results: []types.RecipientResult{
				{Address: payeeA, Success: true},
			}},
			success: []bool{true, false},
			paid:    600,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, paid := tally(alloc, tt.res)
			require.Len(t, results, len(tt.success))
			for i, want := range tt.success {
				assert.Equal(t, want, results[i].Success, fmt.Sprintf("recipient %d", i))
			}
			assert.True(t, decimal.NewFromInt(tt.paid).Equal(paid), paid.String())
		})
	}
}
