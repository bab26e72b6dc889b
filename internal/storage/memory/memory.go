package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/protocol-bank/payroll/internal/storage"
	"github.com/protocol-bank/payroll/types"
)

// Store keeps everything in process memory. Transactions are accepted but
// not isolated; it is meant for tests and single-process development.
type Store struct {
	mu         sync.Mutex
	schedules  map[uuid.UUID]types.Schedule
	executions map[uuid.UUID]types.Execution
	actions    map[uuid.UUID]types.PendingAction
	batches    map[string]types.BatchStatus
	flags      map[string]bool
}

func NewStore() *Store {
	return &Store{
		schedules:  make(map[uuid.UUID]types.Schedule),
		executions: make(map[uuid.UUID]types.Execution),
		actions:    make(map[uuid.UUID]types.PendingAction),
		batches:    make(map[string]types.BatchStatus),
		flags:      make(map[string]bool),
	}
}

func (s *Store) Tx() storage.Tx {
	return noopTx{}
}

type noopTx struct{}

func (noopTx) Begin(ctx context.Context) (context.Context, error) { return ctx, nil }
func (noopTx) Commit(context.Context) error                       { return nil }
func (noopTx) Rollback(context.Context) error                     { return nil }

func (s *Store) CreateSchedule(_ context.Context, sch types.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sch.ID]; ok {
		return fmt.Errorf("schedule %s: %w", sch.ID, types.ErrConflict)
	}
	s.schedules[sch.ID] = cloneSchedule(sch)
	return nil
}

func (s *Store) GetSchedule(_ context.Context, id uuid.UUID) (types.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return types.Schedule{}, fmt.Errorf("schedule %s: %w", id, types.ErrNotFound)
	}
	return cloneSchedule(sch), nil
}

func (s *Store) ListSchedulesByOwner(_ context.Context, owner string) ([]types.Schedule, error) {
	return s.filterSchedules(func(sch types.Schedule) bool { return sch.Owner == owner }), nil
}

func (s *Store) ListDueSchedules(_ context.Context, now time.Time, window time.Duration) ([]types.Schedule, error) {
	from := now.Add(-window)
	return s.filterSchedules(func(sch types.Schedule) bool {
		return sch.Status == types.ScheduleActive && sch.NextExecution.After(from) && !sch.NextExecution.After(now)
	}), nil
}

func (s *Store) ListOverdueSchedules(_ context.Context, before time.Time) ([]types.Schedule, error) {
	return s.filterSchedules(func(sch types.Schedule) bool {
		return sch.Status == types.ScheduleActive && !sch.NextExecution.After(before)
	}), nil
}

func (s *Store) filterSchedules(keep func(types.Schedule) bool) []types.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Schedule
	for _, sch := range s.schedules {
		if keep(sch) {
			out = append(out, cloneSchedule(sch))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextExecution.Before(out[j].NextExecution) })
	return out
}

func (s *Store) UpdateScheduleStatus(_ context.Context, id uuid.UUID, status types.ScheduleStatus, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, types.ErrNotFound)
	}
	sch.Status = status
	sch.NextExecution = next
	sch.UpdatedAt = time.Now()
	s.schedules[id] = sch
	return nil
}

func (s *Store) RecordScheduleRun(_ context.Context, id uuid.UUID, run storage.ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, types.ErrNotFound)
	}
	executedAt := run.ExecutedAt
	sch.LastExecution = &executedAt
	sch.NextExecution = run.NextExecution
	sch.ExecutionCount++
	sch.TotalPaid = sch.TotalPaid.Add(run.Paid)
	if run.Status != "" && sch.Status == types.ScheduleActive {
		sch.Status = run.Status
	}
	sch.UpdatedAt = time.Now()
	s.schedules[id] = sch
	return nil
}

func (s *Store) CreateExecution(_ context.Context, e types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status.InFlight() {
		for _, other := range s.executions {
			if other.ScheduleID == e.ScheduleID && other.Status.InFlight() {
				return fmt.Errorf("schedule %s already has execution %s in flight: %w", e.ScheduleID, other.ID, types.ErrConflict)
			}
		}
		if s.settledRuns(e.ScheduleID, e.ScheduledTime, uuid.Nil) > 0 {
			return fmt.Errorf("schedule %s run at %s already settled: %w", e.ScheduleID, e.ScheduledTime, types.ErrConflict)
		}
	}
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

func (s *Store) CountSettledRuns(_ context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settledRuns(scheduleID, scheduledTime, uuid.Nil), nil
}

// settledRuns expects s.mu to be held.
func (s *Store) settledRuns(scheduleID uuid.UUID, scheduledTime time.Time, except uuid.UUID) int {
	n := 0
	for _, e := range s.executions {
		if e.ID != except && e.ScheduleID == scheduleID && e.ScheduledTime.Equal(scheduledTime) && e.Status.Settled() {
			n++
		}
	}
	return n
}

func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return types.Execution{}, fmt.Errorf("execution %s: %w", id, types.ErrNotFound)
	}
	return cloneExecution(e), nil
}

func (s *Store) ListExecutions(_ context.Context, scheduleID uuid.UUID, limit int) ([]types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Execution
	for _, e := range s.executions {
		if e.ScheduleID == scheduleID {
			out = append(out, cloneExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetActiveExecution(_ context.Context, scheduleID uuid.UUID) (*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.ScheduleID == scheduleID && e.Status.InFlight() {
			c := cloneExecution(e)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) TransitionExecution(_ context.Context, id uuid.UUID, from []types.ExecutionStatus, to types.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, types.ErrNotFound)
	}
	if !slices.Contains(from, e.Status) {
		return fmt.Errorf("execution %s is %s: %w", id, e.Status, types.ErrConflict)
	}
	e.Status = to
	e.UpdatedAt = time.Now()
	s.executions[id] = e
	return nil
}

func (s *Store) MarkConfirmed(_ context.Context, id uuid.UUID, by string, at time.Time) error {
	return s.updateExecution(id, func(e *types.Execution) {
		e.ConfirmedBy = &by
		e.ConfirmedAt = &at
	})
}

func (s *Store) AddApproval(_ context.Context, id uuid.UUID, approver string, at time.Time) error {
	return s.updateExecution(id, func(e *types.Execution) {
		if !slices.Contains(e.ApprovedBy, approver) {
			e.ApprovedBy = append(e.ApprovedBy, approver)
		}
		e.ApprovedAt = &at
	})
}

func (s *Store) FinishExecution(_ context.Context, fin types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[fin.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", fin.ID, types.ErrNotFound)
	}
	if fin.Status.Settled() && s.settledRuns(e.ScheduleID, e.ScheduledTime, e.ID) > 0 {
		return fmt.Errorf("schedule %s run at %s already settled: %w", e.ScheduleID, e.ScheduledTime, types.ErrConflict)
	}
	e.Status = fin.Status
	e.ActualTime = fin.ActualTime
	e.SuccessCount = fin.SuccessCount
	e.FailedCount = fin.FailedCount
	e.Results = slices.Clone(fin.Results)
	e.ErrorMessage = fin.ErrorMessage
	e.UpdatedAt = time.Now()
	s.executions[fin.ID] = e
	return nil
}

func (s *Store) updateExecution(id uuid.UUID, fn func(*types.Execution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, types.ErrNotFound)
	}
	fn(&e)
	e.UpdatedAt = time.Now()
	s.executions[id] = e
	return nil
}

func (s *Store) CreatePendingActions(_ context.Context, actions []types.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range actions {
		s.actions[a.ID] = a
	}
	return nil
}

func (s *Store) ResolvePendingActions(_ context.Context, executionID uuid.UUID, actionType types.PendingActionType, target string, status types.PendingActionStatus, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.actions {
		if a.ExecutionID != executionID || a.Status != types.ActionPending {
			continue
		}
		if actionType != "" && a.Type != actionType {
			continue
		}
		if target != "" && (a.TargetAddress == nil || *a.TargetAddress != target) {
			continue
		}
		a.Status = status
		completedAt := at
		a.CompletedAt = &completedAt
		s.actions[id] = a
		n++
	}
	return n, nil
}

func (s *Store) CountPendingActions(_ context.Context, executionID uuid.UUID, actionType types.PendingActionType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.actions {
		if a.ExecutionID == executionID && a.Type == actionType && a.Status == types.ActionPending {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListPendingActions(_ context.Context, executionID uuid.UUID) ([]types.PendingAction, error) {
	return s.filterActions(func(a types.PendingAction) bool { return a.ExecutionID == executionID }), nil
}

func (s *Store) ListOpenActionsFor(_ context.Context, address string) ([]types.PendingAction, error) {
	return s.filterActions(func(a types.PendingAction) bool {
		if a.Status != types.ActionPending {
			return false
		}
		if a.TargetAddress != nil {
			return *a.TargetAddress == address
		}
		return a.RequesterAddress == address
	}), nil
}

func (s *Store) ListExpiredPendingActions(_ context.Context, now time.Time) ([]types.PendingAction, error) {
	return s.filterActions(func(a types.PendingAction) bool {
		return a.Status == types.ActionPending && !a.ExpiresAt.After(now)
	}), nil
}

func (s *Store) filterActions(keep func(types.PendingAction) bool) []types.PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.PendingAction
	for _, a := range s.actions {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) SaveBatch(_ context.Context, status types.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	status.Items = slices.Clone(status.Items)
	s.batches[status.BatchID] = status
	return nil
}

func (s *Store) GetBatch(_ context.Context, batchID string) (*types.BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrBatchNotFound, batchID)
	}
	b.Items = slices.Clone(b.Items)
	return &b, nil
}

func (s *Store) GetControlFlags(_ context.Context, keys ...string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		if v, ok := s.flags[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *Store) SetControlFlag(_ context.Context, key string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = enabled
	return nil
}

func cloneSchedule(s types.Schedule) types.Schedule {
	s.SplitRule.Recipients = slices.Clone(s.SplitRule.Recipients)
	if m, ok := s.Mode.(types.ApprovalMode); ok {
		s.Mode = types.ApprovalMode{Approvers: slices.Clone(m.Approvers)}
	}
	return s
}

func cloneExecution(e types.Execution) types.Execution {
	e.Results = slices.Clone(e.Results)
	e.ApprovedBy = slices.Clone(e.ApprovedBy)
	return e
}
