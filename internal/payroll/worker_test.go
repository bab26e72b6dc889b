package payroll

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protocol-bank/payroll/internal/tasks"
	"github.com/protocol-bank/payroll/types"
)

type enqueued struct {
	task *asynq.Task
	id   string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
	seen  map[string]bool
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var id string
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id, _ = o.Value().(string)
		}
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.seen[id] = true
	f.tasks = append(f.tasks, enqueued{task: task, id: id})
	return &asynq.TaskInfo{ID: id}, nil
}

func newTestWorker(env *testEnv, client Enqueuer) *Worker {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewWorker(logger, client, "payroll-test", env.svc, WorkerConfig{
		PollInterval:     time.Minute,
		IterationTimeout: time.Minute,
	})
}

func TestWorker_EnqueuesEachRunOnce(t *testing.T) {
	env := newTestEnv(t)
	sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))
	client := &fakeEnqueuer{}
	w := newTestWorker(env, client)

	require.NoError(t, w.tick(context.Background()))
	require.NoError(t, w.tick(context.Background()), "overlapping sweeps dedupe on the task id")

	require.Len(t, client.tasks, 1)
	got := client.tasks[0]
	assert.Equal(t, tasks.TypeProcessSchedule, got.task.Type())
	assert.Equal(t, tasks.ProcessScheduleTaskID(sch.ID, sch.NextExecution), got.id)

	payload, err := tasks.ParseProcessSchedulePayload(got.task)
	require.NoError(t, err)
	assert.Equal(t, sch.ID, payload.ScheduleID)
	assert.True(t, sch.NextExecution.Equal(payload.ScheduledFor))
}

type brokenEnqueuer struct{}

func (brokenEnqueuer) EnqueueContext(context.Context, *asynq.Task, ...asynq.Option) (*asynq.TaskInfo, error) {
	return nil, errors.New("redis down")
}

func TestWorker_EnqueueFailureIsCounted(t *testing.T) {
	env := newTestEnv(t)
	env.dueSchedule(t, dailyRequest(types.AutoMode{}))
	w := newTestWorker(env, brokenEnqueuer{})

	report, err := env.svc.Sweep(context.Background(), w.enqueue)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}

func TestLoadWorkerConfig(t *testing.T) {
	t.Setenv("PAYROLL_POLL_INTERVAL", "30s")
	t.Setenv("PAYROLL_LOOKBACK", "45m")

	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 45*time.Minute, cfg.LookBack)
	assert.Equal(t, 5*time.Minute, cfg.IterationTimeout)
	assert.Equal(t, 8, cfg.Concurrency)

	t.Setenv("PAYROLL_POLL_INTERVAL", "2h")
	_, err = LoadWorkerConfig()
	assert.Error(t, err, "polling slower than the look-back would miss runs")
}

func processTask(t *testing.T, id uuid.UUID, at time.Time) *asynq.Task {
	t.Helper()
	task, err := tasks.NewProcessScheduleTask(tasks.ProcessSchedulePayload{ScheduleID: id, ScheduledFor: at})
	require.NoError(t, err)
	return task
}

func TestHandleProcessSchedule(t *testing.T) {
	t.Run("due run settles", func(t *testing.T) {
		env := newTestEnv(t)
		sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

		require.NoError(t, env.svc.HandleProcessSchedule(context.Background(), processTask(t, sch.ID, sch.NextExecution)))
		assert.Equal(t, 1, env.executor.Calls())
		assert.Equal(t, int64(1), env.schedule(t, sch).ExecutionCount)
	})

	t.Run("stale run is dropped", func(t *testing.T) {
		env := newTestEnv(t)
		sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

		err := env.svc.HandleProcessSchedule(context.Background(), processTask(t, sch.ID, sch.NextExecution.Add(-24*time.Hour)))
		require.NoError(t, err)
		assert.Zero(t, env.executor.Calls())
	})

	t.Run("failed settlement completes the task", func(t *testing.T) {
		env := newTestEnv(t)
		env.executor.err = errors.New("rpc unavailable")
		sch := env.dueSchedule(t, dailyRequest(types.AutoMode{}))

		require.NoError(t, env.svc.HandleProcessSchedule(context.Background(), processTask(t, sch.ID, sch.NextExecution)))
		executions, err := env.store.ListExecutions(context.Background(), sch.ID, 0)
		require.NoError(t, err)
		require.Len(t, executions, 1)
		assert.Equal(t, types.ExecutionFailed, executions[0].Status)
	})

	t.Run("unknown schedule", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.svc.HandleProcessSchedule(context.Background(), processTask(t, uuid.New(), t0)))
	})

	t.Run("malformed payload is not retried", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.svc.HandleProcessSchedule(context.Background(), asynq.NewTask(tasks.TypeProcessSchedule, []byte("{")))
		require.Error(t, err)
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})
}
