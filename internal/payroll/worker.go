package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/graceful"
	"github.com/protocol-bank/payroll/internal/tasks"
	"github.com/protocol-bank/payroll/types"
)

type WorkerConfig struct {
	PollInterval     time.Duration `envconfig:"PAYROLL_POLL_INTERVAL" default:"1m"`
	IterationTimeout time.Duration `envconfig:"PAYROLL_ITERATION_TIMEOUT" default:"5m"`
	LookBack         time.Duration `envconfig:"PAYROLL_LOOKBACK" default:"1h"`
	Concurrency      int           `envconfig:"PAYROLL_CONCURRENCY" default:"8"`
}

func LoadWorkerConfig() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("failed to process env: %w", err)
	}
	if cfg.PollInterval >= cfg.LookBack {
		return WorkerConfig{}, fmt.Errorf("poll interval %s must be shorter than look-back %s", cfg.PollInterval, cfg.LookBack)
	}
	return cfg, nil
}

// Enqueuer is the part of *asynq.Client the worker needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Worker sweeps schedules on a fixed cadence and enqueues one task per due
// run. Task ids are derived from the run so overlapping sweeps dedupe; the
// id is held for one poll interval after completion so a failed run is
// enqueued again on a later sweep.
type Worker struct {
	logger *logrus.Logger

	client Enqueuer
	queue  string

	service *Service

	pollInterval     time.Duration
	iterationTimeout time.Duration
}

func NewWorker(logger *logrus.Logger, client Enqueuer, queue string, service *Service, cfg WorkerConfig) *Worker {
	if queue == "" {
		queue = tasks.QUEUE_NAME
	}
	return &Worker{
		logger:           logger.WithField("pkg", "payroll.Worker").Logger,
		client:           client,
		queue:            queue,
		service:          service,
		pollInterval:     cfg.PollInterval,
		iterationTimeout: cfg.IterationTimeout,
	}
}

func (w *Worker) Run() error {
	ctx, stop := context.WithCancel(context.Background())

	go func() {
		graceful.HandleSignals(stop)
		w.logger.Info("got exit signal, will stop after current processing step finished...")
	}()

	err := w.start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	return nil
}

func (w *Worker) start(aliveCtx context.Context) error {
	if err := w.tick(aliveCtx); err != nil {
		return fmt.Errorf("failed to sweep: %w", err)
	}

	for {
		select {
		case <-aliveCtx.Done():
			w.logger.Info("context done & no processing: stop worker")
			return nil
		case <-time.After(w.pollInterval):
			if er := w.tick(aliveCtx); er != nil {
				w.logger.Errorf("processing error, continue loop: %v", er)
			}
		}
	}
}

func (w *Worker) tick(aliveCtx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(aliveCtx), w.iterationTimeout)
	defer cancel()

	w.logger.Info("worker tick")
	_, err := w.service.Sweep(ctx, w.enqueue)
	return err
}

func (w *Worker) enqueue(ctx context.Context, schedule types.Schedule) error {
	task, err := tasks.NewProcessScheduleTask(tasks.ProcessSchedulePayload{
		ScheduleID:   schedule.ID,
		ScheduledFor: schedule.NextExecution,
	})
	if err != nil {
		return err
	}

	_, err = w.client.EnqueueContext(
		ctx,
		task,
		asynq.TaskID(tasks.ProcessScheduleTaskID(schedule.ID, schedule.NextExecution)),
		asynq.MaxRetry(0),
		asynq.Timeout(5*time.Minute),
		asynq.Retention(w.pollInterval),
		asynq.Queue(w.queue),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	w.logger.WithFields(logrus.Fields{
		"schedule_id":   schedule.ID,
		"scheduled_for": schedule.NextExecution,
	}).Info("enqueued scheduled run")
	return nil
}
