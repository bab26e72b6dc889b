package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/protocol-bank/payroll/config"
	"github.com/protocol-bank/payroll/internal/executor"
	"github.com/protocol-bank/payroll/internal/health"
	"github.com/protocol-bank/payroll/internal/logging"
	"github.com/protocol-bank/payroll/internal/metrics"
	"github.com/protocol-bank/payroll/internal/notify"
	"github.com/protocol-bank/payroll/internal/payroll"
	"github.com/protocol-bank/payroll/internal/recurrence"
	"github.com/protocol-bank/payroll/internal/safety"
	"github.com/protocol-bank/payroll/internal/split"
	"github.com/protocol-bank/payroll/internal/storage/postgres"
	"github.com/protocol-bank/payroll/internal/tasks"
	"github.com/protocol-bank/payroll/internal/validation"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.ReadWorkerConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.NewLogger(cfg.Logging.Format, cfg.Logging.Level)

	registry, err := config.LoadTokenRegistry(cfg.TokenRegistry)
	if err != nil {
		panic(fmt.Sprintf("failed to load token registry: %v", err))
	}

	backend, err := postgres.Connect(ctx, logger, cfg.Database.DSN)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize database: %v", err))
	}
	defer backend.Close()

	exec, err := executor.NewClient(cfg.Executor, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize executor client: %v", err))
	}

	notifier := notify.Multi{notify.NewLog(logger)}
	if cfg.Webhook.URL != "" {
		webhook, err := notify.NewWebhook(cfg.Webhook, logger)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize webhook notifier: %v", err))
		}
		defer webhook.Wait()
		notifier = append(notifier, webhook)
	}

	metricsServer := metrics.StartMetricsServer(cfg.Metrics, []string{
		metrics.ServicePayroll,
		metrics.ServiceWorker,
	}, logger)
	if metricsServer != nil {
		defer func() {
			_ = metricsServer.Stop(context.Background())
		}()
	}

	redisOptions := cfg.Redis.AsynqOpt()
	probe := health.New(cfg.HealthPort, logger)
	probe.AddCheck("postgres", func(ctx context.Context) error {
		return backend.Pool().Ping(ctx)
	})
	go func() {
		if err := probe.Start(ctx); err != nil {
			logger.Errorf("health server: %v", err)
		}
	}()

	validator := validation.NewValidator(registry)
	service := payroll.NewService(
		logger,
		backend,
		recurrence.NewDefaultInterval(),
		split.NewAllocator(registry, cfg.Payroll.Strictness),
		validator,
		exec,
		notifier,
		safety.NewGate(backend, logger),
		metrics.NewPayrollMetrics(),
		cfg.Payroll.Config,
	)

	srv := asynq.NewServer(
		redisOptions,
		asynq.Config{
			Logger:      logger,
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				tasks.QUEUE_NAME: 10,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(
		tasks.TypeProcessSchedule,
		metrics.WithWorkerMetrics(service.HandleProcessSchedule, tasks.TypeProcessSchedule, metrics.NewWorkerMetrics()),
	)

	if err := srv.Run(mux); err != nil {
		panic(fmt.Errorf("could not run server: %w", err))
	}
}
