package main

import (
	"context"

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
	cfg, err := config.ReadWorkerConfig()
	if err != nil {
		panic(err)
	}
	workerCfg, err := payroll.LoadWorkerConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.NewLogger(cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := config.LoadTokenRegistry(cfg.TokenRegistry)
	if err != nil {
		logger.Fatalf("failed to load token registry: %v", err)
	}

	backend, err := postgres.Connect(ctx, logger, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	defer backend.Close()

	exec, err := executor.NewClient(cfg.Executor, logger)
	if err != nil {
		logger.Fatalf("failed to initialize executor client: %v", err)
	}

	notifier := notify.Multi{notify.NewLog(logger)}
	if cfg.Webhook.URL != "" {
		webhook, err := notify.NewWebhook(cfg.Webhook, logger)
		if err != nil {
			logger.Fatalf("failed to initialize webhook notifier: %v", err)
		}
		defer webhook.Wait()
		notifier = append(notifier, webhook)
	}

	metricsServer := metrics.StartMetricsServer(cfg.Metrics, []string{metrics.ServicePayroll}, logger)
	if metricsServer != nil {
		defer func() {
			_ = metricsServer.Stop(context.Background())
		}()
	}

	client := asynq.NewClient(cfg.Redis.AsynqOpt())
	defer func() {
		_ = client.Close()
	}()

	probe := health.New(cfg.HealthPort, logger)
	probe.AddCheck("postgres", func(ctx context.Context) error {
		return backend.Pool().Ping(ctx)
	})
	probe.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping()
	})
	go func() {
		if err := probe.Start(ctx); err != nil {
			logger.Errorf("health server: %v", err)
		}
	}()

	payrollCfg := cfg.Payroll.Config
	payrollCfg.LookBack = workerCfg.LookBack
	payrollCfg.Concurrency = workerCfg.Concurrency
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
		payrollCfg,
	)

	worker := payroll.NewWorker(logger, client, tasks.QUEUE_NAME, service, workerCfg)
	if err := worker.Run(); err != nil {
		logger.Errorf("scheduler stopped: %v", err)
	}
}
