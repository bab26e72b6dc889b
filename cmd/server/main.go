package main

import (
	"context"
	"fmt"
	"time"

	"github.com/protocol-bank/payroll/config"
	"github.com/protocol-bank/payroll/internal/api"
	"github.com/protocol-bank/payroll/internal/batch"
	"github.com/protocol-bank/payroll/internal/executor"
	"github.com/protocol-bank/payroll/internal/graceful"
	"github.com/protocol-bank/payroll/internal/logging"
	"github.com/protocol-bank/payroll/internal/metrics"
	"github.com/protocol-bank/payroll/internal/notify"
	"github.com/protocol-bank/payroll/internal/paylink"
	"github.com/protocol-bank/payroll/internal/payroll"
	"github.com/protocol-bank/payroll/internal/recurrence"
	"github.com/protocol-bank/payroll/internal/safety"
	"github.com/protocol-bank/payroll/internal/split"
	"github.com/protocol-bank/payroll/internal/storage/postgres"
	redisstore "github.com/protocol-bank/payroll/internal/storage/redis"
	"github.com/protocol-bank/payroll/internal/validation"
)

func main() {
	cfg, err := config.ReadServerConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.NewLogger(cfg.Logging.Format, cfg.Logging.Level)

	ctx, stop := context.WithCancel(context.Background())
	go func() {
		graceful.HandleSignals(stop)
		logger.Info("got exit signal, shutting down")
	}()

	registry, err := config.LoadTokenRegistry(cfg.TokenRegistry)
	if err != nil {
		logger.Fatalf("failed to load token registry: %v", err)
	}

	backend, err := postgres.Connect(ctx, logger, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	defer backend.Close()

	redisClient, err := redisstore.Connect(ctx, cfg.Redis.Options())
	if err != nil {
		logger.Fatalf("failed to initialize redis: %v", err)
	}
	defer func() {
		_ = redisClient.Close()
	}()

	exec, err := executor.NewClient(cfg.Executor, logger)
	if err != nil {
		logger.Fatalf("failed to initialize executor client: %v", err)
	}

	notifier := notify.Multi{notify.NewLog(logger)}
	var webhook *notify.Webhook
	if cfg.Webhook.URL != "" {
		webhook, err = notify.NewWebhook(cfg.Webhook, logger)
		if err != nil {
			logger.Fatalf("failed to initialize webhook notifier: %v", err)
		}
		notifier = append(notifier, webhook)
	}

	metricsServer := metrics.StartMetricsServer(cfg.Metrics, []string{
		metrics.ServicePayroll,
		metrics.ServiceBatch,
		metrics.ServiceHTTP,
	}, logger)
	var httpMetrics api.HTTPMetrics
	if metricsServer != nil {
		httpMetrics = metrics.NewHTTPMetrics()
	}

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

	signer, err := paylink.NewSigner(cfg.PaymentLink, validator, logger)
	if err != nil {
		logger.Fatalf("failed to initialize payment link signer: %v", err)
	}

	submitter := batch.NewSubmitter(
		batch.NewValidator(validator, cfg.Batch.MaxSize),
		exec,
		exec,
		redisstore.NewBatchCache(redisClient, backend, cfg.Batch.CacheTTL, logger),
		notifier,
		metrics.NewBatchMetrics(),
		registry,
		logger,
	)

	server := api.NewServer(cfg.Server, service, signer, submitter, httpMetrics, logger)
	if err := server.Start(ctx); err != nil {
		logger.Errorf("server stopped: %v", err)
	}

	submitter.StopAllPolling()
	submitter.Wait()
	if webhook != nil {
		webhook.Wait()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error(fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
}
