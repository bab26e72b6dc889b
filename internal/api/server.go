package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/protocol-bank/payroll/internal/batch"
	"github.com/protocol-bank/payroll/internal/logging"
	"github.com/protocol-bank/payroll/internal/paylink"
	"github.com/protocol-bank/payroll/internal/payroll"
)

type Config struct {
	Host      string  `mapstructure:"host" json:"host,omitempty"`
	Port      int64   `mapstructure:"port" json:"port,omitempty"`
	BodyLimit string  `mapstructure:"body_limit" json:"body_limit,omitempty"`
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit,omitempty"`
	RateBurst int     `mapstructure:"rate_burst" json:"rate_burst,omitempty"`
}

// HTTPMetrics is satisfied by *metrics.HTTPMetrics.
type HTTPMetrics interface {
	Middleware() echo.MiddlewareFunc
}

type Server struct {
	cfg     Config
	payroll *payroll.Service
	links   *paylink.Signer
	batches *batch.Submitter
	metrics HTTPMetrics
	logger  *logrus.Logger
}

// NewServer returns a new server. metrics may be nil.
func NewServer(
	cfg Config,
	payrollService *payroll.Service,
	links *paylink.Signer,
	batches *batch.Submitter,
	metrics HTTPMetrics,
	logger *logrus.Logger,
) *Server {
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "2M"
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 30
	}
	return &Server{
		cfg:     cfg,
		payroll: payrollService,
		links:   links,
		batches: batches,
		metrics: metrics,
		logger:  logger.WithField("pkg", "api.Server").Logger,
	}
}

type requestValidator struct {
	validator *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validator.Struct(i)
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if s.metrics != nil {
		e.Use(s.metrics.Middleware())
	}
	e.Use(logging.LoggerMiddleware(s.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowHeaders: []string{echo.HeaderContentType, logging.OwnerHeader},
	}))
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: rate.Limit(s.cfg.RateLimit), Burst: s.cfg.RateBurst, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))

	e.Validator = &requestValidator{validator: validator.New()}

	e.GET("/healthz", s.handleHealthz)

	sch := e.Group("/schedules", s.ownerMiddleware)
	sch.POST("", s.handleCreateSchedule)
	sch.GET("", s.handleListSchedules)
	sch.GET("/:scheduleId", s.handleGetSchedule)
	sch.POST("/:scheduleId/pause", s.handlePauseSchedule)
	sch.POST("/:scheduleId/resume", s.handleResumeSchedule)
	sch.POST("/:scheduleId/cancel", s.handleCancelSchedule)
	sch.GET("/:scheduleId/executions", s.handleListExecutions)

	exe := e.Group("/executions", s.ownerMiddleware)
	exe.GET("/:executionId", s.handleGetExecution)
	exe.POST("/:executionId/confirm", s.handleConfirmExecution)
	exe.POST("/:executionId/approve", s.handleApproveExecution)
	exe.POST("/:executionId/reject", s.handleRejectExecution)

	e.GET("/actions", s.handleGetPendingActions, s.ownerMiddleware)

	lnk := e.Group("/links")
	lnk.POST("", s.handleGenerateLink)
	lnk.POST("/verify", s.handleVerifyLink)

	bat := e.Group("/batches", s.ownerMiddleware)
	bat.POST("/validate", s.handleValidateBatch)
	bat.POST("", s.handleSubmitBatch)
	bat.GET("/:batchId", s.handleGetBatch)
	bat.POST("/:batchId/retry", s.handleRetryBatch)

	return e
}

func (s *Server) Start(ctx context.Context) error {
	e := s.Handler()

	eg := &errgroup.Group{}
	eg.Go(func() error {
		err := e.Start(fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	})
	eg.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down server...")

		c, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		err := e.Shutdown(c)
		if err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "payroll server is running")
}
