package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/protocol-bank/payroll/internal/payroll"
	"github.com/protocol-bank/payroll/types"
)

const defaultExecutionsLimit = 50

type createScheduleRequest struct {
	Name                  string                   `json:"name" validate:"required"`
	Description           string                   `json:"description"`
	SplitRule             types.SplitRule          `json:"split_rule"`
	Frequency             types.FrequencyConfig    `json:"frequency"`
	Mode                  *types.ExecutionModeSpec `json:"execution_mode" validate:"omitempty"`
	MaxAmountPerExecution *decimal.Decimal         `json:"max_amount_per_execution,omitempty"`
	StartDate             *time.Time               `json:"start_date,omitempty"`
	EndDate               *time.Time               `json:"end_date,omitempty"`
}

func (s *Server) handleCreateSchedule(c echo.Context) error {
	var req createScheduleRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}

	var mode types.ExecutionMode = types.AutoMode{}
	if req.Mode != nil {
		m, err := req.Mode.Mode()
		if err != nil {
			return s.respondError(c, types.NewValidationError("execution_mode", err.Error()))
		}
		mode = m
	}
	start := time.Now()
	if req.StartDate != nil {
		start = *req.StartDate
	}

	schedule, err := s.payroll.CreateSchedule(c.Request().Context(), payroll.CreateScheduleRequest{
		Owner:                 owner(c),
		Name:                  req.Name,
		Description:           req.Description,
		SplitRule:             req.SplitRule,
		Frequency:             req.Frequency,
		Mode:                  mode,
		MaxAmountPerExecution: req.MaxAmountPerExecution,
		StartDate:             start,
		EndDate:               req.EndDate,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, NewSuccessResponse(http.StatusCreated, schedule))
}

func (s *Server) handleListSchedules(c echo.Context) error {
	schedules, err := s.payroll.ListSchedules(c.Request().Context(), owner(c))
	if err != nil {
		return s.respondError(c, err)
	}
	if schedules == nil {
		schedules = []types.Schedule{}
	}
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, schedules))
}

func (s *Server) handleGetSchedule(c echo.Context) error {
	id, ok := pathUUID(c, "scheduleId")
	if !ok {
		return c.JSON(http.StatusBadRequest, NewErrorResponseWithMessage(MsgInvalidID))
	}
	schedule, err := s.payroll.GetSchedule(c.Request().Context(), id, owner(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, schedule))
}

func (s *Server) handlePauseSchedule(c echo.Context) error {
	return s.scheduleCommand(c, s.payroll.PauseSchedule)
}

func (s *Server) handleResumeSchedule(c echo.Context) error {
	return s.scheduleCommand(c, s.payroll.ResumeSchedule)
}

func (s *Server) handleCancelSchedule(c echo.Context) error {
	return s.scheduleCommand(c, s.payroll.CancelSchedule)
}

func (s *Server) handleListExecutions(c echo.Context) error {
	id, ok := pathUUID(c, "scheduleId")
	if !ok {
		return c.JSON(http.StatusBadRequest, NewErrorResponseWithMessage(MsgInvalidID))
	}
	limit := defaultExecutionsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return s.respondError(c, types.NewValidationError("limit", "limit must be a positive integer"))
		}
		limit = n
	}

	executions, err := s.payroll.ListExecutions(c.Request().Context(), id, owner(c), limit)
	if err != nil {
		return s.respondError(c, err)
	}
	if executions == nil {
		executions = []types.Execution{}
	}
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, executions))
}

type scheduleCommandFunc func(ctx context.Context, id uuid.UUID, actor string) (*types.Schedule, error)

func (s *Server) scheduleCommand(c echo.Context, fn scheduleCommandFunc) error {
	id, ok := pathUUID(c, "scheduleId")
	if !ok {
		return c.JSON(http.StatusBadRequest, NewErrorResponseWithMessage(MsgInvalidID))
	}
	schedule, err := fn(c.Request().Context(), id, owner(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, schedule))
}
