package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/protocol-bank/payroll/types"
)

type rejectExecutionRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

func (s *Server) handleGetExecution(c echo.Context) error {
	id, ok := pathUUID(c, "executionId")
	if !ok {
		return c.JSON(http.StatusBadRequest, NewErrorResponseWithMessage(MsgInvalidID))
	}
	execution, err := s.payroll.GetExecution(c.Request().Context(), id, owner(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, execution))
}

func (s *Server) handleConfirmExecution(c echo.Context) error {
	return s.executionCommand(c, s.payroll.ConfirmExecution)
}

func (s *Server) handleApproveExecution(c echo.Context) error {
	return s.executionCommand(c, s.payroll.ApproveExecution)
}

func (s *Server) handleRejectExecution(c echo.Context) error {
	var req rejectExecutionRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}
	return s.executionCommand(c, func(ctx context.Context, id uuid.UUID, actor string) (*types.Execution, error) {
		return s.payroll.RejectExecution(ctx, id, actor, req.Reason)
	})
}

func (s *Server) handleGetPendingActions(c echo.Context) error {
	actions, err := s.payroll.GetPendingActions(c.Request().Context(), owner(c))
	if err != nil {
		return s.respondError(c, err)
	}
	if actions == nil {
		actions = []types.PendingAction{}
	}
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, actions))
}

type executionCommandFunc func(ctx context.Context, id uuid.UUID, actor string) (*types.Execution, error)

func (s *Server) executionCommand(c echo.Context, fn executionCommandFunc) error {
	id, ok := pathUUID(c, "executionId")
	if !ok {
		return c.JSON(http.StatusBadRequest, NewErrorResponseWithMessage(MsgInvalidID))
	}
	execution, err := fn(c.Request().Context(), id, owner(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, execution))
}
