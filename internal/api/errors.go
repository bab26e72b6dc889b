package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/protocol-bank/payroll/internal/payroll"
	"github.com/protocol-bank/payroll/types"
)

// respondError maps domain errors onto status codes. Anything unrecognised
// is logged and reported as an internal error without details.
func (s *Server) respondError(c echo.Context, err error) error {
	var (
		fieldErrs  types.ValidationErrors
		fieldErr   *types.ValidationError
		invalid    validator.ValidationErrors
		authErr    *types.AuthorizationError
		stateErr   *types.StateTransitionError
		executeErr *types.ExecutionError
	)
	switch {
	case errors.As(err, &fieldErrs):
		return c.JSON(http.StatusBadRequest, NewErrorResponseWithDetails(MsgValidationFailed, err.Error(), fieldErrs))
	case errors.As(err, &fieldErr):
		return c.JSON(http.StatusBadRequest, NewErrorResponseWithDetails(MsgValidationFailed, err.Error(), []*types.ValidationError{fieldErr}))
	case errors.As(err, &invalid):
		return c.JSON(http.StatusBadRequest, NewErrorResponseWithDetails(MsgValidationFailed, err.Error(), requestFieldErrors(invalid)))
	case errors.Is(err, types.ErrBatchEmpty), errors.Is(err, types.ErrBatchTooLarge):
		return c.JSON(http.StatusBadRequest, NewErrorResponseWithDetails(MsgValidationFailed, err.Error(), nil))
	case errors.As(err, &authErr):
		return c.JSON(http.StatusForbidden, NewErrorResponseWithMessage(MsgForbidden))
	case errors.As(err, &stateErr):
		return c.JSON(http.StatusConflict, NewErrorResponseWithDetails(MsgConflict, err.Error(), nil))
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrBatchProcessing):
		return c.JSON(http.StatusConflict, NewErrorResponseWithDetails(MsgConflict, err.Error(), nil))
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrBatchNotFound):
		return c.JSON(http.StatusNotFound, NewErrorResponseWithMessage(MsgNotFound))
	case errors.As(err, &executeErr), errors.Is(err, payroll.ErrAttemptsExhausted):
		return c.JSON(http.StatusBadGateway, NewErrorResponseWithDetails(MsgExecutionFailed, err.Error(), nil))
	default:
		s.logger.WithError(err).WithField("route", c.Path()).Error("request failed")
		return c.JSON(http.StatusInternalServerError, NewErrorResponseWithMessage(MsgInternalError))
	}
}

func requestFieldErrors(errs validator.ValidationErrors) []*types.ValidationError {
	out := make([]*types.ValidationError, 0, len(errs))
	for _, fe := range errs {
		out = append(out, types.NewValidationError(fe.Namespace(), "failed on the '"+fe.Tag()+"' rule"))
	}
	return out
}

// bind decodes the body into req and runs its struct tags. When ok is
// false the error response has already been written and err is what the
// handler must return.
func (s *Server) bind(c echo.Context, req interface{}) (ok bool, err error) {
	if err := c.Bind(req); err != nil {
		s.logger.WithError(err).Debug("failed to parse request")
		return false, c.JSON(http.StatusBadRequest, NewErrorResponseWithMessage(MsgRequestParseFailed))
	}
	if err := c.Validate(req); err != nil {
		return false, s.respondError(c, err)
	}
	return true, nil
}
