package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/batch"
	"github.com/protocol-bank/payroll/types"
)

type batchRequest struct {
	Recipients []types.BatchRecipient `json:"recipients"`
	Chain      types.ChainID          `json:"chain,omitempty"`
}

type retryBatchRequest struct {
	Indices []int `json:"indices" validate:"dive,min=0"`
}

type batchValidationResponse struct {
	Valid    bool                         `json:"valid"`
	Critical int                          `json:"critical"`
	Errors   []types.BatchValidationError `json:"errors"`
	Totals   types.BatchTotals            `json:"totals"`
}

type batchStatusResponse struct {
	*types.BatchStatus
	Progress float64 `json:"progress"`
}

func (s *Server) handleValidateBatch(c echo.Context) error {
	var req batchRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}
	errs, err := s.batches.Validate(req.Recipients, req.Chain)
	if err != nil {
		return s.respondError(c, err)
	}
	if errs == nil {
		errs = []types.BatchValidationError{}
	}
	critical := len(batch.Critical(errs))
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, batchValidationResponse{
		Valid:    critical == 0,
		Critical: critical,
		Errors:   errs,
		Totals:   s.batches.CalculateTotal(req.Recipients),
	}))
}

// handleSubmitBatch answers 202 once dispatch has started. A batch with
// critical validation errors is answered with 200 and status failed.
func (s *Server) handleSubmitBatch(c echo.Context) error {
	var req batchRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}
	result, err := s.batches.Submit(c.Request().Context(), req.Recipients, batch.Options{Chain: req.Chain})
	if err != nil {
		return s.respondError(c, err)
	}
	s.logger.WithFields(logrus.Fields{
		"batch_id": result.BatchID,
		"status":   result.Status,
		"owner":    owner(c),
	}).Info("batch submitted")
	if result.Status == types.BatchFailed {
		return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, result))
	}
	return c.JSON(http.StatusAccepted, NewSuccessResponse(http.StatusAccepted, result))
}

func (s *Server) handleGetBatch(c echo.Context) error {
	status, err := s.batches.GetStatus(c.Request().Context(), c.Param("batchId"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, batchStatusResponse{
		BatchStatus: status,
		Progress:    status.Progress(),
	}))
}

func (s *Server) handleRetryBatch(c echo.Context) error {
	var req retryBatchRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}
	result, err := s.batches.Retry(c.Request().Context(), c.Param("batchId"), req.Indices)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, NewSuccessResponse(http.StatusAccepted, result))
}
