package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/types"
)

type verifyLinkRequest struct {
	URL string `json:"url" validate:"required"`
}

func (s *Server) handleGenerateLink(c echo.Context) error {
	var req types.PaymentLinkParams
	if ok, err := s.bind(c, &req); !ok {
		return err
	}
	link, err := s.links.Generate(req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, NewSuccessResponse(http.StatusCreated, link))
}

// handleVerifyLink always answers 200; a bad link is reported in the body.
func (s *Server) handleVerifyLink(c echo.Context) error {
	var req verifyLinkRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}
	result := s.links.Verify(req.URL)
	if !result.Valid {
		s.logger.WithFields(logrus.Fields{
			"payment_id": result.PaymentID,
			"expired":    result.Expired,
			"homoglyph":  result.HomoglyphDetected,
		}).Warn("payment link rejected")
	}
	return c.JSON(http.StatusOK, NewSuccessResponse(http.StatusOK, result))
}
