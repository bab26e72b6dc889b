package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/protocol-bank/payroll/internal/logging"
	"github.com/protocol-bank/payroll/internal/validation"
)

const ownerKey = "owner"

// ownerMiddleware resolves the caller identity from logging.OwnerHeader.
// Authentication happens upstream; this layer only requires a well formed
// address.
func (s *Server) ownerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := strings.TrimSpace(c.Request().Header.Get(logging.OwnerHeader))
		if owner == "" {
			return c.JSON(http.StatusUnauthorized, NewErrorResponseWithMessage(MsgMissingOwner))
		}
		if _, ok := validation.DetectAddressKind(owner); !ok {
			return c.JSON(http.StatusUnauthorized, NewErrorResponseWithMessage(MsgInvalidOwner))
		}
		c.Set(ownerKey, validation.NormalizeAddress(owner))
		return next(c)
	}
}

func owner(c echo.Context) string {
	v, _ := c.Get(ownerKey).(string)
	return v
}

func pathUUID(c echo.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
