package api

import (
	"time"

	"github.com/protocol-bank/payroll/types"
)

const apiVersion = "1.0.0"

type APIResponse[T any] struct {
	Data      T             `json:"data,omitempty"`
	Error     ErrorResponse `json:"error"`
	Status    int           `json:"status,omitempty"`
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version"`
}

type ErrorResponse struct {
	Message          string                   `json:"message"`
	DetailedResponse string                   `json:"details,omitempty"`
	Fields           []*types.ValidationError `json:"fields,omitempty"`
}

const (
	MsgMissingOwner       = "Missing owner header"
	MsgInvalidOwner       = "Owner header is not a valid address"
	MsgRequestParseFailed = "Failed to parse request"
	MsgValidationFailed   = "Validation failed"
	MsgInvalidID          = "Invalid id"
	MsgNotFound           = "Resource not found"
	MsgForbidden          = "Access denied"
	MsgConflict           = "Operation not allowed in the current state"
	MsgExecutionFailed    = "Payroll execution failed"
	MsgInternalError      = "An internal error occurred"
)

func NewErrorResponseWithMessage(message string) APIResponse[interface{}] {
	return APIResponse[interface{}]{
		Error: ErrorResponse{
			Message: message,
		},
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   apiVersion,
	}
}

func NewErrorResponseWithDetails(message, details string, fields []*types.ValidationError) APIResponse[interface{}] {
	resp := NewErrorResponseWithMessage(message)
	resp.Error.DetailedResponse = details
	resp.Error.Fields = fields
	return resp
}

func NewSuccessResponse[T any](code int, data T) APIResponse[T] {
	return APIResponse[T]{
		Status:    code,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   apiVersion,
	}
}
