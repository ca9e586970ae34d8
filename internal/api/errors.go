package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rover-control/relay/internal/adapter"
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/endpoint"
)

// APIError represents an API-layer error with HTTP status code.
type APIError struct {
	Code       string
	Message    string
	StatusCode int
}

// NewAPIError creates a new API error.
func NewAPIError(code, message string, statusCode int) *APIError {
	return &APIError{Code: code, Message: message, StatusCode: statusCode}
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToAPIError converts an error to an HTTP status code and JSON body.
func ToAPIError(err error) (int, []byte) {
	if err == nil {
		return http.StatusOK, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, marshalErrorBody(apiErr.Code, apiErr.Message)
	}

	switch {
	case errors.Is(err, command.ErrInvalidCommand):
		return http.StatusBadRequest, marshalErrorBody(CodeInvalidCommand, err.Error())
	case errors.Is(err, endpoint.ErrInvalidAddress):
		return http.StatusBadRequest, marshalErrorBody(CodeInvalidCommand, err.Error())
	case errors.Is(err, adapter.ErrDeviceRejected):
		return http.StatusBadGateway, marshalErrorBody(adapter.ErrDeviceRejected.Error(), deviceMessage(err))
	case errors.Is(err, adapter.ErrDeviceUnreachable):
		return http.StatusBadGateway, marshalErrorBody(adapter.ErrDeviceUnreachable.Error(), deviceMessage(err))
	}

	return http.StatusInternalServerError, marshalErrorBody(CodeInternal, "Internal server error")
}

func deviceMessage(err error) string {
	var de *adapter.DeviceError
	if errors.As(err, &de) {
		return "Failed to relay to device: " + de.Error()
	}
	return "Failed to relay to device: " + err.Error()
}

func marshalErrorBody(code, message string) []byte {
	body, err := json.Marshal(ErrorBody{Error: message, Code: code})
	if err != nil {
		return []byte(`{"error":"Internal server error","code":"INTERNAL"}`)
	}
	return body
}
