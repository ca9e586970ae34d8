package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/rover-control/relay/internal/adapter"
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/endpoint"
)

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid command", fmt.Errorf("%w: command is required", command.ErrInvalidCommand), http.StatusBadRequest, "INVALID_COMMAND"},
		{"invalid address", fmt.Errorf("%w: bad scheme", endpoint.ErrInvalidAddress), http.StatusBadRequest, "INVALID_COMMAND"},
		{"device rejected", adapter.Rejected(adapter.PathMove, 500, "busy"), http.StatusBadGateway, "DEVICE_REJECTED"},
		{"device unreachable", adapter.Unreachable(adapter.PathStop, errors.New("connection refused")), http.StatusBadGateway, "DEVICE_UNREACHABLE"},
		{"wrapped device error", fmt.Errorf("relay: %w", adapter.Unreachable(adapter.PathMode, errors.New("timeout"))), http.StatusBadGateway, "DEVICE_UNREACHABLE"},
		{"api error", NewAPIError("NOT_FOUND", "missing", http.StatusNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, raw := ToAPIError(tt.err)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			var body ErrorBody
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.Error == "" {
				t.Error("error text should not be empty")
			}
		})
	}
}

func TestToAPIErrorNil(t *testing.T) {
	status, body := ToAPIError(nil)
	if status != http.StatusOK || body != nil {
		t.Errorf("ToAPIError(nil) = %d, %q", status, body)
	}
}

func TestUnknownErrorsDoNotLeakDetails(t *testing.T) {
	_, raw := ToAPIError(errors.New("dial tcp 10.0.0.1: secret"))
	var body ErrorBody
	_ = json.Unmarshal(raw, &body)
	if body.Error != "Internal server error" {
		t.Errorf("error = %q, want generic text", body.Error)
	}
}
