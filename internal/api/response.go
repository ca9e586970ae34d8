package api

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the failure envelope.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes for conditions raised by the gateway itself.
const (
	CodeInvalidCommand = "INVALID_COMMAND"
	CodeInternal       = "INTERNAL"
)

// WriteSuccess writes {success:true} merged with fields.
func WriteSuccess(w http.ResponseWriter, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = true
	WriteJSON(w, http.StatusOK, body)
}

// WriteError writes the failure envelope with the given status.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	WriteJSON(w, statusCode, ErrorBody{Error: message, Code: code})
}

// WriteAPIError maps err through ToAPIError and writes the result.
func WriteAPIError(w http.ResponseWriter, err error) {
	status, body := ToAPIError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
