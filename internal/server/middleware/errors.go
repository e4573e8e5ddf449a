// Package middleware provides the HTTP middleware chain: request-id
// correlation, panic recovery, and the structured error envelope every
// error response uses.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
)

// ErrorBody is the error object inside every error response.
type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the JSON shape of every error response:
// {"error":{"code":...,"message":...,"request_id":...,"details":...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Recovery converts a handler panic into a structured 500 response. The
// panic value lands in the message; the stack goes to the server log via
// the standard panic-in-handler path, not to the client.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec))
				if id := GetRequestID(r.Context()); id != "" {
					envelope = envelope.WithCorrelationID(id)
				}
				writeErrorResponse(w, envelope, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery, kept so router wiring reads as
// intent (error handling) rather than mechanism (panic recovery).
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// RespondError writes a structured error response, stamping the request's
// correlation id.
func RespondError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string, details map[string]interface{}) {
	envelope := errors.NewErrorEnvelope(code, message)
	if id := GetRequestID(r.Context()); id != "" {
		envelope = envelope.WithCorrelationID(id)
	}
	if len(details) > 0 {
		if withCtx, err := envelope.WithContext(details); err == nil {
			envelope = withCtx
		}
	}
	writeErrorResponse(w, envelope, statusCode)
}

// writeErrorResponse renders a gofulmen envelope as the wire shape.
func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	body := ErrorResponse{
		Error: ErrorBody{
			Code:      envelope.Code,
			Message:   envelope.Message,
			RequestID: envelope.CorrelationID,
			Details:   envelope.Context,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Headers are gone; nothing useful left to do.
		_ = err
	}
}
