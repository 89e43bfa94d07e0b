// Package apperrors maps domain errors onto the HTTP error envelope.
package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3leaps/redsweep/pkg/bulkaction"
	"github.com/3leaps/redsweep/pkg/importfile"
	"github.com/3leaps/redsweep/pkg/store"
)

// Error codes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrPayloadTooLarge indicates a request body over the configured limit.
var ErrPayloadTooLarge = errors.New("request body too large")

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON envelope for every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type requestIDKey struct{}

// WithRequestID returns ctx carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteJSON writes v as JSON with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	WriteJSON(w, status, HTTPErrorResponse{Error: HTTPError{
		Code:      code,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
		Details:   details,
	}})
}

// RespondWithError classifies err and writes the matching error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, details := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	WriteError(w, r, status, code, msg, details)
}

// Classify maps err to an HTTP status and error code.
func Classify(err error) (int, string, map[string]any) {
	var verr *bulkaction.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, CodeValidation, map[string]any{"field": verr.Field}
	case bulkaction.IsValidation(err):
		return http.StatusBadRequest, CodeValidation, nil
	case bulkaction.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound, nil
	case errors.Is(err, bulkaction.ErrConflict):
		return http.StatusConflict, CodeConflict, nil
	case errors.Is(err, ErrPayloadTooLarge), errors.Is(err, importfile.ErrTooManyLines):
		return http.StatusRequestEntityTooLarge, CodePayloadTooLarge, nil
	case errors.Is(err, bulkaction.ErrShuttingDown):
		return http.StatusServiceUnavailable, CodeServiceUnavailable, nil
	case store.IsConnection(err), store.IsAuth(err):
		return http.StatusServiceUnavailable, CodeStoreUnavailable, nil
	default:
		return http.StatusInternalServerError, CodeInternal, nil
	}
}
