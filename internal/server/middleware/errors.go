package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/redsweep/internal/errors"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts panics into a 500 INTERNAL_ERROR response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Handler panic",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", apperrors.RequestIDFromContext(r.Context())),
					zap.Stack("stack"),
				)
				writeErrorResponse(w, r, http.StatusInternalServerError, apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ErrorHandler is an alias of Recovery.
var ErrorHandler = Recovery

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	apperrors.WriteError(w, r, status, code, message, nil)
}
