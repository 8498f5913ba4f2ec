package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/coursepipe/internal/errors"
	"github.com/3leaps/coursepipe/internal/observability"
)

// ErrorResponse is the envelope written by this package.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts a handler panic into an INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			observability.ServerLogger.Error("Handler panic",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec))

			writeErrorResponse(w, r, &apperrors.AppError{
				Code:    apperrors.CodeInternal,
				Message: fmt.Sprintf("panic: %v", rec),
				Status:  http.StatusInternalServerError,
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias of Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// NotFound answers unknown routes with the NOT_FOUND envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeErrorResponse(w, r, &apperrors.AppError{
		Code:    apperrors.CodeNotFound,
		Message: fmt.Sprintf("route %s not found", r.URL.Path),
		Status:  http.StatusNotFound,
	})
}

// MethodNotAllowed answers known routes called with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeErrorResponse(w, r, &apperrors.AppError{
		Code:    apperrors.CodeMethodNotAllowed,
		Message: fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
		Status:  http.StatusMethodNotAllowed,
	})
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, appErr *apperrors.AppError) {
	body := ErrorResponse{Error: apperrors.HTTPError{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: GetRequestID(r.Context()),
		Details:   appErr.Details,
	}}
	apperrors.WriteJSON(w, appErr.Status, body)
}
