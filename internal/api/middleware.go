package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	suberrors "github.com/rcourtman/lotto-entitlements/internal/errors"
	"github.com/rcourtman/lotto-entitlements/internal/logging"
)

// APIError is the JSON body of every failed request.
type APIError struct {
	ErrorMessage string `json:"error"`
	Code         string `json:"code,omitempty"`
	StatusCode   int    `json:"status_code"`
	Timestamp    int64  `json:"timestamp"`
	RequestID    string `json:"request_id,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// recoverer turns handler panics into a 500 response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", logging.RequestIDFromContext(r.Context())).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				writeErrorResponse(w, r, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeErrorResponse writes a consistent error response
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJSON(w, statusCode, APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		RequestID:    logging.RequestIDFromContext(r.Context()),
	})
}

// writeError maps err onto a status code and a client-safe message.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := suberrors.HTTPStatus(err)
	code := "internal_error"
	message := "An unexpected error occurred"

	var subErr *suberrors.SubscriptionError
	if errors.As(err, &subErr) {
		code = string(subErr.Type)
		message = subErr.Error()
	}
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("op", op).Msg("Request failed")
	}

	writeJSON(w, status, APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   status,
		Timestamp:    time.Now().Unix(),
		RequestID:    logging.RequestIDFromContext(r.Context()),
		Retryable:    suberrors.IsRetryableError(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
