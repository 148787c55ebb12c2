// Package httputil carries the small net/http helpers the dev harness
// needs around the filter core: request-ID plumbing and a JSON error body
// for harness-level per-request failures (unreadable request body, failed
// upstream call, replay lookup that never completes).
package httputil

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorBody is the JSON shape the dev harness writes for its own
// failures — never for errors the span encoder should attribute to the
// captured transaction itself.
type ErrorBody struct {
	Status    int    `json:"status"`
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

func WriteJSONError(w http.ResponseWriter, requestID string, status int, message string) {
	w.Header().Set(RequestIDHeader, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Status: status, RequestID: requestID, Message: message})
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(requestIDKey).(string)
	return value, ok
}

func NewRequestID() string {
	return uuid.NewString()
}
