// Package api is the HTTP surface of the ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lucks-13/foodtrace-capstone/pkg/ledger"
)

const problemTypeBase = "https://foodtrace.dev/problems/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 response for r.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get(requestIDHeader),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="foodtrace"`)
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

func WriteServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", detail)
}

// WriteInternal writes a 500. err is logged, never sent to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get(requestIDHeader))
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// writeLedgerError maps service errors onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, ledger.ErrDuplicateBatchID):
		WriteError(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ledger.ErrIndexCorruption):
		slog.Error("index corruption", "error", err, "request_id", w.Header().Get(requestIDHeader))
		WriteError(w, r, http.StatusInternalServerError, "Index Corruption", err.Error())
	case errors.Is(err, ledger.ErrStorageUnavailable):
		slog.Error("storage unavailable", "error", err)
		WriteServiceUnavailable(w, r, "Chain storage is unavailable; the service must be restarted.")
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, r, http.StatusGatewayTimeout, "Gateway Timeout", "The request did not complete within its timeout.")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		w.WriteHeader(499)
	default:
		WriteInternal(w, r, err)
	}
}
