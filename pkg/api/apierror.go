// Package api serves the HTTP surface of a node: event submission, run
// status, subject queries and the manual approval inbox. Errors are RFC 7807
// problem documents.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/escalation"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
	"github.com/Mindburn-Labs/covenant/pkg/pipeline"
)

const problemBase = "https://covenant.mindburn.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path.
	Instance string `json:"instance,omitempty"`
	// TraceID is the X-Request-ID of the request.
	TraceID string `json:"trace_id,omitempty"`
	// Reason is the pipeline error kind, when the problem maps to one.
	Reason contracts.Reason `json:"reason,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes p as an RFC 7807 response enriched with the request
// path and id.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		if p.Reason != contracts.ReasonNone {
			p.Type = problemBase + string(p.Reason)
		} else {
			p.Type = problemBase + strconv.Itoa(p.Status)
		}
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get(headerRequestID)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem with the given status, title and detail.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="covenant"`)
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never returned
// to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	attrs := []any{"error", err}
	if r != nil {
		attrs = append(attrs, "path", r.URL.Path, "request_id", w.Header().Get(headerRequestID))
	}
	slog.Default().With("component", "api").Error("internal server error", attrs...)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// writeDomainError maps pipeline, ledger and inbox errors to problems.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	reason := contracts.ReasonOf(err)
	switch {
	case errors.Is(err, contracts.ErrSequenceConflict):
		WriteProblem(w, r, &ProblemDetail{Title: "Sequence Conflict", Status: http.StatusConflict, Detail: err.Error(), Reason: reason})
	case errors.Is(err, contracts.ErrUnknownSubject), errors.Is(err, contracts.ErrUnknownGovernance):
		WriteProblem(w, r, &ProblemDetail{Title: "Not Found", Status: http.StatusNotFound, Detail: err.Error(), Reason: reason})
	case errors.Is(err, contracts.ErrInvalidRequest), errors.Is(err, contracts.ErrEvaluationFailed):
		WriteProblem(w, r, &ProblemDetail{Title: "Bad Request", Status: http.StatusBadRequest, Detail: err.Error(), Reason: reason})
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, escalation.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, escalation.ErrNotPending), errors.Is(err, escalation.ErrExpired):
		WriteConflict(w, r, err.Error())
	case errors.Is(err, pipeline.ErrClosed):
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "The node is shutting down.")
	default:
		WriteInternal(w, r, err)
	}
}
