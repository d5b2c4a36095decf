package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/escalation"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
	"github.com/Mindburn-Labs/covenant/pkg/pipeline"
)

const (
	maxBody = 1 << 20

	// defaultPageLimit caps the entries returned by one request.
	defaultPageLimit = 1000
	// headerNextFrom names the first sequence left out of a clipped page.
	headerNextFrom = "X-Next-From"
)

// Pipeline is the part of the event pipeline the API drives.
type Pipeline interface {
	Submit(ctx context.Context, req *contracts.EventRequest) (*pipeline.Ticket, error)
	Status(requestID string) (contracts.Outcome, bool)
}

// Server routes the node's HTTP endpoints.
type Server struct {
	pipeline Pipeline
	store    ledger.Reader
	inbox    *escalation.Inbox
	limiter  Limiter
	secret   []byte
	ops      Operations
	logger   *slog.Logger

	pageLimit uint64
}

// NewServer creates a server over a pipeline and the local ledger.
func NewServer(p Pipeline, store ledger.Reader) *Server {
	return &Server{
		pipeline: p,
		store:    store,
		logger:   slog.Default().With("component", "api"),

		pageLimit: defaultPageLimit,
	}
}

// WithInbox enables the manual approval endpoints.
func (s *Server) WithInbox(in *escalation.Inbox) *Server {
	s.inbox = in
	return s
}

// WithLimiter rate limits requests per client address.
func (s *Server) WithLimiter(l Limiter) *Server {
	s.limiter = l
	return s
}

// WithAuth requires HS256 bearer tokens signed with secret.
func (s *Server) WithAuth(secret []byte) *Server {
	s.secret = secret
	return s
}

// WithTelemetry records a span and RED metrics for every routed request.
func (s *Server) WithTelemetry(ops Operations) *Server {
	s.ops = ops
	return s
}

// WithPageLimit caps the number of entries served per request.
func (s *Server) WithPageLimit(n int) *Server {
	if n > 0 {
		s.pageLimit = uint64(n)
	}
	return s
}

// WithLogger replaces the default logger.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		if s.ops != nil {
			mux.Handle(pattern, Instrument(s.ops, pattern)(h))
			return
		}
		mux.Handle(pattern, h)
	}
	route("GET /health", s.handleHealth)
	route("POST /api/v1/events", s.handleSubmit)
	route("GET /api/v1/events/{id}", s.handleEvent)
	route("GET /api/v1/subjects", s.handleSubjects)
	route("GET /api/v1/subjects/{id}", s.handleSubject)
	route("GET /api/v1/subjects/{id}/entries", s.handleEntries)
	route("GET /api/v1/approvals", s.handleApprovals)
	route("POST /api/v1/approvals/{id}", s.handleDecide)

	var h http.Handler = mux
	if len(s.secret) > 0 {
		h = BearerAuth(s.secret)(h)
	}
	if s.limiter != nil {
		h = RateLimit(s.limiter, s.logger)(h)
	}
	return RequestID(h)
}

// SubmitResponse acknowledges an accepted event request.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	SubjectID string `json:"subject_id"`
	Sequence  uint64 `json:"sequence"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req contracts.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	ticket, err := s.pipeline.Submit(r.Context(), &req)
	if err != nil {
		s.logger.InfoContext(r.Context(), "submission refused", "request_id", RequestIDFrom(r.Context()),
			"subject", req.SubjectID, "sequence", req.Sequence, "error", err)
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/events/"+ticket.RequestID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		RequestID: ticket.RequestID,
		SubjectID: ticket.SubjectID,
		Sequence:  ticket.Sequence,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	out, ok := s.pipeline.Status(r.PathValue("id"))
	if !ok {
		WriteNotFound(w, r, "No run for this request id")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := s.store.Subjects(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if subjects == nil {
		subjects = []*contracts.Subject{}
	}
	writeJSON(w, http.StatusOK, subjects)
}

func (s *Server) handleSubject(w http.ResponseWriter, r *http.Request) {
	subj, err := s.store.Subject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subj)
}

// handleEntries serves ?from=&to= (inclusive, default the whole chain). A
// range longer than the page limit is clipped and X-Next-From names the
// sequence to continue from.
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	head, err := s.store.Head(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	from, err := queryUint(r, "from", 0)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	to, err := queryUint(r, "to", head.Sequence)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if from > to {
		WriteBadRequest(w, r, "from is after to")
		return
	}
	if to-from >= s.pageLimit {
		to = from + s.pageLimit - 1
		if to < head.Sequence {
			w.Header().Set(headerNextFrom, strconv.FormatUint(to+1, 10))
		}
	}
	entries, err := s.store.Entries(r.Context(), id, from, to)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*contracts.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		WriteNotFound(w, r, "Manual approval is not enabled on this node")
		return
	}
	writeJSON(w, http.StatusOK, s.inbox.Pending())
}

// DecisionRequest is an operator's answer to a pending approval.
type DecisionRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		WriteNotFound(w, r, "Manual approval is not enabled on this node")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	operator := OperatorFrom(r.Context())
	if operator == "" {
		operator = "anonymous"
	}
	id := r.PathValue("id")
	var (
		item escalation.Item
		err  error
	)
	if req.Approve {
		item, err = s.inbox.Approve(r.Context(), id, operator)
	} else {
		item, err = s.inbox.Deny(r.Context(), id, operator, req.Reason)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "approval decided", "approval", id, "subject", item.SubjectID,
		"sequence", item.Sequence, "status", item.Status, "operator", operator)
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a sequence number", name)
	}
	return v, nil
}
