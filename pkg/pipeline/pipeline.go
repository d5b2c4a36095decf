// Package pipeline drives event requests from submission to a committed,
// quorum-certified ledger entry.
//
// A run moves through received, evaluating, approving, validating and
// committing before it ends committed, rejected or abandoned. Runs for the
// same subject execute one at a time in arrival order; runs for different
// subjects execute in parallel. The pipeline runs on the node that owns the
// subject: create requests must be requested by this node, and state requests
// must target subjects it owns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
	"github.com/Mindburn-Labs/covenant/pkg/dispatch"
	"github.com/Mindburn-Labs/covenant/pkg/evaluation"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
	"github.com/Mindburn-Labs/covenant/pkg/observability"
	"github.com/Mindburn-Labs/covenant/pkg/quorum"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline closed")

const (
	defaultStageTimeout = 30 * time.Second
	defaultHistorySize  = 1024
)

// Config wires a pipeline to its collaborators.
type Config struct {
	Signer     crypto.Signer
	Verifier   crypto.Verifier
	Store      ledger.Store
	Journal    ledger.RequestJournal // optional
	Resolver   *governance.Resolver
	Evaluator  *evaluation.Evaluator
	Dispatcher dispatch.Dispatcher

	// Stage timeouts used when a policy leaves timeout_ms unset.
	ApprovalTimeout   time.Duration
	ValidationTimeout time.Duration
	// HistorySize bounds the terminal outcomes kept for Status.
	HistorySize int
}

type slot struct {
	subjectID string
	sequence  uint64
	stage     contracts.Stage
}

// Pipeline is the event consensus pipeline of one node. It is safe for
// concurrent use.
type Pipeline struct {
	cfg     Config
	self    string
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.PipelineMetrics

	mu         sync.Mutex
	closed     bool
	runs       map[string]*run
	queues     map[string][]*run
	workers    map[string]bool
	collectors map[slot]*quorum.Collector
	history    *history
	wg         sync.WaitGroup
}

// New creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Signer == nil || cfg.Verifier == nil || cfg.Store == nil ||
		cfg.Resolver == nil || cfg.Evaluator == nil || cfg.Dispatcher == nil {
		return nil, errors.New("pipeline: signer, verifier, store, resolver, evaluator and dispatcher are required")
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaultStageTimeout
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = defaultStageTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Pipeline{
		cfg:        cfg,
		self:       cfg.Signer.PublicKey(),
		logger:     slog.Default().With("component", "pipeline"),
		tracer:     otel.Tracer("github.com/Mindburn-Labs/covenant/pkg/pipeline"),
		runs:       make(map[string]*run),
		queues:     make(map[string][]*run),
		workers:    make(map[string]bool),
		collectors: make(map[slot]*quorum.Collector),
		history:    newHistory(cfg.HistorySize),
	}, nil
}

// WithTelemetry records run spans and pipeline metrics on obs.
func (p *Pipeline) WithTelemetry(obs *observability.Provider) *Pipeline {
	p.tracer = obs.Tracer()
	p.metrics = obs.Pipeline()
	return p
}

// WithLogger replaces the default "pipeline" component logger.
func (p *Pipeline) WithLogger(l *slog.Logger) *Pipeline {
	p.logger = l
	return p
}

// Submit validates req against the current head of its subject and queues it.
// Structural failures are returned immediately and wrap
// contracts.ErrInvalidRequest, ErrUnknownSubject, ErrUnknownGovernance or
// ErrSequenceConflict. Submitting a request that is already in flight returns
// a ticket for the existing run.
func (p *Pipeline) Submit(ctx context.Context, req *contracts.EventRequest) (*Ticket, error) {
	in, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := p.cfg.Evaluator.Structural(ctx, in); err != nil {
		return nil, err
	}
	id, err := req.Hash()
	if err != nil {
		return nil, err
	}
	subjectID, err := req.TargetSubject()
	if err != nil {
		return nil, err
	}

	if p.cfg.Journal != nil {
		if err := p.cfg.Journal.Record(ctx, id, req); err != nil {
			return nil, fmt.Errorf("journal request: %w", err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.forget(ctx, id)
		return nil, ErrClosed
	}
	if r, ok := p.runs[id]; ok {
		p.mu.Unlock()
		return r.ticket(), nil
	}
	r := newRun(id, subjectID, *req)
	p.runs[id] = r
	p.queues[subjectID] = append(p.queues[subjectID], r)
	idle := !p.workers[subjectID]
	if idle {
		p.workers[subjectID] = true
		p.wg.Add(1)
	}
	p.mu.Unlock()

	p.metrics.Accepted(ctx)
	p.logger.InfoContext(ctx, "request accepted",
		"request_id", id, "subject", subjectID, "sequence", req.Sequence, "kind", req.Kind)
	if idle {
		go p.work(subjectID)
	}
	return r.ticket(), nil
}

// prepare resolves the subject and governance a request applies to and checks
// that this node may run it at the current head.
func (p *Pipeline) prepare(ctx context.Context, req *contracts.EventRequest) (evaluation.Input, error) {
	in := evaluation.Input{Request: req}
	if err := req.Validate(); err != nil {
		return in, err
	}
	if err := crypto.VerifyRequest(p.cfg.Verifier, req); err != nil {
		return in, err
	}

	if req.Kind == contracts.RequestCreate {
		if req.Requester != p.self {
			return in, fmt.Errorf("%w: create requests must be requested by the owning node", contracts.ErrInvalidRequest)
		}
		id, err := req.Hash()
		if err != nil {
			return in, err
		}
		if _, err := p.cfg.Store.Head(ctx, id); err == nil {
			return in, fmt.Errorf("%w: subject %s already exists", contracts.ErrSequenceConflict, id)
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return in, err
		}
		gov, err := p.cfg.Resolver.ResolveForCreate(ctx, req.GovernanceID)
		if err != nil {
			return in, err
		}
		in.Governance = gov
		return in, nil
	}

	subj, err := p.cfg.Store.Subject(ctx, req.SubjectID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return in, fmt.Errorf("%w: %s", contracts.ErrUnknownSubject, req.SubjectID)
		}
		return in, err
	}
	if subj.Owner != p.self {
		return in, fmt.Errorf("%w: subject %s is owned by another node", contracts.ErrInvalidRequest, subj.ID)
	}
	switch {
	case req.Sequence <= subj.Sequence:
		return in, fmt.Errorf("%w: sequence %d is already committed, head is %d",
			contracts.ErrSequenceConflict, req.Sequence, subj.Sequence)
	case req.Sequence > subj.Sequence+1:
		return in, fmt.Errorf("%w: sequence %d does not follow head %d",
			contracts.ErrInvalidRequest, req.Sequence, subj.Sequence)
	}
	gov, err := p.cfg.Resolver.Resolve(ctx, subj.ID, req.Sequence)
	if err != nil {
		return in, err
	}
	in.Subject = subj
	in.Governance = gov
	return in, nil
}

// HandleVote routes v to the collector of the in-flight run it is cast on. It
// reports whether the vote was counted; votes for no run, for another content
// hash, from non-members or with bad signatures are dropped.
func (p *Pipeline) HandleVote(ctx context.Context, v contracts.Vote) bool {
	p.mu.Lock()
	c := p.collectors[slot{subjectID: v.SubjectID, sequence: v.Sequence, stage: v.Stage}]
	p.mu.Unlock()
	if c == nil || !c.Submit(v) {
		p.logger.DebugContext(ctx, "vote dropped",
			"subject", v.SubjectID, "sequence", v.Sequence, "stage", v.Stage, "voter", v.Voter)
		return false
	}
	p.metrics.Vote(ctx, string(v.Stage), v.Accept)
	return true
}

// Status returns the current state of an in-flight run or the outcome of a
// recently finished one.
func (p *Pipeline) Status(requestID string) (contracts.Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.runs[requestID]; ok {
		return contracts.Outcome{
			RequestID: r.id,
			SubjectID: r.subjectID,
			Sequence:  r.req.Sequence,
			State:     r.state,
		}, true
	}
	return p.history.get(requestID)
}

// Recover resubmits the requests left in the journal by a previous process.
// Requests that no longer pass submission are dropped from the journal.
func (p *Pipeline) Recover(ctx context.Context) ([]*Ticket, error) {
	if p.cfg.Journal == nil {
		return nil, nil
	}
	pending, err := p.cfg.Journal.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	var tickets []*Ticket
	for i := range pending {
		req := pending[i].Request
		t, err := p.Submit(ctx, &req)
		if err != nil {
			p.logger.WarnContext(ctx, "dropping journaled request",
				"request_id", pending[i].RequestID, "error", err)
			p.forget(ctx, pending[i].RequestID)
			continue
		}
		tickets = append(tickets, t)
	}
	if len(pending) > 0 {
		p.logger.InfoContext(ctx, "journal recovered", "pending", len(pending), "resubmitted", len(tickets))
	}
	return tickets, nil
}

// Close stops accepting submissions and waits for queued and in-flight runs
// to reach a terminal state.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) forget(ctx context.Context, requestID string) {
	if p.cfg.Journal == nil {
		return
	}
	if err := p.cfg.Journal.Remove(ctx, requestID); err != nil {
		p.logger.WarnContext(ctx, "journal remove failed", "request_id", requestID, "error", err)
	}
}

func (p *Pipeline) timeout(stage contracts.Stage) time.Duration {
	if stage == contracts.StageApproval {
		return p.cfg.ApprovalTimeout
	}
	return p.cfg.ValidationTimeout
}
