package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/codec"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/dispatch"
	"github.com/Mindburn-Labs/covenant/pkg/evaluation"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
	"github.com/Mindburn-Labs/covenant/pkg/observability"
	"github.com/Mindburn-Labs/covenant/pkg/quorum"
)

var errInternal = errors.New("internal error")

// work drains the queue of one subject. It holds the subject token for as
// long as the queue is non-empty.
func (p *Pipeline) work(subjectID string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		queue := p.queues[subjectID]
		if len(queue) == 0 {
			delete(p.queues, subjectID)
			delete(p.workers, subjectID)
			p.mu.Unlock()
			return
		}
		r := queue[0]
		queue[0] = nil
		p.queues[subjectID] = queue[1:]
		r.started = true
		p.mu.Unlock()

		p.execute(r)
	}
}

func (p *Pipeline) execute(r *run) {
	ctx, span := p.tracer.Start(context.Background(), "pipeline.run",
		trace.WithAttributes(observability.RunAttributes(r.id, r.subjectID, r.req.Sequence)...))
	defer span.End()

	p.metrics.Started(ctx)
	out := p.process(ctx, r)
	p.finish(ctx, r, out)
}

func (p *Pipeline) process(ctx context.Context, r *run) contracts.Outcome {
	req := &r.req
	in, err := p.prepare(ctx, req)
	if err != nil {
		// A queued run whose head moved on fails here with a sequence conflict.
		return r.fail(contracts.StateRejected, err)
	}
	next, err := p.cfg.Evaluator.Structural(ctx, in)
	if err != nil {
		return r.fail(contracts.StateRejected, err)
	}

	p.transition(ctx, r, contracts.StateEvaluating)
	approvalRequired, err := p.cfg.Evaluator.Business(ctx, in, next)
	if err != nil {
		return r.fail(contracts.StateRejected, err)
	}
	prop, hash, err := propose(in, next)
	if err != nil {
		return r.fail(contracts.StateAbandoned, err)
	}

	approvals := []contracts.Vote{}
	if approvalRequired {
		p.transition(ctx, r, contracts.StateApproving)
		q := p.collect(ctx, contracts.StageApproval, in.Governance, prop, hash, next, nil)
		switch q.Verdict {
		case contracts.VerdictMet:
			approvals = q.Accepted
		case contracts.VerdictFailed:
			out := r.fail(contracts.StateRejected, stageError(contracts.ErrApprovalDenied, q))
			out.Dissent = q.Rejected
			return out
		default:
			return r.fail(contracts.StateAbandoned, stageError(contracts.ErrApprovalTimeout, q))
		}
	}

	p.transition(ctx, r, contracts.StateValidating)
	q := p.collect(ctx, contracts.StageValidation, in.Governance, prop, hash, next, approvals)
	switch q.Verdict {
	case contracts.VerdictMet:
	case contracts.VerdictFailed:
		out := r.fail(contracts.StateRejected, stageError(contracts.ErrValidationDenied, q))
		out.Dissent = q.Rejected
		return out
	default:
		return r.fail(contracts.StateAbandoned, stageError(contracts.ErrValidationTimeout, q))
	}

	p.transition(ctx, r, contracts.StateCommitting)
	entry := &contracts.LedgerEntry{
		Proposal:        *prop,
		State:           next,
		ApprovalProof:   nonNil(approvals),
		ValidationProof: nonNil(q.Accepted),
		Hash:            hash,
	}
	if err := p.cfg.Store.Append(ctx, entry); err != nil {
		if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrInvalidChain) {
			return r.fail(contracts.StateRejected, fmt.Errorf("%w: %v", contracts.ErrSequenceConflict, err))
		}
		p.logger.ErrorContext(ctx, "append failed", "request_id", r.id, "error", err)
		return r.fail(contracts.StateAbandoned, fmt.Errorf("%w: append: %v", errInternal, err))
	}
	p.broadcast(ctx, entry, in.Governance)

	return contracts.Outcome{
		RequestID: r.id,
		SubjectID: r.subjectID,
		Sequence:  req.Sequence,
		State:     contracts.StateCommitted,
		Entry:     entry,
	}
}

func (r *run) fail(state contracts.RunState, err error) contracts.Outcome {
	reason := contracts.ReasonOf(err)
	detail := err.Error()
	if reason == contracts.ReasonInternal {
		detail = errInternal.Error()
	}
	return contracts.Outcome{
		RequestID: r.id,
		SubjectID: r.subjectID,
		Sequence:  r.req.Sequence,
		State:     state,
		Reason:    reason,
		Detail:    detail,
	}
}

func stageError(kind error, q contracts.QuorumOutcome) error {
	return fmt.Errorf("%w: %d accepted, %d rejected, %d silent, %d required",
		kind, len(q.Accepted), len(q.Rejected), len(q.TimedOut), q.Threshold)
}

// propose builds the proposal voters sign for the evaluated request.
func propose(in evaluation.Input, next json.RawMessage) (*contracts.Proposal, string, error) {
	req := in.Request
	stateHash, err := canonicalize.HashJSON(next)
	if err != nil {
		return nil, "", err
	}
	prop := &contracts.Proposal{
		Sequence:          req.Sequence,
		GovernanceID:      in.Governance.GovernanceID,
		GovernanceVersion: in.Governance.Version,
		Request:           *req,
		StateHash:         stateHash,
	}
	if in.Subject != nil {
		prop.SubjectID = in.Subject.ID
		prop.SchemaID = in.Subject.SchemaID
		prop.PrevHash = in.Subject.HeadHash
	} else {
		if prop.SubjectID, err = req.Hash(); err != nil {
			return nil, "", err
		}
		prop.SchemaID = req.SchemaID
	}
	hash, err := prop.Hash()
	if err != nil {
		return nil, "", err
	}
	return prop, hash, nil
}

// collect runs one voting stage: it registers a collector, asks the role
// members for their votes and waits for a verdict or the stage deadline.
func (p *Pipeline) collect(ctx context.Context, stage contracts.Stage, gov *governance.Resolved,
	prop *contracts.Proposal, hash string, state json.RawMessage, approvals []contracts.Vote) contracts.QuorumOutcome {
	doc := gov.Document
	policy, _ := doc.Policy(prop.SchemaID)
	sp := policy.Stage(stage)
	voters := doc.MemberKeys(sp.Members)

	c := quorum.NewCollector(quorum.Expectation{
		Stage:       stage,
		SubjectID:   prop.SubjectID,
		Sequence:    prop.Sequence,
		ContentHash: hash,
	}, voters, sp.Quorum, p.cfg.Verifier)
	key := slot{subjectID: prop.SubjectID, sequence: prop.Sequence, stage: stage}
	p.mu.Lock()
	p.collectors[key] = c
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.collectors[key] == c {
			delete(p.collectors, key)
		}
		p.mu.Unlock()
	}()

	started := time.Now()
	deadline := started.Add(sp.Timeout(p.timeout(stage)))
	select {
	case <-c.Done():
	default:
		env, err := codec.Seal(p.self, &contracts.VoteRequest{
			Stage:         stage,
			SubjectID:     prop.SubjectID,
			Sequence:      prop.Sequence,
			ContentHash:   hash,
			Proposal:      *prop,
			State:         state,
			ApprovalProof: approvals,
		})
		if err != nil {
			p.logger.ErrorContext(ctx, "seal vote request", "error", err)
			break
		}
		sendCtx, cancel := context.WithDeadline(ctx, deadline)
		if err := dispatch.Fanout(sendCtx, p.cfg.Dispatcher, voters, env, p.logger); err != nil {
			p.logger.DebugContext(ctx, "vote request not delivered to every voter",
				"subject", prop.SubjectID, "sequence", prop.Sequence, "stage", stage, "error", err)
		}
		cancel()
	}

	q := c.Wait(ctx, deadline)
	p.metrics.Stage(ctx, string(stage), string(q.Verdict), time.Since(started))
	p.logger.InfoContext(ctx, "stage decided",
		"subject", prop.SubjectID, "sequence", prop.Sequence, "stage", stage, "verdict", q.Verdict,
		"accepted", len(q.Accepted), "rejected", len(q.Rejected), "threshold", q.Threshold)
	return q
}

// broadcast sends the committed entry to every governance participant. A
// governance change also reaches the members it introduces.
func (p *Pipeline) broadcast(ctx context.Context, entry *contracts.LedgerEntry, gov *governance.Resolved) {
	targets := gov.Document.Participants()
	if entry.Proposal.SchemaID == contracts.GovernanceSchemaID {
		if next, err := governance.ParseDocument(entry.State); err == nil {
			targets = append(targets, next.Participants()...)
		}
	}
	seen := map[string]struct{}{p.self: {}}
	peers := targets[:0:0]
	for _, k := range targets {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		peers = append(peers, k)
	}
	if len(peers) == 0 {
		return
	}
	env, err := codec.Seal(p.self, &contracts.CommitBroadcast{Entry: *entry})
	if err != nil {
		p.logger.ErrorContext(ctx, "seal commit broadcast", "error", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()
	if err := dispatch.Fanout(sendCtx, p.cfg.Dispatcher, peers, env, p.logger); err != nil {
		p.logger.WarnContext(ctx, "commit broadcast incomplete", "subject", entry.SubjectID(), "sequence", entry.Sequence(), "error", err)
	}
}

func (p *Pipeline) transition(ctx context.Context, r *run, state contracts.RunState) {
	p.mu.Lock()
	r.state = state
	p.mu.Unlock()
	observability.AddSpanEvent(ctx, string(state))
	p.logger.DebugContext(ctx, "run transition", "request_id", r.id, "state", state)
}

func (p *Pipeline) finish(ctx context.Context, r *run, out contracts.Outcome) {
	p.mu.Lock()
	delete(p.runs, r.id)
	r.state = out.State
	r.outcome = out
	p.history.add(out)
	started := r.started
	p.mu.Unlock()
	close(r.done)

	p.forget(ctx, r.id)
	p.metrics.Finished(ctx, string(out.State), string(out.Reason), started, time.Since(r.accepted))
	observability.SetSpanStatus(ctx, out.Err())
	observability.AddSpanEvent(ctx, string(out.State), attribute.String("covenant.reason", string(out.Reason)))

	attrs := []any{"request_id", r.id, "subject", r.subjectID, "sequence", r.req.Sequence, "state", out.State}
	if out.State == contracts.StateCommitted {
		p.logger.InfoContext(ctx, "run committed", append(attrs, "hash", out.Entry.Hash)...)
		return
	}
	p.logger.WarnContext(ctx, "run ended", append(attrs, "reason", out.Reason, "detail", out.Detail)...)
}

func nonNil(v []contracts.Vote) []contracts.Vote {
	if v == nil {
		return []contracts.Vote{}
	}
	return v
}
