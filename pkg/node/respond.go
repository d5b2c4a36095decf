package node

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/evaluation"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/quorum"
)

var errNotVoter = errors.New("not a member of the requested role")

// view is what a node knows about the proposal it is asked to vote on.
type view struct {
	gov     *governance.Resolved
	policy  *governance.Policy
	subject *contracts.Subject // nil when this node holds no copy
}

func (n *Node) handleVoteRequest(ctx context.Context, from string, req *contracts.VoteRequest) {
	v, err := n.inspect(ctx, req)
	if err != nil {
		n.logger.InfoContext(ctx, "vote request ignored", "subject", req.SubjectID, "sequence", req.Sequence,
			"stage", req.Stage, "error", err)
		return
	}

	switch req.Stage {
	case contracts.StageApproval:
		// Approval may wait on an operator; do not hold up the transport.
		n.spawn(func() {
			accept, err := n.approve(n.ctx, req, v)
			if err != nil {
				n.logger.InfoContext(n.ctx, "no approval vote", "subject", req.SubjectID, "sequence", req.Sequence, "error", err)
				return
			}
			n.reply(n.ctx, from, req, accept)
		})
	case contracts.StageValidation:
		n.reply(ctx, from, req, n.validate(ctx, req, v))
	default:
		n.logger.WarnContext(ctx, "unknown stage", "stage", req.Stage)
	}
}

// inspect checks the integrity of a vote request and that this node holds a
// seat in the requested role.
func (n *Node) inspect(ctx context.Context, req *contracts.VoteRequest) (*view, error) {
	p := &req.Proposal
	if p.SubjectID != req.SubjectID || p.Sequence != req.Sequence {
		return nil, fmt.Errorf("%w: proposal does not match request header", contracts.ErrInvalidRequest)
	}
	hash, err := p.Hash()
	if err != nil {
		return nil, err
	}
	if hash != req.ContentHash {
		return nil, fmt.Errorf("%w: content hash mismatch", contracts.ErrInvalidRequest)
	}
	stateHash, err := canonicalize.HashJSON(req.State)
	if err != nil || stateHash != p.StateHash {
		return nil, fmt.Errorf("%w: state does not match proposal", contracts.ErrInvalidRequest)
	}
	if err := n.checkBinding(p); err != nil {
		return nil, err
	}

	gov, err := n.governanceFor(ctx, p)
	if err != nil {
		return nil, err
	}
	if head, err := n.cfg.Resolver.Head(ctx, p.GovernanceID); err == nil &&
		p.SchemaID != contracts.GovernanceSchemaID && head.Version > p.GovernanceVersion {
		return nil, fmt.Errorf("%w: proposal uses governance version %d, head is %d",
			contracts.ErrUnknownGovernance, p.GovernanceVersion, head.Version)
	}
	policy, ok := gov.Document.Policy(p.SchemaID)
	if !ok {
		return nil, fmt.Errorf("%w: governance has no policy for %q", contracts.ErrEvaluationFailed, p.SchemaID)
	}
	voters := gov.Document.MemberKeys(policy.Stage(req.Stage).Members)
	if !slices.Contains(voters, n.self) {
		return nil, errNotVoter
	}

	subj, err := n.localSubject(ctx, p.SubjectID)
	if err != nil {
		return nil, err
	}
	if subj != nil && p.Sequence > 0 && subj.SchemaID != p.SchemaID {
		return nil, fmt.Errorf("%w: subject %s has schema %s", contracts.ErrInvalidRequest, subj.ID, subj.SchemaID)
	}
	return &view{gov: gov, policy: policy, subject: subj}, nil
}

// approve re-evaluates the proposal against local state where possible and
// then asks the configured approver.
func (n *Node) approve(ctx context.Context, req *contracts.VoteRequest, v *view) (bool, error) {
	p := &req.Proposal
	if err := n.reevaluate(ctx, req, v); err != nil {
		n.logger.InfoContext(ctx, "rejecting proposal", "subject", p.SubjectID, "sequence", p.Sequence, "error", err)
		return false, nil
	}
	return n.cfg.Approver.Decide(ctx, p, req.ContentHash)
}

// reevaluate runs the evaluation the owner ran, on this node's copy of the
// subject. Without an up to date copy of an existing subject only the schema
// is checked.
func (n *Node) reevaluate(ctx context.Context, req *contracts.VoteRequest, v *view) error {
	p := &req.Proposal
	s := v.subject
	switch {
	case s == nil && p.Sequence > 0, s != nil && p.Sequence > s.Sequence+1:
		return n.checkState(v.gov.Document, p.SchemaID, req.State)
	case s != nil && (p.Sequence != s.Sequence+1 || p.PrevHash != s.HeadHash):
		return fmt.Errorf("%w: proposal does not extend local head %d", contracts.ErrSequenceConflict, s.Sequence)
	}

	in := evaluation.Input{Request: &p.Request, Subject: v.subject, Governance: v.gov}
	next, err := n.cfg.Evaluator.Structural(ctx, in)
	if err != nil {
		return err
	}
	h, err := canonicalize.HashJSON(next)
	if err != nil {
		return err
	}
	if h != p.StateHash {
		return fmt.Errorf("%w: proposed state differs from local evaluation", contracts.ErrInvalidRequest)
	}
	_, err = n.cfg.Evaluator.Business(ctx, in, next)
	return err
}

// validate decides a validation vote. While a validated proposal can still
// gather its quorum, a validator accepts no other proposal for that subject
// and sequence. Once the owner's validation stage has timed out, the
// sequence is open again so the requester can resubmit. A validator whose
// copy lags behind the proposal accepts on the strength of the approval
// proof.
func (n *Node) validate(ctx context.Context, req *contracts.VoteRequest, v *view) bool {
	p := &req.Proposal
	if err := n.verifyApprovals(req.ApprovalProof, p, req.ContentHash, v); err != nil {
		n.logger.WarnContext(ctx, "approval proof rejected", "subject", p.SubjectID, "sequence", p.Sequence, "error", err)
		return false
	}
	if err := n.checkState(v.gov.Document, p.SchemaID, req.State); err != nil {
		n.logger.InfoContext(ctx, "proposed state rejected", "subject", p.SubjectID, "sequence", p.Sequence, "error", err)
		return false
	}
	if s := v.subject; s != nil {
		if p.Sequence == 0 || p.Sequence <= s.Sequence ||
			(p.Sequence == s.Sequence+1 && p.PrevHash != s.HeadHash) {
			n.logger.InfoContext(ctx, "proposal does not extend local head",
				"subject", p.SubjectID, "sequence", p.Sequence, "head", s.Sequence)
			return false
		}
	}

	now := n.cfg.Clock()
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.validated[p.SubjectID]
	if ok && now.Before(last.until) {
		if last.sequence == p.Sequence && last.hash == req.ContentHash {
			return true
		}
		if last.sequence >= p.Sequence {
			n.logger.WarnContext(ctx, "refusing to validate a competing proposal",
				"subject", p.SubjectID, "sequence", p.Sequence, "validated_sequence", last.sequence,
				"validated", last.hash, "until", last.until)
			return false
		}
	}
	n.validated[p.SubjectID] = signedPosition{
		sequence: p.Sequence,
		hash:     req.ContentHash,
		until:    now.Add(v.policy.Validation.Timeout(n.cfg.ValidationTimeout)),
	}
	return true
}

// verifyApprovals checks an approval proof. An empty proof is accepted where
// the approval stage does not apply: creates, and requesters the invocation
// rules exempt from approval.
func (n *Node) verifyApprovals(proof []contracts.Vote, p *contracts.Proposal, hash string, v *view) error {
	if len(proof) == 0 && n.approvalExempt(p, v) {
		return nil
	}
	sp := v.policy.Approval
	return quorum.VerifyProof(proof, quorum.Expectation{
		Stage:       contracts.StageApproval,
		SubjectID:   p.SubjectID,
		Sequence:    p.Sequence,
		ContentHash: hash,
	}, v.gov.Document.MemberKeys(sp.Members), sp.Quorum, n.cfg.Verifier)
}

func (n *Node) approvalExempt(p *contracts.Proposal, v *view) bool {
	if p.Request.Kind == contracts.RequestCreate {
		return true
	}
	if v.subject == nil {
		return false
	}
	required, err := v.gov.Document.Authorize(v.policy, v.subject.Owner, p.Request.Requester)
	return err == nil && !required
}
