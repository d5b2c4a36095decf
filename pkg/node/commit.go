package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/evaluation"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
	"github.com/Mindburn-Labs/covenant/pkg/quorum"
)

// ErrRejectedCommit is returned for a commit broadcast that does not prove
// itself.
var ErrRejectedCommit = errors.New("commit rejected")

// ApplyCommit verifies an entry committed by its owner and appends it to the
// local store. An entry already present is ignored.
func (n *Node) ApplyCommit(ctx context.Context, e *contracts.LedgerEntry) error {
	if err := e.VerifyIntegrity(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejectedCommit, err)
	}
	p := &e.Proposal
	if existing, err := n.cfg.Store.Entry(ctx, p.SubjectID, p.Sequence); err == nil {
		if existing.Hash == e.Hash {
			return nil
		}
		return fmt.Errorf("%w: %s/%d already holds %s", ErrRejectedCommit, p.SubjectID, p.Sequence, existing.Hash)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	if p.Sequence == 0 && p.SchemaID == contracts.GovernanceSchemaID {
		return fmt.Errorf("%w: governance genesis is installed by bootstrap", ErrRejectedCommit)
	}
	if err := n.checkBinding(p); err != nil {
		return fmt.Errorf("%w: %v", ErrRejectedCommit, err)
	}

	subj, err := n.localSubject(ctx, p.SubjectID)
	if err != nil {
		return err
	}
	if p.Sequence > 0 {
		if subj == nil {
			return fmt.Errorf("%w: %s", contracts.ErrUnknownSubject, p.SubjectID)
		}
		if subj.SchemaID != p.SchemaID || subj.GovernanceID != p.GovernanceID ||
			p.GovernanceVersion < subj.GovernanceVersion {
			return fmt.Errorf("%w: entry does not continue subject %s", ErrRejectedCommit, subj.ID)
		}
	}

	var prev []byte
	if subj != nil {
		prev = subj.State
	}
	next, err := evaluation.Apply(prev, p.Request.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejectedCommit, err)
	}
	if h, err := canonicalize.HashJSON(next); err != nil || h != p.StateHash {
		return fmt.Errorf("%w: state is not the result of the request payload", ErrRejectedCommit)
	}

	gov, err := n.governanceFor(ctx, p)
	if err != nil {
		return err
	}
	policy, ok := gov.Document.Policy(p.SchemaID)
	if !ok {
		return fmt.Errorf("%w: governance has no policy for %q", ErrRejectedCommit, p.SchemaID)
	}
	v := &view{gov: gov, policy: policy, subject: subj}
	if err := n.verifyApprovals(e.ApprovalProof, p, e.Hash, v); err != nil {
		return fmt.Errorf("%w: approval: %v", ErrRejectedCommit, err)
	}
	sp := policy.Validation
	err = quorum.VerifyProof(e.ValidationProof, quorum.Expectation{
		Stage:       contracts.StageValidation,
		SubjectID:   p.SubjectID,
		Sequence:    p.Sequence,
		ContentHash: e.Hash,
	}, gov.Document.MemberKeys(sp.Members), sp.Quorum, n.cfg.Verifier)
	if err != nil {
		return fmt.Errorf("%w: validation: %v", ErrRejectedCommit, err)
	}

	if err := n.cfg.Store.Append(ctx, e); err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "commit applied", "subject", p.SubjectID, "sequence", p.Sequence, "hash", e.Hash)
	return nil
}
