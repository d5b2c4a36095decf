package node

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/covenant/pkg/config"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/escalation"
)

// Approver makes this node's approval decision on a proposal that passed its
// own checks. An error means the node casts no vote.
type Approver interface {
	Decide(ctx context.Context, p *contracts.Proposal, contentHash string) (bool, error)
}

// StaticApprover accepts (true) or rejects (false) every proposal.
type StaticApprover bool

func (a StaticApprover) Decide(context.Context, *contracts.Proposal, string) (bool, error) {
	return bool(a), nil
}

// InboxApprover defers to an operator through an approval inbox. Proposals
// that expire undecided get no vote.
type InboxApprover struct {
	Inbox *escalation.Inbox
}

func (a InboxApprover) Decide(ctx context.Context, p *contracts.Proposal, contentHash string) (bool, error) {
	item := a.Inbox.Submit(ctx, p, contentHash)
	return a.Inbox.Await(ctx, item.ID)
}

// NewApprover returns the approver for a configured approval mode.
func NewApprover(mode string, inbox *escalation.Inbox) (Approver, error) {
	switch mode {
	case config.ApprovalAuto:
		return StaticApprover(true), nil
	case config.ApprovalDeny:
		return StaticApprover(false), nil
	case config.ApprovalManual:
		if inbox == nil {
			return nil, fmt.Errorf("manual approval requires an inbox")
		}
		return InboxApprover{Inbox: inbox}, nil
	default:
		return nil, fmt.Errorf("unknown approval mode %q", mode)
	}
}
