package governance

import (
	"fmt"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// Permission grants a class of requesters the right to submit events.
type Permission struct {
	Allowance        bool     `json:"allowance"`
	ApprovalRequired bool     `json:"approval_required"`
	Invokers         []string `json:"invokers,omitempty"`
}

// Invocation lists who may submit events for subjects under a policy. Rules
// are matched in order owner, set, all, external. A policy without an owner
// rule lets the owner submit with approval.
type Invocation struct {
	Owner    *Permission `json:"owner,omitempty"`
	Set      *Permission `json:"set,omitempty"`
	All      *Permission `json:"all,omitempty"`
	External *Permission `json:"external,omitempty"`
}

var defaultOwner = Permission{Allowance: true, ApprovalRequired: true}

// Authorize decides whether requester may submit an event to a subject owned
// by owner. It returns whether the approval stage applies; refusals wrap
// contracts.ErrEvaluationFailed.
func (d *Document) Authorize(p *Policy, owner, requester string) (approvalRequired bool, err error) {
	inv := p.Invocation
	if requester == owner {
		perm := defaultOwner
		if inv.Owner != nil {
			perm = *inv.Owner
		}
		return decide(perm, "owner")
	}

	member, isMember := d.MemberByKey(requester)
	if isMember {
		if inv.Set != nil && contains(inv.Set.Invokers, member.ID) {
			return decide(*inv.Set, "invoker set")
		}
		if inv.All != nil {
			return decide(*inv.All, "members")
		}
		return false, fmt.Errorf("%w: member %s may not invoke %s", contracts.ErrEvaluationFailed, member.ID, p.ID)
	}
	if inv.External != nil {
		return decide(*inv.External, "external")
	}
	return false, fmt.Errorf("%w: requester is not a member", contracts.ErrEvaluationFailed)
}

func decide(perm Permission, class string) (bool, error) {
	if !perm.Allowance {
		return false, fmt.Errorf("%w: invocation not allowed for %s", contracts.ErrEvaluationFailed, class)
	}
	return perm.ApprovalRequired, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
