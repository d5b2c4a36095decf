// Package evaluation decides whether an event request may enter the voting
// stages: it verifies the request, computes the next subject state, checks it
// against the governing schema, and runs the governance business rules.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/schema"
)

// Input is the request under evaluation and the context it applies to.
type Input struct {
	Request *contracts.EventRequest
	// Subject is the current snapshot, nil for create requests.
	Subject *contracts.Subject
	// Governance is the document in force for the request's sequence.
	Governance *governance.Resolved
}

func (in Input) schemaID() string {
	if in.Subject != nil {
		return in.Subject.SchemaID
	}
	return in.Request.SchemaID
}

func (in Input) owner() string {
	if in.Subject != nil {
		return in.Subject.Owner
	}
	return in.Request.Requester
}

func (in Input) state() json.RawMessage {
	if in.Subject != nil {
		return in.Subject.State
	}
	return nil
}

// Evaluator runs structural and business evaluation. It is safe for
// concurrent use.
type Evaluator struct {
	verifier crypto.Verifier
	schemas  *schema.Compiler
	rules    *governance.RuleEngine
	logger   *slog.Logger
}

func New(verifier crypto.Verifier) (*Evaluator, error) {
	rules, err := governance.NewRuleEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		verifier: verifier,
		schemas:  schema.NewCompiler(),
		rules:    rules,
		logger:   slog.Default().With("component", "evaluation"),
	}, nil
}

// Structural verifies the request signature and field constraints, computes
// the next state and checks it against the schema named by the governance.
// It returns the canonical next state. Failures wrap
// contracts.ErrInvalidRequest.
func (e *Evaluator) Structural(_ context.Context, in Input) (json.RawMessage, error) {
	req := in.Request
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := crypto.VerifyRequest(e.verifier, req); err != nil {
		return nil, err
	}

	if in.Subject == nil {
		if req.Kind != contracts.RequestCreate {
			return nil, fmt.Errorf("%w: state request without a subject", contracts.ErrInvalidRequest)
		}
		if req.SchemaID == contracts.GovernanceSchemaID {
			return nil, fmt.Errorf("%w: governance subjects are created by genesis only", contracts.ErrInvalidRequest)
		}
		if req.GovernanceID != in.Governance.GovernanceID {
			return nil, fmt.Errorf("%w: governance %s does not match resolved %s",
				contracts.ErrInvalidRequest, req.GovernanceID, in.Governance.GovernanceID)
		}
	} else if req.Kind != contracts.RequestState || req.SubjectID != in.Subject.ID {
		return nil, fmt.Errorf("%w: request does not target subject %s", contracts.ErrInvalidRequest, in.Subject.ID)
	}

	next, err := Apply(in.state(), req.Payload)
	if err != nil {
		return nil, err
	}

	if in.Subject != nil && in.Subject.IsGovernance() {
		doc, err := governance.ParseDocument(next)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidRequest, err)
		}
		for _, p := range doc.Policies {
			if err := e.rules.Check(p.Rules); err != nil {
				return nil, fmt.Errorf("%w: policy %s: %v", contracts.ErrInvalidRequest, p.ID, err)
			}
		}
		for _, s := range doc.Schemas {
			if _, err := e.schemas.Compile(s.Content); err != nil {
				return nil, fmt.Errorf("%w: schema %s: %v", contracts.ErrInvalidRequest, s.ID, err)
			}
		}
		return next, nil
	}

	schemaID := in.schemaID()
	content, ok := in.Governance.Document.Schema(schemaID)
	if !ok {
		return nil, fmt.Errorf("%w: governance has no schema %q", contracts.ErrInvalidRequest, schemaID)
	}
	if err := e.schemas.Validate(content, next); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidRequest, err)
	}
	return next, nil
}

// Business applies the invocation rules, the policy rules and, for governance
// subjects, the version rule. It reports whether the approval stage applies.
// Failures wrap contracts.ErrEvaluationFailed.
func (e *Evaluator) Business(ctx context.Context, in Input, next json.RawMessage) (bool, error) {
	doc := in.Governance.Document
	schemaID := in.schemaID()
	policy, ok := doc.Policy(schemaID)
	if !ok {
		return false, fmt.Errorf("%w: governance has no policy for %q", contracts.ErrEvaluationFailed, schemaID)
	}

	approvalRequired, err := doc.Authorize(policy, in.owner(), in.Request.Requester)
	if err != nil {
		return false, err
	}

	err = e.rules.Evaluate(ctx, policy.Rules, governance.RuleInput{
		State:     in.state(),
		Next:      next,
		Payload:   in.Request.Payload.Data,
		Requester: in.Request.Requester,
		Owner:     in.owner(),
		Sequence:  in.Request.Sequence,
	})
	if err != nil {
		return false, err
	}

	if in.Subject != nil && in.Subject.IsGovernance() {
		nextDoc, err := governance.ParseDocument(next)
		if err != nil {
			return false, fmt.Errorf("%w: %v", contracts.ErrEvaluationFailed, err)
		}
		if err := governance.CheckVersionIncrease(doc, nextDoc); err != nil {
			return false, err
		}
	}

	if in.Request.Kind == contracts.RequestCreate {
		approvalRequired = false
	}
	e.logger.DebugContext(ctx, "business evaluation passed",
		"subject", in.Request.SubjectID, "sequence", in.Request.Sequence, "approval_required", approvalRequired)
	return approvalRequired, nil
}
