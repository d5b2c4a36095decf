// Package node answers the inter-node messages of the consensus protocol:
// it casts this node's approval and validation votes, routes votes back to
// the local pipeline, and applies commits broadcast by subject owners.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/covenant/pkg/codec"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
	"github.com/Mindburn-Labs/covenant/pkg/dispatch"
	"github.com/Mindburn-Labs/covenant/pkg/evaluation"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
	"github.com/Mindburn-Labs/covenant/pkg/schema"
)

// VoteSink receives votes addressed to runs owned by this node.
type VoteSink interface {
	HandleVote(ctx context.Context, v contracts.Vote) bool
}

// Config wires a node to its collaborators.
type Config struct {
	Signer     crypto.Signer
	Verifier   crypto.Verifier
	Store      ledger.Store
	Resolver   *governance.Resolver
	Evaluator  *evaluation.Evaluator
	Dispatcher dispatch.Dispatcher
	Approver   Approver
	Votes      VoteSink // optional

	// ValidationTimeout is the validation stage timeout of policies that do
	// not set one. Zero means 30s.
	ValidationTimeout time.Duration
	Clock             func() time.Time // optional
}

// signedPosition is the last proposal of a subject this node validated. The
// node refuses competing proposals for that sequence until the proposal's
// validation stage has timed out on its owner.
type signedPosition struct {
	sequence uint64
	hash     string
	until    time.Time
}

// Node is the peer responder of one node. It implements dispatch.Handler.
type Node struct {
	cfg     Config
	self    string
	schemas *schema.Compiler
	logger  *slog.Logger

	// ctx bounds pending approval decisions; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	validated map[string]signedPosition
	closed    bool
	wg        sync.WaitGroup
}

func New(cfg Config) (*Node, error) {
	if cfg.Signer == nil || cfg.Verifier == nil || cfg.Store == nil || cfg.Resolver == nil ||
		cfg.Evaluator == nil || cfg.Dispatcher == nil || cfg.Approver == nil {
		return nil, errors.New("node: signer, verifier, store, resolver, evaluator, dispatcher and approver are required")
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:       cfg,
		self:      cfg.Signer.PublicKey(),
		schemas:   schema.NewCompiler(),
		logger:    slog.Default().With("component", "node"),
		ctx:       ctx,
		cancel:    cancel,
		validated: make(map[string]signedPosition),
	}, nil
}

// SetVoteSink routes votes to s. The pipeline and the node reference each
// other through the dispatcher, so the sink may be attached after New.
func (n *Node) SetVoteSink(s VoteSink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.Votes = s
}

// HandleEnvelope dispatches one inbound message.
func (n *Node) HandleEnvelope(ctx context.Context, env contracts.Envelope) {
	msg, err := codec.Open(env)
	if err != nil {
		n.logger.WarnContext(ctx, "undecodable envelope", "type", env.Type.String(), "error", err)
		return
	}
	switch m := msg.(type) {
	case *contracts.VoteRequest:
		n.handleVoteRequest(ctx, env.Sender, m)
	case *contracts.Vote:
		n.mu.Lock()
		sink := n.cfg.Votes
		n.mu.Unlock()
		if sink != nil {
			sink.HandleVote(ctx, *m)
		}
	case *contracts.CommitBroadcast:
		if err := n.ApplyCommit(ctx, &m.Entry); err != nil {
			n.logger.WarnContext(ctx, "commit not applied",
				"subject", m.Entry.SubjectID(), "sequence", m.Entry.Sequence(), "error", err)
		}
	}
}

// Close cancels pending approval decisions and waits for their goroutines.
func (n *Node) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	n.wg.Wait()
}

// spawn runs fn on its own goroutine unless the node is closed.
func (n *Node) spawn(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) reply(ctx context.Context, to string, req *contracts.VoteRequest, accept bool) {
	v := contracts.Vote{
		Stage:       req.Stage,
		SubjectID:   req.SubjectID,
		Sequence:    req.Sequence,
		ContentHash: req.ContentHash,
		Accept:      accept,
	}
	if err := crypto.SignVote(n.cfg.Signer, &v); err != nil {
		n.logger.ErrorContext(ctx, "sign vote", "error", err)
		return
	}
	env, err := codec.Seal(n.self, &v)
	if err != nil {
		n.logger.ErrorContext(ctx, "seal vote", "error", err)
		return
	}
	if err := n.cfg.Dispatcher.Send(ctx, to, env); err != nil {
		n.logger.WarnContext(ctx, "vote not delivered", "subject", req.SubjectID, "sequence", req.Sequence,
			"stage", req.Stage, "error", err)
		return
	}
	n.logger.InfoContext(ctx, "vote cast", "subject", req.SubjectID, "sequence", req.Sequence,
		"stage", req.Stage, "accept", accept)
}

// governanceFor resolves the document a proposal claims to be governed by. A
// governance subject at sequence N is governed by its own version N-1.
func (n *Node) governanceFor(ctx context.Context, p *contracts.Proposal) (*governance.Resolved, error) {
	if p.SchemaID == contracts.GovernanceSchemaID {
		if p.Sequence == 0 || p.GovernanceID != p.SubjectID || p.GovernanceVersion != p.Sequence-1 {
			return nil, fmt.Errorf("%w: governance proposal %s/%d names governance %s/%d",
				contracts.ErrUnknownGovernance, p.SubjectID, p.Sequence, p.GovernanceID, p.GovernanceVersion)
		}
	}
	return n.cfg.Resolver.At(ctx, p.GovernanceID, p.GovernanceVersion)
}

// localSubject returns this node's snapshot of id, or nil when it holds none.
func (n *Node) localSubject(ctx context.Context, id string) (*contracts.Subject, error) {
	s, err := n.cfg.Store.Subject(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// checkBinding verifies that the request inside p is signed and targets the
// proposal's subject and sequence.
func (n *Node) checkBinding(p *contracts.Proposal) error {
	req := &p.Request
	if err := crypto.VerifyRequest(n.cfg.Verifier, req); err != nil {
		return err
	}
	if req.Sequence != p.Sequence {
		return fmt.Errorf("%w: request sequence %d in proposal for %d", contracts.ErrInvalidRequest, req.Sequence, p.Sequence)
	}
	if req.Kind == contracts.RequestCreate {
		id, err := req.Hash()
		if err != nil {
			return err
		}
		if id != p.SubjectID || req.SchemaID != p.SchemaID || req.GovernanceID != p.GovernanceID || p.PrevHash != "" {
			return fmt.Errorf("%w: create proposal does not match its request", contracts.ErrInvalidRequest)
		}
		return nil
	}
	if req.SubjectID != p.SubjectID {
		return fmt.Errorf("%w: request targets %s in proposal for %s", contracts.ErrInvalidRequest, req.SubjectID, p.SubjectID)
	}
	return nil
}

// checkState validates a proposed state against the schema its governance
// names for the subject.
func (n *Node) checkState(doc *governance.Document, schemaID string, state []byte) error {
	if schemaID == contracts.GovernanceSchemaID {
		_, err := governance.ParseDocument(state)
		return err
	}
	content, ok := doc.Schema(schemaID)
	if !ok {
		return fmt.Errorf("%w: governance has no schema %q", contracts.ErrInvalidRequest, schemaID)
	}
	return n.schemas.Validate(content, state)
}
