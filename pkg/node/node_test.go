package node_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/codec"
	"github.com/Mindburn-Labs/covenant/pkg/config"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
	"github.com/Mindburn-Labs/covenant/pkg/escalation"
	"github.com/Mindburn-Labs/covenant/pkg/evaluation"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/governance/govtest"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
	"github.com/Mindburn-Labs/covenant/pkg/node"
	"github.com/Mindburn-Labs/covenant/pkg/quorum"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sent struct {
	to  string
	env contracts.Envelope
}

// outbox records envelopes a node sends.
type outbox struct {
	ch chan sent
}

func newOutbox() *outbox { return &outbox{ch: make(chan sent, 16)} }

func (o *outbox) Send(_ context.Context, to string, env contracts.Envelope) error {
	o.ch <- sent{to: to, env: env}
	return nil
}

func (o *outbox) vote(t *testing.T) (string, contracts.Vote) {
	t.Helper()
	select {
	case s := <-o.ch:
		msg, err := codec.Open(s.env)
		require.NoError(t, err)
		v, ok := msg.(*contracts.Vote)
		require.True(t, ok, "sent %T", msg)
		return s.to, *v
	case <-time.After(5 * time.Second):
		t.Fatal("no vote sent")
		return "", contracts.Vote{}
	}
}

func (o *outbox) none(t *testing.T) {
	t.Helper()
	select {
	case s := <-o.ch:
		t.Fatalf("unexpected %s to %s", s.env.Type, s.to)
	case <-time.After(100 * time.Millisecond):
	}
}

// world is a governance with a counter subject at sequence 1, as built by
// its owner.
type world struct {
	fx      *govtest.Fixture
	genesis *contracts.LedgerEntry
	create  *contracts.LedgerEntry
	e1      *contracts.LedgerEntry
	clock   func() time.Time // nil for the wall clock
}

func newWorld(t *testing.T) *world {
	fx := govtest.NewFixture(t, "owner", "a1", "a2", "a3", "v1", "v2")
	policy := governance.Policy{
		ID:         "counter",
		Approval:   govtest.Stage(quorum.Count(2), "a1", "a2", "a3"),
		Validation: govtest.Stage(quorum.Count(1), "v1", "v2"),
	}
	genesis := fx.Genesis(t, "owner", fx.Document("1.0.0", policy))
	create := fx.Create(t, genesis.SubjectID(), 0, "owner", "counter", json.RawMessage(`{"n":0}`))
	e1 := fx.Next(t, create, "owner", json.RawMessage(`{"n":1}`), 0)
	return &world{fx: fx, genesis: genesis, create: create, e1: e1}
}

// node starts member id holding the genesis and the given entries.
func (w *world) node(t *testing.T, id string, approver node.Approver, entries ...*contracts.LedgerEntry) (*node.Node, *outbox, *ledger.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	verifier := crypto.NewEd25519Verifier()
	store := ledger.NewMemoryStore()
	_, err := governance.Bootstrap(ctx, store, verifier, w.genesis)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, store.Append(ctx, e))
	}
	ev, err := evaluation.New(verifier)
	require.NoError(t, err)
	out := newOutbox()
	n, err := node.New(node.Config{
		Signer:     w.fx.Signer(id),
		Verifier:   verifier,
		Store:      store,
		Resolver:   governance.NewResolver(store),
		Evaluator:  ev,
		Dispatcher: out,
		Approver:   approver,
		Clock:      w.clock,
	})
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n, out, store
}

func (w *world) request(t *testing.T, stage contracts.Stage, e *contracts.LedgerEntry, approvals ...string) contracts.Envelope {
	t.Helper()
	req := &contracts.VoteRequest{
		Stage:       stage,
		SubjectID:   e.SubjectID(),
		Sequence:    e.Sequence(),
		ContentHash: e.Hash,
		Proposal:    e.Proposal,
		State:       e.State,
	}
	for _, id := range approvals {
		req.ApprovalProof = append(req.ApprovalProof, w.fx.SignVote(t, id, contracts.StageApproval, &e.Proposal, true))
	}
	env, err := codec.Seal(w.fx.Key("owner"), req)
	require.NoError(t, err)
	return env
}

// certified returns e carrying approval and validation proofs.
func (w *world) certified(t *testing.T, e *contracts.LedgerEntry, approvers, validators []string) *contracts.LedgerEntry {
	t.Helper()
	c := e.Clone()
	c.ApprovalProof = []contracts.Vote{}
	for _, id := range approvers {
		c.ApprovalProof = append(c.ApprovalProof, w.fx.SignVote(t, id, contracts.StageApproval, &c.Proposal, true))
	}
	c.ValidationProof = []contracts.Vote{}
	for _, id := range validators {
		c.ValidationProof = append(c.ValidationProof, w.fx.SignVote(t, id, contracts.StageValidation, &c.Proposal, true))
	}
	return c
}

func TestValidation_AcceptsProvenProposal(t *testing.T) {
	w := newWorld(t)
	n, out, _ := w.node(t, "v1", node.StaticApprover(true), w.create, w.e1)
	next := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)

	n.HandleEnvelope(context.Background(), w.request(t, contracts.StageValidation, next, "a1", "a2"))

	to, v := out.vote(t)
	assert.Equal(t, w.fx.Key("owner"), to)
	assert.True(t, v.Accept)
	assert.Equal(t, w.fx.Key("v1"), v.Voter)
	assert.Equal(t, contracts.StageValidation, v.Stage)
	assert.Equal(t, next.Hash, v.ContentHash)
	require.NoError(t, crypto.VerifyVote(crypto.NewEd25519Verifier(), &v))
}

func TestValidation_RefusesCompetingProposal(t *testing.T) {
	w := newWorld(t)
	n, out, _ := w.node(t, "v1", node.StaticApprover(true), w.create, w.e1)
	ctx := context.Background()
	first := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)
	second := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":3}`), 0)
	require.NotEqual(t, first.Hash, second.Hash)

	n.HandleEnvelope(ctx, w.request(t, contracts.StageValidation, first, "a1", "a2"))
	_, v := out.vote(t)
	require.True(t, v.Accept)

	n.HandleEnvelope(ctx, w.request(t, contracts.StageValidation, second, "a1", "a2"))
	_, v = out.vote(t)
	assert.False(t, v.Accept)
	assert.Equal(t, second.Hash, v.ContentHash)

	// Re-delivery of the validated proposal is answered the same way.
	n.HandleEnvelope(ctx, w.request(t, contracts.StageValidation, first, "a1", "a2"))
	_, v = out.vote(t)
	assert.True(t, v.Accept)
}

// Once the validation stage of the first proposal has timed out, the owner
// may propose the sequence again.
func TestValidation_ReopensSequenceAfterTimeout(t *testing.T) {
	w := newWorld(t)
	now := govtest.Epoch
	var mu sync.Mutex
	w.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	n, out, _ := w.node(t, "v1", node.StaticApprover(true), w.create, w.e1)
	ctx := context.Background()
	first := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)
	retry := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2,"label":"again"}`), 0)
	require.NotEqual(t, first.Hash, retry.Hash)

	n.HandleEnvelope(ctx, w.request(t, contracts.StageValidation, first, "a1", "a2"))
	_, v := out.vote(t)
	require.True(t, v.Accept)

	advance(29 * time.Second)
	n.HandleEnvelope(ctx, w.request(t, contracts.StageValidation, retry, "a1", "a2"))
	_, v = out.vote(t)
	assert.False(t, v.Accept, "sequence reopened before the validation timeout")

	advance(2 * time.Second)
	n.HandleEnvelope(ctx, w.request(t, contracts.StageValidation, retry, "a1", "a2"))
	_, v = out.vote(t)
	assert.True(t, v.Accept)
	assert.Equal(t, retry.Hash, v.ContentHash)

	// The retry now holds the sequence.
	n.HandleEnvelope(ctx, w.request(t, contracts.StageValidation, first, "a1", "a2"))
	_, v = out.vote(t)
	assert.False(t, v.Accept)
}

func TestValidation_Rejections(t *testing.T) {
	w := newWorld(t)
	next := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)
	stale := w.fx.Next(t, w.create, "owner", json.RawMessage(`{"n":9}`), 0)

	tests := []struct {
		name string
		env  func(t *testing.T) contracts.Envelope
	}{
		{"insufficient approvals", func(t *testing.T) contracts.Envelope {
			return w.request(t, contracts.StageValidation, next, "a1")
		}},
		{"approval from non-member", func(t *testing.T) contracts.Envelope {
			return w.request(t, contracts.StageValidation, next, "a1", "v2")
		}},
		{"does not extend head", func(t *testing.T) contracts.Envelope {
			return w.request(t, contracts.StageValidation, stale, "a1", "a2")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, out, _ := w.node(t, "v1", node.StaticApprover(true), w.create, w.e1)
			n.HandleEnvelope(context.Background(), tt.env(t))
			_, v := out.vote(t)
			assert.False(t, v.Accept)
		})
	}
}

func TestValidation_LaggingReplicaAccepts(t *testing.T) {
	w := newWorld(t)
	n, out, _ := w.node(t, "v2", node.StaticApprover(true), w.create)
	next := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)

	n.HandleEnvelope(context.Background(), w.request(t, contracts.StageValidation, next, "a1", "a3"))
	_, v := out.vote(t)
	assert.True(t, v.Accept)
}

func TestVoteRequest_Ignored(t *testing.T) {
	w := newWorld(t)
	next := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)

	t.Run("not in role", func(t *testing.T) {
		n, out, _ := w.node(t, "a3", node.StaticApprover(true), w.create, w.e1)
		n.HandleEnvelope(context.Background(), w.request(t, contracts.StageValidation, next, "a1", "a2"))
		out.none(t)
	})
	t.Run("content hash mismatch", func(t *testing.T) {
		n, out, _ := w.node(t, "v1", node.StaticApprover(true), w.create, w.e1)
		env := w.request(t, contracts.StageValidation, next, "a1", "a2")
		msg, err := codec.Open(env)
		require.NoError(t, err)
		req := msg.(*contracts.VoteRequest)
		req.ContentHash = w.e1.Hash
		env, err = codec.Seal(env.Sender, req)
		require.NoError(t, err)
		n.HandleEnvelope(context.Background(), env)
		out.none(t)
	})
	t.Run("undecodable", func(t *testing.T) {
		n, out, _ := w.node(t, "v1", node.StaticApprover(true))
		n.HandleEnvelope(context.Background(), contracts.Envelope{Type: contracts.MsgVoteRequest, Body: []byte{0xff}})
		out.none(t)
	})
}

func TestApproval_Decisions(t *testing.T) {
	w := newWorld(t)
	next := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)

	for _, accept := range []bool{true, false} {
		n, out, _ := w.node(t, "a1", node.StaticApprover(accept), w.create, w.e1)
		n.HandleEnvelope(context.Background(), w.request(t, contracts.StageApproval, next))
		_, v := out.vote(t)
		assert.Equal(t, accept, v.Accept)
		assert.Equal(t, contracts.StageApproval, v.Stage)
	}
}

func TestApproval_RejectsStateThatDoesNotFollowFromRequest(t *testing.T) {
	w := newWorld(t)
	n, out, _ := w.node(t, "a1", node.StaticApprover(true), w.create, w.e1)
	next := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)

	forged := next.Clone()
	forged.State = json.RawMessage(`{"n":5}`)
	var err error
	forged.Proposal.StateHash, err = canonicalize.HashJSON(forged.State)
	require.NoError(t, err)
	forged.Hash, err = forged.Proposal.Hash()
	require.NoError(t, err)

	n.HandleEnvelope(context.Background(), w.request(t, contracts.StageApproval, forged))
	_, v := out.vote(t)
	assert.False(t, v.Accept)
}

func TestApproval_ManualInbox(t *testing.T) {
	w := newWorld(t)
	inbox := escalation.NewInbox(time.Minute)
	approver, err := node.NewApprover(config.ApprovalManual, inbox)
	require.NoError(t, err)
	n, out, _ := w.node(t, "a2", approver, w.create, w.e1)
	next := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)

	n.HandleEnvelope(context.Background(), w.request(t, contracts.StageApproval, next))
	require.Eventually(t, func() bool { return len(inbox.Pending()) == 1 }, 5*time.Second, 5*time.Millisecond)
	out.none(t)

	item := inbox.Pending()[0]
	assert.Equal(t, next.Hash, item.ContentHash)
	_, err = inbox.Approve(context.Background(), item.ID, "operator")
	require.NoError(t, err)

	_, v := out.vote(t)
	assert.True(t, v.Accept)
}

func TestNewApprover(t *testing.T) {
	a, err := node.NewApprover(config.ApprovalAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, node.StaticApprover(true), a)

	a, err = node.NewApprover(config.ApprovalDeny, nil)
	require.NoError(t, err)
	assert.Equal(t, node.StaticApprover(false), a)

	_, err = node.NewApprover(config.ApprovalManual, nil)
	assert.Error(t, err)
	_, err = node.NewApprover("sometimes", nil)
	assert.Error(t, err)
}

func TestApplyCommit(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	next := w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":2}`), 0)
	good := w.certified(t, next, []string{"a1", "a2"}, []string{"v1"})

	t.Run("applies and ignores duplicates", func(t *testing.T) {
		n, _, store := w.node(t, "v2", node.StaticApprover(true), w.create, w.e1)
		require.NoError(t, n.ApplyCommit(ctx, good))
		require.NoError(t, n.ApplyCommit(ctx, good))
		h, err := store.Head(ctx, next.SubjectID())
		require.NoError(t, err)
		assert.Equal(t, ledger.Head{Sequence: 2, Hash: next.Hash}, h)

		competing := w.certified(t, w.fx.Next(t, w.e1, "owner", json.RawMessage(`{"n":3}`), 0),
			[]string{"a1", "a2"}, []string{"v1"})
		assert.ErrorIs(t, n.ApplyCommit(ctx, competing), node.ErrRejectedCommit)
	})

	t.Run("create needs no approvals", func(t *testing.T) {
		n, _, store := w.node(t, "a3", node.StaticApprover(true))
		created := w.certified(t, w.create, nil, []string{"v2"})
		require.NoError(t, n.ApplyCommit(ctx, created))
		s, err := store.Subject(ctx, w.create.SubjectID())
		require.NoError(t, err)
		assert.Equal(t, w.fx.Key("owner"), s.Owner)
	})

	rejected := []struct {
		name  string
		entry *contracts.LedgerEntry
	}{
		{"missing validation", w.certified(t, next, []string{"a1", "a2"}, nil)},
		{"short approval", w.certified(t, next, []string{"a1"}, []string{"v1"})},
		{"validation by approver", w.certified(t, next, []string{"a1", "a2"}, []string{"a3"})},
		{"foreign genesis", w.fx.Genesis(t, "a1", w.fx.Document("2.0.0"))},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			n, _, _ := w.node(t, "v2", node.StaticApprover(true), w.create, w.e1)
			assert.ErrorIs(t, n.ApplyCommit(ctx, tt.entry), node.ErrRejectedCommit)
		})
	}

	t.Run("tampered state", func(t *testing.T) {
		n, _, _ := w.node(t, "v2", node.StaticApprover(true), w.create, w.e1)
		tampered := good.Clone()
		tampered.State = json.RawMessage(`{"n":99}`)
		assert.ErrorIs(t, n.ApplyCommit(ctx, tampered), node.ErrRejectedCommit)
	})

	t.Run("gap", func(t *testing.T) {
		n, _, _ := w.node(t, "v2", node.StaticApprover(true), w.create)
		assert.Error(t, n.ApplyCommit(ctx, good))
	})
}

type sink struct {
	mu    sync.Mutex
	votes []contracts.Vote
}

func (s *sink) HandleVote(_ context.Context, v contracts.Vote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes = append(s.votes, v)
	return true
}

func TestHandleEnvelope_RoutesVotes(t *testing.T) {
	w := newWorld(t)
	n, _, _ := w.node(t, "owner", node.StaticApprover(true))
	s := &sink{}
	n.SetVoteSink(s)

	v := w.fx.SignVote(t, "a1", contracts.StageApproval, &w.e1.Proposal, true)
	env, err := codec.Seal(w.fx.Key("a1"), &v)
	require.NoError(t, err)
	n.HandleEnvelope(context.Background(), env)

	require.Len(t, s.votes, 1)
	assert.Equal(t, v, s.votes[0])
}
