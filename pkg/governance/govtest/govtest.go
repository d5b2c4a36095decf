// Package govtest builds governance documents, member identities and ledger
// entries for tests.
package govtest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/quorum"
)

// CounterSchema accepts {"n": <non-negative integer>} and an optional label.
var CounterSchema = json.RawMessage(`{
	"type": "object",
	"required": ["n"],
	"additionalProperties": false,
	"properties": {
		"n": {"type": "integer", "minimum": 0},
		"label": {"type": "string"}
	}
}`)

// Epoch is the fixed timestamp used for generated requests.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Fixture holds deterministic member identities keyed by member id.
type Fixture struct {
	ids     []string
	signers map[string]*crypto.Ed25519Signer
}

// NewFixture derives one identity per id.
func NewFixture(t testing.TB, ids ...string) *Fixture {
	t.Helper()
	f := &Fixture{signers: make(map[string]*crypto.Ed25519Signer, len(ids))}
	for _, id := range ids {
		s, err := crypto.DeriveEd25519Signer([]byte("govtest-master-key-material"), id)
		require.NoError(t, err)
		f.ids = append(f.ids, id)
		f.signers[id] = s
	}
	return f
}

func (f *Fixture) Signer(id string) *crypto.Ed25519Signer { return f.signers[id] }

func (f *Fixture) Key(id string) string { return f.signers[id].PublicKey() }

// Keys maps ids to keys.
func (f *Fixture) Keys(ids ...string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = f.Key(id)
	}
	return keys
}

// Stage builds a stage policy.
func Stage(q quorum.Formula, members ...string) governance.StagePolicy {
	if members == nil {
		members = []string{}
	}
	return governance.StagePolicy{Quorum: q, Members: members}
}

// Document returns a document listing every fixture member, the counter
// schema, and the given policies. When no policy with id "governance" is
// given, one requiring a single approval from the first member is added.
func (f *Fixture) Document(version string, policies ...governance.Policy) governance.Document {
	doc := governance.Document{
		Version:  version,
		Schemas:  []governance.SchemaDef{{ID: "counter", Content: CounterSchema}},
		Policies: policies,
	}
	for _, id := range f.ids {
		doc.Members = append(doc.Members, governance.Member{ID: id, Key: f.Key(id)})
	}
	hasGov := false
	for _, p := range policies {
		if p.ID == contracts.GovernanceSchemaID {
			hasGov = true
		}
	}
	if !hasGov {
		doc.Policies = append(doc.Policies, governance.Policy{
			ID:         contracts.GovernanceSchemaID,
			Approval:   Stage(quorum.Count(0)),
			Validation: Stage(quorum.Count(1), f.ids[0]),
		})
	}
	return doc
}

// Raw encodes doc.
func Raw(t testing.TB, doc governance.Document) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

// Genesis builds a governance genesis signed by owner.
func (f *Fixture) Genesis(t testing.TB, owner string, doc governance.Document) *contracts.LedgerEntry {
	t.Helper()
	e, err := governance.NewGenesis(f.Signer(owner), Raw(t, doc), "", Epoch)
	require.NoError(t, err)
	return e
}

// Next builds the entry that follows prev with a full-state payload, signed by
// requester, without quorum proofs. Governance entries name their own subject
// as governance; other subjects keep prev's governance at govVersion.
func (f *Fixture) Next(t testing.TB, prev *contracts.LedgerEntry, requester string, state json.RawMessage, govVersion uint64) *contracts.LedgerEntry {
	t.Helper()
	canonical, err := canonicalize.Transform(state)
	require.NoError(t, err)
	seq := prev.Sequence() + 1
	req := contracts.EventRequest{
		Kind:      contracts.RequestState,
		SubjectID: prev.SubjectID(),
		Sequence:  seq,
		Payload:   contracts.Payload{Kind: contracts.PayloadJSON, Data: canonical},
		Timestamp: Epoch.Add(time.Duration(seq) * time.Second).UnixMilli(),
	}
	require.NoError(t, crypto.SignRequest(f.Signer(requester), &req))
	return f.entry(t, prev.SubjectID(), prev.Proposal.SchemaID, seq, prev.Hash, prev.Proposal.GovernanceID, govVersion, req, canonical)
}

// Create builds sequence 0 of a subject under governance governanceID at
// govVersion, signed by requester.
func (f *Fixture) Create(t testing.TB, governanceID string, govVersion uint64, requester, schemaID string, state json.RawMessage) *contracts.LedgerEntry {
	t.Helper()
	canonical, err := canonicalize.Transform(state)
	require.NoError(t, err)
	req := contracts.EventRequest{
		Kind:         contracts.RequestCreate,
		GovernanceID: governanceID,
		SchemaID:     schemaID,
		Payload:      contracts.Payload{Kind: contracts.PayloadJSON, Data: canonical},
		Timestamp:    Epoch.UnixMilli(),
	}
	require.NoError(t, crypto.SignRequest(f.Signer(requester), &req))
	id, err := req.Hash()
	require.NoError(t, err)
	return f.entry(t, id, schemaID, 0, "", governanceID, govVersion, req, canonical)
}

func (f *Fixture) entry(t testing.TB, subjectID, schemaID string, seq uint64, prev, govID string, govVersion uint64, req contracts.EventRequest, state json.RawMessage) *contracts.LedgerEntry {
	stateHash, err := canonicalize.HashJSON(state)
	require.NoError(t, err)
	e := &contracts.LedgerEntry{
		Proposal: contracts.Proposal{
			SubjectID:         subjectID,
			SchemaID:          schemaID,
			Sequence:          seq,
			PrevHash:          prev,
			GovernanceID:      govID,
			GovernanceVersion: govVersion,
			Request:           req,
			StateHash:         stateHash,
		},
		State:           state,
		ApprovalProof:   []contracts.Vote{},
		ValidationProof: []contracts.Vote{},
	}
	e.Hash, err = e.Proposal.Hash()
	require.NoError(t, err)
	return e
}

// SignVote returns a vote by member id on the given proposal.
func (f *Fixture) SignVote(t testing.TB, id string, stage contracts.Stage, p *contracts.Proposal, accept bool) contracts.Vote {
	t.Helper()
	hash, err := p.Hash()
	require.NoError(t, err)
	v := contracts.Vote{
		Stage:       stage,
		SubjectID:   p.SubjectID,
		Sequence:    p.Sequence,
		ContentHash: hash,
		Accept:      accept,
	}
	require.NoError(t, crypto.SignVote(f.Signer(id), &v))
	return v
}
