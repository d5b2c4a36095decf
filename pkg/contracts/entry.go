package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
)

// Proposal is the content approvers and validators sign. Its hash is the
// hash of the ledger entry that commits it.
type Proposal struct {
	SubjectID         string       `json:"subject_id" cbor:"1,keyasint"`
	SchemaID          string       `json:"schema_id" cbor:"8,keyasint"`
	Sequence          uint64       `json:"sequence" cbor:"2,keyasint"`
	PrevHash          string       `json:"prev_hash" cbor:"3,keyasint"`
	GovernanceID      string       `json:"governance_id" cbor:"4,keyasint"`
	GovernanceVersion uint64       `json:"governance_version" cbor:"5,keyasint"`
	Request           EventRequest `json:"request" cbor:"6,keyasint"`
	StateHash         string       `json:"state_hash" cbor:"7,keyasint"`
}

// Hash returns the content hash of p.
func (p *Proposal) Hash() (string, error) {
	h, err := canonicalize.CanonicalHash(p)
	if err != nil {
		return "", fmt.Errorf("hash proposal: %w", err)
	}
	return h, nil
}

// LedgerEntry is a committed event with the quorum proofs that admitted it.
type LedgerEntry struct {
	Proposal        Proposal        `json:"proposal" cbor:"1,keyasint"`
	State           json.RawMessage `json:"state" cbor:"2,keyasint"`
	ApprovalProof   []Vote          `json:"approval_proof" cbor:"3,keyasint"`
	ValidationProof []Vote          `json:"validation_proof" cbor:"4,keyasint"`
	Hash            string          `json:"hash" cbor:"5,keyasint"`
}

func (e *LedgerEntry) SubjectID() string { return e.Proposal.SubjectID }
func (e *LedgerEntry) Sequence() uint64  { return e.Proposal.Sequence }
func (e *LedgerEntry) PrevHash() string  { return e.Proposal.PrevHash }

// VerifyIntegrity checks that Hash is the proposal hash and that State matches
// the proposal's state hash.
func (e *LedgerEntry) VerifyIntegrity() error {
	h, err := e.Proposal.Hash()
	if err != nil {
		return err
	}
	if h != e.Hash {
		return fmt.Errorf("entry %s/%d: hash mismatch: stored %s, computed %s",
			e.SubjectID(), e.Sequence(), e.Hash, h)
	}
	sh, err := canonicalize.HashJSON(e.State)
	if err != nil {
		return fmt.Errorf("entry %s/%d: hash state: %w", e.SubjectID(), e.Sequence(), err)
	}
	if sh != e.Proposal.StateHash {
		return fmt.Errorf("entry %s/%d: state hash mismatch", e.SubjectID(), e.Sequence())
	}
	return nil
}

// Clone returns a deep copy of e.
func (e *LedgerEntry) Clone() *LedgerEntry {
	c := *e
	c.Proposal.Request.Payload.Data = cloneRaw(e.Proposal.Request.Payload.Data)
	c.State = cloneRaw(e.State)
	c.ApprovalProof = cloneVotes(e.ApprovalProof)
	c.ValidationProof = cloneVotes(e.ValidationProof)
	return &c
}

func cloneVotes(v []Vote) []Vote {
	if v == nil {
		return nil
	}
	out := make([]Vote, len(v))
	copy(out, v)
	return out
}
