package contracts

import (
	"encoding/json"
	"fmt"
)

// GovernanceSchemaID is the schema id of governance subjects. A governance
// subject governs itself: its GovernanceID is its own id.
const GovernanceSchemaID = "governance"

// Subject is the snapshot of a governed state machine at its head.
type Subject struct {
	ID                string          `json:"subject_id"`
	GovernanceID      string          `json:"governance_id"`
	SchemaID          string          `json:"schema_id"`
	Namespace         string          `json:"namespace"`
	Owner             string          `json:"owner"`
	Sequence          uint64          `json:"sequence"`
	HeadHash          string          `json:"head_hash"`
	GovernanceVersion uint64          `json:"governance_version"`
	State             json.RawMessage `json:"state"`
}

// IsGovernance reports whether s holds a governance document.
func (s *Subject) IsGovernance() bool {
	return s.SchemaID == GovernanceSchemaID
}

// NextSubject derives the snapshot produced by committing e on top of prev.
// prev must be nil exactly when e is a create entry.
func NextSubject(prev *Subject, e *LedgerEntry) (Subject, error) {
	p := &e.Proposal
	if p.Sequence == 0 {
		if prev != nil {
			return Subject{}, fmt.Errorf("subject %s already exists", p.SubjectID)
		}
		req := &p.Request
		s := Subject{
			ID:                p.SubjectID,
			GovernanceID:      p.GovernanceID,
			SchemaID:          req.SchemaID,
			Namespace:         req.Namespace,
			Owner:             req.Requester,
			Sequence:          0,
			HeadHash:          e.Hash,
			GovernanceVersion: p.GovernanceVersion,
			State:             cloneRaw(e.State),
		}
		return s, nil
	}
	if prev == nil {
		return Subject{}, fmt.Errorf("subject %s has no head", p.SubjectID)
	}
	s := *prev
	s.Sequence = p.Sequence
	s.HeadHash = e.Hash
	s.GovernanceVersion = p.GovernanceVersion
	s.State = cloneRaw(e.State)
	return s, nil
}

// Clone returns a deep copy of s.
func (s *Subject) Clone() *Subject {
	c := *s
	c.State = cloneRaw(s.State)
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
