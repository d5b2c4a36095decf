package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
)

// NewGenesis builds sequence 0 of a governance subject holding doc. The
// governance subject governs itself, so the resulting entry names its own id
// as governance. Genesis carries no quorum proofs: every node installs the
// same entry out of band.
func NewGenesis(signer crypto.Signer, doc json.RawMessage, namespace string, at time.Time) (*contracts.LedgerEntry, error) {
	if _, err := ParseDocument(doc); err != nil {
		return nil, err
	}
	state, err := canonicalize.Transform(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	req := contracts.EventRequest{
		Kind:      contracts.RequestCreate,
		SchemaID:  contracts.GovernanceSchemaID,
		Namespace: contracts.NormalizeNamespace(namespace),
		Payload:   contracts.Payload{Kind: contracts.PayloadJSON, Data: state},
		Timestamp: at.UnixMilli(),
	}
	if err := crypto.SignRequest(signer, &req); err != nil {
		return nil, err
	}
	id, err := req.Hash()
	if err != nil {
		return nil, err
	}
	stateHash, err := canonicalize.HashJSON(state)
	if err != nil {
		return nil, err
	}

	e := &contracts.LedgerEntry{
		Proposal: contracts.Proposal{
			SubjectID:    id,
			SchemaID:     contracts.GovernanceSchemaID,
			GovernanceID: id,
			Request:      req,
			StateHash:    stateHash,
		},
		State:           state,
		ApprovalProof:   []contracts.Vote{},
		ValidationProof: []contracts.Vote{},
	}
	if e.Hash, err = e.Proposal.Hash(); err != nil {
		return nil, err
	}
	return e, nil
}

// VerifyGenesis checks that e is a well-formed, signed governance genesis.
func VerifyGenesis(v crypto.Verifier, e *contracts.LedgerEntry) error {
	p := &e.Proposal
	if p.Sequence != 0 || p.PrevHash != "" {
		return fmt.Errorf("%w: genesis must be sequence 0 with no previous hash", ErrInvalidDocument)
	}
	if p.Request.Kind != contracts.RequestCreate || p.Request.SchemaID != contracts.GovernanceSchemaID ||
		p.SchemaID != contracts.GovernanceSchemaID {
		return fmt.Errorf("%w: genesis must create a governance subject", ErrInvalidDocument)
	}
	id, err := p.Request.Hash()
	if err != nil {
		return err
	}
	if p.SubjectID != id || p.GovernanceID != id {
		return fmt.Errorf("%w: genesis subject id does not match its request", ErrInvalidDocument)
	}
	if err := crypto.VerifyRequest(v, &p.Request); err != nil {
		return err
	}
	if err := e.VerifyIntegrity(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if _, err := ParseDocument(e.State); err != nil {
		return err
	}
	return nil
}

// Bootstrap installs a genesis entry into store. Installing the same genesis
// twice is a no-op; a different entry at the same id is an error.
func Bootstrap(ctx context.Context, store ledger.Store, v crypto.Verifier, e *contracts.LedgerEntry) (bool, error) {
	if err := VerifyGenesis(v, e); err != nil {
		return false, err
	}
	err := store.Append(ctx, e)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ledger.ErrConflict) {
		return false, err
	}
	existing, gerr := store.Entry(ctx, e.SubjectID(), 0)
	if gerr != nil {
		return false, gerr
	}
	if existing.Hash != e.Hash {
		return false, fmt.Errorf("governance %s already holds a different genesis", e.SubjectID())
	}
	return false, nil
}
