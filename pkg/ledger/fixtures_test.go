package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

var ownerKey = strings.Repeat("ab", 32)

// buildChain returns entries 0..n-1 of a counter subject whose state at
// sequence i is {"n": i}.
func buildChain(t *testing.T, namespace string, n int) []*contracts.LedgerEntry {
	t.Helper()
	create := contracts.EventRequest{
		Kind:         contracts.RequestCreate,
		GovernanceID: "gov-1",
		SchemaID:     "counter",
		Namespace:    namespace,
		Payload:      contracts.Payload{Kind: contracts.PayloadJSON, Data: json.RawMessage(`{"n":0}`)},
		Requester:    ownerKey,
		Timestamp:    1700000000000,
		Signature:    "00",
	}
	id, err := create.Hash()
	require.NoError(t, err)

	entries := make([]*contracts.LedgerEntry, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		req := create
		if i > 0 {
			req = contracts.EventRequest{
				Kind:      contracts.RequestState,
				SubjectID: id,
				Sequence:  uint64(i),
				Payload:   contracts.Payload{Kind: contracts.PayloadJSON, Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))},
				Requester: ownerKey,
				Timestamp: 1700000000000 + int64(i),
				Signature: "00",
			}
		}
		e := makeEntry(t, id, uint64(i), prev, req, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		entries = append(entries, e)
		prev = e.Hash
	}
	return entries
}

func makeEntry(t *testing.T, subjectID string, seq uint64, prev string, req contracts.EventRequest, state json.RawMessage) *contracts.LedgerEntry {
	t.Helper()
	stateHash, err := canonicalize.HashJSON(state)
	require.NoError(t, err)
	p := contracts.Proposal{
		SubjectID:    subjectID,
		Sequence:     seq,
		PrevHash:     prev,
		GovernanceID: "gov-1",
		Request:      req,
		StateHash:    stateHash,
	}
	hash, err := p.Hash()
	require.NoError(t, err)
	return &contracts.LedgerEntry{
		Proposal:        p,
		State:           state,
		ApprovalProof:   []contracts.Vote{},
		ValidationProof: []contracts.Vote{},
		Hash:            hash,
	}
}
