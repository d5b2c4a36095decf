package contracts

import "encoding/json"

// MessageType tags the body of an Envelope.
type MessageType uint8

const (
	MsgVoteRequest     MessageType = 1
	MsgVote            MessageType = 2
	MsgCommitBroadcast MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MsgVoteRequest:
		return "vote_request"
	case MsgVote:
		return "vote"
	case MsgCommitBroadcast:
		return "commit_broadcast"
	default:
		return "unknown"
	}
}

// Envelope frames every inter-node message. Sender is the sending node's
// public key and is where votes are returned.
type Envelope struct {
	Type   MessageType `cbor:"1,keyasint"`
	Sender string      `cbor:"2,keyasint"`
	Body   []byte      `cbor:"3,keyasint"`
}

// VoteRequest asks a role member to vote on a proposal.
type VoteRequest struct {
	Stage         Stage           `cbor:"1,keyasint"`
	SubjectID     string          `cbor:"2,keyasint"`
	Sequence      uint64          `cbor:"3,keyasint"`
	ContentHash   string          `cbor:"4,keyasint"`
	Proposal      Proposal        `cbor:"5,keyasint"`
	State         json.RawMessage `cbor:"6,keyasint"`
	ApprovalProof []Vote          `cbor:"7,keyasint,omitempty"`
}

// CommitBroadcast announces a committed entry to governance participants.
type CommitBroadcast struct {
	Entry LedgerEntry `cbor:"1,keyasint"`
}
