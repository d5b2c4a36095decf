// Package codec is the deterministic CBOR encoding used on the wire between
// nodes and for ledger entries at rest.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// ErrUnknownMessage is returned for an envelope whose type has no decoder.
var ErrUnknownMessage = errors.New("codec: unknown message type")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 64,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: dec mode: %v", err))
	}
}

// Marshal encodes v in core deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal decodes data into v, rejecting duplicate map keys.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal %T: %w", v, err)
	}
	return nil
}

// Seal wraps msg in an envelope from sender. msg must be a *VoteRequest,
// *Vote or *CommitBroadcast.
func Seal(sender string, msg any) (contracts.Envelope, error) {
	var t contracts.MessageType
	switch msg.(type) {
	case *contracts.VoteRequest:
		t = contracts.MsgVoteRequest
	case *contracts.Vote:
		t = contracts.MsgVote
	case *contracts.CommitBroadcast:
		t = contracts.MsgCommitBroadcast
	default:
		return contracts.Envelope{}, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	body, err := Marshal(msg)
	if err != nil {
		return contracts.Envelope{}, err
	}
	return contracts.Envelope{Type: t, Sender: sender, Body: body}, nil
}

// Open decodes the body of env into its typed message.
func Open(env contracts.Envelope) (any, error) {
	var msg any
	switch env.Type {
	case contracts.MsgVoteRequest:
		msg = new(contracts.VoteRequest)
	case contracts.MsgVote:
		msg = new(contracts.Vote)
	case contracts.MsgCommitBroadcast:
		msg = new(contracts.CommitBroadcast)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, env.Type)
	}
	if err := Unmarshal(env.Body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeEnvelope frames env for transport.
func EncodeEnvelope(env contracts.Envelope) ([]byte, error) {
	return Marshal(&env)
}

// DecodeEnvelope parses a transport frame.
func DecodeEnvelope(data []byte) (contracts.Envelope, error) {
	var env contracts.Envelope
	if err := Unmarshal(data, &env); err != nil {
		return contracts.Envelope{}, err
	}
	return env, nil
}
