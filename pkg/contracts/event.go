// Package contracts defines the data model shared by the pipeline, the
// ledger store and the wire protocol: subjects, event requests, votes,
// proposals, ledger entries and inter-node messages.
package contracts

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
)

// RequestKind distinguishes subject creation from state transitions.
type RequestKind string

const (
	RequestCreate RequestKind = "create"
	RequestState  RequestKind = "state"
)

// PayloadKind selects how a payload produces the next subject state.
type PayloadKind string

const (
	// PayloadJSON replaces the whole state.
	PayloadJSON PayloadKind = "json"
	// PayloadJSONPatch is an RFC 6902 patch applied to the current state.
	PayloadJSONPatch PayloadKind = "json_patch"
)

// Payload is the requested change.
type Payload struct {
	Kind PayloadKind     `json:"kind" cbor:"1,keyasint"`
	Data json.RawMessage `json:"data" cbor:"2,keyasint"`
}

// EventRequest is a signed proposal to change a subject.
type EventRequest struct {
	Kind         RequestKind `json:"kind" cbor:"1,keyasint"`
	SubjectID    string      `json:"subject_id,omitempty" cbor:"2,keyasint,omitempty"`
	GovernanceID string      `json:"governance_id,omitempty" cbor:"3,keyasint,omitempty"`
	SchemaID     string      `json:"schema_id,omitempty" cbor:"4,keyasint,omitempty"`
	Namespace    string      `json:"namespace,omitempty" cbor:"5,keyasint,omitempty"`
	Sequence     uint64      `json:"sequence" cbor:"6,keyasint"`
	Payload      Payload     `json:"payload" cbor:"7,keyasint"`
	Requester    string      `json:"requester" cbor:"8,keyasint"`
	Timestamp    int64       `json:"timestamp" cbor:"9,keyasint"` // unix milliseconds
	Signature    string      `json:"signature,omitempty" cbor:"10,keyasint,omitempty"`
}

// SigningContent is the request as covered by its signature: everything but
// the signature, and for create requests everything but the derived subject id.
func (r *EventRequest) SigningContent() EventRequest {
	c := *r
	c.Signature = ""
	if c.Kind == RequestCreate {
		c.SubjectID = ""
	}
	return c
}

// Hash returns the canonical hash of the signing content. It doubles as the
// request id and, for create requests, as the new subject id.
func (r *EventRequest) Hash() (string, error) {
	content := r.SigningContent()
	h, err := canonicalize.CanonicalHash(&content)
	if err != nil {
		return "", fmt.Errorf("%w: hash request: %v", ErrInvalidRequest, err)
	}
	return h, nil
}

// TargetSubject returns the subject the request applies to, deriving the id of
// a subject to be created.
func (r *EventRequest) TargetSubject() (string, error) {
	if r.Kind == RequestCreate {
		return r.Hash()
	}
	return r.SubjectID, nil
}

// Validate performs the field-level checks that need no ledger access.
func (r *EventRequest) Validate() error {
	switch r.Kind {
	case RequestCreate:
		if r.GovernanceID == "" || r.SchemaID == "" {
			return fmt.Errorf("%w: create requires governance_id and schema_id", ErrInvalidRequest)
		}
		if r.Sequence != 0 {
			return fmt.Errorf("%w: create must target sequence 0", ErrInvalidRequest)
		}
		if r.Payload.Kind != PayloadJSON {
			return fmt.Errorf("%w: create requires a json payload", ErrInvalidRequest)
		}
	case RequestState:
		if r.SubjectID == "" {
			return fmt.Errorf("%w: subject_id is required", ErrInvalidRequest)
		}
		if r.Sequence == 0 {
			return fmt.Errorf("%w: sequence 0 is reserved for create", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown request kind %q", ErrInvalidRequest, r.Kind)
	}

	switch r.Payload.Kind {
	case PayloadJSON, PayloadJSONPatch:
	default:
		return fmt.Errorf("%w: unknown payload kind %q", ErrInvalidRequest, r.Payload.Kind)
	}
	if !json.Valid(r.Payload.Data) {
		return fmt.Errorf("%w: payload data is not valid JSON", ErrInvalidRequest)
	}
	if !norm.NFC.IsNormalString(r.Namespace) {
		return fmt.Errorf("%w: namespace must be NFC normalized", ErrInvalidRequest)
	}
	if err := ValidateKey(r.Requester); err != nil {
		return fmt.Errorf("%w: requester: %v", ErrInvalidRequest, err)
	}
	if r.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidRequest)
	}
	return nil
}

// ValidateKey checks that key is a hex encoded Ed25519 public key.
func ValidateKey(key string) error {
	b, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("key is not hex: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("key has %d bytes, want 32", len(b))
	}
	return nil
}

// NormalizeNamespace returns the NFC form used for namespaces and member ids.
func NormalizeNamespace(s string) string {
	return norm.NFC.String(s)
}
