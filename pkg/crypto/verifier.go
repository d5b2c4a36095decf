package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// ErrBadSignature reports a well-formed signature that does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// Verifier checks a hex signature against a hex public key.
type Verifier interface {
	Verify(pubKeyHex, sigHex string, data []byte) (bool, error)
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct{}

func NewEd25519Verifier() Ed25519Verifier {
	return Ed25519Verifier{}
}

func (Ed25519Verifier) Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	return Verify(pubKeyHex, sigHex, data)
}

// Verify verifies a signature against a public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// VerifyRequest checks the requester signature of r. Failures wrap
// contracts.ErrInvalidRequest.
func VerifyRequest(v Verifier, r *contracts.EventRequest) error {
	if r.Signature == "" {
		return fmt.Errorf("%w: missing signature", contracts.ErrInvalidRequest)
	}
	hash, err := r.Hash()
	if err != nil {
		return err
	}
	ok, err := v.Verify(r.Requester, r.Signature, requestMessage(hash))
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidRequest, err)
	}
	if !ok {
		return fmt.Errorf("%w: %w", contracts.ErrInvalidRequest, ErrBadSignature)
	}
	return nil
}

// VerifyVote checks the voter signature of vote.
func VerifyVote(v Verifier, vote *contracts.Vote) error {
	if vote.Signature == "" {
		return fmt.Errorf("vote from %s: missing signature", vote.Voter)
	}
	msg, err := voteMessage(vote)
	if err != nil {
		return err
	}
	ok, err := v.Verify(vote.Voter, vote.Signature, msg)
	if err != nil {
		return fmt.Errorf("vote from %s: %w", vote.Voter, err)
	}
	if !ok {
		return fmt.Errorf("vote from %s: %w", vote.Voter, ErrBadSignature)
	}
	return nil
}
