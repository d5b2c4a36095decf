// Package crypto provides the Ed25519 signing identity of a node and the
// signature scheme for event requests and votes.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// Signer produces hex encoded signatures under a single identity.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh random identity.
func NewEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewEd25519SignerFromKey(priv), nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
	}
}

// NewEd25519SignerFromSeed rebuilds an identity from its 32 byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed)), nil
}

// DeriveEd25519Signer derives a deterministic identity from master key
// material using HKDF-SHA256 with label as the info parameter.
func DeriveEd25519Signer(master []byte, label string) (*Ed25519Signer, error) {
	if label == "" {
		return nil, fmt.Errorf("derivation label must not be empty")
	}
	r := hkdf.New(sha256.New, master, []byte("covenant-node-kdf"), []byte(label))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromSeed(seed)
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// Seed returns the private seed for persistence.
func (s *Ed25519Signer) Seed() []byte {
	return s.privKey.Seed()
}

// SignRequest stamps r with the signer as requester and signs it.
func SignRequest(s Signer, r *contracts.EventRequest) error {
	r.Requester = s.PublicKey()
	hash, err := r.Hash()
	if err != nil {
		return err
	}
	sig, err := s.Sign(requestMessage(hash))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	r.Signature = sig
	return nil
}

// SignVote stamps v with the signer as voter and signs its content.
func SignVote(s Signer, v *contracts.Vote) error {
	v.Voter = s.PublicKey()
	msg, err := voteMessage(v)
	if err != nil {
		return err
	}
	sig, err := s.Sign(msg)
	if err != nil {
		return fmt.Errorf("sign vote: %w", err)
	}
	v.Signature = sig
	return nil
}
