package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadSigner reads a hex encoded Ed25519 seed from path.
func LoadSigner(path string) (*Ed25519Signer, error) {
	keyHex, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
	if err != nil {
		return nil, fmt.Errorf("invalid key file format: %w", err)
	}
	return NewEd25519SignerFromSeed(seed)
}

// SaveSigner writes the seed of s to path with owner-only permissions and the
// public key next to it as path + ".pub".
func SaveSigner(path string, s *Ed25519Signer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(s.Seed())), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(s.PublicKey()), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadOrGenerateSigner loads the key at path, creating one when the file does
// not exist and generate is true.
func LoadOrGenerateSigner(path string, generate bool) (*Ed25519Signer, bool, error) {
	s, err := LoadSigner(path)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !generate {
		return nil, false, err
	}
	s, err = NewEd25519Signer()
	if err != nil {
		return nil, false, err
	}
	if err := SaveSigner(path, s); err != nil {
		return nil, false, err
	}
	return s, true, nil
}
