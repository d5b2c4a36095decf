package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/covenant/pkg/crypto"
)

// runKeygen writes a new node key. With --master the key is derived from the
// hex master secret and --label, so an operator can rebuild it.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		out    string
		master string
		label  string
		force  bool
	)
	cmd.StringVar(&out, "out", "covenant-node.key", "Path of the key file to write")
	cmd.StringVar(&master, "master", "", "Hex master secret to derive the key from")
	cmd.StringVar(&label, "label", "", "Derivation label (required with --master)")
	cmd.BoolVar(&force, "force", false, "Overwrite an existing key file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if _, err := os.Stat(out); err == nil && !force {
		_, _ = fmt.Fprintf(stderr, "Error: %s exists (use --force to overwrite)\n", out)
		return 2
	}

	var (
		signer *crypto.Ed25519Signer
		err    error
	)
	if master != "" {
		if label == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --label is required with --master")
			return 2
		}
		secret, derr := hex.DecodeString(master)
		if derr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --master is not hex: %v\n", derr)
			return 2
		}
		signer, err = crypto.DeriveEd25519Signer(secret, label)
	} else {
		signer, err = crypto.NewEd25519Signer()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := crypto.SaveSigner(out, signer); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, signer.PublicKey())
	return 0
}
