package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
)

// runGenesis signs the first entry of a governance subject from a document
// written in YAML or JSON. Every node is started with the same output file.
func runGenesis(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("genesis", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		docPath   string
		keyPath   string
		out       string
		namespace string
	)
	cmd.StringVar(&docPath, "doc", "", "Governance document, YAML or JSON (REQUIRED)")
	cmd.StringVar(&keyPath, "key", "covenant-node.key", "Key of the governance owner")
	cmd.StringVar(&out, "out", "genesis.json", "Where to write the genesis entry")
	cmd.StringVar(&namespace, "namespace", "", "Namespace of the governance subject")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if docPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --doc is required")
		return 2
	}

	doc, err := readDocument(docPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	signer, err := crypto.LoadSigner(keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	entry, err := governance.NewGenesis(signer, doc, namespace, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, err := json.Marshal(entry)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "governance %s written to %s\n", entry.SubjectID(), out)
	return 0
}

// readDocument loads a governance document and returns it as validated JSON.
func readDocument(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	raw := json.RawMessage(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if raw, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("convert %s to JSON: %w", path, err)
		}
	}
	if _, err := governance.ParseDocument(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// readGenesis loads a genesis entry written by the genesis command.
func readGenesis(path string) (*contracts.LedgerEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var e contracts.LedgerEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse genesis %s: %w", path, err)
	}
	return &e, nil
}
