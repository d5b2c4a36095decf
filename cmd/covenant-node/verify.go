package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/covenant/pkg/ledger"
)

type chainReport struct {
	SubjectID string `json:"subject_id"`
	SchemaID  string `json:"schema_id"`
	Sequence  uint64 `json:"sequence"`
	Verified  bool   `json:"verified"`
	Reason    string `json:"reason,omitempty"`
}

// runVerify checks every subject chain in a ledger.
//
// Exit codes:
//
//	0 = every chain verified
//	1 = at least one chain is broken
//	2 = runtime error
func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		driver     string
		dsn        string
		jsonOutput bool
	)
	cmd.StringVar(&driver, "driver", "sqlite", "Storage driver: sqlite or postgres")
	cmd.StringVar(&dsn, "dsn", "covenant.db", "SQLite path or Postgres URL")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if driver == "memory" {
		_, _ = fmt.Fprintln(stderr, "Error: a memory ledger cannot be verified offline")
		return 2
	}

	ctx := context.Background()
	st, err := openStorage(ctx, driver, dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = st.close() }()

	reports, err := verifyAll(ctx, st.store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ok := true
	for _, r := range reports {
		ok = ok && r.Verified
	}
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"verified": ok, "subjects": reports})
	} else {
		for _, r := range reports {
			status := "OK  "
			if !r.Verified {
				status = "FAIL"
			}
			_, _ = fmt.Fprintf(stdout, "%s %s %-12s head=%d %s\n", status, r.SubjectID, r.SchemaID, r.Sequence, r.Reason)
		}
		_, _ = fmt.Fprintf(stdout, "%d subjects checked\n", len(reports))
	}
	if !ok {
		return 1
	}
	return 0
}

func verifyAll(ctx context.Context, r ledger.Reader) ([]chainReport, error) {
	subjects, err := r.Subjects(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]chainReport, 0, len(subjects))
	for _, s := range subjects {
		rep := chainReport{SubjectID: s.ID, SchemaID: s.SchemaID, Sequence: s.Sequence, Verified: true}
		if err := ledger.VerifyChain(ctx, r, s.ID); err != nil {
			rep.Verified = false
			rep.Reason = err.Error()
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
