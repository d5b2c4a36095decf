package ledger

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
)

// VerifyChain checks the integrity of a subject's entire chain: contiguous
// sequences from 0, previous-hash linkage, entry hashes, state hashes, and a
// snapshot that matches the last entry.
func VerifyChain(ctx context.Context, r Reader, subjectID string) error {
	subject, err := r.Subject(ctx, subjectID)
	if err != nil {
		return err
	}
	entries, err := r.Entries(ctx, subjectID, 0, subject.Sequence)
	if err != nil {
		return err
	}
	if uint64(len(entries)) != subject.Sequence+1 {
		return fmt.Errorf("subject %s: %d entries for head %d", subjectID, len(entries), subject.Sequence)
	}

	prevHash := ""
	for i, e := range entries {
		if e.Sequence() != uint64(i) {
			return fmt.Errorf("chain broken at %d: entry carries sequence %d", i, e.Sequence())
		}
		if e.SubjectID() != subjectID {
			return fmt.Errorf("chain broken at %d: entry belongs to %s", i, e.SubjectID())
		}
		if e.PrevHash() != prevHash {
			return fmt.Errorf("chain broken at %d: expected prev %s, got %s", i, prevHash, e.PrevHash())
		}
		if err := e.VerifyIntegrity(); err != nil {
			return err
		}
		prevHash = e.Hash
	}

	if prevHash != subject.HeadHash {
		return fmt.Errorf("subject %s: head hash %s does not match last entry %s", subjectID, subject.HeadHash, prevHash)
	}
	stateHash, err := canonicalize.HashJSON(subject.State)
	if err != nil {
		return fmt.Errorf("subject %s: hash state: %w", subjectID, err)
	}
	if last := entries[len(entries)-1]; stateHash != last.Proposal.StateHash {
		return fmt.Errorf("subject %s: snapshot state does not match head entry", subjectID)
	}
	return nil
}
