package quorum

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
)

// ErrInsufficientProof is returned when a proof does not meet its threshold.
var ErrInsufficientProof = errors.New("insufficient quorum proof")

// VerifyProof checks that votes prove a met quorum for expect: every vote is
// an accepting, correctly signed vote on the expected proposal from a distinct
// role member, and there are at least threshold of them.
func VerifyProof(votes []contracts.Vote, expect Expectation, voters []string, formula Formula, verifier crypto.Verifier) error {
	t := NewTally(voters, formula.Threshold(len(voters)))
	seen := make(map[string]struct{}, len(votes))
	for i := range votes {
		v := &votes[i]
		if !expect.Matches(v) {
			return fmt.Errorf("%w: vote %d from %s is for another proposal", ErrInsufficientProof, i, v.Voter)
		}
		if !v.Accept {
			return fmt.Errorf("%w: vote %d from %s rejects", ErrInsufficientProof, i, v.Voter)
		}
		if _, dup := seen[v.Voter]; dup {
			return fmt.Errorf("%w: duplicate voter %s", ErrInsufficientProof, v.Voter)
		}
		seen[v.Voter] = struct{}{}
		if !t.Add(*v) {
			return fmt.Errorf("%w: %s is not a %s member", ErrInsufficientProof, v.Voter, expect.Stage)
		}
		if err := crypto.VerifyVote(verifier, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInsufficientProof, err)
		}
	}
	if accepted, _ := t.Counts(); accepted < t.Threshold() {
		return fmt.Errorf("%w: %d of %d required %s votes", ErrInsufficientProof, accepted, t.Threshold(), expect.Stage)
	}
	return nil
}
