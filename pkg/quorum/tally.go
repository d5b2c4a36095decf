// Package quorum counts signed votes against governance-defined thresholds.
package quorum

import (
	"sort"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// Tally is the deterministic vote count of one stage. It holds at most one
// vote per voter; a later vote from the same voter replaces the earlier one.
// Tally is not safe for concurrent use.
type Tally struct {
	voters    []string
	eligible  map[string]struct{}
	threshold int
	votes     map[string]contracts.Vote
}

// NewTally creates a tally over the distinct voters with the given threshold.
func NewTally(voters []string, threshold int) *Tally {
	t := &Tally{
		eligible:  make(map[string]struct{}, len(voters)),
		threshold: threshold,
		votes:     make(map[string]contracts.Vote, len(voters)),
	}
	for _, v := range voters {
		if _, dup := t.eligible[v]; dup {
			continue
		}
		t.eligible[v] = struct{}{}
		t.voters = append(t.voters, v)
	}
	sort.Strings(t.voters)
	return t
}

// Eligible reports whether key may vote in this tally.
func (t *Tally) Eligible(key string) bool {
	_, ok := t.eligible[key]
	return ok
}

// Add records v. It returns false for voters outside the role.
func (t *Tally) Add(v contracts.Vote) bool {
	if !t.Eligible(v.Voter) {
		return false
	}
	t.votes[v.Voter] = v
	return true
}

// Counts returns the accepting and rejecting vote counts.
func (t *Tally) Counts() (accepted, rejected int) {
	for _, v := range t.votes {
		if v.Accept {
			accepted++
		} else {
			rejected++
		}
	}
	return accepted, rejected
}

// Size is the number of eligible voters.
func (t *Tally) Size() int { return len(t.voters) }

// Threshold is the number of accepting votes required.
func (t *Tally) Threshold() int { return t.threshold }

// Verdict is met once accepted >= threshold, failed once the threshold is no
// longer reachable (rejected > n - threshold), and pending otherwise.
func (t *Tally) Verdict() contracts.Verdict {
	accepted, rejected := t.Counts()
	switch {
	case accepted >= t.threshold:
		return contracts.VerdictMet
	case rejected > len(t.voters)-t.threshold:
		return contracts.VerdictFailed
	default:
		return contracts.VerdictPending
	}
}

// Outcome snapshots the tally under the given verdict. Votes are ordered by
// voter key; voters without a vote are listed as timed out.
func (t *Tally) Outcome(stage contracts.Stage, verdict contracts.Verdict) contracts.QuorumOutcome {
	o := contracts.QuorumOutcome{
		Stage:     stage,
		Threshold: t.threshold,
		Accepted:  []contracts.Vote{},
		Rejected:  []contracts.Vote{},
		Verdict:   verdict,
	}
	for _, key := range t.voters {
		v, ok := t.votes[key]
		switch {
		case !ok:
			o.TimedOut = append(o.TimedOut, key)
		case v.Accept:
			o.Accepted = append(o.Accepted, v)
		default:
			o.Rejected = append(o.Rejected, v)
		}
	}
	return o
}
