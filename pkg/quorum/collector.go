package quorum

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
)

// Expectation identifies the proposal a collector accepts votes for.
type Expectation struct {
	Stage       contracts.Stage
	SubjectID   string
	Sequence    uint64
	ContentHash string
}

// Matches reports whether v is cast on the expected proposal.
func (e Expectation) Matches(v *contracts.Vote) bool {
	return v.Stage == e.Stage &&
		v.SubjectID == e.SubjectID &&
		v.Sequence == e.Sequence &&
		v.ContentHash == e.ContentHash
}

// Collector gathers votes for one stage of one run. Submit may be called from
// any goroutine; the verdict is decided exactly once and never changes.
type Collector struct {
	expect   Expectation
	verifier crypto.Verifier

	mu      sync.Mutex
	tally   *Tally
	outcome contracts.QuorumOutcome
	once    sync.Once
	done    chan struct{}
}

// NewCollector creates a collector for the given role. A role whose threshold
// is already met (empty role) or unreachable is decided immediately.
func NewCollector(expect Expectation, voters []string, formula Formula, verifier crypto.Verifier) *Collector {
	c := &Collector{
		expect:   expect,
		verifier: verifier,
		done:     make(chan struct{}),
	}
	c.tally = NewTally(voters, formula.Threshold(len(voters)))
	if v := c.tally.Verdict(); v != contracts.VerdictPending {
		c.finalize(v)
	}
	return c
}

// Submit offers a vote. It returns true when the vote was counted. Votes for
// another proposal, from voters outside the role, with a bad signature, or
// arriving after the verdict are discarded.
func (c *Collector) Submit(v contracts.Vote) bool {
	if !c.expect.Matches(&v) {
		return false
	}
	if err := crypto.VerifyVote(c.verifier, &v); err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decided() {
		return false
	}
	if !c.tally.Add(v) {
		return false
	}
	if verdict := c.tally.Verdict(); verdict != contracts.VerdictPending {
		c.finalize(verdict)
	}
	return true
}

// Wait blocks until a verdict is reached, ctx is done, or deadline passes. In
// the latter two cases the collector is finalized as timed out.
func (c *Collector) Wait(ctx context.Context, deadline time.Time) contracts.QuorumOutcome {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case <-c.done:
	case <-ctx.Done():
		c.mu.Lock()
		c.finalize(contracts.VerdictTimedOut)
		c.mu.Unlock()
	}
	return c.Outcome()
}

// Done is closed once the verdict is decided.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Outcome returns the current snapshot; after Done it is the final outcome.
func (c *Collector) Outcome() contracts.QuorumOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decided() {
		return c.outcome
	}
	return c.tally.Outcome(c.expect.Stage, contracts.VerdictPending)
}

// finalize must be called with mu held (or before the collector is shared).
func (c *Collector) finalize(v contracts.Verdict) {
	c.once.Do(func() {
		c.outcome = c.tally.Outcome(c.expect.Stage, v)
		close(c.done)
	})
}

func (c *Collector) decided() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
