//go:build property
// +build property

package quorum

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// replay feeds a vote script into a tally and checks the verdict after every
// vote. Each script element encodes a voter index and a decision.
func replay(n int, formula Formula, script []int, check func(t *Tally, remaining int) bool) bool {
	voters := make([]string, n)
	for i := range voters {
		voters[i] = fmt.Sprintf("voter-%02d", i)
	}
	tally := NewTally(voters, formula.Threshold(n))
	for _, step := range script {
		idx := step % n
		accept := (step/n)%2 == 0
		tally.Add(contracts.Vote{Voter: voters[idx], Accept: accept})
		accepted, rejected := tally.Counts()
		if !check(tally, n-accepted-rejected) {
			return false
		}
	}
	return true
}

func formulas(n int, frac float64, k int) []Formula {
	return []Formula{Fraction(frac), Count(k % (n + 1))}
}

func TestTallyNeverMetBelowThreshold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("met implies accepted >= threshold", prop.ForAll(
		func(n int, frac float64, k int, script []int) bool {
			for _, f := range formulas(n, frac, k) {
				ok := replay(n, f, script, func(t *Tally, _ int) bool {
					accepted, _ := t.Counts()
					return t.Verdict() != contracts.VerdictMet || accepted >= t.Threshold()
				})
				if !ok {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 9),
		gen.Float64Range(0.01, 1),
		gen.IntRange(0, 9),
		gen.SliceOf(gen.IntRange(0, 17)),
	))

	properties.TestingRun(t)
}

func TestTallyNeverFailedWhileReachable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("failed implies threshold unreachable", prop.ForAll(
		func(n int, frac float64, k int, script []int) bool {
			for _, f := range formulas(n, frac, k) {
				ok := replay(n, f, script, func(t *Tally, remaining int) bool {
					if t.Verdict() != contracts.VerdictFailed {
						return true
					}
					accepted, _ := t.Counts()
					return accepted+remaining < t.Threshold()
				})
				if !ok {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 9),
		gen.Float64Range(0.01, 1),
		gen.IntRange(0, 9),
		gen.SliceOf(gen.IntRange(0, 17)),
	))

	properties.TestingRun(t)
}
