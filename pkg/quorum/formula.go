package quorum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// FormulaKind selects how a threshold is derived from the role size.
type FormulaKind string

const (
	FormulaFraction FormulaKind = "fraction"
	FormulaCount    FormulaKind = "count"
)

// Formula is a governance-defined quorum rule.
//
// In JSON it is either {"kind":"fraction","value":0.5},
// {"kind":"count","value":2}, or a bare number read as a fraction.
type Formula struct {
	Kind  FormulaKind `json:"kind"`
	Value float64     `json:"value"`
}

// Fraction returns a formula requiring ceil(f*n) of n voters.
func Fraction(f float64) Formula { return Formula{Kind: FormulaFraction, Value: f} }

// Count returns a formula requiring k voters.
func Count(k int) Formula { return Formula{Kind: FormulaCount, Value: float64(k)} }

// Threshold is the number of accepting votes required out of n voters.
// An empty role yields 0.
func (f Formula) Threshold(n int) int {
	if n <= 0 {
		return 0
	}
	switch f.Kind {
	case FormulaCount:
		return int(f.Value)
	default:
		// Tolerance absorbs float error such as 0.7*10 = 7.000000000000001.
		t := int(math.Ceil(f.Value*float64(n) - 1e-9))
		if t < 1 {
			t = 1
		}
		return t
	}
}

// Validate checks f against a role of n voters.
func (f Formula) Validate(n int) error {
	switch f.Kind {
	case FormulaFraction:
		if f.Value <= 0 || f.Value > 1 {
			return fmt.Errorf("fraction %v out of range (0, 1]", f.Value)
		}
	case FormulaCount:
		if f.Value < 0 || f.Value != math.Trunc(f.Value) {
			return fmt.Errorf("count %v is not a non-negative integer", f.Value)
		}
		if int(f.Value) > n {
			return fmt.Errorf("count %v exceeds role size %d", f.Value, n)
		}
	default:
		return fmt.Errorf("unknown formula kind %q", f.Kind)
	}
	return nil
}

func (f Formula) String() string {
	if f.Kind == FormulaCount {
		return fmt.Sprintf("count(%d)", int(f.Value))
	}
	return fmt.Sprintf("fraction(%g)", f.Value)
}

func (f *Formula) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '{' {
		var v float64
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("quorum formula: %w", err)
		}
		*f = Fraction(v)
		return nil
	}
	type plain Formula
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("quorum formula: %w", err)
	}
	*f = Formula(p)
	return nil
}
