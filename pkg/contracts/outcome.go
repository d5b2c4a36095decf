package contracts

// RunState is the lifecycle state of one pipeline run.
type RunState string

const (
	StateReceived   RunState = "received"
	StateEvaluating RunState = "evaluating"
	StateApproving  RunState = "approving"
	StateValidating RunState = "validating"
	StateCommitting RunState = "committing"
	StateCommitted  RunState = "committed"
	StateRejected   RunState = "rejected"
	StateAbandoned  RunState = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	switch s {
	case StateCommitted, StateRejected, StateAbandoned:
		return true
	default:
		return false
	}
}

// Outcome is the observable state of a run. Once State is terminal the outcome
// never changes.
type Outcome struct {
	RequestID string       `json:"request_id"`
	SubjectID string       `json:"subject_id"`
	Sequence  uint64       `json:"sequence"`
	State     RunState     `json:"state"`
	Reason    Reason       `json:"reason,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Entry     *LedgerEntry `json:"entry,omitempty"`
	Dissent   []Vote       `json:"dissent,omitempty"`
}

// Err returns the sentinel for a rejected or abandoned outcome.
func (o *Outcome) Err() error {
	return o.Reason.Err()
}
