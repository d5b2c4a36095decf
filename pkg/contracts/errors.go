package contracts

import "errors"

// Pipeline error kinds. Structural kinds are returned synchronously from
// submission; the rest surface as terminal outcomes of a run.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrEvaluationFailed  = errors.New("evaluation failed")
	ErrApprovalDenied    = errors.New("approval denied")
	ErrValidationDenied  = errors.New("validation denied")
	ErrApprovalTimeout   = errors.New("approval timeout")
	ErrValidationTimeout = errors.New("validation timeout")
	ErrSequenceConflict  = errors.New("sequence conflict")
	ErrUnknownSubject    = errors.New("unknown subject")
	ErrUnknownGovernance = errors.New("unknown governance")
)

// Reason is the stable, machine-readable name of an error kind.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInvalidRequest    Reason = "invalid_request"
	ReasonEvaluationFailed  Reason = "evaluation_failed"
	ReasonApprovalDenied    Reason = "approval_denied"
	ReasonValidationDenied  Reason = "validation_denied"
	ReasonApprovalTimeout   Reason = "approval_timeout"
	ReasonValidationTimeout Reason = "validation_timeout"
	ReasonSequenceConflict  Reason = "sequence_conflict"
	ReasonUnknownSubject    Reason = "unknown_subject"
	ReasonUnknownGovernance Reason = "unknown_governance"
	ReasonInternal          Reason = "internal"
)

var reasonErrors = []struct {
	reason Reason
	err    error
}{
	{ReasonInvalidRequest, ErrInvalidRequest},
	{ReasonEvaluationFailed, ErrEvaluationFailed},
	{ReasonApprovalDenied, ErrApprovalDenied},
	{ReasonValidationDenied, ErrValidationDenied},
	{ReasonApprovalTimeout, ErrApprovalTimeout},
	{ReasonValidationTimeout, ErrValidationTimeout},
	{ReasonSequenceConflict, ErrSequenceConflict},
	{ReasonUnknownSubject, ErrUnknownSubject},
	{ReasonUnknownGovernance, ErrUnknownGovernance},
}

// ReasonOf maps err to its Reason. Errors outside the pipeline taxonomy map to
// ReasonInternal; nil maps to ReasonNone.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	for _, re := range reasonErrors {
		if errors.Is(err, re.err) {
			return re.reason
		}
	}
	return ReasonInternal
}

// Err returns the sentinel error for r, or nil for ReasonNone and unknown reasons.
func (r Reason) Err() error {
	for _, re := range reasonErrors {
		if re.reason == r {
			return re.err
		}
	}
	return nil
}
