package contracts

// Stage is a voting phase of the pipeline.
type Stage string

const (
	StageApproval   Stage = "approval"
	StageValidation Stage = "validation"
)

// Vote is a signed accept or reject of one proposal content hash.
type Vote struct {
	Voter       string `json:"voter" cbor:"1,keyasint"`
	Stage       Stage  `json:"stage" cbor:"2,keyasint"`
	SubjectID   string `json:"subject_id" cbor:"3,keyasint"`
	Sequence    uint64 `json:"sequence" cbor:"4,keyasint"`
	ContentHash string `json:"content_hash" cbor:"5,keyasint"`
	Accept      bool   `json:"accept" cbor:"6,keyasint"`
	Signature   string `json:"signature" cbor:"7,keyasint"`
}

// VoteContent is the part of a vote covered by its signature.
type VoteContent struct {
	Stage       Stage  `json:"stage"`
	SubjectID   string `json:"subject_id"`
	Sequence    uint64 `json:"sequence"`
	ContentHash string `json:"content_hash"`
	Accept      bool   `json:"accept"`
}

// Content returns the signed content of v.
func (v *Vote) Content() VoteContent {
	return VoteContent{
		Stage:       v.Stage,
		SubjectID:   v.SubjectID,
		Sequence:    v.Sequence,
		ContentHash: v.ContentHash,
		Accept:      v.Accept,
	}
}

// Verdict is the result of a quorum stage.
type Verdict string

const (
	VerdictPending  Verdict = "pending"
	VerdictMet      Verdict = "met"
	VerdictFailed   Verdict = "failed"
	VerdictTimedOut Verdict = "timed_out"
)

// QuorumOutcome is the immutable result of one collector.
type QuorumOutcome struct {
	Stage     Stage    `json:"stage"`
	Threshold int      `json:"threshold"`
	Accepted  []Vote   `json:"accepted"`
	Rejected  []Vote   `json:"rejected"`
	TimedOut  []string `json:"timed_out,omitempty"`
	Verdict   Verdict  `json:"verdict"`
}
