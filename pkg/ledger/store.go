// Package ledger persists per-subject append-only chains of committed events
// and the subject snapshots they produce.
//
// Every subject chain starts at sequence 0 and has no gaps. Entry N links to
// entry N-1 through its previous hash. The head of a subject moves only
// through Append, which is the single point of mutual exclusion between
// concurrent commits.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

var (
	// ErrNotFound is returned when a subject or entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when the head moved: the head sequence is not
	// entry.Sequence-1, or the subject already exists for sequence 0.
	ErrConflict = errors.New("ledger head conflict")
	// ErrInvalidChain is returned when entry.PrevHash is not the head hash.
	ErrInvalidChain = errors.New("previous hash does not match head")
)

// Head is the position of the last committed entry of a subject.
type Head struct {
	Sequence uint64
	Hash     string
}

// Reader is the read side of a store.
type Reader interface {
	Head(ctx context.Context, subjectID string) (Head, error)
	Subject(ctx context.Context, subjectID string) (*contracts.Subject, error)
	Entry(ctx context.Context, subjectID string, seq uint64) (*contracts.LedgerEntry, error)
	// Entries returns entries from..to inclusive, clipped to the head.
	Entries(ctx context.Context, subjectID string, from, to uint64) ([]*contracts.LedgerEntry, error)
	Subjects(ctx context.Context) ([]*contracts.Subject, error)
}

// Store is a ledger store. Append commits the entry and the subject snapshot
// it produces atomically, or nothing.
type Store interface {
	Reader
	Append(ctx context.Context, entry *contracts.LedgerEntry) error
}

// PendingRequest is an accepted request that has not reached a terminal state.
type PendingRequest struct {
	RequestID  string
	Request    contracts.EventRequest
	RecordedAt time.Time
}

// RequestJournal persists accepted requests until their run terminates so they
// can be resubmitted after a restart.
type RequestJournal interface {
	Record(ctx context.Context, requestID string, req *contracts.EventRequest) error
	Remove(ctx context.Context, requestID string) error
	Pending(ctx context.Context) ([]PendingRequest, error)
}
