package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
)

// Resolved is a governance document together with the governance subject and
// sequence it was read from.
type Resolved struct {
	GovernanceID string
	Version      uint64
	Document     *Document
}

type docKey struct {
	id      string
	version uint64
}

// Resolver answers which governance document is in force for a subject at a
// sequence number. It reads committed entries only.
type Resolver struct {
	store  ledger.Reader
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[docKey]*Document
}

func NewResolver(store ledger.Reader) *Resolver {
	return &Resolver{
		store:  store,
		logger: slog.Default().With("component", "governance-resolver"),
		cache:  make(map[docKey]*Document),
	}
}

// Resolve returns the document governing subjectID at sequence at. For a
// committed sequence this is the version recorded in that entry; for head+1
// it is the current head of the subject's governance. A governance subject
// at sequence N is governed by its own document at N-1.
func (r *Resolver) Resolve(ctx context.Context, subjectID string, at uint64) (*Resolved, error) {
	subj, err := r.store.Subject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownSubject, subjectID)
		}
		return nil, err
	}
	if at > subj.Sequence+1 {
		return nil, fmt.Errorf("%w: sequence %d is beyond head %d of %s",
			contracts.ErrSequenceConflict, at, subj.Sequence, subjectID)
	}

	if subj.IsGovernance() {
		version := uint64(0)
		if at > 0 {
			version = at - 1
		}
		return r.At(ctx, subj.ID, version)
	}

	if at == subj.Sequence+1 {
		return r.Head(ctx, subj.GovernanceID)
	}
	e, err := r.store.Entry(ctx, subjectID, at)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s has no entry %d", contracts.ErrUnknownSubject, subjectID, at)
		}
		return nil, err
	}
	return r.At(ctx, e.Proposal.GovernanceID, e.Proposal.GovernanceVersion)
}

// ResolveForCreate returns the head document of governanceID, which governs
// the creation of new subjects under it.
func (r *Resolver) ResolveForCreate(ctx context.Context, governanceID string) (*Resolved, error) {
	return r.Head(ctx, governanceID)
}

// Head returns the latest committed document of governanceID.
func (r *Resolver) Head(ctx context.Context, governanceID string) (*Resolved, error) {
	h, err := r.store.Head(ctx, governanceID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownGovernance, governanceID)
		}
		return nil, err
	}
	return r.At(ctx, governanceID, h.Sequence)
}

// At returns the document committed at version of governanceID.
func (r *Resolver) At(ctx context.Context, governanceID string, version uint64) (*Resolved, error) {
	key := docKey{id: governanceID, version: version}
	r.mu.RLock()
	doc, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return &Resolved{GovernanceID: governanceID, Version: version, Document: doc}, nil
	}

	e, err := r.store.Entry(ctx, governanceID, version)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s version %d", contracts.ErrUnknownGovernance, governanceID, version)
		}
		return nil, err
	}
	if e.Proposal.GovernanceID != governanceID {
		return nil, fmt.Errorf("%w: %s is not a governance subject", contracts.ErrUnknownGovernance, governanceID)
	}
	doc, err = ParseDocument(e.State)
	if err != nil {
		// Committed documents were validated before commit.
		r.logger.ErrorContext(ctx, "committed governance document does not parse",
			"governance", governanceID, "version", version, "error", err)
		return nil, fmt.Errorf("%w: %s version %d: %v", contracts.ErrUnknownGovernance, governanceID, version, err)
	}

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		doc = cached
	} else {
		r.cache[key] = doc
	}
	r.mu.Unlock()
	return &Resolved{GovernanceID: governanceID, Version: version, Document: doc}, nil
}
