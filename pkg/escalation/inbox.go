// Package escalation holds approval requests that wait for a human decision.
//
// An Inbox item is created when a peer asks this node to approve a proposal
// and the node is configured for manual approval. The item stays pending
// until an operator approves or denies it, or until it expires. Expired and
// abandoned items produce no vote.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

var (
	ErrNotFound   = errors.New("approval not found")
	ErrNotPending = errors.New("approval is not pending")
	ErrExpired    = errors.New("approval expired")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
)

// Item is one approval decision awaiting an operator.
type Item struct {
	ID          string             `json:"id"`
	SubjectID   string             `json:"subject_id"`
	Sequence    uint64             `json:"sequence"`
	ContentHash string             `json:"content_hash"`
	Proposal    contracts.Proposal `json:"proposal"`
	Status      Status             `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	DecidedBy   string             `json:"decided_by,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	DecidedAt   time.Time          `json:"decided_at,omitempty"`
	ReceiptHash string             `json:"receipt_hash,omitempty"`
}

type entry struct {
	item Item
	done chan struct{}
}

// Inbox tracks approval items keyed by id and by proposal hash.
type Inbox struct {
	mu     sync.Mutex
	items  map[string]*entry
	byHash map[string]string
	ttl    time.Duration
	clock  func() time.Time
}

// NewInbox creates an inbox whose items expire after ttl.
func NewInbox(ttl time.Duration) *Inbox {
	return &Inbox{
		items:  make(map[string]*entry),
		byHash: make(map[string]string),
		ttl:    ttl,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (in *Inbox) WithClock(clock func() time.Time) *Inbox {
	in.clock = clock
	return in
}

// Submit registers an approval request for p, or returns the existing item
// for the same proposal hash.
func (in *Inbox) Submit(_ context.Context, p *contracts.Proposal, contentHash string) Item {
	in.mu.Lock()
	defer in.mu.Unlock()

	if id, ok := in.byHash[contentHash]; ok {
		return in.items[id].item
	}
	now := in.clock()
	e := &entry{
		item: Item{
			ID:          uuid.New().String(),
			SubjectID:   p.SubjectID,
			Sequence:    p.Sequence,
			ContentHash: contentHash,
			Proposal:    *p,
			Status:      StatusPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(in.ttl),
		},
		done: make(chan struct{}),
	}
	in.items[e.item.ID] = e
	in.byHash[contentHash] = e.item.ID
	return e.item
}

// Await blocks until the item is decided, expires, or ctx ends. It reports
// whether the item was approved.
func (in *Inbox) Await(ctx context.Context, id string) (bool, error) {
	in.mu.Lock()
	e, ok := in.items[id]
	in.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	timer := time.NewTimer(e.item.ExpiresAt.Sub(in.clock()))
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
		in.expire(id)
	case <-ctx.Done():
		return false, ctx.Err()
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	switch e.item.Status {
	case StatusApproved:
		return true, nil
	case StatusDenied:
		return false, nil
	default:
		return false, ErrExpired
	}
}

// Approve records an operator approval.
func (in *Inbox) Approve(_ context.Context, id, approver string) (Item, error) {
	return in.decide(id, StatusApproved, approver, "")
}

// Deny records an operator denial.
func (in *Inbox) Deny(_ context.Context, id, denier, reason string) (Item, error) {
	return in.decide(id, StatusDenied, denier, reason)
}

func (in *Inbox) decide(id string, status Status, by, reason string) (Item, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	e, ok := in.items[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.item.Status != StatusPending {
		return Item{}, fmt.Errorf("%w: %s is %s", ErrNotPending, id, e.item.Status)
	}
	now := in.clock()
	if now.After(e.item.ExpiresAt) {
		in.resolve(e, StatusTimedOut, "", "", now)
		return e.item, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	in.resolve(e, status, by, reason, now)
	return e.item, nil
}

// resolve must be called with in.mu held.
func (in *Inbox) resolve(e *entry, status Status, by, reason string, at time.Time) {
	e.item.Status = status
	e.item.DecidedBy = by
	e.item.Reason = reason
	e.item.DecidedAt = at
	hash, err := canonicalize.CanonicalHash(struct {
		ID          string `json:"id"`
		ContentHash string `json:"content_hash"`
		Status      Status `json:"status"`
		DecidedBy   string `json:"decided_by"`
	}{e.item.ID, e.item.ContentHash, status, by})
	if err == nil {
		e.item.ReceiptHash = hash
	}
	delete(in.byHash, e.item.ContentHash)
	close(e.done)
}

func (in *Inbox) expire(id string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if e, ok := in.items[id]; ok && e.item.Status == StatusPending {
		in.resolve(e, StatusTimedOut, "", "", in.clock())
	}
}

// CheckTimeouts expires every pending item past its deadline and returns them.
func (in *Inbox) CheckTimeouts(_ context.Context) []Item {
	in.mu.Lock()
	defer in.mu.Unlock()

	now := in.clock()
	var expired []Item
	for _, e := range in.items {
		if e.item.Status == StatusPending && now.After(e.item.ExpiresAt) {
			in.resolve(e, StatusTimedOut, "", "", now)
			expired = append(expired, e.item)
		}
	}
	return expired
}

// Get returns the item with id.
func (in *Inbox) Get(id string) (Item, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.items[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.item, nil
}

// Pending lists pending items, oldest first.
func (in *Inbox) Pending() []Item {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Item, 0)
	for _, e := range in.items {
		if e.item.Status == StatusPending {
			out = append(out, e.item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Prune drops decided items resolved before cutoff.
func (in *Inbox) Prune(cutoff time.Time) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for id, e := range in.items {
		if e.item.Status != StatusPending && e.item.DecidedAt.Before(cutoff) {
			delete(in.items, id)
			n++
		}
	}
	return n
}
