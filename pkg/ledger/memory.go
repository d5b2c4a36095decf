package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

type arena struct {
	subject contracts.Subject
	entries []*contracts.LedgerEntry
}

// MemoryStore keeps every subject chain in memory behind one mutex.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[string]*arena
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subjects: make(map[string]*arena)}
}

func (m *MemoryStore) Append(_ context.Context, e *contracts.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := e.SubjectID()
	a, exists := m.subjects[id]
	if e.Sequence() == 0 {
		if exists {
			return fmt.Errorf("%w: subject %s already exists", ErrConflict, id)
		}
		s, err := contracts.NextSubject(nil, e)
		if err != nil {
			return err
		}
		m.subjects[id] = &arena{subject: s, entries: []*contracts.LedgerEntry{e.Clone()}}
		return nil
	}

	if !exists {
		return fmt.Errorf("%w: subject %s has no head", ErrConflict, id)
	}
	if a.subject.Sequence+1 != e.Sequence() {
		return fmt.Errorf("%w: head of %s is %d, entry is %d", ErrConflict, id, a.subject.Sequence, e.Sequence())
	}
	if a.subject.HeadHash != e.PrevHash() {
		return fmt.Errorf("%w: subject %s at %d", ErrInvalidChain, id, e.Sequence())
	}
	s, err := contracts.NextSubject(&a.subject, e)
	if err != nil {
		return err
	}
	a.subject = s
	a.entries = append(a.entries, e.Clone())
	return nil
}

func (m *MemoryStore) Head(_ context.Context, subjectID string) (Head, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.subjects[subjectID]
	if !ok {
		return Head{}, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	return Head{Sequence: a.subject.Sequence, Hash: a.subject.HeadHash}, nil
}

func (m *MemoryStore) Subject(_ context.Context, subjectID string) (*contracts.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.subjects[subjectID]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	return a.subject.Clone(), nil
}

func (m *MemoryStore) Entry(_ context.Context, subjectID string, seq uint64) (*contracts.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.subjects[subjectID]
	if !ok || seq >= uint64(len(a.entries)) {
		return nil, fmt.Errorf("entry %s/%d: %w", subjectID, seq, ErrNotFound)
	}
	return a.entries[seq].Clone(), nil
}

func (m *MemoryStore) Entries(_ context.Context, subjectID string, from, to uint64) ([]*contracts.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.subjects[subjectID]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	out := make([]*contracts.LedgerEntry, 0)
	for seq := from; seq <= to && seq < uint64(len(a.entries)); seq++ {
		out = append(out, a.entries[seq].Clone())
	}
	return out, nil
}

func (m *MemoryStore) Subjects(_ context.Context) ([]*contracts.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contracts.Subject, 0, len(m.subjects))
	for _, a := range m.subjects {
		out = append(out, a.subject.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryJournal is an in-memory RequestJournal.
type MemoryJournal struct {
	mu      sync.Mutex
	pending map[string]PendingRequest
	clock   func() time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{pending: make(map[string]PendingRequest), clock: time.Now}
}

// WithClock overrides clock for testing.
func (j *MemoryJournal) WithClock(clock func() time.Time) *MemoryJournal {
	j.clock = clock
	return j
}

func (j *MemoryJournal) Record(_ context.Context, requestID string, req *contracts.EventRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.pending[requestID]; ok {
		return nil
	}
	j.pending[requestID] = PendingRequest{RequestID: requestID, Request: *req, RecordedAt: j.clock()}
	return nil
}

func (j *MemoryJournal) Remove(_ context.Context, requestID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, requestID)
	return nil
}

func (j *MemoryJournal) Pending(_ context.Context) ([]PendingRequest, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]PendingRequest, 0, len(j.pending))
	for _, p := range j.pending {
		out = append(out, p)
	}
	sortPending(out)
	return out, nil
}

func sortPending(p []PendingRequest) {
	sort.Slice(p, func(i, k int) bool {
		if !p[i].RecordedAt.Equal(p[k].RecordedAt) {
			return p[i].RecordedAt.Before(p[k].RecordedAt)
		}
		return p[i].RequestID < p[k].RequestID
	})
}
