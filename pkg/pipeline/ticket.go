package pipeline

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

type run struct {
	id        string
	subjectID string
	req       contracts.EventRequest
	accepted  time.Time

	// guarded by Pipeline.mu
	state   contracts.RunState
	started bool

	done    chan struct{}
	outcome contracts.Outcome // written once before done is closed
}

func newRun(id, subjectID string, req contracts.EventRequest) *run {
	return &run{
		id:        id,
		subjectID: subjectID,
		req:       req,
		accepted:  time.Now(),
		state:     contracts.StateReceived,
		done:      make(chan struct{}),
	}
}

func (r *run) ticket() *Ticket {
	return &Ticket{
		RequestID: r.id,
		SubjectID: r.subjectID,
		Sequence:  r.req.Sequence,
		run:       r,
	}
}

// Ticket identifies an accepted request and yields its terminal outcome.
type Ticket struct {
	RequestID string
	SubjectID string
	Sequence  uint64

	run *run
}

// Done is closed when the run reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} { return t.run.done }

// Wait blocks until the run is terminal or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (contracts.Outcome, error) {
	select {
	case <-t.run.done:
		return t.run.outcome, nil
	case <-ctx.Done():
		return contracts.Outcome{}, ctx.Err()
	}
}

// history keeps the most recent terminal outcomes, oldest evicted first.
type history struct {
	limit int
	order []string
	items map[string]contracts.Outcome
}

func newHistory(limit int) *history {
	return &history{limit: limit, items: make(map[string]contracts.Outcome, limit)}
}

func (h *history) add(o contracts.Outcome) {
	if _, ok := h.items[o.RequestID]; !ok {
		h.order = append(h.order, o.RequestID)
	}
	h.items[o.RequestID] = o
	for len(h.order) > h.limit {
		delete(h.items, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) get(id string) (contracts.Outcome, bool) {
	o, ok := h.items[id]
	return o, ok
}
