package queue

import (
	"context"
	"sync"
)

// Ticket resolves exactly once, when its transaction settles.
type Ticket struct {
	id      ID
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func newTicket(id ID) *Ticket {
	return &Ticket{id: id, done: make(chan struct{})}
}

// ID returns the transaction id.
func (t *Ticket) ID() ID { return t.id }

// Done is closed when the transaction settles.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Outcome returns the settlement outcome and whether the ticket resolved.
func (t *Ticket) Outcome() (Outcome, bool) {
	select {
	case <-t.done:
		return t.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the transaction settles or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// resolve reports whether this call resolved the ticket.
func (t *Ticket) resolve(out Outcome) bool {
	resolved := false
	t.once.Do(func() {
		t.outcome = out
		close(t.done)
		resolved = true
	})
	return resolved
}

// NewTicket returns a ticket for id that only this package can resolve.
// Test doubles of the queue hand these out.
func NewTicket(id ID) *Ticket {
	return newTicket(id)
}
