package submit

import (
	"sort"
	"sync"

	"github.com/cmatc13/txqueue/internal/queue"
)

type boardEntry struct {
	c *Controller
	// refs counts the Submit calls using c.
	refs int
}

// Board holds one controller per signer, so that each signer has at most
// one submission in flight. It is what the HTTP surface submits through.
//
// A signer's controller lives only while a submission of it is in flight;
// rejected submissions and settled ones leave nothing behind.
type Board struct {
	queue    Enqueuer
	resolver Resolver
	hooks    func(signer string) Hooks
	opts     []Option

	mu      sync.Mutex
	entries map[string]*boardEntry
}

// NewBoard returns an empty board. hooks, when set, supplies the hooks of
// each controller as it is created.
func NewBoard(q Enqueuer, r Resolver, hooks func(signer string) Hooks, opts ...Option) *Board {
	return &Board{
		queue:    q,
		resolver: r,
		hooks:    hooks,
		opts:     opts,
		entries:  make(map[string]*boardEntry),
	}
}

// Controller returns the controller of signer while it has a submission in
// flight, or nil.
func (b *Board) Controller(signer string) *Controller {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[signer]; ok {
		return e.c
	}
	return nil
}

// Submit submits src through the controller of signer.
func (b *Board) Submit(signer string, src Source) (queue.ID, error) {
	t, err := b.SubmitTicket(signer, src)
	if err != nil {
		return 0, err
	}
	return t.ID(), nil
}

// SubmitTicket is Submit returning the ticket of the enqueued transaction.
func (b *Board) SubmitTicket(signer string, src Source) (*queue.Ticket, error) {
	e := b.acquire(signer)
	t, err := e.c.SubmitTicket(signer, src)
	b.release(signer, e, true)
	return t, err
}

func (b *Board) acquire(signer string) *boardEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[signer]
	if !ok {
		e = b.newEntry(signer)
		b.entries[signer] = e
	}
	e.refs++
	return e
}

// release drops a use of e when ref is set, then forgets e once nothing
// uses it and its controller is idle.
func (b *Board) release(signer string, e *boardEntry, ref bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ref {
		e.refs--
	}
	if e.refs == 0 && !e.c.IsSending() && b.entries[signer] == e {
		delete(b.entries, signer)
	}
}

func (b *Board) newEntry(signer string) *boardEntry {
	var hooks Hooks
	if b.hooks != nil {
		hooks = b.hooks(signer)
	}

	e := &boardEntry{}
	onSuccess, onFailed := hooks.OnSuccess, hooks.OnFailed
	hooks.OnSuccess = func(o queue.Outcome) {
		if onSuccess != nil {
			onSuccess(o)
		}
		b.release(signer, e, false)
	}
	hooks.OnFailed = func(o queue.Outcome) {
		if onFailed != nil {
			onFailed(o)
		}
		b.release(signer, e, false)
	}
	e.c = NewController(b.queue, b.resolver, hooks, b.opts...)
	return e
}

// Len returns the number of controllers the board holds.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Sending lists the signers with a submission in flight.
func (b *Board) Sending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for signer, e := range b.entries {
		if e.c.IsSending() {
			out = append(out, signer)
		}
	}
	sort.Strings(out)
	return out
}

// Dispose disposes every controller. Later submissions get fresh ones.
func (b *Board) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for signer, e := range b.entries {
		e.c.Dispose()
		delete(b.entries, signer)
	}
}
