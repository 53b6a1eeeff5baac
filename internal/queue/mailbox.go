package queue

import (
	"sync"
	"time"

	"github.com/ef-ds/deque"
)

type eventKind int

const (
	evEnqueue eventKind = iota
	evUpdate
	evPrune
	evBarrier
)

type event struct {
	kind   eventKind
	id     ID
	entry  *entry
	update Update
	at     time.Time
	done   chan struct{}
}

// mailbox is an unbounded FIFO of events with a capacity-1 wake-up
// channel. Pushes never block; the event loop drains it after each wake-up.
type mailbox struct {
	mu     sync.Mutex
	events deque.Deque
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// push appends ev, calling prepare under the mailbox lock first so that
// id assignment and append order agree. It returns false once closed.
func (m *mailbox) push(ev *event, prepare func(*event)) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if prepare != nil {
		prepare(ev)
	}
	m.events.PushBack(ev)
	m.mu.Unlock()

	m.wake()
	return true
}

func (m *mailbox) pop() (*event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.events.PopFront()
	if !ok {
		return nil, false
	}
	return v.(*event), true
}

// close rejects further pushes. Events already queued can still be popped.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
