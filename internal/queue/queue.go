// Package queue implements the process-wide transaction queue.
//
// A single event-loop goroutine owns every record. Enqueue, UpdateStatus and
// the internal prune timers only post events; the loop applies them in order
// and runs the observer callbacks, so callbacks for one transaction never run
// concurrently and never run after its settlement.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/atomic"

	"github.com/cmatc13/txqueue/internal/status"
	apperrors "github.com/cmatc13/txqueue/pkg/errors"
	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/metrics"
	"github.com/cmatc13/txqueue/pkg/service"
)

// ServiceName is the name the queue registers under.
const ServiceName = "tx-queue"

type entry struct {
	req     Request
	rec     Record
	ticket  *Ticket
	settled bool
}

type snapshot struct {
	records []Record
	index   map[ID]int
}

// Queue is the transaction queue. Create it with New.
type Queue struct {
	cfg        Config
	logger     *logging.Logger
	metrics    *metrics.Metrics
	classifier *status.Classifier
	archiver   Archiver

	senderMu sync.RWMutex
	sender   Sender

	box    *mailbox
	nextID atomic.Uint64
	snap   atomic.Pointer[snapshot]
	state  atomic.String

	pool   pond.Pool
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	loopDone  chan struct{}

	// owned by the event loop
	entries map[ID]*entry
	order   []ID
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the metrics collector and exposes the dispatch pool through it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithSender sets the transport that enqueued transactions are handed to.
func WithSender(s Sender) Option {
	return func(q *Queue) { q.sender = s }
}

// WithArchiver sets the sink for settled records.
func WithArchiver(a Archiver) Option {
	return func(q *Queue) { q.archiver = a }
}

// New creates a queue. It does not process events until Start is called.
func New(cfg Config, opts ...Option) *Queue {
	if cfg.DispatchWorkers < 1 {
		cfg.DispatchWorkers = 1
	}
	q := &Queue{
		cfg:      cfg,
		logger:   logging.Discard(),
		box:      newMailbox(),
		loopDone: make(chan struct{}),
		entries:  make(map[ID]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.WithField("component", ServiceName)
	q.classifier = status.NewClassifier(q.logger, q.metrics)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.pool = pond.NewPool(cfg.DispatchWorkers)
	q.metrics.RegisterPoolMetrics("dispatch", q.pool)
	q.snap.Store(&snapshot{index: map[ID]int{}})
	q.state.Store(string(service.StatusStopped))
	return q
}

// SetSender replaces the sender. Transports that need the queue to report
// statuses are built after it and attach themselves here.
func (q *Queue) SetSender(s Sender) {
	q.senderMu.Lock()
	defer q.senderMu.Unlock()
	q.sender = s
}

func (q *Queue) currentSender() Sender {
	q.senderMu.RLock()
	defer q.senderMu.RUnlock()
	return q.sender
}

// Enqueue adds a transaction and returns immediately. It never fails: a
// request without account or payload, or one made after Stop, is failed
// asynchronously through OnFailed and the ticket.
func (q *Queue) Enqueue(req Request) *Ticket {
	e := &entry{req: req}
	ev := &event{kind: evEnqueue, entry: e, at: time.Now()}

	ok := q.box.push(ev, func(ev *event) {
		id := ID(q.nextID.Inc())
		e.ticket = newTicket(id)
		e.rec = Record{
			ID:         id,
			AccountID:  req.AccountID,
			Extrinsic:  req.Extrinsic,
			Status:     status.Queued,
			EnqueuedAt: ev.at,
			UpdatedAt:  ev.at,
		}
	})
	if ok {
		q.metrics.RecordEnqueued()
		return e.ticket
	}

	// The loop is gone; settle on a goroutine of our own so the caller
	// still observes the failure asynchronously.
	id := ID(q.nextID.Inc())
	e.ticket = newTicket(id)
	out := Outcome{
		ID:        id,
		AccountID: req.AccountID,
		Status:    status.Error,
		Err:       apperrors.NewQueueError(apperrors.QueueErrStopped, "queue is stopped", nil),
	}
	go func() {
		q.invoke("onFailed", req.OnFailed, out)
		e.ticket.resolve(out)
	}()
	return e.ticket
}

// UpdateStatus posts a status change for id. It returns QUEUE_STOPPED once
// the queue has stopped; unknown or settled ids are dropped by the loop.
func (q *Queue) UpdateStatus(id ID, u Update) error {
	if !q.box.push(&event{kind: evUpdate, id: id, update: u, at: time.Now()}, nil) {
		return apperrors.QueueErrorf(apperrors.QueueErrStopped, "status %q for transaction %d after stop", u.Status, id)
	}
	return nil
}

// Sync waits until every event posted before the call has been processed.
func (q *Queue) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !q.box.push(&event{kind: evBarrier, done: done}, nil) {
		return apperrors.NewQueueError(apperrors.QueueErrStopped, "queue is stopped", nil)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the records currently held, in id order.
func (q *Queue) Snapshot() []Record {
	s := q.snap.Load()
	return append([]Record(nil), s.records...)
}

// Get returns the record for id if the queue still holds it.
func (q *Queue) Get(id ID) (Record, bool) {
	s := q.snap.Load()
	i, ok := s.index[id]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// Len returns the number of records held, settled and retained ones included.
func (q *Queue) Len() int {
	return len(q.snap.Load().records)
}

func (q *Queue) run() {
	defer close(q.loopDone)
	for range q.box.notify {
		q.drain()
		if q.box.isClosed() {
			// Pushes are rejected from here on; one more pass picks up
			// whatever raced with close.
			q.drain()
			return
		}
	}
}

func (q *Queue) drain() {
	n := 0
	for {
		ev, ok := q.box.pop()
		if !ok {
			break
		}
		n++
		switch ev.kind {
		case evEnqueue:
			q.handleEnqueue(ev.entry)
		case evUpdate:
			q.handleUpdate(ev.id, ev.update, ev.at)
		case evPrune:
			q.remove(ev.id)
		case evBarrier:
			// Everything queued before the barrier is applied; publish
			// first so the waiter sees it.
			q.publish()
			close(ev.done)
		}
	}
	if n > 0 {
		q.publish()
	}
}

func (q *Queue) handleEnqueue(e *entry) {
	id := e.rec.ID
	q.entries[id] = e
	q.order = append(q.order, id)

	logger := q.logger.WithField("tx_id", id)
	logger.Debug("Transaction enqueued", "account", e.rec.AccountID)

	var reason string
	switch {
	case e.req.AccountID == "":
		reason = "missing account id"
	case e.req.Extrinsic == nil:
		reason = "missing extrinsic"
	}
	if reason != "" {
		err := apperrors.NewQueueError(apperrors.QueueErrInvalidRequest, reason, nil)
		q.handleUpdate(id, Update{Status: string(status.Error), Err: err}, time.Now())
		return
	}

	sender := q.currentSender()
	if sender == nil {
		return
	}
	req := e.req
	err := q.pool.Go(func() {
		err := sender.Send(q.ctx, id, req.AccountID, req.Extrinsic)
		if err == nil {
			return
		}
		logger.Warn("Failed to send transaction", "error", err)
		if !apperrors.IsTransportError(err, apperrors.TransportErrFailure) {
			err = apperrors.TransportWrap(err, apperrors.OpSend, "sending transaction")
		}
		// After Stop the mailbox is closed and the update is dropped.
		_ = q.UpdateStatus(id, Update{Status: string(status.Error), Err: err})
	})
	if err != nil {
		// Stop gave up on the loop and stopped the pool under it.
		logger.Error("Failed to dispatch transaction", "error", err)
		q.handleUpdate(id, Update{
			Status: string(status.Error),
			Err:    apperrors.NewQueueError(apperrors.QueueErrStopped, "dispatch pool is stopped", err),
		}, time.Now())
	}
}

func (q *Queue) handleUpdate(id ID, u Update, at time.Time) {
	e, ok := q.entries[id]
	if !ok {
		q.logger.Debug("Dropping status for unknown transaction", "tx_id", id, "status", u.Status)
		q.metrics.RecordDroppedUpdate("unknown")
		return
	}
	if e.settled {
		q.logger.Debug("Dropping status for settled transaction", "tx_id", id, "status", u.Status)
		q.metrics.RecordDroppedUpdate("settled")
		return
	}
	if u.Nonce != "" && (e.req.Extrinsic == nil || u.Nonce != e.req.Extrinsic.Nonce) {
		q.logger.Debug("Dropping status for another extrinsic", "tx_id", id, "status", u.Status, "nonce", u.Nonce)
		q.metrics.RecordDroppedUpdate("nonce")
		return
	}

	st, class := q.classifier.Classify(u.Status)
	e.rec.Status = st
	e.rec.UpdatedAt = at
	e.rec.Updates++
	if u.Err != nil {
		e.rec.Error = u.Err.Error()
	}
	q.metrics.RecordStatusUpdate(string(st))

	out := Outcome{ID: id, AccountID: e.rec.AccountID, Status: st, Result: u.Result, Err: u.Err}
	q.invoke("onUpdate", e.req.OnUpdate, out)

	if class != status.Terminal {
		return
	}
	if st == status.InBlock && u.Err == nil && q.cfg.SettleOn == SettleOnFinality {
		return
	}
	q.settle(e, u.Err == nil && status.IsSuccess(st), out, at)
}

func (q *Queue) settle(e *entry, success bool, out Outcome, at time.Time) {
	e.settled = true
	e.rec.Settled = true
	e.rec.Success = success
	e.rec.SettledAt = at

	if success {
		q.invoke("onSuccess", e.req.OnSuccess, out)
	} else {
		q.invoke("onFailed", e.req.OnFailed, out)
	}
	e.ticket.resolve(out)

	q.metrics.RecordSettled(success, string(out.Status), at.Sub(e.rec.EnqueuedAt))
	q.logger.Debug("Transaction settled", "tx_id", out.ID, "status", out.Status, "success", success)

	if q.archiver != nil {
		rec := e.rec
		err := q.pool.Go(func() {
			if err := q.archiver.Archive(q.ctx, rec); err != nil {
				q.logger.Error("Failed to archive transaction", "tx_id", rec.ID, "error", err)
				q.metrics.RecordArchiveError()
			}
		})
		if err != nil {
			q.logger.Error("Failed to archive transaction", "tx_id", rec.ID, "error", err)
			q.metrics.RecordArchiveError()
		}
	}

	switch {
	case q.cfg.Completed == RemoveCompleted:
		q.remove(out.ID)
	case q.cfg.RetainFor > 0:
		id := out.ID
		time.AfterFunc(q.cfg.RetainFor, func() {
			q.box.push(&event{kind: evPrune, id: id}, nil)
		})
	}
}

func (q *Queue) remove(id ID) {
	if _, ok := q.entries[id]; !ok {
		return
	}
	delete(q.entries, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) publish() {
	s := &snapshot{
		records: make([]Record, 0, len(q.order)),
		index:   make(map[ID]int, len(q.order)),
	}
	for _, id := range q.order {
		s.index[id] = len(s.records)
		s.records = append(s.records, q.entries[id].rec)
	}
	q.snap.Store(s)
	q.metrics.RecordQueueDepth(len(s.records))
}

func (q *Queue) invoke(name string, cb Callback, out Outcome) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Transaction callback panicked", "callback", name, "tx_id", out.ID, "panic", r)
			q.metrics.RecordCallbackPanic(name)
		}
	}()
	cb(out)
}
