// Package submit drives single user-triggered submissions through the
// transaction queue.
//
// A Controller is idle until Submit succeeds, sending until the queue
// settles that submission, then idle again. It never allows two
// submissions in flight and ignores callbacks that arrive after it was
// disposed.
package submit

import (
	"sync"

	"github.com/cmatc13/txqueue/internal/extrinsic"
	"github.com/cmatc13/txqueue/internal/queue"
	apperrors "github.com/cmatc13/txqueue/pkg/errors"
	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/metrics"
)

// Enqueuer is the part of the queue a controller uses.
type Enqueuer interface {
	Enqueue(req queue.Request) *queue.Ticket
}

// Resolver builds extrinsics from operation names.
type Resolver interface {
	Resolve(operation string, args []any) (*extrinsic.Extrinsic, error)
}

// Hooks are optional caller callbacks.
type Hooks struct {
	// OnClick runs after a successful enqueue. It does not affect the state.
	OnClick   func()
	OnUpdate  queue.Callback
	OnSuccess queue.Callback
	OnFailed  queue.Callback
}

// State is the controller state.
type State int

const (
	Idle State = iota
	Sending
)

func (s State) String() string {
	if s == Sending {
		return "sending"
	}
	return "idle"
}

// Controller manages the submission lifecycle of one trigger.
type Controller struct {
	queue    Enqueuer
	resolver Resolver
	hooks    Hooks
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	sending    bool
	disabled   bool
	disposed   bool
	generation uint64
	current    queue.ID
	ticket     *queue.Ticket
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController returns an idle controller.
func NewController(q Enqueuer, r Resolver, hooks Hooks, opts ...Option) *Controller {
	c := &Controller{
		queue:    q,
		resolver: r,
		hooks:    hooks,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit enqueues one transaction for signer. It returns once the queue has
// accepted it; the outcome arrives through the hooks. Every error is
// returned before anything is enqueued and leaves the controller unchanged.
func (c *Controller) Submit(signer string, src Source) (queue.ID, error) {
	t, err := c.SubmitTicket(signer, src)
	if err != nil {
		return 0, err
	}
	return t.ID(), nil
}

// SubmitTicket is Submit returning the ticket of the enqueued transaction.
func (c *Controller) SubmitTicket(signer string, src Source) (*queue.Ticket, error) {
	c.mu.Lock()
	t, err := c.submitLocked(signer, src)
	c.mu.Unlock()

	if err != nil {
		code := apperrors.CodeOf(err)
		c.logger.Debug("Submission rejected", "signer", signer, "operation", src.Operation(), "code", code)
		c.metrics.RecordSubmitRejection(code)
		return nil, err
	}

	if c.hooks.OnClick != nil {
		c.hooks.OnClick()
	}
	return t, nil
}

func (c *Controller) submitLocked(signer string, src Source) (*queue.Ticket, error) {
	switch {
	case c.disposed:
		return nil, apperrors.NewSubmissionError(apperrors.SubmissionErrDisposed, "controller is disposed", nil)
	case c.disabled:
		return nil, apperrors.NewSubmissionError(apperrors.SubmissionErrDisabled, "controller is disabled", nil)
	case signer == "":
		return nil, apperrors.NewSubmissionError(apperrors.SubmissionErrNoSigner, "no signer selected", nil)
	case c.sending:
		return nil, apperrors.WrapWithField(
			apperrors.NewSubmissionError(apperrors.SubmissionErrInFlight, "a submission is already in flight", nil),
			"tx_id", c.current)
	case src.empty():
		return nil, apperrors.NewSubmissionError(apperrors.SubmissionErrNoSource, "nothing to submit", nil)
	}

	x, err := c.resolve(src)
	if err != nil {
		return nil, err
	}

	c.sending = true
	c.generation++
	gen := c.generation

	// The queue never runs callbacks synchronously from Enqueue, so holding
	// c.mu here cannot deadlock with settle.
	ticket := c.queue.Enqueue(queue.Request{
		AccountID: signer,
		Extrinsic: x,
		OnUpdate:  c.forwardUpdate(gen),
		OnSuccess: c.settle(gen, true),
		OnFailed:  c.settle(gen, false),
	})
	c.current = ticket.ID()
	c.ticket = ticket

	c.logger.Debug("Submission enqueued", "signer", signer, "operation", src.Operation(), "tx_id", c.current)
	return ticket, nil
}

func (c *Controller) resolve(src Source) (*extrinsic.Extrinsic, error) {
	if src.prebuilt != nil {
		return src.prebuilt, nil
	}

	args := src.args
	if src.construct != nil {
		var err error
		if args, err = src.construct(); err != nil {
			return nil, apperrors.WrapWithField(
				apperrors.NewBuilderError(apperrors.SubmissionErrInvalidArguments, "constructing arguments", err),
				"operation", src.operation)
		}
	}

	x, err := c.resolver.Resolve(src.operation, args)
	if err != nil {
		if apperrors.CodeOf(err) == "" {
			err = apperrors.NewBuilderError(apperrors.SubmissionErrInvalidArguments, "resolving "+src.operation, err)
		}
		return nil, err
	}
	return x, nil
}

// isCurrent reports whether gen is still the live submission of a live controller.
func (c *Controller) isCurrent(gen uint64) bool {
	return !c.disposed && c.sending && gen == c.generation
}

func (c *Controller) forwardUpdate(gen uint64) queue.Callback {
	return func(o queue.Outcome) {
		c.mu.Lock()
		live := c.isCurrent(gen)
		c.mu.Unlock()
		if live && c.hooks.OnUpdate != nil {
			c.hooks.OnUpdate(o)
		}
	}
}

func (c *Controller) settle(gen uint64, success bool) queue.Callback {
	return func(o queue.Outcome) {
		c.mu.Lock()
		if !c.isCurrent(gen) {
			c.mu.Unlock()
			c.logger.Debug("Ignoring stale settlement",
				"tx_id", o.ID, "status", o.Status, "code", apperrors.QueueErrStaleCallback)
			c.metrics.RecordStaleCallback()
			return
		}
		c.sending = false
		c.mu.Unlock()

		hook := c.hooks.OnFailed
		if success {
			hook = c.hooks.OnSuccess
		}
		if hook != nil {
			hook(o)
		}
	}
}

// State returns Idle or Sending.
func (c *Controller) State() State {
	if c.IsSending() {
		return Sending
	}
	return Idle
}

// IsSending reports whether a submission is in flight.
func (c *Controller) IsSending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// CanSubmit reports whether Submit would pass the controller guards for
// signer. A trigger bound to the controller is enabled exactly when this is true.
func (c *Controller) CanSubmit(signer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disposed && !c.disabled && !c.sending && signer != ""
}

// Current returns the ticket of the latest submission, or nil.
func (c *Controller) Current() *queue.Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticket
}

// SetDisabled enables or disables the controller. It does not affect a
// submission already in flight.
func (c *Controller) SetDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = disabled
}

// Dispose detaches the controller. It advances the generation, so callbacks
// for its submissions are ignored from now on; the queue still settles them.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	c.sending = false
	c.generation++
}
