package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cmatc13/txqueue/internal/extrinsic"
	"github.com/cmatc13/txqueue/internal/status"
)

// ID identifies a queued transaction. IDs are assigned in strictly
// increasing order starting at 1.
type ID uint64

// Request is what a caller hands to Enqueue.
type Request struct {
	// AccountID is the signer identity.
	AccountID string
	// Extrinsic is the payload to send. The queue never looks inside it.
	Extrinsic *extrinsic.Extrinsic

	OnUpdate  Callback
	OnSuccess Callback
	OnFailed  Callback
}

// Update is a status change reported by a transport.
type Update struct {
	Status string
	Result any
	Err    error
	// Nonce, when set, must match the nonce of the record's extrinsic or
	// the update is dropped. Transports whose status feed outlives the
	// process set it, since ids restart with every queue.
	Nonce string
}

// Outcome is delivered to every callback and stored in the ticket.
type Outcome struct {
	ID        ID
	AccountID string
	Status    status.Status
	Result    any
	Err       error
}

// Callback observes a transaction. Callbacks run on the queue's event loop
// and must not block.
type Callback func(Outcome)

// Record is a read-only view of a queued transaction.
type Record struct {
	ID         ID                   `json:"id"`
	AccountID  string               `json:"accountId"`
	Extrinsic  *extrinsic.Extrinsic `json:"extrinsic,omitempty"`
	Status     status.Status        `json:"status"`
	Error      string               `json:"error,omitempty"`
	Updates    int                  `json:"updates"`
	Settled    bool                 `json:"settled"`
	Success    bool                 `json:"success"`
	EnqueuedAt time.Time            `json:"enqueuedAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
	SettledAt  time.Time            `json:"settledAt,omitempty"`
}

// Sender hands a freshly enqueued transaction to the chain. A returned
// error fails the transaction.
type Sender interface {
	Send(ctx context.Context, id ID, accountID string, x *extrinsic.Extrinsic) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, id ID, accountID string, x *extrinsic.Extrinsic) error

func (f SenderFunc) Send(ctx context.Context, id ID, accountID string, x *extrinsic.Extrinsic) error {
	return f(ctx, id, accountID, x)
}

// Archiver receives every settled record.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// SettlePolicy decides which terminal status settles a transaction.
type SettlePolicy int

const (
	// SettleOnFinality treats in-block as provisional unless it carries an error.
	SettleOnFinality SettlePolicy = iota
	// SettleOnInclusion settles on in-block.
	SettleOnInclusion
)

func (p SettlePolicy) String() string {
	if p == SettleOnInclusion {
		return "inclusion"
	}
	return "finality"
}

// ParseSettlePolicy parses "finality" or "inclusion".
func ParseSettlePolicy(s string) (SettlePolicy, error) {
	switch s {
	case "", "finality":
		return SettleOnFinality, nil
	case "inclusion":
		return SettleOnInclusion, nil
	}
	return 0, fmt.Errorf("unknown settle policy %q", s)
}

// CompletedPolicy decides what happens to a record after it settles.
type CompletedPolicy int

const (
	// RetainCompleted keeps settled records for Config.RetainFor.
	RetainCompleted CompletedPolicy = iota
	// RemoveCompleted drops records as soon as they settle.
	RemoveCompleted
)

func (p CompletedPolicy) String() string {
	if p == RemoveCompleted {
		return "remove"
	}
	return "retain"
}

// ParseCompletedPolicy parses "retain" or "remove".
func ParseCompletedPolicy(s string) (CompletedPolicy, error) {
	switch s {
	case "", "retain":
		return RetainCompleted, nil
	case "remove":
		return RemoveCompleted, nil
	}
	return 0, fmt.Errorf("unknown completed policy %q", s)
}

// Config holds queue settings.
type Config struct {
	SettleOn  SettlePolicy
	Completed CompletedPolicy
	// RetainFor is how long settled records stay visible under
	// RetainCompleted. Zero keeps them until the queue stops.
	RetainFor time.Duration
	// DispatchWorkers bounds concurrent Send and Archive calls.
	DispatchWorkers int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		SettleOn:        SettleOnFinality,
		Completed:       RetainCompleted,
		RetainFor:       5 * time.Second,
		DispatchWorkers: 4,
	}
}
