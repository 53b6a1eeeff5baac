package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/cmatc13/txqueue/internal/extrinsic"
	"github.com/cmatc13/txqueue/internal/queue"
	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/service"
)

// LoopbackServiceName is the registry name of the loopback transport.
const LoopbackServiceName = "loopback-transport"

// Step is one status the loopback chain reports.
type Step struct {
	Status string
	// Err, when set, is reported as the error of the update.
	Err string
}

// DefaultScript is the life of a healthy transaction.
var DefaultScript = []Step{
	{Status: "ready"},
	{Status: "broadcast"},
	{Status: "in-block"},
	{Status: "finalized"},
}

// Scripter picks the steps reported for a submission. Returning nil selects
// DefaultScript.
type Scripter func(id queue.ID, accountID string, x *extrinsic.Extrinsic) []Step

// Inclusion is the result attached to in-block and finalized updates.
type Inclusion struct {
	Block     uint64 `json:"block"`
	BlockHash string `json:"blockHash"`
	TxHash    string `json:"txHash"`
}

// Loopback is an in-process chain. Every submission is signed, verified and
// then walked through a script of statuses, one step per StepDelay.
type Loopback struct {
	sink      Sink
	signer    *Signer
	logger    *logging.Logger
	stepDelay time.Duration
	scripter  Scripter

	block atomic.Uint64
	state atomic.String
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*Loopback)

// WithStepDelay sets the pause before each reported status.
func WithStepDelay(d time.Duration) LoopbackOption {
	return func(l *Loopback) { l.stepDelay = d }
}

// WithScripter overrides the script per submission.
func WithScripter(s Scripter) LoopbackOption {
	return func(l *Loopback) { l.scripter = s }
}

// WithLoopbackLogger sets the logger.
func WithLoopbackLogger(logger *logging.Logger) LoopbackOption {
	return func(l *Loopback) { l.logger = logger }
}

// NewLoopback returns a loopback transport reporting to sink.
func NewLoopback(sink Sink, signer *Signer, opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		sink:   sink,
		signer: signer,
		logger: logging.Discard(),
		stop:   make(chan struct{}),
	}
	l.state.Store(string(service.StatusStopped))
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Send implements queue.Sender. Signing failures are returned; everything
// after that is reported as status updates.
func (l *Loopback) Send(ctx context.Context, id queue.ID, accountID string, x *extrinsic.Extrinsic) error {
	env, err := l.signer.Sign(id, accountID, x)
	if err != nil {
		return err
	}

	script := DefaultScript
	if err := Verify(env); err != nil {
		script = []Step{{Status: "invalid", Err: err.Error()}}
	} else if l.scripter != nil {
		if s := l.scripter(id, accountID, x); s != nil {
			script = s
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return errors.New("loopback transport stopped")
	}
	l.wg.Add(1)
	go l.play(id, env, script)
	return nil
}

func (l *Loopback) play(id queue.ID, env *Envelope, script []Step) {
	defer l.wg.Done()

	var inc *Inclusion
	for _, step := range script {
		if l.stepDelay > 0 {
			select {
			case <-time.After(l.stepDelay):
			case <-l.stop:
				return
			}
		}

		u := queue.Update{Status: step.Status, Nonce: env.Nonce}
		if step.Err != "" {
			u.Err = errors.New(step.Err)
		}
		switch step.Status {
		case "in-block", "finalized":
			if inc == nil {
				n := l.block.Inc()
				inc = &Inclusion{
					Block:     n,
					BlockHash: extrinsic.HashOf([]byte("block-" + strconv.FormatUint(n, 10))),
					TxHash:    env.Hash,
				}
			}
			u.Result = *inc
		}

		if err := l.sink.UpdateStatus(id, u); err != nil {
			l.logger.Debug("Dropping loopback status", "tx_id", uint64(id), "status", step.Status, "error", err)
			return
		}
	}
}

var _ service.Service = (*Loopback)(nil)

// Name implements service.Service.
func (l *Loopback) Name() string { return LoopbackServiceName }

// Dependencies implements service.Service.
func (l *Loopback) Dependencies() []string { return []string{queue.ServiceName} }

// Status implements service.Service.
func (l *Loopback) Status() service.Status { return service.Status(l.state.Load()) }

// Health implements service.Service.
func (l *Loopback) Health() error {
	if s := l.Status(); s != service.StatusRunning {
		return fmt.Errorf("%s is %s", LoopbackServiceName, s)
	}
	return nil
}

// Start implements service.Service.
func (l *Loopback) Start(ctx context.Context) error {
	l.state.Store(string(service.StatusRunning))
	l.logger.Info("Loopback transport started", "step_delay", l.stepDelay.String())
	return nil
}

// Stop abandons the scripts still playing and waits for their goroutines.
func (l *Loopback) Stop(ctx context.Context) error {
	l.state.Store(string(service.StatusStopping))
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.stop)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for loopback scripts: %w", ctx.Err())
	}
	l.state.Store(string(service.StatusStopped))
	l.logger.Info("Loopback transport stopped")
	return err
}
