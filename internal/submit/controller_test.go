package submit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/txqueue/internal/extrinsic"
	"github.com/cmatc13/txqueue/internal/queue"
	"github.com/cmatc13/txqueue/internal/status"
	apperrors "github.com/cmatc13/txqueue/pkg/errors"
	"github.com/cmatc13/txqueue/pkg/metrics"
)

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(req queue.Request) *queue.Ticket {
	args := m.Called(req)
	return args.Get(0).(*queue.Ticket)
}

// journal records hook invocations in order.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *journal) get() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) hooks() Hooks {
	return Hooks{
		OnClick:   func() { j.add("click") },
		OnUpdate:  func(o queue.Outcome) { j.add("update:" + string(o.Status)) },
		OnSuccess: func(o queue.Outcome) { j.add("success:" + string(o.Status)) },
		OnFailed:  func(o queue.Outcome) { j.add("failed:" + string(o.Status)) },
	}
}

func isTransferFrom(account string) func(queue.Request) bool {
	return func(req queue.Request) bool {
		return req.AccountID == account && req.Extrinsic != nil && req.Extrinsic.Name() == "balances.transfer"
	}
}

func TestSubmit_enqueuesForSigner(t *testing.T) {
	q := &mockEnqueuer{}
	j := &journal{}
	var captured queue.Request
	q.On("Enqueue", mock.MatchedBy(isTransferFrom("alice"))).
		Run(func(args mock.Arguments) {
			captured = args.Get(0).(queue.Request)
			j.add("enqueue")
		}).
		Return(queue.NewTicket(7)).
		Once()

	c := NewController(q, extrinsic.DefaultRegistry(), j.hooks())
	require.Equal(t, Idle, c.State())

	id, err := c.Submit("alice", Call("balances.transfer", "bob", 100))
	require.NoError(t, err)
	require.Equal(t, queue.ID(7), id)
	require.Equal(t, Sending, c.State())
	require.True(t, c.IsSending())
	require.False(t, c.CanSubmit("alice"))
	require.Equal(t, queue.ID(7), c.Current().ID())
	require.Equal(t, []string{"enqueue", "click"}, j.get())
	q.AssertExpectations(t)

	captured.OnSuccess(queue.Outcome{ID: 7, Status: status.Finalized})
	require.Equal(t, Idle, c.State())
	require.True(t, c.CanSubmit("alice"))
	require.Equal(t, []string{"enqueue", "click", "success:finalized"}, j.get())
}

func TestSubmit_unknownOperation(t *testing.T) {
	q := &mockEnqueuer{}
	m := metrics.New(metrics.DefaultConfig())
	j := &journal{}
	c := NewController(q, extrinsic.DefaultRegistry(), j.hooks(), WithMetrics(m))

	_, err := c.Submit("alice", Call("unknownOp"))
	require.ErrorIs(t, err, extrinsic.ErrUnknownOperation)
	require.True(t, apperrors.IsSubmissionError(err, apperrors.SubmissionErrUnknownOperation))
	require.Equal(t, Idle, c.State())
	require.Empty(t, j.get())
	q.AssertNotCalled(t, "Enqueue", mock.Anything)
	require.Equal(t, 1.0, testutil.ToFloat64(m.SubmitRejections.WithLabelValues(apperrors.SubmissionErrUnknownOperation)))
}

func TestSubmit_rejectsWhileSending(t *testing.T) {
	q := &mockEnqueuer{}
	q.On("Enqueue", mock.Anything).Return(queue.NewTicket(1)).Once()
	c := NewController(q, extrinsic.DefaultRegistry(), Hooks{})

	_, err := c.Submit("alice", Call("balances.transfer", "bob", 100))
	require.NoError(t, err)

	_, err = c.Submit("alice", Call("balances.transfer", "bob", 100))
	require.True(t, apperrors.IsSubmissionError(err, apperrors.SubmissionErrInFlight))
	require.Equal(t, Sending, c.State())
	q.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestSubmit_guards(t *testing.T) {
	x, err := extrinsic.New("staking", "chill", extrinsic.EmptyCall{})
	require.NoError(t, err)

	cases := map[string]struct {
		setup  func(c *Controller)
		signer string
		src    Source
		code   string
	}{
		"no signer":   {signer: "", src: Prebuilt(x), code: apperrors.SubmissionErrNoSigner},
		"no source":   {signer: "alice", src: Source{}, code: apperrors.SubmissionErrNoSource},
		"disabled":    {setup: func(c *Controller) { c.SetDisabled(true) }, signer: "alice", src: Prebuilt(x), code: apperrors.SubmissionErrDisabled},
		"disposed":    {setup: func(c *Controller) { c.Dispose() }, signer: "alice", src: Prebuilt(x), code: apperrors.SubmissionErrDisposed},
		"bad args":    {signer: "alice", src: Call("balances.transfer", "bob"), code: apperrors.SubmissionErrInvalidArguments},
		"constructor": {signer: "alice", src: CallFn("balances.transfer", func() ([]any, error) { return nil, errors.New("form incomplete") }), code: apperrors.SubmissionErrInvalidArguments},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			q := &mockEnqueuer{}
			c := NewController(q, extrinsic.DefaultRegistry(), Hooks{})
			if tc.setup != nil {
				tc.setup(c)
			}

			_, err := c.Submit(tc.signer, tc.src)
			require.True(t, apperrors.IsSubmissionError(err, tc.code), "got %v", err)
			require.Equal(t, Idle, c.State())
			q.AssertNotCalled(t, "Enqueue", mock.Anything)
		})
	}
}

func TestSubmit_prebuiltAndConstructor(t *testing.T) {
	x, err := extrinsic.New("staking", "chill", extrinsic.EmptyCall{})
	require.NoError(t, err)

	q := &mockEnqueuer{}
	q.On("Enqueue", mock.MatchedBy(func(req queue.Request) bool { return req.Extrinsic == x })).
		Return(queue.NewTicket(1)).Once()
	q.On("Enqueue", mock.MatchedBy(isTransferFrom("bob"))).
		Return(queue.NewTicket(2)).Once()

	c := NewController(q, extrinsic.DefaultRegistry(), Hooks{})
	_, err = c.Submit("alice", Prebuilt(x))
	require.NoError(t, err)

	d := NewController(q, extrinsic.DefaultRegistry(), Hooks{})
	_, err = d.Submit("bob", CallFn("balances.transfer", func() ([]any, error) { return []any{"carol", "5"}, nil }))
	require.NoError(t, err)

	q.AssertExpectations(t)
}

func TestSubmit_staleSettlementIsIgnored(t *testing.T) {
	q := &mockEnqueuer{}
	var captured queue.Request
	q.On("Enqueue", mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(0).(queue.Request) }).
		Return(queue.NewTicket(3)).Once()

	m := metrics.New(metrics.DefaultConfig())
	j := &journal{}
	c := NewController(q, extrinsic.DefaultRegistry(), j.hooks(), WithMetrics(m))
	_, err := c.Submit("alice", Call("balances.transfer", "bob", 100))
	require.NoError(t, err)
	require.Equal(t, Sending, c.State())

	gen := c.generation
	c.Dispose()
	require.Equal(t, gen+1, c.generation)
	require.Equal(t, Idle, c.State())
	require.NotPanics(t, func() {
		captured.OnUpdate(queue.Outcome{ID: 3, Status: status.InBlock})
		captured.OnFailed(queue.Outcome{ID: 3, Status: status.Dropped})
	})

	require.Equal(t, []string{"click"}, j.get())
	require.Equal(t, 1.0, testutil.ToFloat64(m.StaleCallbacks))
	require.False(t, c.CanSubmit("alice"))
}

func TestSubmit_inBlockThenFinalizedThroughQueue(t *testing.T) {
	q := queue.New(queue.DefaultConfig())
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	j := &journal{}
	c := NewController(q, extrinsic.DefaultRegistry(), j.hooks())

	id, err := c.Submit("alice", Call("balances.transfer", "bob", 100))
	require.NoError(t, err)
	require.Equal(t, Sending, c.State())

	require.NoError(t, q.UpdateStatus(id, queue.Update{Status: "in-block"}))
	require.NoError(t, q.UpdateStatus(id, queue.Update{Status: "finalized"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Current().Wait(ctx)
	require.NoError(t, err)

	require.Equal(t, []string{"click", "update:in-block", "update:finalized", "success:finalized"}, j.get())
	require.Equal(t, Idle, c.State())

	rec, ok := q.Get(id)
	require.True(t, ok)
	require.Equal(t, "alice", rec.AccountID)
}

func TestSubmit_failureAllowsResubmission(t *testing.T) {
	q := queue.New(queue.DefaultConfig())
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	j := &journal{}
	c := NewController(q, extrinsic.DefaultRegistry(), j.hooks())

	id, err := c.Submit("alice", Call("staking.chill"))
	require.NoError(t, err)
	require.NoError(t, q.UpdateStatus(id, queue.Update{Status: "invalid", Err: errors.New("bad nonce")}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Current().Wait(ctx)
	require.NoError(t, err)
	require.ErrorContains(t, out.Err, "bad nonce")
	require.Equal(t, Idle, c.State())

	next, err := c.Submit("alice", Call("staking.chill"))
	require.NoError(t, err)
	require.Greater(t, next, id)
}
