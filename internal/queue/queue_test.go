package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cmatc13/txqueue/internal/extrinsic"
	"github.com/cmatc13/txqueue/internal/status"
	apperrors "github.com/cmatc13/txqueue/pkg/errors"
	"github.com/cmatc13/txqueue/pkg/metrics"
	"github.com/cmatc13/txqueue/pkg/service"
)

func startQueue(t testing.TB, cfg Config, opts ...Option) *Queue {
	t.Helper()
	q := New(cfg, opts...)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return q
}

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

func syncQueue(t testingT, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Sync(ctx))
}

func testExtrinsic(t testingT) *extrinsic.Extrinsic {
	t.Helper()
	x, err := extrinsic.New("balances", "transfer", extrinsic.TransferCall{Dest: "bob", Value: 100})
	require.NoError(t, err)
	return x
}

// recorder collects callback invocations in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	last   Outcome
}

func (r *recorder) cb(name string) Callback {
	return func(o Outcome) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, name+":"+string(o.Status))
		r.last = o
	}
}

func (r *recorder) request(account string, x *extrinsic.Extrinsic) Request {
	return Request{
		AccountID: account,
		Extrinsic: x,
		OnUpdate:  r.cb("update"),
		OnSuccess: r.cb("success"),
		OnFailed:  r.cb("failed"),
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestEnqueue_idsStrictlyIncreasing(t *testing.T) {
	q := startQueue(t, DefaultConfig())
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(rt, "n")
		var prev ID
		for i := 0; i < n; i++ {
			id := q.Enqueue(Request{AccountID: "alice", Extrinsic: testExtrinsic(rt)}).ID()
			if id <= prev {
				rt.Fatalf("id %d after %d", id, prev)
			}
			prev = id
		}
	})
}

func TestEnqueue_concurrentIDsUnique(t *testing.T) {
	q := startQueue(t, DefaultConfig())
	x := testExtrinsic(t)

	const workers, perWorker = 8, 100
	ids := make(chan ID, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- q.Enqueue(Request{AccountID: "alice", Extrinsic: x}).ID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[ID]bool{}
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}

	syncQueue(t, q)
	records := q.Snapshot()
	require.Len(t, records, workers*perWorker)
	for i := 1; i < len(records); i++ {
		require.Less(t, records[i-1].ID, records[i].ID)
	}
}

func TestUpdateStatus_inBlockThenFinalized(t *testing.T) {
	q := startQueue(t, DefaultConfig())
	r := &recorder{}

	ticket := q.Enqueue(r.request("alice", testExtrinsic(t)))
	require.NoError(t, q.UpdateStatus(ticket.ID(), Update{Status: "in-block"}))
	syncQueue(t, q)

	_, resolved := ticket.Outcome()
	require.False(t, resolved)
	require.Equal(t, []string{"update:in-block"}, r.snapshot())

	require.NoError(t, q.UpdateStatus(ticket.ID(), Update{Status: "finalized", Result: "0xblock"}))
	syncQueue(t, q)

	require.Equal(t, []string{"update:in-block", "update:finalized", "success:finalized"}, r.snapshot())
	out, resolved := ticket.Outcome()
	require.True(t, resolved)
	require.Equal(t, status.Finalized, out.Status)
	require.Equal(t, "0xblock", out.Result)
	require.Equal(t, "alice", out.AccountID)

	rec, ok := q.Get(ticket.ID())
	require.True(t, ok)
	require.True(t, rec.Settled)
	require.True(t, rec.Success)
	require.Equal(t, 2, rec.Updates)
}

func TestUpdateStatus_settleOnInclusion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettleOn = SettleOnInclusion
	q := startQueue(t, cfg)
	r := &recorder{}

	id := q.Enqueue(r.request("alice", testExtrinsic(t))).ID()
	require.NoError(t, q.UpdateStatus(id, Update{Status: "InBlock"}))
	require.NoError(t, q.UpdateStatus(id, Update{Status: "finalized"}))
	syncQueue(t, q)

	require.Equal(t, []string{"update:in-block", "success:in-block"}, r.snapshot())
}

func TestUpdateStatus_failures(t *testing.T) {
	cases := map[string]Update{
		"invalid":          {Status: "invalid"},
		"dropped":          {Status: "dropped"},
		"usurped":          {Status: "usurped"},
		"finality timeout": {Status: "finalitytimeout"},
		"cancelled":        {Status: "cancelled"},
		"error":            {Status: "error", Err: errors.New("rpc")},
		"in-block error":   {Status: "in-block", Err: errors.New("ExtrinsicFailed")},
		"finalized error":  {Status: "finalized", Err: errors.New("ExtrinsicFailed")},
	}
	q := startQueue(t, DefaultConfig())
	for name, u := range cases {
		t.Run(name, func(t *testing.T) {
			r := &recorder{}
			ticket := q.Enqueue(r.request("alice", testExtrinsic(t)))
			require.NoError(t, q.UpdateStatus(ticket.ID(), u))
			syncQueue(t, q)

			events := r.snapshot()
			require.Len(t, events, 2)
			require.Equal(t, "failed", events[1][:len("failed")])
			out, ok := ticket.Outcome()
			require.True(t, ok)
			require.Equal(t, u.Err, out.Err)
		})
	}
}

func TestUpdateStatus_nothingAfterSettlement(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	q := startQueue(t, DefaultConfig(), WithMetrics(m))
	r := &recorder{}

	id := q.Enqueue(r.request("alice", testExtrinsic(t))).ID()
	require.NoError(t, q.UpdateStatus(id, Update{Status: "dropped"}))
	require.NoError(t, q.UpdateStatus(id, Update{Status: "ready"}))
	require.NoError(t, q.UpdateStatus(id, Update{Status: "finalized"}))
	require.NoError(t, q.UpdateStatus(id+100, Update{Status: "finalized"}))
	syncQueue(t, q)

	require.Equal(t, []string{"update:dropped", "failed:dropped"}, r.snapshot())
	require.Equal(t, 2.0, testutil.ToFloat64(m.DroppedUpdates.WithLabelValues("settled")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DroppedUpdates.WithLabelValues("unknown")))
}

func TestUpdateStatus_nonceMismatchIsDropped(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	q := startQueue(t, DefaultConfig(), WithMetrics(m))
	r := &recorder{}
	x := testExtrinsic(t)

	id := q.Enqueue(r.request("alice", x)).ID()
	require.NoError(t, q.UpdateStatus(id, Update{Status: "invalid", Err: errors.New("bad nonce"), Nonce: "earlier-run"}))
	syncQueue(t, q)

	require.Empty(t, r.snapshot())
	rec, ok := q.Get(id)
	require.True(t, ok)
	require.False(t, rec.Settled)
	require.Equal(t, status.Queued, rec.Status)
	require.Equal(t, 1.0, testutil.ToFloat64(m.DroppedUpdates.WithLabelValues("nonce")))

	require.NoError(t, q.UpdateStatus(id, Update{Status: "finalized", Nonce: x.Nonce}))
	syncQueue(t, q)
	require.Equal(t, []string{"update:finalized", "success:finalized"}, r.snapshot())
}

func TestUpdateStatus_exactlyOneTerminalCallback(t *testing.T) {
	vocabulary := []string{
		"future", "ready", "broadcast", "retracted", "in-block", "finalized", "usurped",
		"dropped", "invalid", "error", "sent", "finality-timeout", "cancelled", "mystery",
	}
	q := startQueue(t, Config{Completed: RemoveCompleted, DispatchWorkers: 1})

	rapid.Check(t, func(rt *rapid.T) {
		statuses := rapid.SliceOfN(rapid.SampledFrom(vocabulary), 1, 12).Draw(rt, "statuses")
		r := &recorder{}
		ticket := q.Enqueue(r.request("alice", testExtrinsic(rt)))
		for _, s := range statuses {
			if err := q.UpdateStatus(ticket.ID(), Update{Status: s}); err != nil {
				rt.Fatal(err)
			}
		}
		syncQueue(rt, q)

		events := r.snapshot()
		terminal := 0
		for i, e := range events {
			if e[:len("update")] != "update" {
				terminal++
				if i != len(events)-1 {
					rt.Fatalf("callback after settlement: %v", events)
				}
			}
		}

		settles := false
		for _, s := range statuses {
			if status.IsTerminal(s) && status.Normalize(s) != status.InBlock {
				settles = true
			}
		}
		if settles && terminal != 1 {
			rt.Fatalf("expected one terminal callback for %v, got %v", statuses, events)
		}
		if !settles && terminal != 0 {
			rt.Fatalf("expected no terminal callback for %v, got %v", statuses, events)
		}
		if _, ok := ticket.Outcome(); ok != settles {
			rt.Fatalf("ticket resolved=%v for %v", ok, statuses)
		}
	})
}

func TestEnqueue_invalidRequestFailsAsynchronously(t *testing.T) {
	q := startQueue(t, DefaultConfig())

	for _, req := range []Request{
		{AccountID: "", Extrinsic: testExtrinsic(t)},
		{AccountID: "alice"},
	} {
		r := &recorder{}
		req.OnUpdate, req.OnSuccess, req.OnFailed = r.cb("update"), r.cb("success"), r.cb("failed")
		ticket := q.Enqueue(req)

		out, err := ticket.Wait(context.Background())
		require.NoError(t, err)
		require.True(t, apperrors.IsQueueError(out.Err, apperrors.QueueErrInvalidRequest))
		require.Equal(t, []string{"update:error", "failed:error"}, r.snapshot())
	}
}

func TestDispatch_sendsToSender(t *testing.T) {
	type sent struct {
		id      ID
		account string
	}
	got := make(chan sent, 1)
	sender := SenderFunc(func(_ context.Context, id ID, account string, _ *extrinsic.Extrinsic) error {
		got <- sent{id, account}
		return nil
	})
	q := startQueue(t, DefaultConfig(), WithSender(sender))

	id := q.Enqueue(Request{AccountID: "alice", Extrinsic: testExtrinsic(t)}).ID()
	select {
	case s := <-got:
		require.Equal(t, sent{id, "alice"}, s)
	case <-time.After(5 * time.Second):
		t.Fatal("sender not called")
	}
}

func TestDispatch_sendErrorIsTransportFailure(t *testing.T) {
	q := startQueue(t, DefaultConfig())
	q.SetSender(SenderFunc(func(context.Context, ID, string, *extrinsic.Extrinsic) error {
		return errors.New("connection refused")
	}))
	r := &recorder{}

	ticket := q.Enqueue(r.request("alice", testExtrinsic(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := ticket.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, status.Error, out.Status)
	require.True(t, apperrors.IsTransportError(out.Err, apperrors.TransportErrFailure))
	require.ErrorContains(t, out.Err, "connection refused")
}

func TestDispatch_stoppedPoolFailsTransaction(t *testing.T) {
	q := New(DefaultConfig(), WithSender(SenderFunc(func(context.Context, ID, string, *extrinsic.Extrinsic) error {
		t.Error("sender called on a stopped pool")
		return nil
	})))
	q.pool.StopAndWait()
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	r := &recorder{}

	ticket := q.Enqueue(r.request("alice", testExtrinsic(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := ticket.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, status.Error, out.Status)
	require.True(t, apperrors.IsQueueError(out.Err, apperrors.QueueErrStopped))
	syncQueue(t, q)
	require.Equal(t, []string{"update:error", "failed:error"}, r.snapshot())
}

func TestCompletedPolicy_remove(t *testing.T) {
	q := startQueue(t, Config{Completed: RemoveCompleted, DispatchWorkers: 1})

	id := q.Enqueue(Request{AccountID: "alice", Extrinsic: testExtrinsic(t)}).ID()
	syncQueue(t, q)
	require.Equal(t, 1, q.Len())

	require.NoError(t, q.UpdateStatus(id, Update{Status: "sent"}))
	syncQueue(t, q)
	require.Equal(t, 0, q.Len())
	_, ok := q.Get(id)
	require.False(t, ok)
}

func TestCompletedPolicy_retainThenPrune(t *testing.T) {
	q := startQueue(t, Config{Completed: RetainCompleted, RetainFor: 50 * time.Millisecond, DispatchWorkers: 1})

	id := q.Enqueue(Request{AccountID: "alice", Extrinsic: testExtrinsic(t)}).ID()
	require.NoError(t, q.UpdateStatus(id, Update{Status: "finalized"}))
	syncQueue(t, q)

	rec, ok := q.Get(id)
	require.True(t, ok)
	require.True(t, rec.Settled)

	require.Eventually(t, func() bool {
		_, ok := q.Get(id)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	q := startQueue(t, DefaultConfig(), WithMetrics(m))

	succeeded := make(chan struct{})
	ticket := q.Enqueue(Request{
		AccountID: "alice",
		Extrinsic: testExtrinsic(t),
		OnUpdate:  func(Outcome) { panic("observer bug") },
		OnSuccess: func(Outcome) { close(succeeded) },
	})
	require.NoError(t, q.UpdateStatus(ticket.ID(), Update{Status: "finalized"}))

	select {
	case <-succeeded:
	case <-time.After(5 * time.Second):
		t.Fatal("settlement did not survive the panic")
	}
	syncQueue(t, q)
	require.Equal(t, 1.0, testutil.ToFloat64(m.CallbackPanics.WithLabelValues("onUpdate")))
}

func TestUnknownStatusIsNonTerminal(t *testing.T) {
	q := startQueue(t, DefaultConfig())
	r := &recorder{}

	ticket := q.Enqueue(r.request("alice", testExtrinsic(t)))
	require.NoError(t, q.UpdateStatus(ticket.ID(), Update{Status: "Teleported"}))
	syncQueue(t, q)

	require.Equal(t, []string{"update:teleported"}, r.snapshot())
	_, resolved := ticket.Outcome()
	require.False(t, resolved)
}

type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) Archive(ctx context.Context, rec Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func TestArchiverReceivesSettledRecords(t *testing.T) {
	a := &mockArchiver{}
	q := New(DefaultConfig(), WithArchiver(a))
	require.NoError(t, q.Start(context.Background()))

	id := q.Enqueue(Request{AccountID: "alice", Extrinsic: testExtrinsic(t)}).ID()
	a.On("Archive", mock.Anything, mock.MatchedBy(func(rec Record) bool {
		return rec.ID == id && rec.Settled && rec.Success && rec.Status == status.Finalized
	})).Return(nil).Once()

	require.NoError(t, q.UpdateStatus(id, Update{Status: "finalized"}))
	syncQueue(t, q)
	require.NoError(t, q.Stop(context.Background()))

	a.AssertExpectations(t)
}

func TestLifecycle(t *testing.T) {
	q := New(DefaultConfig())
	require.Equal(t, service.StatusStopped, q.Status())
	require.Error(t, q.Health())

	// Events posted before Start are processed once the loop runs.
	r := &recorder{}
	ticket := q.Enqueue(r.request("alice", testExtrinsic(t)))
	require.NoError(t, q.UpdateStatus(ticket.ID(), Update{Status: "finalized"}))

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Health())
	_, err := ticket.Wait(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.Stop(context.Background()))
	require.Equal(t, service.StatusStopped, q.Status())
	require.Error(t, q.Start(context.Background()))

	require.True(t, apperrors.IsQueueError(q.UpdateStatus(ticket.ID(), Update{Status: "ready"}), apperrors.QueueErrStopped))
	require.True(t, apperrors.IsQueueError(q.Sync(context.Background()), apperrors.QueueErrStopped))

	late := q.Enqueue(r.request("alice", testExtrinsic(t)))
	out, err := late.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, apperrors.IsQueueError(out.Err, apperrors.QueueErrStopped))
	require.Greater(t, late.ID(), ticket.ID())
}

func TestStop_withoutStart(t *testing.T) {
	q := New(DefaultConfig())
	require.NoError(t, q.Stop(context.Background()))
	require.NoError(t, q.Stop(context.Background()))
}

func TestParsePolicies(t *testing.T) {
	p, err := ParseSettlePolicy("inclusion")
	require.NoError(t, err)
	require.Equal(t, SettleOnInclusion, p)
	_, err = ParseSettlePolicy("never")
	require.Error(t, err)

	c, err := ParseCompletedPolicy("remove")
	require.NoError(t, err)
	require.Equal(t, RemoveCompleted, c)
	_, err = ParseCompletedPolicy("hoard")
	require.Error(t, err)
}
