package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name     string
	deps     []string
	startErr error
	stopErr  error
	journal  *journal
	healthy  bool
}

type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (f *fakeService) Name() string           { return f.name }
func (f *fakeService) Dependencies() []string { return f.deps }
func (f *fakeService) Status() Status         { return StatusRunning }

func (f *fakeService) Start(context.Context) error {
	f.journal.add("start " + f.name)
	if f.startErr == nil {
		f.healthy = true
	}
	return f.startErr
}

func (f *fakeService) Stop(context.Context) error {
	f.journal.add("stop " + f.name)
	return f.stopErr
}

func (f *fakeService) Health() error {
	if !f.healthy {
		return errors.New("not started")
	}
	return nil
}

func TestRegistry_startStopOrder(t *testing.T) {
	j := &journal{}
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeService{name: "api", deps: []string{"tx-queue", "redis-archive"}, journal: j}))
	require.NoError(t, r.Register(&fakeService{name: "tx-queue", journal: j}))
	require.NoError(t, r.Register(&fakeService{name: "transport", deps: []string{"tx-queue", "external"}, journal: j}))

	require.NoError(t, r.StartAll(context.Background()))
	require.NoError(t, r.StopAll(context.Background()))

	require.Equal(t, []string{
		"start tx-queue", "start api", "start transport",
		"stop transport", "stop api", "stop tx-queue",
	}, j.events)
}

func TestRegistry_duplicate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeService{name: "a", journal: &journal{}}))
	require.Error(t, r.Register(&fakeService{name: "a", journal: &journal{}}))

	_, err := r.Get("b")
	require.Error(t, err)
}

func TestRegistry_startFailureRollsBack(t *testing.T) {
	j := &journal{}
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeService{name: "a", journal: j}))
	require.NoError(t, r.Register(&fakeService{name: "b", deps: []string{"a"}, startErr: errors.New("boom"), journal: j}))

	err := r.StartAll(context.Background())
	require.ErrorContains(t, err, "failed to start service b: boom")
	require.Equal(t, []string{"start a", "start b", "stop a"}, j.events)
}

func TestRegistry_stopCollectsErrors(t *testing.T) {
	j := &journal{}
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeService{name: "a", stopErr: errors.New("x"), journal: j}))
	require.NoError(t, r.Register(&fakeService{name: "b", stopErr: errors.New("y"), journal: j}))
	require.NoError(t, r.StartAll(context.Background()))

	err := r.StopAll(context.Background())
	require.ErrorContains(t, err, "stopping service a: x")
	require.ErrorContains(t, err, "stopping service b: y")
}

func TestRegistry_cycle(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeService{name: "a", deps: []string{"b"}, journal: &journal{}}))
	require.NoError(t, r.Register(&fakeService{name: "b", deps: []string{"a"}, journal: &journal{}}))

	require.ErrorContains(t, r.StartAll(context.Background()), "dependency cycle")
}

type slowService struct {
	fakeService
	ready chan struct{}
}

func (s *slowService) Health() error {
	select {
	case <-s.ready:
		return nil
	default:
		return errors.New("warming up")
	}
}

func TestRegistry_waitsForHealth(t *testing.T) {
	s := &slowService{fakeService: fakeService{name: "slow", journal: &journal{}}, ready: make(chan struct{})}
	r := NewRegistry(nil)
	r.HealthInterval = 5 * time.Millisecond
	r.HealthTimeout = 20 * time.Millisecond
	require.NoError(t, r.Register(s))

	require.ErrorContains(t, r.StartAll(context.Background()), "timeout waiting for service slow")

	close(s.ready)
	require.NoError(t, r.StartAll(context.Background()))
	require.NoError(t, r.HealthCheck()["slow"])
}
