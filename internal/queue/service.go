package queue

import (
	"context"
	"fmt"

	"github.com/cmatc13/txqueue/pkg/service"
)

var _ service.Service = (*Queue)(nil)

// Name implements service.Service.
func (q *Queue) Name() string { return ServiceName }

// Dependencies implements service.Service. An archiver that is itself a
// service has to outlive the queue, so it is started first.
func (q *Queue) Dependencies() []string {
	if s, ok := q.archiver.(service.Service); ok {
		return []string{s.Name()}
	}
	return nil
}

// Status implements service.Service.
func (q *Queue) Status() service.Status { return service.Status(q.state.Load()) }

// Health implements service.Service.
func (q *Queue) Health() error {
	if s := q.Status(); s != service.StatusRunning {
		return fmt.Errorf("%s is %s", ServiceName, s)
	}
	return nil
}

// Start launches the event loop. Events posted before Start are processed
// once it runs. Calling Start more than once has no effect.
func (q *Queue) Start(ctx context.Context) error {
	if q.box.isClosed() {
		return fmt.Errorf("%s cannot be restarted", ServiceName)
	}
	q.startOnce.Do(func() {
		q.state.Store(string(service.StatusRunning))
		go q.run()
		q.box.wake()
		q.logger.Info("Transaction queue started",
			"settle_on", q.cfg.SettleOn.String(), "completed_policy", q.cfg.Completed.String(), "retain_for", q.cfg.RetainFor.String())
	})
	return nil
}

// Stop rejects new events, processes the ones already posted and waits for
// in-flight sends and archive writes. If ctx ends first, pending sends are
// cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	var err error
	q.stopOnce.Do(func() {
		q.state.Store(string(service.StatusStopping))
		q.box.close()

		started := true
		q.startOnce.Do(func() { started = false })
		if started {
			select {
			case <-q.loopDone:
			case <-ctx.Done():
				err = fmt.Errorf("waiting for event loop: %w", ctx.Err())
			}
		}

		poolDone := make(chan struct{})
		go func() {
			q.pool.StopAndWait()
			close(poolDone)
		}()
		select {
		case <-poolDone:
		case <-ctx.Done():
			if err == nil {
				err = fmt.Errorf("waiting for dispatch workers: %w", ctx.Err())
			}
		}
		q.cancel()

		q.state.Store(string(service.StatusStopped))
		q.logger.Info("Transaction queue stopped")
	})
	return err
}
