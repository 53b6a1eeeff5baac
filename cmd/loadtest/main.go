// Command loadtest drives submission controllers against the in-process
// loopback chain and reports throughput and settlement latency.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmatc13/txqueue/internal/extrinsic"
	"github.com/cmatc13/txqueue/internal/keyring"
	"github.com/cmatc13/txqueue/internal/queue"
	"github.com/cmatc13/txqueue/internal/submit"
	"github.com/cmatc13/txqueue/internal/transport"
	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/metrics"
)

type options struct {
	duration    time.Duration
	accounts    int
	concurrency int
	rate        float64
	stepDelay   time.Duration
	failEvery   int
	settleOn    string
}

// Stats is updated atomically by the workers.
type Stats struct {
	successCount uint64
	failureCount uint64
	rejectCount  uint64
	latencySum   uint64
	latencyCount uint64
}

func (s *Stats) snapshot() (success, failure, rejected, avgLatency uint64) {
	success = atomic.LoadUint64(&s.successCount)
	failure = atomic.LoadUint64(&s.failureCount)
	rejected = atomic.LoadUint64(&s.rejectCount)
	if n := atomic.LoadUint64(&s.latencyCount); n > 0 {
		avgLatency = atomic.LoadUint64(&s.latencySum) / n
	}
	return
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load test the transaction queue on the loopback chain",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			_, err := run(ctx, opts, cmd.OutOrStdout())
			return err
		},
	}
	f := cmd.Flags()
	f.DurationVar(&opts.duration, "duration", time.Minute, "Test duration")
	f.IntVar(&opts.accounts, "accounts", 100, "Number of signer accounts")
	f.IntVar(&opts.concurrency, "concurrency", 20, "Number of concurrent clients")
	f.Float64Var(&opts.rate, "rate", 500, "Target submissions per second")
	f.DurationVar(&opts.stepDelay, "step-delay", 10*time.Millisecond, "Delay between simulated chain statuses")
	f.IntVar(&opts.failEvery, "fail-every", 0, "Make every n-th transaction fail on chain (0 disables)")
	f.StringVar(&opts.settleOn, "settle-on", "finality", "Status that settles a transaction (finality, inclusion)")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) (*Stats, error) {
	if opts.accounts < 2 {
		return nil, fmt.Errorf("need at least 2 accounts, got %d", opts.accounts)
	}
	if opts.concurrency < 1 || opts.rate <= 0 {
		return nil, fmt.Errorf("concurrency and rate must be positive")
	}
	settleOn, err := queue.ParseSettlePolicy(opts.settleOn)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "Load Test Configuration:\n")
	fmt.Fprintf(out, "  Duration: %s\n", opts.duration)
	fmt.Fprintf(out, "  Accounts: %d\n", opts.accounts)
	fmt.Fprintf(out, "  Concurrency: %d\n", opts.concurrency)
	fmt.Fprintf(out, "  Target TPS: %.0f\n", opts.rate)
	fmt.Fprintf(out, "  Step Delay: %s\n", opts.stepDelay)

	keys := keyring.New()
	accounts := make([]string, opts.accounts)
	for i := range accounts {
		a, err := keys.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate account: %w", err)
		}
		accounts[i] = a.Address
	}

	m := metrics.New(metrics.Config{Namespace: "loadtest", ServiceName: "loadtest"})
	cfg := queue.DefaultConfig()
	cfg.SettleOn = settleOn
	cfg.Completed = queue.RemoveCompleted
	cfg.DispatchWorkers = opts.concurrency
	q := queue.New(cfg, queue.WithMetrics(m), queue.WithLogger(logging.Discard()))

	var scripted []transport.LoopbackOption
	scripted = append(scripted, transport.WithStepDelay(opts.stepDelay))
	if opts.failEvery > 0 {
		n := queue.ID(opts.failEvery)
		scripted = append(scripted, transport.WithScripter(func(id queue.ID, _ string, _ *extrinsic.Extrinsic) []transport.Step {
			if id%n == 0 {
				return []transport.Step{{Status: "ready"}, {Status: "dropped", Err: "dropped by load test"}}
			}
			return nil
		}))
	}
	chain := transport.NewLoopback(q, transport.NewSigner(keys), scripted...)
	q.SetSender(chain)

	if err := q.Start(ctx); err != nil {
		return nil, err
	}
	if err := chain.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = chain.Stop(stopCtx)
		_ = q.Stop(stopCtx)
	}()

	board := submit.NewBoard(q, extrinsic.DefaultRegistry(), nil, submit.WithMetrics(m))
	defer board.Dispose()

	stats := &Stats{}
	testCtx, testCancel := context.WithTimeout(ctx, opts.duration)
	defer testCancel()

	rateLimiter := make(chan struct{}, opts.concurrency*2)
	go func() {
		interval := time.Duration(float64(time.Second) / opts.rate)
		if interval <= 0 {
			interval = time.Microsecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-testCtx.Done():
				return
			case <-ticker.C:
				select {
				case rateLimiter <- struct{}{}:
				default:
				}
			}
		}
	}()

	fmt.Fprintf(out, "Starting load test for %s...\n", opts.duration)
	startTime := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < opts.concurrency; i++ {
		wg.Add(1)
		go worker(testCtx, i, board, accounts, rateLimiter, stats, &wg)
	}

	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-testCtx.Done():
				return
			case <-ticker.C:
				success, failure, rejected, avg := stats.snapshot()
				fmt.Fprintf(out, "\rTPS: %.2f, Success: %d, Failure: %d, Rejected: %d, Avg Latency: %d µs",
					float64(success)/time.Since(startTime).Seconds(), success, failure, rejected, avg)
			}
		}
	}()

	<-testCtx.Done()
	wg.Wait()
	<-progressDone

	success, failure, rejected, avg := stats.snapshot()
	total := success + failure
	elapsed := time.Since(startTime).Seconds()
	var successRate float64
	if total > 0 {
		successRate = float64(success) / float64(total) * 100
	}

	fmt.Fprintf(out, "\n\nLoad Test Results:\n")
	fmt.Fprintf(out, "  Test Duration: %.2f seconds\n", elapsed)
	fmt.Fprintf(out, "  Settled Transactions: %d\n", total)
	fmt.Fprintf(out, "  Successful Transactions: %d (%.2f%%)\n", success, successRate)
	fmt.Fprintf(out, "  Failed Transactions: %d\n", failure)
	fmt.Fprintf(out, "  Rejected Submissions: %d\n", rejected)
	fmt.Fprintf(out, "  Average TPS: %.2f\n", float64(total)/elapsed)
	fmt.Fprintf(out, "  Average Settlement Latency: %d µs\n", avg)
	return stats, nil
}

// worker submits transfers between random accounts. Each submission is
// awaited, so a worker holds at most one account busy at a time.
func worker(ctx context.Context, id int, board *submit.Board, accounts []string, rateLimiter <-chan struct{}, stats *Stats, wg *sync.WaitGroup) {
	defer wg.Done()
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-rateLimiter:
		}

		senderIndex := r.Intn(len(accounts))
		receiverIndex := (senderIndex + 1 + r.Intn(len(accounts)-1)) % len(accounts)
		sender := accounts[senderIndex]

		start := time.Now()
		ticket, err := board.SubmitTicket(sender, submit.Call("balances.transfer", accounts[receiverIndex], 1+r.Intn(10)))
		if err != nil {
			atomic.AddUint64(&stats.rejectCount, 1)
			continue
		}

		out, err := ticket.Wait(ctx)
		if err != nil {
			return
		}
		if out.Err != nil {
			atomic.AddUint64(&stats.failureCount, 1)
			continue
		}
		atomic.AddUint64(&stats.successCount, 1)
		atomic.AddUint64(&stats.latencySum, uint64(time.Since(start).Microseconds()))
		atomic.AddUint64(&stats.latencyCount, 1)
	}
}
