package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmatc13/txqueue/internal/status"
	"github.com/cmatc13/txqueue/internal/submit"
	"github.com/cmatc13/txqueue/pkg/config"
	"github.com/cmatc13/txqueue/pkg/health"
	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/service"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithOptions(config.LoadOptions{})
	require.NoError(t, err)
	cfg.API.Port = "0"
	cfg.Transport.DevAccounts = 1
	cfg.Loopback.StepDelay = time.Millisecond
	return cfg
}

func TestApp_loopbackEndToEnd(t *testing.T) {
	a, err := newApp(testConfig(t), logging.Discard())
	require.NoError(t, err)
	a.registry.HealthTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.start(ctx))
	require.Equal(t, service.StatusRunning, a.api.Status())
	require.Equal(t, health.StatusUp, a.health.RunChecks(ctx).Status)

	signer := a.keys.Addresses()[0]
	ticket, err := a.board.SubmitTicket(signer, submit.Call("balances.transfer", "bob", 5))
	require.NoError(t, err)

	out, err := ticket.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, ticket.ID(), out.ID)
	require.Equal(t, status.Finalized, out.Status)
	require.NoError(t, out.Err)

	bad, err := a.board.SubmitTicket("not-in-keyring", submit.Call("staking.chill"))
	require.NoError(t, err)
	failed, err := bad.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, bad.ID(), failed.ID)
	require.Equal(t, status.Error, failed.Status)
	require.NoError(t, a.queue.Sync(ctx))
	require.Zero(t, a.board.Len())

	require.NoError(t, a.stop(ctx))
	require.Equal(t, service.StatusStopped, a.queue.Status())
}

func TestApp_invalidKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.Keys = []string{"zz"}
	_, err := newApp(cfg, logging.Discard())
	require.ErrorContains(t, err, "importing key 0")
}

func TestKeysGenerate(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keys", "generate"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "address: "))
	require.True(t, strings.HasPrefix(lines[1], "private_key: "))
}

