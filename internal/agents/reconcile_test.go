package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawbrick/internal/store"
)

func TestReconcilerSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, succeed("abc", "1.2.3.4"))

	orphan := h.seed(t, store.StatusProvisioning, "")
	beating := h.seed(t, store.StatusProvisioning, "")
	running := h.seed(t, store.StatusRunning, "")

	h.clock.Advance(20 * time.Minute)
	require.NoError(t, h.store.Heartbeat(ctx, beating.ID, h.clock.Now()))

	r := NewReconciler(h.store, ReconcilerOptions{StaleAfter: 15 * time.Minute, Clock: h.clock.Now})
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := h.store.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, rec.Status)
	assert.Equal(t, LeaseExpired, rec.LastError)
	msgs := messages(rec)
	assert.Equal(t, "Provisioning failed: no heartbeat for 15m0s", msgs[len(msgs)-1])

	rec, err = h.store.Get(ctx, beating.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProvisioning, rec.Status)

	rec, err = h.store.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, rec.Status)

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconciledRunDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	exec := succeed("abc", "1.2.3.4")
	exec.gate = make(chan struct{})
	h := newHarness(t, exec)

	resp, err := h.svc.Deploy(ctx, validRequest())
	require.NoError(t, err)

	// Fail the record out from under the run, as a reconciler in another
	// process would.
	reason := LeaseExpired
	require.NoError(t, h.store.TransitionStatus(ctx, resp.ID, []store.Status{store.StatusProvisioning}, store.StatusError,
		store.AgentUpdate{LastError: &reason}))

	close(exec.gate)
	h.svc.Wait()

	rec, err := h.store.Get(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, rec.Status)
	assert.Equal(t, LeaseExpired, rec.LastError)
	_, destroyed, _ := exec.snapshot()
	assert.Equal(t, []string{resp.ID}, destroyed)
}

func TestReconcilerStart(t *testing.T) {
	h := newHarness(t, succeed("abc", "1.2.3.4"))
	r := NewReconciler(h.store, ReconcilerOptions{})

	require.Error(t, r.Start(context.Background(), "not a schedule"))
	r.Stop()

	require.NoError(t, r.Start(context.Background(), "@every 1h"))
	r.Stop()
}
