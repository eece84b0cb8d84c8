package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"clawbrick/internal/logger"
	"clawbrick/internal/store"
)

// LeaseExpired is the last_error written to agents failed by the reconciler.
const LeaseExpired = "provisioning lease expired"

type ReconcilerOptions struct {
	// StaleAfter is how long a provisioning agent may go without a heartbeat.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Reconciler fails agents stuck in provisioning because the process running
// their terraform died. Live runs heartbeat, so only orphans go stale.
type Reconciler struct {
	store      store.AgentStore
	staleAfter time.Duration
	log        *slog.Logger
	now        func() time.Time
	cron       *cron.Cron
}

func NewReconciler(st store.AgentStore, opts ReconcilerOptions) *Reconciler {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Reconciler{
		store:      st,
		staleAfter: opts.StaleAfter,
		log:        log.With("component", "reconciler"),
		now:        opts.Clock,
	}
}

// Sweep marks every stale provisioning agent as failed and returns how many
// it changed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.store.ListStale(ctx, store.StatusProvisioning, now.Add(-r.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale agents: %w", err)
	}
	failed := 0
	for _, a := range stale {
		reason := LeaseExpired
		err := r.store.TransitionStatus(ctx, a.ID, []store.Status{store.StatusProvisioning}, store.StatusError, store.AgentUpdate{
			LastError: &reason,
			Logs: []store.LogEntry{store.NewLog(now, store.LevelError,
				fmt.Sprintf("Provisioning failed: no heartbeat for %s", r.staleAfter))},
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return failed, fmt.Errorf("fail agent %s: %w", a.ID, err)
		}
		failed++
		r.log.Warn("stale provisioning failed", "agent_id", a.ID, "started_at", a.ProvisioningStartedAt)
	}
	return failed, nil
}

// Start runs Sweep on schedule (standard cron expression or descriptor such as
// "@every 1m") until Stop is called.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n, err := r.Sweep(ctx); err != nil {
			r.log.Error("reconcile sweep failed", "error", err)
		} else if n > 0 {
			r.log.Info("reconcile sweep", "failed", n)
		}
	})
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	r.log.Info("reconciler started", "schedule", schedule, "stale_after", r.staleAfter)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
