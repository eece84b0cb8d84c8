package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound    = errors.New("agent not found")
	ErrPersistence = errors.New("persistence error")
	// ErrConflict is returned by TransitionStatus when the current status is
	// not one of the expected source statuses.
	ErrConflict = errors.New("status conflict")
)

// AgentStore is the persistence boundary for agent records. Every
// implementation must make AppendLog atomic with respect to other writers of
// the same record: entries are only ever added at the end.
type AgentStore interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	Update(ctx context.Context, id string, upd AgentUpdate) error
	AppendLog(ctx context.Context, id string, entries ...LogEntry) error
	// TransitionStatus sets status to `to` and merges upd, but only if the
	// current status is one of `from`. Returns ErrConflict otherwise.
	TransitionStatus(ctx context.Context, id string, from []Status, to Status, upd AgentUpdate) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// List returns the owner's non-destroyed agents, newest first.
	List(ctx context.Context, ownerID string) ([]Agent, error)
	// ListStale returns agents in status whose lease (heartbeat, or start
	// time when no heartbeat was recorded) is older than before.
	ListStale(ctx context.Context, status Status, before time.Time) ([]Agent, error)
	Close() error
}

// AllExcept returns every status other than the given ones, in a stable order.
func AllExcept(excluded ...Status) []Status {
	all := []Status{StatusPending, StatusProvisioning, StatusReady, StatusRunning,
		StatusStopped, StatusError, StatusDestroyed}
	out := make([]Status, 0, len(all))
	for _, s := range all {
		if !slices.Contains(excluded, s) {
			out = append(out, s)
		}
	}
	return out
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func statusOrNil(p *Status) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

func timeOrNil(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.ProvisioningLogs = slices.Clone(a.ProvisioningLogs)
	c.ProvisioningStartedAt = cloneTime(a.ProvisioningStartedAt)
	c.ProvisioningCompletedAt = cloneTime(a.ProvisioningCompletedAt)
	c.HeartbeatAt = cloneTime(a.HeartbeatAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// leaseTime is the reference point the stale sweep compares against.
func leaseTime(a *Agent) *time.Time {
	if a.HeartbeatAt != nil {
		return a.HeartbeatAt
	}
	return a.ProvisioningStartedAt
}
