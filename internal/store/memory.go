package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process AgentStore. All mutations run under one mutex, so
// log appends never race.
type Memory struct {
	mu     sync.Mutex
	agents map[string]*Agent
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{agents: make(map[string]*Agent), now: time.Now}
}

// WithClock overrides the clock used for created_at/updated_at.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Create(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := m.agents[a.ID]; ok {
		return fmt.Errorf("%w: duplicate id %s", ErrPersistence, a.ID)
	}
	for _, other := range m.agents {
		if a.Subdomain != "" && other.Subdomain == a.Subdomain {
			return fmt.Errorf("%w: duplicate subdomain %s", ErrPersistence, a.Subdomain)
		}
	}
	now := m.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.ProvisioningLogs == nil {
		a.ProvisioningLogs = []LogEntry{}
	}
	m.agents[a.ID] = cloneAgent(a)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (m *Memory) Update(_ context.Context, id string, upd AgentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	if upd.empty() {
		return nil
	}
	upd.apply(a)
	a.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) AppendLog(ctx context.Context, id string, entries ...LogEntry) error {
	return m.Update(ctx, id, AgentUpdate{Logs: entries})
}

func (m *Memory) TransitionStatus(_ context.Context, id string, from []Status, to Status, upd AgentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(from, a.Status) {
		return fmt.Errorf("%w: %s is %s", ErrConflict, id, a.Status)
	}
	upd.Status = &to
	upd.apply(a)
	a.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	a.HeartbeatAt = &t
	return nil
}

func (m *Memory) List(_ context.Context, ownerID string) ([]Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Agent
	for _, a := range m.agents {
		if a.OwnerID != ownerID || a.Status == StatusDestroyed {
			continue
		}
		out = append(out, *cloneAgent(a))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ListStale(_ context.Context, status Status, before time.Time) ([]Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Agent
	for _, a := range m.agents {
		if a.Status != status {
			continue
		}
		if lt := leaseTime(a); lt != nil && lt.Before(before) {
			out = append(out, *cloneAgent(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
