package agents

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"clawbrick/internal/provisioner"
	"clawbrick/internal/store"
)

type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

type transition struct {
	from []store.Status
	to   store.Status
	log  string
}

var transitions = map[Action]transition{
	ActionStart:   {from: []store.Status{store.StatusStopped}, to: store.StatusRunning, log: "Agent started"},
	ActionStop:    {from: []store.Status{store.StatusRunning}, to: store.StatusStopped, log: "Agent stopped"},
	ActionRestart: {from: []store.Status{store.StatusRunning, store.StatusStopped, store.StatusError}, to: store.StatusRunning, log: "Agent restarted"},
}

// LifecycleResult reports where a lifecycle action left the agent. Message is
// the log line written, empty when the action was a no-op.
type LifecycleResult struct {
	Status  store.Status
	Message string
}

// Lifecycle applies a start, stop or restart. An action the current status
// does not permit is a no-op: the unchanged status is returned without error.
func (s *Service) Lifecycle(ctx context.Context, id string, action Action) (LifecycleResult, error) {
	tr, ok := transitions[action]
	if !ok {
		return LifecycleResult{}, fmt.Errorf("%w: invalid action %q", ErrValidation, action)
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return LifecycleResult{}, err
	}
	defer unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return LifecycleResult{}, err
	}
	if !slices.Contains(tr.from, a.Status) {
		return LifecycleResult{Status: a.Status}, nil
	}

	if err := s.remote(ctx, action, a); err != nil {
		return LifecycleResult{Status: a.Status}, err
	}

	err = s.store.TransitionStatus(ctx, id, []store.Status{a.Status}, tr.to, store.AgentUpdate{
		Logs: []store.LogEntry{store.NewLog(s.now(), store.LevelInfo, tr.log)},
	})
	if errors.Is(err, store.ErrConflict) {
		// Another process moved the record first; report where it ended up.
		cur, gerr := s.store.Get(ctx, id)
		if gerr != nil {
			return LifecycleResult{}, gerr
		}
		return LifecycleResult{Status: cur.Status}, nil
	}
	if err != nil {
		return LifecycleResult{}, err
	}
	s.log.Info("lifecycle action applied", "agent_id", id, "action", action, "from", a.Status, "status", tr.to)
	return LifecycleResult{Status: tr.to, Message: tr.log}, nil
}

func (s *Service) remote(ctx context.Context, action Action, a *store.Agent) error {
	if s.ctrl == nil || a.InstanceID == "" {
		return nil
	}
	var err error
	switch {
	case action == ActionStart, action == ActionRestart && a.Status == store.StatusStopped:
		err = s.ctrl.Start(ctx, a.InstanceID)
	case action == ActionStop:
		err = s.ctrl.Halt(ctx, a.InstanceID)
	default:
		err = s.ctrl.Reboot(ctx, a.InstanceID)
	}
	if err != nil {
		return fmt.Errorf("%s agent %s: %w", action, a.ID, err)
	}
	return nil
}

// Destroy marks the agent destroyed and tears down its infrastructure. Of
// several concurrent callers exactly one succeeds; the rest get
// ErrAlreadyDestroyed. In async mode the teardown outcome only reaches the
// agent's log; in sync mode a teardown failure is also returned, with the
// record already destroyed.
func (s *Service) Destroy(ctx context.Context, id string) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if a.Status == store.StatusDestroyed {
		unlock()
		return ErrAlreadyDestroyed
	}
	err = s.store.TransitionStatus(ctx, id, store.AllExcept(store.StatusDestroyed), store.StatusDestroyed, store.AgentUpdate{
		Logs: []store.LogEntry{store.NewLog(s.now(), store.LevelInfo, "Agent destruction initiated")},
	})
	unlock()
	if errors.Is(err, store.ErrConflict) {
		return ErrAlreadyDestroyed
	}
	if err != nil {
		return err
	}
	s.log.Info("agent destroyed", "agent_id", id, "from", a.Status, "mode", s.settings.DestroyMode)

	if s.settings.DestroyMode == DestroySync {
		return s.teardown(ctx, id, a.InstanceID)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.teardown(context.WithoutCancel(ctx), id, a.InstanceID)
	}()
	return nil
}

// teardown destroys the agent's VM and records the outcome in its log. With
// no terraform workspace it falls back to deleting the instance by id.
func (s *Service) teardown(ctx context.Context, id, instanceID string) error {
	log := s.log.With("agent_id", id)
	out, err := s.exec.DestroyAgent(ctx, id)
	if errors.Is(err, provisioner.ErrNoWorkspace) && s.ctrl != nil && instanceID != "" {
		log.Info("no terraform workspace, deleting instance through the API", "instance_id", instanceID)
		err = s.ctrl.Delete(ctx, instanceID)
		out = ""
	}

	var entries []store.LogEntry
	now := s.now()
	if out != "" {
		lvl := store.LevelInfo
		if err != nil {
			lvl = store.LevelError
		}
		entries = append(entries, store.NewLog(now, lvl, out))
	}
	switch {
	case errors.Is(err, provisioner.ErrNoWorkspace):
		entries = append(entries, store.NewLog(now, store.LevelWarn, "No infrastructure to destroy"))
		err = nil
	case err != nil:
		entries = append(entries, store.NewLog(now, store.LevelError, "Infrastructure destroy failed: "+err.Error()))
	default:
		entries = append(entries, store.NewLog(now, store.LevelInfo, "Infrastructure destroyed"))
		s.exec.CleanupWorkspace(id)
	}
	if aerr := s.store.AppendLog(ctx, id, entries...); aerr != nil {
		log.Warn("append destroy log failed", "error", aerr)
	}
	if err != nil {
		log.Error("infrastructure destroy failed", "error", err)
		return err
	}
	log.Info("infrastructure destroyed")
	return nil
}
