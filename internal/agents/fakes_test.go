package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clawbrick/internal/provisioner"
	"clawbrick/internal/secret"
	"clawbrick/internal/store"
)

type fakeExecutor struct {
	mu          sync.Mutex
	result      provisioner.Result
	panicWith   any
	gate        chan struct{}
	destroyOut  string
	destroyErr  error
	provisioned []provisioner.Vars
	destroyed   []string
	cleaned     []string
}

func succeed(instanceID, ip string) *fakeExecutor {
	return &fakeExecutor{result: provisioner.Result{
		Success: true,
		Outputs: &provisioner.Outputs{InstanceID: instanceID, MainIP: ip, Status: "active"},
		Logs:    []string{"Initializing Terraform...", "Apply complete!"},
	}, destroyOut: "Destroy complete!"}
}

func failApply() *fakeExecutor {
	err := &provisioner.ExecError{Phase: provisioner.PhaseApply, Output: "Error: quota exceeded", Err: errors.New("exit status 1")}
	return &fakeExecutor{result: provisioner.Result{
		Success: false,
		Logs:    []string{"Provisioning Vultr instance...", "Error: quota exceeded"},
		Err:     err,
	}}
}

func (f *fakeExecutor) Provision(_ context.Context, v provisioner.Vars) provisioner.Result {
	f.mu.Lock()
	f.provisioned = append(f.provisioned, v)
	gate, p := f.gate, f.panicWith
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if p != nil {
		panic(p)
	}
	return f.result
}

func (f *fakeExecutor) DestroyAgent(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return f.destroyOut, f.destroyErr
}

func (f *fakeExecutor) CleanupWorkspace(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, id)
}

func (f *fakeExecutor) snapshot() (provisioned []provisioner.Vars, destroyed, cleaned []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provisioner.Vars(nil), f.provisioned...),
		append([]string(nil), f.destroyed...),
		append([]string(nil), f.cleaned...)
}

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeController) do(op, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, op+":"+id)
	return c.err
}

func (c *fakeController) Start(_ context.Context, id string) error  { return c.do("start", id) }
func (c *fakeController) Halt(_ context.Context, id string) error   { return c.do("halt", id) }
func (c *fakeController) Reboot(_ context.Context, id string) error { return c.do("reboot", id) }
func (c *fakeController) Delete(_ context.Context, id string) error { return c.do("delete", id) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc   *Service
	store *store.Memory
	exec  *fakeExecutor
	codec *secret.Codec
	clock *clock
	seeds int
}

type harnessOption func(*Options)

func withController(c InstanceController) harnessOption {
	return func(o *Options) { o.Controller = c }
}

func withDestroyMode(m DestroyMode) harnessOption {
	return func(o *Options) { o.Settings.DestroyMode = m }
}

func newHarness(t *testing.T, exec *fakeExecutor, opts ...harnessOption) *harness {
	t.Helper()
	codec, err := secret.NewCodec(bytes.Repeat([]byte{0x11}, secret.KeySize))
	require.NoError(t, err)
	clk := newClock()
	st := store.NewMemory().WithClock(clk.Now)
	o := Options{
		Store:    st,
		Executor: exec,
		Codec:    codec,
		Clock:    clk.Now,
		Settings: Settings{
			CloudAPIKey:       "vultr-key",
			Domain:            "clawbrick.com",
			ControlServer:     "10.0.0.1",
			HeartbeatInterval: 10 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	svc, err := NewService(o)
	require.NoError(t, err)
	t.Cleanup(func() {
		exec.mu.Lock()
		if exec.gate != nil {
			select {
			case <-exec.gate:
			default:
				close(exec.gate)
			}
		}
		exec.mu.Unlock()
		svc.Wait()
	})
	return &harness{svc: svc, store: st, exec: exec, codec: codec, clock: clk}
}

func validRequest() DeployRequest {
	return DeployRequest{
		OwnerID:     "0xwallet",
		Name:        "helper",
		LLMProvider: "anthropic",
		LLMModel:    "claude-3-5-sonnet-20241022",
		BotToken:    "123456:ABC-bot",
		APIKey:      "sk-ant-test",
		Region:      "bom",
	}
}

// seed inserts a record in the given status, bypassing Deploy.
func (h *harness) seed(t *testing.T, status store.Status, instanceID string) *store.Agent {
	t.Helper()
	now := h.clock.Now()
	h.seeds++
	a := &store.Agent{
		OwnerID:               "0xwallet",
		Name:                  "seeded",
		Status:                status,
		LLMProvider:           "openai",
		LLMModel:              "gpt-4o",
		BotTokenEncrypted:     "00:00",
		GatewayTokenHash:      secret.Hash("token"),
		Subdomain:             fmt.Sprintf("seed%02d%s", h.seeds, status),
		DeployRegion:          "bom",
		InstanceID:            instanceID,
		ProvisioningStartedAt: &now,
		ProvisioningLogs:      []store.LogEntry{store.NewLog(now, store.LevelInfo, "Agent creation initiated")},
	}
	require.NoError(t, h.store.Create(context.Background(), a))
	got, err := h.store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	return got
}
