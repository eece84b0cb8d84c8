package provisioner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const outputJSON = `{
  "instance_id": {"sensitive": false, "type": "string", "value": "abc"},
  "main_ip": {"sensitive": false, "type": "string", "value": "1.2.3.4"},
  "status": {"sensitive": false, "type": "string", "value": "active"}
}`

func writeTemplate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range TemplateFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("# "+name+"\n"), 0o644))
	}
	return dir
}

func newTestProvisioner(t *testing.T, r Runner) (*Provisioner, string) {
	t.Helper()
	work := t.TempDir()
	p, err := New(Options{
		TemplateDir: writeTemplate(t),
		WorkDir:     work,
		Runner:      r,
		Env:         []string{"PATH=/usr/bin"},
	})
	require.NoError(t, err)
	return p, work
}

// terraformFake answers each subcommand; fail names a subcommand that exits 1.
func terraformFake(fail string) *FakeRunner {
	return &FakeRunner{Fn: func(c Command) ([]byte, error) {
		sub := c.Args[0]
		if sub == fail {
			return []byte(sub + ": Error: provider rejected request"), errors.New("exit status 1")
		}
		switch sub {
		case "init":
			return []byte("Terraform has been successfully initialized!"), nil
		case "apply":
			return []byte("Apply complete! Resources: 1 added, 0 changed, 0 destroyed."), nil
		case "output":
			return []byte(outputJSON), nil
		case "destroy":
			return []byte("Destroy complete! Resources: 1 destroyed."), nil
		}
		return nil, errors.New("unexpected subcommand " + sub)
	}}
}

func testVars() Vars {
	return Vars{
		CloudAPIKey:   "vultr-key",
		OwnerID:       "0xowner",
		AgentID:       "agent-1",
		LLMProvider:   "anthropic",
		LLMModel:      "claude-3-5-sonnet-20241022",
		BotToken:      "123:bot",
		GatewayToken:  strings.Repeat("f", 64),
		Subdomain:     "abcdef123456",
		Domain:        "clawbrick.com",
		ControlServer: "10.0.0.1",
	}
}

func TestNewRequiresDirs(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRenderAppliesDefaultsAndEscapes(t *testing.T) {
	v := testVars()
	v.BotToken = `a"b\c` + "\n${x}"
	out := v.Render()

	assert.Contains(t, out, `vultr_region        = "bom"`)
	assert.Contains(t, out, `vultr_plan          = "vc2-1c-2gb"`)
	assert.Contains(t, out, `telegram_bot_token  = "a\"b\\c\n$${x}"`)
	assert.Contains(t, out, "# Agent ID: agent-1")
}

func TestWriteVarsIsOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, varsFile)
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	require.NoError(t, WriteVars(dir, testVars()))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `vultr_api_key       = "vultr-key"`)
}

func TestProvisionSuccess(t *testing.T) {
	r := terraformFake("")
	p, work := newTestProvisioner(t, r)

	res := p.Provision(context.Background(), testVars())
	require.True(t, res.Success, "logs: %v", res.Logs)
	require.NoError(t, res.Err)
	assert.Equal(t, &Outputs{InstanceID: "abc", MainIP: "1.2.3.4", Status: "active"}, res.Outputs)

	calls := r.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"init", "-input=false", "-no-color"}, calls[0].Args)
	assert.Equal(t, []string{"apply", "-auto-approve", "-input=false", "-no-color"}, calls[1].Args)
	assert.Equal(t, []string{"output", "-json"}, calls[2].Args)
	assert.Equal(t, 120*time.Second, calls[0].Timeout)
	assert.Equal(t, 300*time.Second, calls[1].Timeout)
	assert.Equal(t, 30*time.Second, calls[2].Timeout)

	dir := filepath.Join(work, "agent-1")
	for _, c := range calls {
		assert.Equal(t, "terraform", c.Name)
		assert.Equal(t, dir, c.Dir)
		assert.Contains(t, c.Env, "TF_IN_AUTOMATION=true")
		assert.Contains(t, c.Env, "TF_INPUT=0")
		assert.Contains(t, c.Env, "PATH=/usr/bin")
	}
	for _, name := range append(TemplateFiles, varsFile) {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	joined := strings.Join(res.Logs, "\n")
	assert.Contains(t, joined, "Initializing Terraform...")
	assert.Contains(t, joined, "Apply complete!")
	assert.Contains(t, joined, "Instance ID: abc")
	assert.Contains(t, joined, "IP Address: 1.2.3.4")
}

func TestProvisionInitFailureShortCircuits(t *testing.T) {
	r := terraformFake("init")
	p, _ := newTestProvisioner(t, r)

	res := p.Provision(context.Background(), testVars())
	assert.False(t, res.Success)
	assert.Nil(t, res.Outputs)
	assert.Len(t, r.Calls(), 1)

	var execErr *ExecError
	require.ErrorAs(t, res.Err, &execErr)
	assert.Equal(t, PhaseInit, execErr.Phase)
	assert.Contains(t, execErr.Output, "provider rejected request")
	assert.ErrorIs(t, res.Err, ErrExecution)
	assert.Contains(t, strings.Join(res.Logs, "\n"), "provider rejected request")
}

func TestProvisionApplyFailure(t *testing.T) {
	r := terraformFake("apply")
	p, _ := newTestProvisioner(t, r)

	res := p.Provision(context.Background(), testVars())
	assert.False(t, res.Success)
	assert.Len(t, r.Calls(), 2)

	var execErr *ExecError
	require.ErrorAs(t, res.Err, &execErr)
	assert.Equal(t, PhaseApply, execErr.Phase)
}

func TestProvisionMissingOutputFields(t *testing.T) {
	r := terraformFake("")
	inner := r.Fn
	r.Fn = func(c Command) ([]byte, error) {
		if c.Args[0] == "output" {
			return []byte(`{"instance_id": {"value": "abc"}}`), nil
		}
		return inner(c)
	}
	p, _ := newTestProvisioner(t, r)

	res := p.Provision(context.Background(), testVars())
	require.True(t, res.Success)
	assert.Equal(t, "abc", res.Outputs.InstanceID)
	assert.Empty(t, res.Outputs.MainIP)
	assert.Empty(t, res.Outputs.Status)
}

func TestProvisionOutputFailureReportsEmpty(t *testing.T) {
	p, _ := newTestProvisioner(t, terraformFake("output"))

	res := p.Provision(context.Background(), testVars())
	require.True(t, res.Success)
	assert.Empty(t, res.Outputs.InstanceID)
	assert.Equal(t, "error", res.Outputs.Status)
}

func TestProvisionMissingTemplate(t *testing.T) {
	r := terraformFake("")
	p, err := New(Options{TemplateDir: t.TempDir(), WorkDir: t.TempDir(), Runner: r})
	require.NoError(t, err)

	res := p.Provision(context.Background(), testVars())
	assert.False(t, res.Success)
	assert.Empty(t, r.Calls())

	var execErr *ExecError
	require.ErrorAs(t, res.Err, &execErr)
	assert.Equal(t, PhaseWorkspace, execErr.Phase)
}

func TestDestroyAgent(t *testing.T) {
	r := terraformFake("")
	p, work := newTestProvisioner(t, r)
	require.True(t, p.Provision(context.Background(), testVars()).Success)

	out, err := p.DestroyAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Destroy complete!")

	calls := r.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, []string{"destroy", "-auto-approve", "-input=false", "-no-color"}, last.Args)
	assert.Equal(t, 300*time.Second, last.Timeout)
	assert.Equal(t, filepath.Join(work, "agent-1"), last.Dir)
}

func TestDestroyAgentWithoutWorkspace(t *testing.T) {
	r := terraformFake("")
	p, _ := newTestProvisioner(t, r)

	_, err := p.DestroyAgent(context.Background(), "never-provisioned")
	assert.ErrorIs(t, err, ErrNoWorkspace)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Empty(t, r.Calls())
}

func TestDestroyAgentFailureCarriesOutput(t *testing.T) {
	r := terraformFake("destroy")
	p, _ := newTestProvisioner(t, r)
	require.True(t, p.Provision(context.Background(), testVars()).Success)

	out, err := p.DestroyAgent(context.Background(), "agent-1")
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, PhaseDestroy, execErr.Phase)
	assert.Equal(t, out, execErr.Output)
}

func TestCleanupWorkspace(t *testing.T) {
	p, work := newTestProvisioner(t, terraformFake(""))
	dir, err := p.InitWorkspace("agent-2")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	p.CleanupWorkspace("agent-2")
	assert.NoDirExists(t, filepath.Join(work, "agent-2"))
	p.CleanupWorkspace("agent-2")
}

func TestWorkspaceDirStaysInsideWorkDir(t *testing.T) {
	p, work := newTestProvisioner(t, terraformFake(""))
	for _, id := range []string{"../../etc", "a/b", "/abs"} {
		dir := p.WorkspaceDir(id)
		assert.Equal(t, work, filepath.Dir(dir), id)
	}
}

func TestShippedTemplateIsComplete(t *testing.T) {
	for _, name := range TemplateFiles {
		assert.FileExists(t, filepath.Join("..", "..", "deploy", "terraform", "openclaw", name))
	}
	main, err := os.ReadFile(filepath.Join("..", "..", "deploy", "terraform", "openclaw", "main.tf"))
	require.NoError(t, err)
	for _, out := range []string{`output "instance_id"`, `output "main_ip"`, `output "status"`} {
		assert.Contains(t, string(main), out)
	}
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	out, err := ExecRunner{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	assert.Error(t, err)
	assert.Contains(t, string(out), "out")
	assert.Contains(t, string(out), "err")
}

func TestExecRunnerTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	start := time.Now()
	_, err := ExecRunner{}.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 10"},
		Timeout: 200 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 8*time.Second)
}
