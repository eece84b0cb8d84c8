// Package provisioner drives the terraform CLI to create and destroy agent VMs.
// Each agent gets its own workspace directory holding the template files, the
// rendered variables and the terraform state, so concurrent runs never share
// state.
package provisioner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clawbrick/internal/logger"
	"clawbrick/internal/tracer"
)

// TemplateFiles are copied from the template directory into every workspace.
var TemplateFiles = []string{"main.tf", "variables.tf", "bootstrap.sh"}

type Options struct {
	TemplateDir string
	WorkDir     string
	Binary      string
	Runner      Runner
	Logger      *slog.Logger
	// Env is the base environment for terraform; nil means os.Environ().
	Env []string

	InitTimeout    time.Duration
	ApplyTimeout   time.Duration
	OutputTimeout  time.Duration
	DestroyTimeout time.Duration

	Now func() time.Time
}

type Outputs struct {
	InstanceID string
	MainIP     string
	Status     string
}

// Result is the outcome of a full provisioning run. Err is the *ExecError of
// the failing step when Success is false.
type Result struct {
	Success bool
	Outputs *Outputs
	Logs    []string
	Err     error
}

type Provisioner struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) (*Provisioner, error) {
	if opts.TemplateDir == "" || opts.WorkDir == "" {
		return nil, errors.New("provisioner: template and work directories are required")
	}
	if opts.Binary == "" {
		opts.Binary = "terraform"
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 120 * time.Second
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 300 * time.Second
	}
	if opts.OutputTimeout <= 0 {
		opts.OutputTimeout = 30 * time.Second
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = 300 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Provisioner{opts: opts, log: log.With("component", "provisioner")}, nil
}

// WorkspaceDir is the workspace for agentID. Ids are reduced to their base
// name so a crafted id cannot escape WorkDir.
func (p *Provisioner) WorkspaceDir(agentID string) string {
	return filepath.Join(p.opts.WorkDir, filepath.Base(filepath.Clean("/"+agentID)))
}

// InitWorkspace creates the agent's workspace and copies the template into it.
func (p *Provisioner) InitWorkspace(agentID string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", &ExecError{Phase: PhaseWorkspace, Err: errors.New("empty agent id")}
	}
	dir := p.WorkspaceDir(agentID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", &ExecError{Phase: PhaseWorkspace, Err: fmt.Errorf("create workspace: %w", err)}
	}
	for _, name := range TemplateFiles {
		sum, err := copyFile(filepath.Join(p.opts.TemplateDir, name), filepath.Join(dir, name))
		if err != nil {
			return "", &ExecError{Phase: PhaseWorkspace, Err: fmt.Errorf("copy %s: %w", name, err)}
		}
		p.log.Debug("template copied", "agent_id", agentID, "file", name, "sha256", sum)
	}
	return dir, nil
}

// CleanupWorkspace removes the workspace. Failures are logged, never returned.
func (p *Provisioner) CleanupWorkspace(agentID string) {
	dir := p.WorkspaceDir(agentID)
	if err := os.RemoveAll(dir); err != nil {
		p.log.Warn("workspace cleanup failed", "agent_id", agentID, "dir", dir, "error", err)
	}
}

func (p *Provisioner) env() []string {
	base := p.opts.Env
	if base == nil {
		base = os.Environ()
	}
	return append(append([]string(nil), base...), "TF_IN_AUTOMATION=true", "TF_INPUT=0")
}

func (p *Provisioner) run(ctx context.Context, phase Phase, dir string, timeout time.Duration, args ...string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "terraform."+string(phase), tracer.StringAttr("dir", dir))
	start := p.opts.Now()
	out, err := p.opts.Runner.Run(ctx, Command{
		Dir:     dir,
		Name:    p.opts.Binary,
		Args:    args,
		Env:     p.env(),
		Timeout: timeout,
	})
	output := string(out)
	if err != nil {
		err = &ExecError{Phase: phase, Output: output, Err: err}
	}
	tracer.End(span, err)
	if err != nil {
		p.log.Warn("terraform failed", "phase", phase, "dir", dir,
			"duration", p.opts.Now().Sub(start), "error", err)
	} else {
		p.log.Info("terraform finished", "phase", phase, "dir", dir,
			"duration", p.opts.Now().Sub(start))
	}
	return output, err
}

func (p *Provisioner) Init(ctx context.Context, dir string) (string, error) {
	return p.run(ctx, PhaseInit, dir, p.opts.InitTimeout, "init", "-input=false", "-no-color")
}

func (p *Provisioner) Apply(ctx context.Context, dir string) (string, error) {
	return p.run(ctx, PhaseApply, dir, p.opts.ApplyTimeout, "apply", "-auto-approve", "-input=false", "-no-color")
}

func (p *Provisioner) Destroy(ctx context.Context, dir string) (string, error) {
	return p.run(ctx, PhaseDestroy, dir, p.opts.DestroyTimeout, "destroy", "-auto-approve", "-input=false", "-no-color")
}

// Output reads `terraform output -json`. Missing outputs come back as empty
// strings; the caller decides whether that is a failure.
func (p *Provisioner) Output(ctx context.Context, dir string) (*Outputs, error) {
	raw, err := p.run(ctx, PhaseOutput, dir, p.opts.OutputTimeout, "output", "-json")
	if err != nil {
		return nil, err
	}
	return parseOutputs([]byte(raw))
}

func parseOutputs(raw []byte) (*Outputs, error) {
	var doc map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ExecError{Phase: PhaseOutput, Output: string(raw), Err: fmt.Errorf("decode outputs: %w", err)}
	}
	str := func(k string) string {
		if v, ok := doc[k].Value.(string); ok {
			return v
		}
		return ""
	}
	return &Outputs{InstanceID: str("instance_id"), MainIP: str("main_ip"), Status: str("status")}, nil
}

func (p *Provisioner) stamp(msg string) string {
	return fmt.Sprintf("[%s] %s", p.opts.Now().UTC().Format(time.RFC3339), msg)
}

// Provision runs workspace, vars, init, apply and output in order and stops
// at the first failure. There are no retries.
func (p *Provisioner) Provision(ctx context.Context, v Vars) Result {
	ctx, span := tracer.StartSpan(ctx, "provision", tracer.StringAttr("agent_id", v.AgentID))
	res := p.provision(ctx, v)
	tracer.End(span, res.Err)
	return res
}

func (p *Provisioner) provision(ctx context.Context, v Vars) Result {
	var logs []string
	fail := func(err error, output string) Result {
		logs = appendOutput(logs, output)
		logs = append(logs, p.stamp("Error: "+err.Error()))
		return Result{Success: false, Logs: logs, Err: err}
	}

	dir, err := p.InitWorkspace(v.AgentID)
	if err != nil {
		return fail(err, "")
	}

	logs = append(logs, p.stamp("Creating Terraform configuration..."))
	if err := WriteVars(dir, v); err != nil {
		return fail(&ExecError{Phase: PhaseVars, Err: err}, "")
	}

	logs = append(logs, p.stamp("Initializing Terraform..."))
	out, err := p.Init(ctx, dir)
	if err != nil {
		return fail(err, out)
	}
	logs = appendOutput(logs, out)

	logs = append(logs, p.stamp("Provisioning Vultr instance..."))
	out, err = p.Apply(ctx, dir)
	if err != nil {
		return fail(err, out)
	}
	logs = appendOutput(logs, out)

	logs = append(logs, p.stamp("Retrieving instance details..."))
	outputs, err := p.Output(ctx, dir)
	if err != nil {
		// Apply succeeded, so the VM may exist; report empty outputs and let
		// the caller reject them.
		p.log.Warn("terraform output failed", "agent_id", v.AgentID, "error", err)
		logs = append(logs, p.stamp("Failed to read outputs: "+err.Error()))
		outputs = &Outputs{Status: "error"}
	}
	logs = append(logs,
		"Instance ID: "+outputs.InstanceID,
		"IP Address: "+outputs.MainIP,
		"Status: "+outputs.Status,
	)
	return Result{Success: true, Outputs: outputs, Logs: logs}
}

// DestroyAgent runs terraform destroy in the agent's workspace. Without a
// workspace there is no state to destroy from, so ErrNoWorkspace is returned.
func (p *Provisioner) DestroyAgent(ctx context.Context, agentID string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "destroy", tracer.StringAttr("agent_id", agentID))
	dir := p.WorkspaceDir(agentID)
	if _, err := os.Stat(filepath.Join(dir, varsFile)); err != nil {
		err = &ExecError{Phase: PhaseDestroy, Err: fmt.Errorf("%w: %s", ErrNoWorkspace, dir)}
		tracer.End(span, err)
		return "", err
	}
	out, err := p.Destroy(ctx, dir)
	tracer.End(span, err)
	return out, err
}

func appendOutput(logs []string, out string) []string {
	if s := strings.TrimSpace(out); s != "" {
		logs = append(logs, s)
	}
	return logs
}

func copyFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
