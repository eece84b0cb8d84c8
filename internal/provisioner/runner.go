package provisioner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// Command is one subprocess invocation.
type Command struct {
	Dir     string
	Name    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

func (c Command) String() string {
	return fmt.Sprint(append([]string{c.Name}, c.Args...))
}

// Runner executes a command and returns its combined stdout and stderr.
// Output is returned even when err is non-nil.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ErrTimeout marks a command killed because it exceeded its timeout.
var ErrTimeout = errors.New("command timed out")

// ExecRunner runs commands with os/exec. The child runs in its own process
// group so a timeout kills everything terraform spawned.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out.Bytes(), fmt.Errorf("%w after %s: %v", ErrTimeout, c.Timeout, err)
	}
	return out.Bytes(), err
}

// FakeRunner records commands and answers them from Fn, or with Output/Err.
type FakeRunner struct {
	Output string
	Err    error
	Fn     func(Command) ([]byte, error)

	mu    sync.Mutex
	calls []Command
}

func (f *FakeRunner) Run(_ context.Context, c Command) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.Fn != nil {
		return f.Fn(c)
	}
	return []byte(f.Output), f.Err
}

// Calls returns a copy of the commands run so far.
func (f *FakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}
