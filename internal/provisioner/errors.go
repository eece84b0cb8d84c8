package provisioner

import (
	"errors"
	"fmt"
)

// ErrExecution matches every *ExecError.
var ErrExecution = errors.New("terraform execution failed")

// ErrNoWorkspace means the agent has no workspace (and so no terraform state).
var ErrNoWorkspace = errors.New("no terraform workspace")

type Phase string

const (
	PhaseWorkspace Phase = "workspace"
	PhaseVars      Phase = "vars"
	PhaseInit      Phase = "init"
	PhaseApply     Phase = "apply"
	PhaseOutput    Phase = "output"
	PhaseDestroy   Phase = "destroy"
)

// ExecError is a failed provisioning step. Output holds whatever the
// subprocess printed before it failed.
type ExecError struct {
	Phase  Phase
	Output string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("terraform %s: %v", e.Phase, e.Err)
}

func (e *ExecError) Unwrap() []error { return []error{ErrExecution, e.Err} }
