// Package execx runs external commands and classifies their results.
//
// Every system mutation in this action is a CLI invocation (systemctl,
// journalctl, ss, uname). execx is the single collaborator through which
// those invocations flow, so the higher layers can be tested against a
// scripted fake instead of a live host.
package execx

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
)

// Result carries the observable outcome of one command invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands. Implementations must be synchronous:
// Run returns only after the command has exited. The returned error is
// non-nil for non-zero exits (wrapping *exec.ExitError) and for
// failure-to-start conditions (wrapping exec.ErrNotFound and friends).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner is the production Runner backed by os/exec. Commands are
// invoked directly, never through a shell.
type ExecRunner struct {
	// Log, when non-nil, receives a debug line per invocation.
	Log *slog.Logger
}

// Run executes name with args and waits for it to exit. The context bounds
// the command's lifetime via exec.CommandContext.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		// The command never started (e.g. binary not found).
		res.ExitCode = -1
	}

	if r.Log != nil {
		r.Log.Debug("exec",
			"command", name,
			"args", strings.Join(args, " "),
			"exit_code", res.ExitCode,
			"error", err)
	}
	return res, err
}
