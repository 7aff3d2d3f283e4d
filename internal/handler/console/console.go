// Package console provides the two reference handlers shipped under
// action_name "Console": run_console and run_powershell. Both check
// with shlex that the firing's configuration parses as shell tokens,
// then hand the raw line to the interpreter and run the child in its
// own process group so a timeout can kill the whole
// group rather than just the direct child.
package console

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/google/shlex"

	"github.com/runinator/runinator/internal/handler"
)

const (
	ActionName         = "Console"
	FunctionShell      = "run_console"
	FunctionPowerShell = "run_powershell"
)

// Register adds both Console handlers to r.
func Register(r *handler.Registry) {
	r.Register(handler.Key{ActionName: ActionName, ActionFunction: FunctionShell}, RunConsole)
	r.Register(handler.Key{ActionName: ActionName, ActionFunction: FunctionPowerShell}, RunPowerShell)
}

// RunConsole interprets configuration as a shell command line and
// runs it via "sh -c".
func RunConsole(ctx context.Context, configuration []byte) (handler.Outcome, error) {
	return runShell(ctx, "sh", "-c", string(configuration))
}

// RunPowerShell is the same contract with a PowerShell-style
// interpreter, per spec.md §4.6.
func RunPowerShell(ctx context.Context, configuration []byte) (handler.Outcome, error) {
	return runShell(ctx, "pwsh", "-Command", string(configuration))
}

func runShell(ctx context.Context, interpreter string, flag string, line string) (handler.Outcome, error) {
	if line == "" {
		return handler.Outcome{Success: false, Retryable: false, Message: "empty command configuration"}, nil
	}

	// Validate the line parses as shell tokens (surfaced on failure
	// the way the teacher falls back to strings.Fields); the
	// interpreter still receives the raw line so its own quoting
	// rules apply.
	if _, err := shlex.Split(line); err != nil {
		return handler.Outcome{Success: false, Retryable: false, Message: fmt.Sprintf("malformed command: %v", err)}, nil
	}

	cmd := exec.CommandContext(ctx, interpreter, flag, line)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		killProcessGroup(cmd)
		return handler.Outcome{}, ctx.Err()
	}
	if runErr != nil {
		return handler.Outcome{
			Success:   false,
			Retryable: false,
			Message:   fmt.Sprintf("exit error: %v: %s", runErr, stderr.String()),
		}, nil
	}

	return handler.Outcome{Success: true, Stdout: stdout.String()}, nil
}

// killProcessGroup best-effort kills the whole process group so a
// shell that spawned children does not outlive the timeout.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
