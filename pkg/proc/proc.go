// Package proc wraps OS process creation, liveness checks and termination
// for both supervised children and adopted descendants of forking services.
package proc

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// Command is a fully resolved, fully expanded invocation: the executable
// path, argv, merged environment and working directory.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Handle tracks either a child spawned by us or an adopted pid discovered by
// a forking service's healthcheck.
type Handle struct {
	cmd *exec.Cmd
	pid int
}

// Start spawns the command without waiting for it. The child is created
// detached from any console window.
func Start(command Command) (*Handle, error) {
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Env = command.Env
	cmd.Dir = command.Dir
	cmd.Stdout = command.Stdout
	cmd.Stderr = command.Stderr
	hideWindow(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &Handle{cmd: cmd, pid: cmd.Process.Pid}, nil
}

// Run invokes the command as a one-shot, discarding output unless writers are
// set, and returns its exit code. The context bounds the run; on timeout the
// child is killed and ctx.Err is returned.
func Run(ctx context.Context, command Command) (int, error) {
	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Env = command.Env
	cmd.Dir = command.Dir
	cmd.Stdout = command.Stdout
	cmd.Stderr = command.Stderr
	hideWindow(cmd)

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return exitErr.ExitCode(), ctx.Err()
		}

		return exitErr.ExitCode(), nil
	}

	return -1, err
}

// Adopt returns a handle for a pid that was not spawned by us.
func Adopt(pid int) *Handle {
	return &Handle{pid: pid}
}

// Pid returns the tracked process identifier.
func (h *Handle) Pid() int {
	return h.pid
}

// Wait blocks until the process exits and returns its exit code. For adopted
// pids the exit code cannot be observed; Wait polls for liveness and returns
// zero once the process is gone.
func (h *Handle) Wait() (int, error) {
	if h.cmd != nil {
		err := h.cmd.Wait()
		if err == nil {
			return 0, nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}

		return -1, err
	}

	for Alive(h.pid) {
		time.Sleep(500 * time.Millisecond)
	}

	return 0, nil
}

// Terminate requests a graceful shutdown of the process.
func (h *Handle) Terminate() error {
	return terminate(h.pid)
}

// Kill forcibly ends the process.
func (h *Handle) Kill() error {
	if h.cmd != nil && h.cmd.Process != nil {
		return h.cmd.Process.Kill()
	}

	process, err := os.FindProcess(h.pid)
	if err != nil {
		return err
	}

	return process.Kill()
}

// Alive reports whether a process with the given pid currently exists.
func Alive(pid int) bool {
	return alive(pid)
}

// FindByImageName returns the pid of a running process whose executable image
// name equals image, if any.
func FindByImageName(image string) (int, bool) {
	return findByImageName(image)
}
