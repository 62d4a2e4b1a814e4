// Package proc spawns and supervises the child processes of a test case:
// stream capture, wait conditions, timeouts, and the SIGTERM→SIGKILL
// termination sequence.
package proc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"execspec/pkg/logging"
)

// DefaultGrace is how long a background process gets between SIGTERM and
// SIGKILL.
const DefaultGrace = 1 * time.Second

// Spec is a fully resolved process description: every argv element, stdin
// byte and env entry has already been through expression evaluation.
type Spec struct {
	Name      string
	Argv      []string
	Stdin     []byte
	Env       [][2]string
	Timeout   time.Duration // 0 means no timeout
	Grace     time.Duration // 0 means DefaultGrace
	TeeStdout bool
	TeeStderr bool
}

// Status is the observed end state of a process. Signal exits carry
// 128+signal in Code so that status matchers can assert them.
type Status struct {
	Code     int
	Signaled bool
	TimedOut bool
}

// Result is what the controller hands back after reaping a process.
type Result struct {
	Status Status
	Stdout []byte
	Stderr []byte
}

// Handle owns a running child. Stream readers are run by the exec runtime
// against the Captures; Wait/Terminate reap the process exactly once.
type Handle struct {
	Name   string
	cmd    *exec.Cmd
	stdout *Capture
	stderr *Capture

	mu     sync.Mutex
	waited bool
	exited chan struct{}
	status Status
	err    error
}

// Start spawns the process described by spec. Stdin is piped and closed
// after writing; stdout and stderr are piped into Captures, teeing to
// teeOut/teeErr when enabled. The child never inherits the parent's streams.
func Start(spec Spec, teeOut, teeErr io.Writer) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("cannot execute empty command")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(spec.Stdin)

	var outTee, errTee io.Writer
	if spec.TeeStdout {
		outTee = teeOut
	}
	if spec.TeeStderr {
		errTee = teeErr
	}
	stdout := NewCapture(outTee)
	stderr := NewCapture(errTee)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if len(spec.Env) > 0 {
		env := os.Environ()
		for _, kv := range spec.Env {
			env = append(env, kv[0]+"="+kv[1])
		}
		cmd.Env = env
	}

	// Grandchildren can keep the output pipes open after the child dies;
	// bound the post-exit drain so Wait cannot hang forever.
	cmd.WaitDelay = DefaultGrace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot execute %s: %w", quoteArgv(spec.Argv), err)
	}

	h := &Handle{
		Name:   spec.Name,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// reap waits for the process and the runtime's stream copiers, then records
// the exit status.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	switch e := err.(type) {
	case nil:
		h.status = Status{Code: 0}
	case *exec.ExitError:
		if ws, ok := e.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			h.status = Status{Code: 128 + int(ws.Signal()), Signaled: true}
		} else {
			h.status = Status{Code: e.ExitCode()}
		}
	default:
		if errors.Is(err, exec.ErrWaitDelay) && h.cmd.ProcessState != nil {
			// The child exited but something held its pipes open past the
			// drain window; the exit status is still valid.
			if ws, ok := h.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				h.status = Status{Code: 128 + int(ws.Signal()), Signaled: true}
			} else {
				h.status = Status{Code: h.cmd.ProcessState.ExitCode()}
			}
		} else {
			h.err = err
		}
	}
	close(h.exited)
}

// StdoutBytes returns a snapshot of the captured stdout.
func (h *Handle) StdoutBytes() []byte { return h.stdout.Bytes() }

// StderrBytes returns a snapshot of the captured stderr.
func (h *Handle) StderrBytes() []byte { return h.stderr.Bytes() }

// Exited reports without blocking whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or the timeout fires. On timeout the
// process is killed and the result carries a TimedOut status with whatever
// output was captured.
func (h *Handle) Wait(timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		<-h.exited
		return h.result()
	}
	select {
	case <-h.exited:
		return h.result()
	case <-time.After(timeout):
		logging.Debug("proc", "process %s exceeded timeout %s, killing", h.Name, timeout)
		if err := h.cmd.Process.Kill(); err != nil {
			logging.Warn("proc", "failed to kill process %s: %v", h.Name, err)
		}
		<-h.exited
		res, err := h.result()
		if err != nil {
			return res, err
		}
		res.Status = Status{TimedOut: true}
		return res, nil
	}
}

// Terminate sends SIGTERM, waits out the grace period and escalates to
// SIGKILL. A process that already exited is just reaped and its status used
// as-is.
func (h *Handle) Terminate(grace time.Duration) (Result, error) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	select {
	case <-h.exited:
		return h.result()
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Likely exited between the check and the signal.
		logging.Debug("proc", "SIGTERM to %s failed: %v", h.Name, err)
	}

	select {
	case <-h.exited:
		return h.result()
	case <-time.After(grace):
		logging.Debug("proc", "process %s ignored SIGTERM, killing", h.Name)
		if err := h.cmd.Process.Kill(); err != nil {
			logging.Warn("proc", "failed to kill process %s: %v", h.Name, err)
		}
		<-h.exited
		return h.result()
	}
}

func (h *Handle) result() (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return Result{}, h.err
	}
	return Result{
		Status: h.status,
		Stdout: h.stdout.Bytes(),
		Stderr: h.stderr.Bytes(),
	}, nil
}
