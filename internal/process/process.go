// Package process owns the lifecycle of one agent CLI child process: its
// spawn, its stdin channel, and the ordered delivery of its stdout/stderr
// lines. One Handle maps to exactly one OS process.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// maxLineSize bounds a single output line. Agent CLIs embed whole file
// contents in tool results, so the scanner buffer must be generous.
const maxLineSize = 4 * 1024 * 1024

// SpawnError indicates the provider binary is missing or not executable.
// It is fatal to session creation.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Line is one output line from the child process, in arrival order.
type Line struct {
	Text   []byte
	Stderr bool
}

// Handle owns one running child process.
type Handle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	lines chan Line
	done  chan struct{}

	writeMu sync.Mutex

	exitMu  sync.Mutex
	exitErr error

	closeOnce sync.Once
}

// Spawn starts the provider binary with the workspace path as its working
// directory. Output pumping begins immediately; callers consume Lines until
// it is closed and then check ExitErr.
func Spawn(binary string, args []string, workdir string) (*Handle, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	cmd := exec.Command(path, args...) //nolint:gosec // G204: binary comes from validated config
	cmd.Dir = workdir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: binary, Err: err}
	}

	h := &Handle{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan Line, 256),
		done:  make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go h.pump(stdout, false, &pumps)
	go h.pump(stderr, true, &pumps)

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		h.exitMu.Lock()
		h.exitErr = err
		h.exitMu.Unlock()
		close(h.lines)
		close(h.done)
	}()

	return h, nil
}

// pump forwards one stream line by line, preserving arrival order within
// the stream.
func (h *Handle) pump(r io.Reader, stderr bool, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		// Copy: the scanner reuses its buffer between calls.
		text := make([]byte, len(scanner.Bytes()))
		copy(text, scanner.Bytes())
		h.lines <- Line{Text: text, Stderr: stderr}
	}
}

// Lines returns the merged output channel. It is closed after the process
// exits and both streams drain.
func (h *Handle) Lines() <-chan Line { return h.lines }

// Done is closed when the process has exited and its pipes are released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the process exit error, if any. Only meaningful after
// Done is closed.
func (h *Handle) ExitErr() error {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	return h.exitErr
}

// WriteLine writes one line to the process's input channel. It may block
// briefly on a full pipe but never touches other sessions.
func (h *Handle) WriteLine(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := h.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// Interrupt sends a cancellation signal to the process. The caller is
// responsible for the bounded wait and the Kill escalation.
func (h *Handle) Interrupt() error {
	if err := h.cmd.Process.Signal(syscall.SIGINT); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil // already gone
		}
		return fmt.Errorf("interrupt agent process: %w", err)
	}
	return nil
}

// Kill force-terminates the process.
func (h *Handle) Kill() {
	_ = h.cmd.Process.Kill()
}

// Close terminates the process and releases its OS resources. It runs on
// every exit path and is safe to call multiple times.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		_ = h.stdin.Close()
		select {
		case <-h.done:
			// Already exited; pipes are closed by Wait.
		default:
			h.Kill()
			<-h.done
		}
	})
}
