package process

import (
	"errors"
	"testing"
	"time"
)

func collectLines(t *testing.T, h *Handle) []Line {
	t.Helper()
	var out []Line
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-h.Lines():
			if !ok {
				return out
			}
			out = append(out, line)
		case <-timeout:
			t.Fatal("timed out draining process output")
		}
	}
}

// TestSpawnMissingBinary verifies an unknown binary fails with a SpawnError
// rather than a half-started handle.
func TestSpawnMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := Spawn("definitely-not-a-real-binary-xyz", nil, t.TempDir())
	if err == nil {
		t.Fatal("expected spawn error")
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Errorf("error = %T, want *SpawnError", err)
	}
}

// TestSpawnCapturesStdoutAndStderr verifies both streams arrive tagged and
// line-split, and the handle reports a clean exit.
func TestSpawnCapturesStdoutAndStderr(t *testing.T) {
	t.Parallel()

	h, err := Spawn("sh", []string{"-c", "echo out1; echo err1 1>&2; echo out2"}, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Close()

	lines := collectLines(t, h)

	var stdout, stderr []string
	for _, l := range lines {
		if l.Stderr {
			stderr = append(stderr, string(l.Text))
		} else {
			stdout = append(stdout, string(l.Text))
		}
	}
	if len(stdout) != 2 || stdout[0] != "out1" || stdout[1] != "out2" {
		t.Errorf("stdout = %v, want [out1 out2] in order", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "err1" {
		t.Errorf("stderr = %v, want [err1]", stderr)
	}

	<-h.Done()
	if err := h.ExitErr(); err != nil {
		t.Errorf("exit err = %v, want nil", err)
	}
}

// TestWriteLineReachesStdin verifies input lines reach the child.
func TestWriteLineReachesStdin(t *testing.T) {
	t.Parallel()

	h, err := Spawn("cat", nil, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := h.WriteLine([]byte("hello child")); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	select {
	case line := <-h.Lines():
		if string(line.Text) != "hello child" {
			t.Errorf("echoed line = %q", line.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed line")
	}

	h.Close()
	<-h.Done()
}

// TestExitErrReportsFailure verifies a non-zero exit surfaces through
// ExitErr after Done.
func TestExitErrReportsFailure(t *testing.T) {
	t.Parallel()

	h, err := Spawn("sh", []string{"-c", "exit 3"}, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Close()

	<-h.Done()
	if h.ExitErr() == nil {
		t.Error("expected non-nil exit error for exit 3")
	}
}

// TestCloseTerminatesRunningProcess verifies Close tears down a process that
// would otherwise run forever, and is safe to call twice.
func TestCloseTerminatesRunningProcess(t *testing.T) {
	t.Parallel()

	h, err := Spawn("sleep", []string{"60"}, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done := make(chan struct{})
	go func() {
		h.Close()
		h.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not terminate the process in time")
	}
}

// TestInterruptSignalsProcess verifies SIGINT delivery ends a process that
// handles it with default disposition.
func TestInterruptSignalsProcess(t *testing.T) {
	t.Parallel()

	h, err := Spawn("sleep", []string{"60"}, t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Close()

	if err := h.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGINT")
	}
}
