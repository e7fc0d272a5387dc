package execserver

import (
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func skipIfNoBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available, skipping")
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	skipIfNoBash(t)

	s, err := NewSession(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_RunCapturesOutputAndExitCode(t *testing.T) {
	s := newTestSession(t)

	out, rc, err := s.Run("echo hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rc != 0 {
		t.Errorf("exit code = %d, want 0", rc)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("output = %q, want hello", out)
	}

	_, rc, err = s.Run("exit 42")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rc != 42 {
		t.Errorf("exit code = %d, want 42", rc)
	}

	// exit reports a status without terminating the session.
	out, rc, err = s.Run("echo still here")
	if err != nil {
		t.Fatalf("Run after exit: %v", err)
	}
	if rc != 0 || !strings.Contains(out, "still here") {
		t.Errorf("session dead after exit: rc=%d output=%q", rc, out)
	}
}

func TestSession_StatePersistsBetweenCommands(t *testing.T) {
	s := newTestSession(t)

	if _, _, err := s.Run("cd /tmp && export KAZI_TEST=persisted"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, rc, err := s.Run("pwd; echo $KAZI_TEST")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rc != 0 {
		t.Fatalf("exit code = %d", rc)
	}
	if !strings.Contains(out, "/tmp") || !strings.Contains(out, "persisted") {
		t.Errorf("session state lost, output = %q", out)
	}

	// Shell functions persist too.
	if _, _, err := s.Run("greet() { echo \"hi $1\"; }"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out, _, err = s.Run("greet world")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "hi world") {
		t.Errorf("function lost between commands, output = %q", out)
	}
}

func TestSession_StderrInterleavedWithStdout(t *testing.T) {
	s := newTestSession(t)

	out, _, err := s.Run("echo out; echo err >&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Errorf("combined output = %q, want both streams", out)
	}
}

func TestSession_InterruptedCommandDoesNotKillSession(t *testing.T) {
	s := newTestSession(t)

	done := make(chan struct{})
	var out string
	var rc int
	var runErr error
	go func() {
		out, rc, runErr = s.Run("sleep 30")
		close(done)
	}()

	// Interrupt repeatedly until Run returns: the first tick may land before
	// bash has started the command, where an idle session ignores it.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-deadline:
			t.Fatal("Run did not return after interrupt")
		case <-tick.C:
			if err := s.Interrupt(); err != nil {
				t.Fatalf("Interrupt: %v", err)
			}
		}
	}
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if rc == 0 {
		t.Errorf("interrupted command reported success, output = %q", out)
	}

	// Session must still answer, with its state intact.
	out, rc, err := s.Run("echo alive")
	if err != nil {
		t.Fatalf("Run after interrupt: %v", err)
	}
	if rc != 0 || !strings.Contains(out, "alive") {
		t.Errorf("session dead after interrupt: rc=%d output=%q", rc, out)
	}
}

func TestSession_MarkerNeverLeaksIntoOutput(t *testing.T) {
	s := newTestSession(t)

	out, _, err := s.Run("echo plain")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(out, "__KAZI_DONE_") {
		t.Errorf("sentinel leaked into output: %q", out)
	}
}
