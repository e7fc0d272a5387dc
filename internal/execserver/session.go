// Package execserver implements the in-container command executor: one
// persistent bash session exposed over a small HTTP API. Working directory,
// environment variables, and shell state carry over between commands.
package execserver

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// interruptByte is the tty interrupt character (Ctrl+C). Written to the pty
// master, the line discipline delivers SIGINT to the foreground process
// group — never to bash itself.
const interruptByte = 0x03

// Session is a long-lived bash process on a pseudo-terminal. Commands run in
// the shell's own foreground, so cd, export, functions, and every other piece
// of shell state persist between Run calls. Stdout and stderr are combined in
// terminal order, framed by a per-command sentinel carrying the exit code.
type Session struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	out    *bufio.Reader
	logger *slog.Logger
}

// NewSession starts interactive bash on a fresh pty. Interactive mode gives
// the session job control (foreground commands get their own process group,
// which Interrupt relies on) and makes bash survive SIGINT at the prompt;
// readline is disabled so the terminal settings below stay in effect.
func NewSession(logger *slog.Logger) (*Session, error) {
	cmd := exec.Command("bash", "--noprofile", "--norc", "--noediting", "-i")
	cmd.Env = append(os.Environ(), "PS1=", "PS2=", "TERM=dumb")
	if wd, err := os.Getwd(); err == nil {
		cmd.Dir = wd
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting bash on pty: %w", err)
	}

	s := &Session{
		cmd:    cmd,
		ptmx:   ptmx,
		out:    bufio.NewReader(ptmx),
		logger: logger,
	}
	if err := s.initTerminal(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// initTerminal configures the session terminal and discards everything
// emitted before the settings took hold: echo off so written commands do not
// come back as output, onlcr off so output keeps plain newlines, and noflsh
// so the queued sentinel line survives an interrupt. The exit builtin is
// shadowed so a bare "exit 42" reports status 42 instead of terminating the
// session.
func (s *Session) initTerminal() error {
	marker, err := newMarker()
	if err != nil {
		return err
	}
	setup := fmt.Sprintf("stty -echo -onlcr noflsh; exit() { return \"${1:-$?}\"; }; printf '\\n%s 0\\n'\n", marker)
	if _, err := io.WriteString(s.ptmx, setup); err != nil {
		return fmt.Errorf("configuring session terminal: %w", err)
	}
	_, _, err = s.readUntil(marker)
	return err
}

// Run executes one command in the session's foreground and returns its
// combined output and exit code. The sentinel line is queued on the terminal
// before the command starts, so it still runs when the command is
// interrupted; an interrupted command reports bash's usual 130.
func (s *Session) Run(command string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marker, err := newMarker()
	if err != nil {
		return "", 0, err
	}

	script := fmt.Sprintf("%s\nprintf '\\n%s %%d\\n' \"$?\"\n", command, marker)
	if _, err := io.WriteString(s.ptmx, script); err != nil {
		return "", 0, fmt.Errorf("writing to session: %w", err)
	}
	return s.readUntil(marker)
}

// readUntil collects output lines until the sentinel appears and returns the
// collected output with the exit code the sentinel carries.
func (s *Session) readUntil(marker string) (string, int, error) {
	var b strings.Builder
	for {
		line, err := s.out.ReadString('\n')
		line = strings.ReplaceAll(line, "\r", "")
		if after, found := strings.CutPrefix(strings.TrimSpace(line), marker); found {
			rc, convErr := strconv.Atoi(strings.TrimSpace(after))
			if convErr != nil {
				return "", 0, fmt.Errorf("parsing exit code from %q: %w", line, convErr)
			}
			// Drop the newline printf emitted before the sentinel.
			return strings.TrimSuffix(b.String(), "\n"), rc, nil
		}
		b.WriteString(line)
		if err != nil {
			return "", 0, fmt.Errorf("session output ended unexpectedly: %w", err)
		}
	}
}

// Interrupt breaks the current foreground command without touching the
// session: the command's process group gets SIGINT, bash keeps running with
// its state intact. Safe to call concurrently with a blocked Run; if the
// command already finished, interactive bash swallows the interrupt at its
// prompt and nothing happens.
func (s *Session) Interrupt() error {
	if _, err := s.ptmx.Write([]byte{interruptByte}); err != nil {
		return fmt.Errorf("interrupting session: %w", err)
	}
	return nil
}

// Close terminates the bash process. Deliberately lock-free so a session
// wedged in Run can still be torn down.
func (s *Session) Close() error {
	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

// newMarker returns a sentinel unlikely to appear in command output.
func newMarker() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating marker: %w", err)
	}
	return "__KAZI_DONE_" + hex.EncodeToString(b) + "__", nil
}
