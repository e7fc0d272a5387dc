// Package sandbox provides the isolated execution environment for agent
// commands. All commands run inside a container — never directly on the host.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/kazibot/kazi/internal/mount"
)

const (
	// WorkDir is the container directory where mounted data appears writable.
	WorkDir = "/workdir"

	// ReadOnlyBase is the container directory holding read-only bind mounts
	// that back the overlay union under WorkDir.
	ReadOnlyBase = "/ro"

	// ExitTimeout is the conventional exit code reported when a command hit
	// the client-side execution timeout.
	ExitTimeout = 124
)

// State tracks the environment lifecycle. Transitions are one-way:
// Unstarted → Starting → Running → Stopped.
type State int

const (
	Unstarted State = iota
	Starting
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotRunning is returned when Execute or a copy operation is called
	// outside the Running state. This is a programming error, not a runtime
	// condition to retry.
	ErrNotRunning = errors.New("sandbox: environment is not running")

	// ErrStartupTimeout is returned when the in-container executor did not
	// become ready within the startup grace period.
	ErrStartupTimeout = errors.New("sandbox: executor did not become ready in time")
)

// CmdReturn is the outcome of one command execution. A non-zero ReturnCode
// is an ordinary result, never a Go error.
type CmdReturn struct {
	Stdout     string
	Stderr     string
	ReturnCode int
}

// Environment is a long-lived shell session in an isolated container.
// One environment hosts one persistent session: working directory and shell
// state carry over between Execute calls.
type Environment interface {
	// Start creates the container, applies the mount (may be nil), and waits
	// for the in-container executor to become ready.
	Start(ctx context.Context, m *mount.Mount) error

	// Execute runs one command in the persistent session. The timeout is
	// enforced client-side; on expiry the foreground process is interrupted
	// and a CmdReturn with ReturnCode ExitTimeout is returned. The session
	// remains usable afterwards.
	Execute(ctx context.Context, command string, timeout time.Duration) (*CmdReturn, error)

	// CopyToContainer copies a host file or directory into destDir inside
	// the container. A missing source reports false, not an error.
	CopyToContainer(ctx context.Context, hostPath, destDir string) bool

	// CopyFromContainer copies a container path into hostDestDir. A missing
	// source reports false, not an error.
	CopyFromContainer(ctx context.Context, containerPath, hostDestDir string) bool

	// Stop tears the container down. Idempotent; never returns an error for
	// an already-stopped environment.
	Stop(ctx context.Context) error

	State() State
}
