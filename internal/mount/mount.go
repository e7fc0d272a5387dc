// Package mount describes how a host path is projected into the sandbox.
package mount

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// Permission controls whether the sandbox may write through to the host path.
type Permission string

const (
	ReadOnly  Permission = "READ_ONLY"
	ReadWrite Permission = "READ_WRITE"
)

// Mode returns the Docker volume mode string for the permission.
func (p Permission) Mode() string {
	if p == ReadWrite {
		return "rw"
	}
	return "ro"
}

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == ReadOnly || p == ReadWrite
}

// AttachMode controls how the host path is attached to the container.
type AttachMode string

const (
	// AttachBind mounts the host path as a Docker volume. Only possible at
	// container creation.
	AttachBind AttachMode = "BIND"
	// AttachCopy transfers the host path into the container after it is
	// already running.
	AttachCopy AttachMode = "COPY"
)

// Valid reports whether m is a known attach mode.
func (m AttachMode) Valid() bool {
	return m == AttachBind || m == AttachCopy
}

// ErrHostPathMissing is returned when the mount's host path does not exist.
var ErrHostPathMissing = errors.New("mount host path does not exist")

// Mount is an immutable projection of one host path into the sandbox.
type Mount struct {
	HostPath    string // Absolute host path, resolved at construction.
	SandboxPath string // Directory inside the container (e.g. "/workdir").
	Permission  Permission
	AttachMode  AttachMode

	baseName string
}

// New validates and constructs a Mount. The host path must exist at
// construction time; a missing path is a configuration error, not a
// runtime condition.
func New(hostPath, sandboxPath string, perm Permission, mode AttachMode) (*Mount, error) {
	if hostPath == "" {
		return nil, fmt.Errorf("mount: host path is required")
	}
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return nil, fmt.Errorf("mount: resolving host path %q: %w", hostPath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("mount: %q: %w", abs, ErrHostPathMissing)
	}
	if !perm.Valid() {
		return nil, fmt.Errorf("mount: permission must be %s or %s, got %q", ReadOnly, ReadWrite, perm)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("mount: attach mode must be %s or %s, got %q", AttachBind, AttachCopy, mode)
	}
	if sandboxPath == "" {
		return nil, fmt.Errorf("mount: sandbox path is required")
	}
	return &Mount{
		HostPath:    abs,
		SandboxPath: sandboxPath,
		Permission:  perm,
		AttachMode:  mode,
		baseName:    filepath.Base(abs),
	}, nil
}

// BaseName returns the final path element of the host path.
func (m *Mount) BaseName() string {
	return m.baseName
}

// ContainerPath returns the full path the mounted entry appears at
// inside the sandbox.
func (m *Mount) ContainerPath() string {
	return path.Join(m.SandboxPath, m.baseName)
}

func (m *Mount) String() string {
	return fmt.Sprintf("%s -> %s (%s, %s)", m.HostPath, m.ContainerPath(), m.Permission.Mode(), m.AttachMode)
}
