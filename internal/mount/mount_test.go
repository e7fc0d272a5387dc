package mount

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestNew_ResolvesAndValidates(t *testing.T) {
	dir := t.TempDir()

	m, err := New(dir, "/workdir", ReadOnly, AttachBind)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(m.HostPath) {
		t.Errorf("host path %q is not absolute", m.HostPath)
	}
	if got, want := m.ContainerPath(), "/workdir/"+filepath.Base(dir); got != want {
		t.Errorf("container path = %q, want %q", got, want)
	}
	if m.BaseName() != filepath.Base(dir) {
		t.Errorf("base name = %q, want %q", m.BaseName(), filepath.Base(dir))
	}
}

func TestNew_MissingHostPath(t *testing.T) {
	_, err := New("/definitely/not/a/real/path", "/workdir", ReadWrite, AttachBind)
	if !errors.Is(err, ErrHostPathMissing) {
		t.Fatalf("error = %v, want ErrHostPathMissing", err)
	}
}

func TestNew_InvalidArguments(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name        string
		hostPath    string
		sandboxPath string
		perm        Permission
		mode        AttachMode
	}{
		{"empty host path", "", "/workdir", ReadOnly, AttachBind},
		{"empty sandbox path", dir, "", ReadOnly, AttachBind},
		{"bad permission", dir, "/workdir", Permission("ADMIN"), AttachBind},
		{"bad attach mode", dir, "/workdir", ReadOnly, AttachMode("SYMLINK")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.hostPath, tt.sandboxPath, tt.perm, tt.mode); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestPermission_Mode(t *testing.T) {
	if ReadOnly.Mode() != "ro" {
		t.Errorf("ReadOnly mode = %q, want ro", ReadOnly.Mode())
	}
	if ReadWrite.Mode() != "rw" {
		t.Errorf("ReadWrite mode = %q, want rw", ReadWrite.Mode())
	}
}
