package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kazibot/kazi/internal/mount"
)

// testImage is the Docker image used for integration tests.
const testImage = "kazibot/shell-executor:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the executor image isn't built.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (build with: docker build -t %s -f docker/Dockerfile.executor .)", testImage, testImage)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newRunningEnv starts an environment with the given mount and registers
// teardown. Skips when docker or the image is missing.
func newRunningEnv(t *testing.T, m *mount.Mount) *DockerEnvironment {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	env := NewDockerEnvironment(DockerConfig{
		Image:        testImage,
		StartupGrace: 60 * time.Second,
	}, testLogger())

	if err := env.Start(context.Background(), m); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = env.Stop(context.Background())
	})
	return env
}

func TestDockerEnvironment_SessionPersistsAcrossCommands(t *testing.T) {
	env := newRunningEnv(t, nil)
	ctx := context.Background()

	if _, err := env.Execute(ctx, "cd /tmp && export MARKER=alive", 10*time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res, err := env.Execute(ctx, "pwd; echo $MARKER", 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Stdout, "/tmp") || !strings.Contains(res.Stdout, "alive") {
		t.Errorf("session state did not persist, stdout = %q", res.Stdout)
	}
}

func TestDockerEnvironment_NonZeroExitIsNotAnError(t *testing.T) {
	env := newRunningEnv(t, nil)

	res, err := env.Execute(context.Background(), "exit 42", 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ReturnCode != 42 {
		t.Errorf("return code = %d, want 42", res.ReturnCode)
	}
}

func TestDockerEnvironment_TimeoutKeepsSessionUsable(t *testing.T) {
	env := newRunningEnv(t, nil)
	ctx := context.Background()

	// Three consecutive timeouts must all interrupt cleanly and leave the
	// session responsive.
	for i := 0; i < 3; i++ {
		res, err := env.Execute(ctx, "sleep 60", 2*time.Second)
		if err != nil {
			t.Fatalf("Execute (timeout round %d): %v", i+1, err)
		}
		if res.ReturnCode != ExitTimeout {
			t.Fatalf("round %d: return code = %d, want %d", i+1, res.ReturnCode, ExitTimeout)
		}
		if !strings.Contains(res.Stderr, "timed out") {
			t.Fatalf("round %d: stderr = %q, want timeout message", i+1, res.Stderr)
		}
	}

	res, err := env.Execute(ctx, "echo recovered", 10*time.Second)
	if err != nil {
		t.Fatalf("Execute after timeouts: %v", err)
	}
	if !strings.Contains(res.Stdout, "recovered") {
		t.Errorf("session unusable after timeouts, stdout = %q", res.Stdout)
	}
}

func TestDockerEnvironment_ReadOnlyMountHostNotWritten(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.txt"), []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := mount.New(dir, WorkDir, mount.ReadOnly, mount.AttachBind)
	if err != nil {
		t.Fatalf("mount.New: %v", err)
	}
	env := newRunningEnv(t, m)
	ctx := context.Background()

	// The overlay view must be writable in the container.
	inPath := m.ContainerPath()
	res, err := env.Execute(ctx, "echo changed > "+inPath+"/data.txt && cat "+inPath+"/data.txt", 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ReturnCode != 0 || !strings.Contains(res.Stdout, "changed") {
		t.Fatalf("overlay write failed: rc=%d stdout=%q stderr=%q", res.ReturnCode, res.Stdout, res.Stderr)
	}

	// The host file must be untouched.
	host, err := os.ReadFile(filepath.Join(dir, "data.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(host) != "original" {
		t.Errorf("host file modified through read-only mount: %q", host)
	}
}

func TestDockerEnvironment_ReadWriteMountWritesThrough(t *testing.T) {
	dir := t.TempDir()
	m, err := mount.New(dir, WorkDir, mount.ReadWrite, mount.AttachBind)
	if err != nil {
		t.Fatalf("mount.New: %v", err)
	}
	env := newRunningEnv(t, m)

	res, err := env.Execute(context.Background(), "echo persisted > "+m.ContainerPath()+"/out.txt", 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ReturnCode != 0 {
		t.Fatalf("write failed: rc=%d stderr=%q", res.ReturnCode, res.Stderr)
	}

	host, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("host file not written through: %v", err)
	}
	if strings.TrimSpace(string(host)) != "persisted" {
		t.Errorf("host file content = %q", host)
	}
}

func TestDockerEnvironment_CopyRoundTrip(t *testing.T) {
	env := newRunningEnv(t, nil)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !env.CopyToContainer(ctx, src, "/tmp") {
		t.Fatal("CopyToContainer returned false for existing source")
	}

	res, err := env.Execute(ctx, "cat /tmp/in.txt", 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Stdout, "payload") {
		t.Errorf("copied file content = %q", res.Stdout)
	}

	out := t.TempDir()
	if !env.CopyFromContainer(ctx, "/tmp/in.txt", out) {
		t.Fatal("CopyFromContainer returned false for existing source")
	}
	got, err := os.ReadFile(filepath.Join(out, "in.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("copied-out content = %q", got)
	}
}

func TestDockerEnvironment_CopyMissingSourceReportsFalse(t *testing.T) {
	env := newRunningEnv(t, nil)
	ctx := context.Background()

	if env.CopyToContainer(ctx, "/does/not/exist", "/tmp") {
		t.Error("CopyToContainer should report false for a missing host source")
	}
	if env.CopyFromContainer(ctx, "/does/not/exist", t.TempDir()) {
		t.Error("CopyFromContainer should report false for a missing container source")
	}
}

func TestDockerEnvironment_LifecycleGuards(t *testing.T) {
	skipIfNoDocker(t)

	env := NewDockerEnvironment(DockerConfig{Image: testImage}, testLogger())

	if env.State() != Unstarted {
		t.Fatalf("initial state = %s, want unstarted", env.State())
	}
	if _, err := env.Execute(context.Background(), "true", time.Second); err == nil {
		t.Error("Execute before Start must fail")
	}
	if env.CopyToContainer(context.Background(), "/etc/hostname", "/tmp") {
		t.Error("CopyToContainer before Start must report false")
	}

	// Stop is idempotent in every state.
	if err := env.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on unstarted env: %v", err)
	}
	if err := env.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if env.State() != Stopped {
		t.Errorf("state after Stop = %s, want stopped", env.State())
	}
}

func TestDockerEnvironment_StopRemovesContainer(t *testing.T) {
	env := newRunningEnv(t, nil)
	name := env.containerName

	if err := env.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	out, err := exec.Command("docker", "ps", "-a", "--filter", "name="+name, "--format", "{{.Names}}").Output()
	if err != nil {
		t.Fatalf("docker ps failed: %v", err)
	}
	if names := strings.TrimSpace(string(out)); names != "" {
		t.Errorf("found leftover container: %s", names)
	}
}
