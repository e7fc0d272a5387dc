package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/kazibot/kazi/internal/mount"
	"github.com/kazibot/kazi/internal/observability"
)

const (
	defaultImage        = "kazibot/shell-executor:latest"
	defaultExecutorPort = 8080
	defaultStartupGrace = 30 * time.Second

	readinessProbeInterval = 500 * time.Millisecond
	logTailLines           = 50
)

// DockerConfig configures the Docker-backed environment.
type DockerConfig struct {
	Image        string        // Executor image (e.g. "kazibot/shell-executor:latest").
	ExecutorPort int           // In-container port the executor listens on.
	StartupGrace time.Duration // How long to wait for executor readiness.
}

// DockerEnvironment runs one persistent executor container launched via the
// docker CLI. The container hosts a single long-lived shell session reached
// over HTTP on a host port allocated at Start.
type DockerEnvironment struct {
	config DockerConfig
	logger *slog.Logger

	httpClient *http.Client
	metrics    *observability.MetricsCollector // nil = disabled

	mu            sync.Mutex
	state         State
	containerName string
	hostPort      int
	mnt           *mount.Mount
}

// DockerOption configures a DockerEnvironment.
type DockerOption func(*DockerEnvironment)

// WithHTTPClient sets a custom HTTP client for executor calls.
func WithHTTPClient(hc *http.Client) DockerOption {
	return func(e *DockerEnvironment) { e.httpClient = hc }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *observability.MetricsCollector) DockerOption {
	return func(e *DockerEnvironment) { e.metrics = m }
}

// NewDockerEnvironment creates a Docker-backed environment. The container is
// not created until Start.
func NewDockerEnvironment(cfg DockerConfig, logger *slog.Logger, opts ...DockerOption) *DockerEnvironment {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.ExecutorPort <= 0 {
		cfg.ExecutorPort = defaultExecutorPort
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = defaultStartupGrace
	}
	e := &DockerEnvironment{
		config: cfg,
		logger: logger,
		// Per-request timeouts come from the Execute context; the client
		// itself never times out.
		httpClient: &http.Client{},
		state:      Unstarted,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports the current lifecycle state.
func (e *DockerEnvironment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// endpoint snapshots the container name and host port under the lock.
func (e *DockerEnvironment) endpoint() (string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.containerName, e.hostPort
}

// Start launches the container, applies the bind mount if any, sets up the
// overlay union for read-only mounts, and waits for the executor to answer.
func (e *DockerEnvironment) Start(ctx context.Context, m *mount.Mount) error {
	e.mu.Lock()
	if e.state != Unstarted {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("sandbox: Start called in state %s", state)
	}
	e.state = Starting
	e.mnt = m
	e.mu.Unlock()

	port, err := freePort()
	if err != nil {
		e.setState(Stopped)
		return fmt.Errorf("allocating host port: %w", err)
	}

	name, err := generateContainerName()
	if err != nil {
		e.setState(Stopped)
		return fmt.Errorf("generating container name: %w", err)
	}

	e.mu.Lock()
	e.containerName = name
	e.hostPort = port
	e.mu.Unlock()

	args := e.buildRunArgs(name, port, m)

	e.logger.InfoContext(ctx, "starting sandbox container",
		slog.String("container", name),
		slog.String("image", e.config.Image),
		slog.Int("host_port", port),
		slog.String("mount", mountLabel(m)),
	)

	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		e.setState(Stopped)
		return fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	// Read-only bind mounts get a read-write view through an in-container
	// overlay. Upper and work dirs live only in the container, so the host
	// directory is never written.
	if m != nil && m.AttachMode == mount.AttachBind && m.Permission == mount.ReadOnly {
		if err := e.setupOverlay(ctx, m); err != nil {
			e.forceRemoveContainer(name)
			e.setState(Stopped)
			return fmt.Errorf("setting up overlay for %s: %w", m.ContainerPath(), err)
		}
	}

	if err := e.waitReady(ctx); err != nil {
		e.captureContainerLogs(name)
		e.forceRemoveContainer(name)
		e.setState(Stopped)
		return err
	}

	e.setState(Running)
	e.logger.InfoContext(ctx, "sandbox container ready",
		slog.String("container", name),
		slog.Int("host_port", port),
	)
	return nil
}

// buildRunArgs constructs the docker run argument list. The overlay path
// needs SYS_ADMIN inside the container; it is granted only when a read-only
// bind mount requires the union filesystem.
func (e *DockerEnvironment) buildRunArgs(name string, hostPort int, m *mount.Mount) []string {
	args := []string{
		"run", "-d",
		"--name", name,
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", hostPort, e.config.ExecutorPort),
	}

	if m != nil && m.AttachMode == mount.AttachBind {
		if m.Permission == mount.ReadOnly {
			args = append(args,
				"--cap-add=SYS_ADMIN",
				"-v", m.HostPath+":"+path.Join(ReadOnlyBase, m.BaseName())+":ro",
			)
		} else {
			args = append(args,
				"-v", m.HostPath+":"+m.ContainerPath()+":rw",
			)
		}
	}

	return append(args, e.config.Image)
}

// setupOverlay builds the read-write union view of a read-only bind mount:
// lowerdir is the ro bind, upper and work dirs are container-local.
func (e *DockerEnvironment) setupOverlay(ctx context.Context, m *mount.Mount) error {
	lower := path.Join(ReadOnlyBase, m.BaseName())
	upper := "/overlay/upper"
	work := "/overlay/work"
	target := m.ContainerPath()

	script := fmt.Sprintf(
		"mkdir -p %s %s %s && mount -t overlay overlay -o lowerdir=%s,upperdir=%s,workdir=%s %s",
		upper, work, target, lower, upper, work, target,
	)

	name, _ := e.endpoint()
	out, err := exec.CommandContext(ctx, "docker", "exec", name, "sh", "-c", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("overlay mount failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// waitReady polls the executor with a trivial command until it answers or
// the startup grace period elapses.
func (e *DockerEnvironment) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(e.config.StartupGrace)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w (grace %s)", ErrStartupTimeout, e.config.StartupGrace)
		}

		probeCtx, cancel := context.WithTimeout(ctx, readinessProbeInterval)
		_, err := e.postCommand(probeCtx, "true")
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessProbeInterval):
		}
	}
}

// executorRequest and executorResponse are the wire protocol of the
// in-container executor. Only "output" is guaranteed; exit_code and stderr
// are optional extensions.
type executorRequest struct {
	Message string `json:"message"`
}

type executorResponse struct {
	Output   string `json:"output"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Execute runs one command in the persistent session. Ordinary command
// failures surface as non-zero ReturnCode; Go errors are reserved for a
// broken environment.
func (e *DockerEnvironment) Execute(ctx context.Context, command string, timeout time.Duration) (*CmdReturn, error) {
	if e.State() != Running {
		return nil, fmt.Errorf("%w (state %s)", ErrNotRunning, e.State())
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	name, _ := e.endpoint()
	e.logger.DebugContext(ctx, "executing command",
		slog.String("container", name),
		slog.String("command", command),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	resp, err := e.postCommand(execCtx, command)
	duration := time.Since(start)

	if err != nil {
		// Client-side timeout: interrupt the stuck foreground process and
		// report the conventional timeout code. The session stays usable.
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			e.logger.WarnContext(ctx, "command timed out, interrupting",
				slog.String("container", name),
				slog.Duration("timeout", timeout),
			)
			e.interruptForeground(ctx)
			e.recordExecution("timeout", duration)
			return &CmdReturn{
				ReturnCode: ExitTimeout,
				Stderr:     fmt.Sprintf("Command timed out after %s", timeout),
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Transport failure with a live deadline: the environment itself is
		// suspect. Inspect the container and attach its recent logs.
		e.recordExecution("error", duration)
		return nil, e.diagnoseTransportFailure(err)
	}

	rc := 0
	if resp.ExitCode != nil {
		rc = *resp.ExitCode
	}

	status := "ok"
	if rc != 0 {
		status = "failed"
	}
	e.recordExecution(status, duration)

	e.logger.DebugContext(ctx, "command completed",
		slog.String("container", name),
		slog.Int("exit_code", rc),
		slog.Duration("duration", duration),
	)

	return &CmdReturn{
		Stdout:     resp.Output,
		Stderr:     resp.Stderr,
		ReturnCode: rc,
	}, nil
}

func (e *DockerEnvironment) recordExecution(status string, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.SandboxExecutionsTotal.WithLabelValues(status).Inc()
	e.metrics.SandboxExecutionDuration.Observe(d.Seconds())
}

// postCommand sends one command to the executor endpoint and parses the reply.
func (e *DockerEnvironment) postCommand(ctx context.Context, command string) (*executorResponse, error) {
	body, err := json.Marshal(executorRequest{Message: command})
	if err != nil {
		return nil, fmt.Errorf("marshaling executor request: %w", err)
	}

	_, port := e.endpoint()
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor returned status %d", httpResp.StatusCode)
	}

	var resp executorResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("parsing executor response: %w", err)
	}
	return &resp, nil
}

// interruptForeground asks the executor to break its current foreground
// command. The interrupt endpoint stays responsive while the exec request is
// still blocked on the running command. Best effort: when the command
// finished racing the timeout, the interrupt lands on an idle session and
// does nothing.
func (e *DockerEnvironment) interruptForeground(ctx context.Context) {
	name, port := e.endpoint()

	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/interrupt", port)
	req, err := http.NewRequestWithContext(killCtx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("interrupting foreground command failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("interrupting foreground command failed",
			slog.String("container", name),
			slog.Int("status", resp.StatusCode),
		)
	}
}

// diagnoseTransportFailure enriches an executor transport error with the
// container state and its recent logs when the container has died.
func (e *DockerEnvironment) diagnoseTransportFailure(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name, _ := e.endpoint()
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name).Output()
	if err != nil {
		return fmt.Errorf("executor unreachable and container %s cannot be inspected: %w", name, cause)
	}

	if strings.TrimSpace(string(out)) == "true" {
		return fmt.Errorf("executor unreachable but container %s is still running: %w", name, cause)
	}

	logs := e.captureContainerLogs(name)
	return fmt.Errorf("container %s died; recent logs:\n%s\nunderlying error: %w", name, logs, cause)
}

// captureContainerLogs fetches and logs the tail of the container output.
func (e *DockerEnvironment) captureContainerLogs(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "logs", "--tail", strconv.Itoa(logTailLines), name).CombinedOutput()
	if err != nil {
		return fmt.Sprintf("(docker logs failed: %v)", err)
	}
	logs := strings.TrimSpace(string(out))
	e.logger.Warn("captured container logs",
		slog.String("container", name),
		slog.String("logs", logs),
	)
	return logs
}

// CopyToContainer copies a host file or directory into destDir inside the
// container. Missing sources report false; so do copy failures, which are
// logged but never fatal.
func (e *DockerEnvironment) CopyToContainer(ctx context.Context, hostPath, destDir string) bool {
	if e.State() != Running {
		e.logger.Warn("copy to container skipped", slog.String("state", e.State().String()))
		return false
	}
	if _, err := os.Stat(hostPath); err != nil {
		e.logger.Warn("copy source missing on host", slog.String("path", hostPath))
		return false
	}

	name, _ := e.endpoint()
	dest := name + ":" + destDir
	if out, err := exec.CommandContext(ctx, "docker", "cp", hostPath, dest).CombinedOutput(); err != nil {
		e.logger.Warn("docker cp to container failed",
			slog.String("source", hostPath),
			slog.String("dest", dest),
			slog.String("error", err.Error()),
			slog.String("output", strings.TrimSpace(string(out))),
		)
		return false
	}

	e.logger.InfoContext(ctx, "copied into container",
		slog.String("source", hostPath),
		slog.String("dest", destDir),
	)
	return true
}

// CopyFromContainer copies a container path into hostDestDir. The host
// destination is joined safely so a hostile container path cannot escape it.
func (e *DockerEnvironment) CopyFromContainer(ctx context.Context, containerPath, hostDestDir string) bool {
	if e.State() != Running {
		e.logger.Warn("copy from container skipped", slog.String("state", e.State().String()))
		return false
	}

	// Missing source is an ordinary false, matching the host-side copy.
	name, _ := e.endpoint()
	check := exec.CommandContext(ctx, "docker", "exec", name, "test", "-e", containerPath)
	if err := check.Run(); err != nil {
		e.logger.Warn("copy source missing in container", slog.String("path", containerPath))
		return false
	}

	hostDest, err := securejoin.SecureJoin(hostDestDir, path.Base(containerPath))
	if err != nil {
		e.logger.Warn("resolving host destination failed",
			slog.String("dest_dir", hostDestDir),
			slog.String("error", err.Error()),
		)
		return false
	}

	src := name + ":" + containerPath
	if out, err := exec.CommandContext(ctx, "docker", "cp", src, hostDest).CombinedOutput(); err != nil {
		e.logger.Warn("docker cp from container failed",
			slog.String("source", src),
			slog.String("dest", hostDest),
			slog.String("error", err.Error()),
			slog.String("output", strings.TrimSpace(string(out))),
		)
		return false
	}

	e.logger.InfoContext(ctx, "copied out of container",
		slog.String("source", containerPath),
		slog.String("dest", hostDest),
	)
	return true
}

// Stop removes the container. Idempotent: stopping an already-stopped or
// never-started environment is a no-op.
func (e *DockerEnvironment) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Stopped || e.state == Unstarted {
		e.state = Stopped
		e.mu.Unlock()
		return nil
	}
	name := e.containerName
	e.state = Stopped
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "stopping sandbox container", slog.String("container", name))
	e.forceRemoveContainer(name)
	return nil
}

// forceRemoveContainer removes a container by name. Best-effort cleanup:
// errors are logged, never returned.
func (e *DockerEnvironment) forceRemoveContainer(name string) {
	if name == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		e.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", strings.TrimSpace(string(out))),
		)
	}
}

func (e *DockerEnvironment) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// freePort asks the kernel for an unused local port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// generateContainerName returns a unique container name: kazi-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "kazi-sbx-" + hex.EncodeToString(b), nil
}

func mountLabel(m *mount.Mount) string {
	if m == nil {
		return "none"
	}
	return m.String()
}
