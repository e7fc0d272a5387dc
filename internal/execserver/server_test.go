package execserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func freeTestPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startTestServer runs the executor on a local port and waits for readiness.
func startTestServer(t *testing.T) string {
	t.Helper()
	skipIfNoBash(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session, err := NewSession(logger)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	srv := NewServer(session, logger)
	port := freeTestPort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = srv.Start(ctx, addr)
	}()
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	})

	base := "http://" + addr
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return base
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("executor never became ready")
	return ""
}

func postExec(t *testing.T, base, command string) (ExecResponse, int) {
	t.Helper()
	body, _ := json.Marshal(ExecRequest{Message: command})
	resp, err := http.Post(base+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /: %v", err)
	}
	defer resp.Body.Close()

	var out ExecResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return out, resp.StatusCode
}

func TestServer_ExecRoundTrip(t *testing.T) {
	base := startTestServer(t)

	out, status := postExec(t, base, "echo over http")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if out.ExitCode != 0 || !strings.Contains(out.Output, "over http") {
		t.Errorf("response = %+v", out)
	}

	// Session state persists across requests.
	if _, status := postExec(t, base, "cd /tmp"); status != http.StatusOK {
		t.Fatalf("cd status = %d", status)
	}
	out, _ = postExec(t, base, "pwd")
	if !strings.Contains(out.Output, "/tmp") {
		t.Errorf("pwd after cd = %q", out.Output)
	}
}

func TestServer_NonZeroExitCode(t *testing.T) {
	base := startTestServer(t)

	out, status := postExec(t, base, "exit 7")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if out.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", out.ExitCode)
	}
}

func TestServer_InterruptBreaksRunningCommand(t *testing.T) {
	base := startTestServer(t)

	done := make(chan struct{})
	var out ExecResponse
	var execErr error
	go func() {
		defer close(done)
		body, _ := json.Marshal(ExecRequest{Message: "sleep 30"})
		resp, err := http.Post(base+"/", "application/json", bytes.NewReader(body))
		if err != nil {
			execErr = err
			return
		}
		defer resp.Body.Close()
		execErr = json.NewDecoder(resp.Body).Decode(&out)
	}()

	// The interrupt endpoint answers while the exec request is still blocked.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-deadline:
			t.Fatal("exec request did not return after interrupt")
		case <-tick.C:
			resp, err := http.Post(base+"/interrupt", "application/json", nil)
			if err != nil {
				t.Fatalf("POST /interrupt: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("interrupt status = %d", resp.StatusCode)
			}
		}
	}
	if execErr != nil {
		t.Fatalf("exec request: %v", execErr)
	}
	if out.ExitCode == 0 {
		t.Errorf("interrupted command reported success: %+v", out)
	}

	// The session keeps serving afterwards.
	after, status := postExec(t, base, "echo recovered")
	if status != http.StatusOK || !strings.Contains(after.Output, "recovered") {
		t.Errorf("session unusable after interrupt: status=%d output=%q", status, after.Output)
	}
}

func TestServer_EmptyMessageRejected(t *testing.T) {
	base := startTestServer(t)

	if _, status := postExec(t, base, ""); status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}
