package execserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
)

// ExecRequest is the JSON body for POST /.
type ExecRequest struct {
	Message string `json:"message"`
}

// ExecResponse is the JSON reply. Output carries combined stdout/stderr in
// shell order; ExitCode is the command's exit status.
type ExecResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// InterruptResponse is the JSON reply for POST /interrupt.
type InterruptResponse struct {
	Status string `json:"status"`
}

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Server exposes the persistent session over HTTP.
type Server struct {
	session *Session
	logger  *slog.Logger
	okapi   *okapi.Okapi
	server  *http.Server
}

// NewServer creates the executor HTTP server around an existing session.
func NewServer(session *Session, logger *slog.Logger) *Server {
	return &Server{
		session: session,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.okapi.Post("/", s.handleExec,
		okapi.DocSummary("Run a command in the persistent shell session"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	s.okapi.Post("/interrupt", s.handleInterrupt,
		okapi.DocSummary("Interrupt the current foreground command"),
		okapi.DocResponse(InterruptResponse{}),
	)
	s.okapi.Get("/healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("executor starting", slog.String("addr", addr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server. The session is closed by the
// caller that created it.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("executor stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *Server) handleExec(c *okapi.Context) error {
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("message is required")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	start := time.Now()
	output, rc, err := s.session.Run(req.Message)
	if err != nil {
		s.logger.Error("session run failed",
			slog.String("command", req.Message),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session failure: " + err.Error())
	}

	s.logger.Info("command executed",
		slog.String("command", req.Message),
		slog.Int("exit_code", rc),
		slog.Duration("duration", time.Since(start)),
	)

	return c.OK(ExecResponse{Output: output, ExitCode: rc})
}

// handleInterrupt breaks the current foreground command while leaving the
// session alive. The host side calls this when a command exceeds its
// execution timeout; it works even while an exec request is still blocked,
// because the interrupt bypasses the session's run lock.
func (s *Server) handleInterrupt(c *okapi.Context) error {
	if err := s.session.Interrupt(); err != nil {
		s.logger.Error("interrupt failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("interrupt failure: " + err.Error())
	}
	s.logger.Info("foreground command interrupted")
	return c.OK(InterruptResponse{Status: "interrupted"})
}

func (s *Server) handleHealth(c *okapi.Context) error {
	return c.OK(map[string]string{"status": "ok"})
}
