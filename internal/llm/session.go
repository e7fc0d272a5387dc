package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazibot/kazi/internal/observability"
)

// DefaultMaxRetries bounds corrective retries for schema-violating responses.
const DefaultMaxRetries = 3

// Session implements Gateway on top of a raw completion Client. It owns the
// conversation state, validates every completion against the AskResponse
// schema, and feeds corrective messages back to the model when the schema is
// violated. Only after MaxRetries consecutive violations does it fail hard.
type Session struct {
	client     Client
	conv       *Conversation
	maxRetries int
	logger     *slog.Logger
	metrics    *observability.MetricsCollector // nil = metrics disabled
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMaxRetries overrides the schema-violation retry ceiling.
func WithMaxRetries(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *observability.MetricsCollector) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates a validating session over the given client and
// conversation.
func NewSession(client Client, conv *Conversation, logger *slog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		client:     client,
		conv:       conv,
		maxRetries: DefaultMaxRetries,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Conversation exposes the underlying conversation state so the context
// manager can manipulate the summary region and turn list.
func (s *Session) Conversation() *Conversation {
	return s.conv
}

// Ask appends the message as a user turn, requests a completion, and
// validates it. Schema violations trigger a corrective turn and a retry;
// transport errors and an exhausted retry budget are returned as errors.
func (s *Session) Ask(ctx context.Context, message string) (*AskResponse, error) {
	s.conv.AppendUser(message)

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		raw, err := s.client.Complete(ctx, s.conv)
		if err != nil {
			if s.metrics != nil {
				s.metrics.LLMRequestsTotal.WithLabelValues(s.client.Name(), "error").Inc()
			}
			return nil, fmt.Errorf("llm request failed: %w", err)
		}
		if s.metrics != nil {
			s.metrics.LLMRequestsTotal.WithLabelValues(s.client.Name(), "ok").Inc()
		}
		s.conv.AppendAssistant(raw)

		resp, verr := ParseAskResponse(raw)
		if verr == nil {
			return resp, nil
		}

		s.logger.WarnContext(ctx, "llm response violated schema",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", s.maxRetries),
			slog.String("violation", verr.Error()),
		)
		if s.metrics != nil {
			s.metrics.LLMRetriesTotal.Inc()
		}
		s.conv.AppendUser("LLM_RES_ERROR: " + verr.Error() + "\nExpected output format:\n" + OutputFormat)
	}

	return nil, fmt.Errorf("llm is not responding in the expected format: %w", ErrMaxRetries)
}

// rawAskResponse distinguishes missing fields from zero values.
type rawAskResponse struct {
	TaskDone *bool   `json:"task_done"`
	Thoughts *string `json:"thoughts"`
	Command  *string `json:"command"`
}

// ParseAskResponse parses and validates one raw completion. The returned
// error describes the violation in terms the model can act on.
func ParseAskResponse(raw string) (*AskResponse, error) {
	body := stripCodeFence(raw)

	var r rawAskResponse
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	if r.TaskDone == nil {
		return nil, fmt.Errorf("'task_done' is missing; it must be a boolean (true/false)")
	}
	if r.Command == nil || r.Thoughts == nil {
		return nil, fmt.Errorf("response is missing required fields; all of task_done, thoughts, command are mandatory")
	}

	resp := &AskResponse{
		TaskDone: *r.TaskDone,
		Thoughts: *r.Thoughts,
		Command:  *r.Command,
	}

	if !resp.TaskDone && strings.TrimSpace(resp.Command) == "" {
		return nil, fmt.Errorf("'command' must be a non-empty string while the task is not done")
	}
	if resp.TaskDone && strings.TrimSpace(resp.Command) != "" {
		return nil, fmt.Errorf("when 'task_done' is true, 'command' must be an empty string; set task_done to true only after the last command executed successfully")
	}

	return resp, nil
}

// stripCodeFence removes a surrounding markdown code fence, with or without
// a language tag. Models frequently wrap JSON this way.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.Index(t, "\n"); i >= 0 {
		// Drop the language tag line ("json", possibly empty).
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
