// Package llm defines the provider-agnostic contract for driving the model:
// a structured conversation, a completion client, and a validating session
// that turns raw completions into schema-checked decisions.
package llm

import (
	"context"
	"errors"
)

// AskResponse is the model's structured decision for one turn.
//
// Invariant (enforced by Session): when TaskDone is false, Command is
// non-empty; when TaskDone is true, Command is empty.
type AskResponse struct {
	TaskDone bool   `json:"task_done"`
	Thoughts string `json:"thoughts"`
	Command  string `json:"command"`
}

// Gateway turns one message into a validated decision. This is the only
// surface the orchestrator depends on.
type Gateway interface {
	Ask(ctx context.Context, message string) (*AskResponse, error)
}

// Client is the raw completion backend (OpenAI, Ollama, ...). It receives
// the full conversation and returns the assistant's text verbatim.
type Client interface {
	Complete(ctx context.Context, conv *Conversation) (string, error)
	Name() string
}

// ErrMaxRetries is returned when the model keeps violating the response
// schema past the retry ceiling. This is the one place a malformed upstream
// response becomes a hard failure.
var ErrMaxRetries = errors.New("llm: response schema retries exhausted")

// OutputFormat is the JSON shape the model must produce on every turn.
const OutputFormat = `{
    "task_done": <bool>,  // Indicates if the task is completed
    "thoughts": <str>,    // The reasoning behind the decision
    "command": <str>      // The command to be executed
}`
