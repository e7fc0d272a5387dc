package llm

import "strings"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single user or assistant message.
type Turn struct {
	Role    Role
	Content string
}

// Markers bounding the context-summary region when the conversation is
// rendered to a flat system message. The region is a single contiguous
// block; every update replaces it wholesale, so the prompt cannot grow
// without bound across summarization cycles.
const (
	ContextMarkerBegin = "__context__"
	ContextMarkerEnd   = "__end_context__"
)

// Conversation is the explicit conversation state: a fixed system preamble,
// a single mutable context-summary region, and the ordered turn list.
// It replaces the older pattern of splicing summaries into one flat prompt
// string; rendering to the wire format happens only at the call boundary.
type Conversation struct {
	SystemPrompt   string
	ContextSummary string
	Turns          []Turn
}

// NewConversation creates a conversation with the given system preamble.
func NewConversation(systemPrompt string) *Conversation {
	return &Conversation{SystemPrompt: systemPrompt}
}

// AppendUser adds a user turn.
func (c *Conversation) AppendUser(content string) {
	c.Turns = append(c.Turns, Turn{Role: RoleUser, Content: content})
}

// AppendAssistant adds an assistant turn.
func (c *Conversation) AppendAssistant(content string) {
	c.Turns = append(c.Turns, Turn{Role: RoleAssistant, Content: content})
}

// RenderSystem flattens the preamble and the context region into the
// system message sent over the wire.
func (c *Conversation) RenderSystem() string {
	if c.ContextSummary == "" {
		return c.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(c.SystemPrompt)
	b.WriteString("\n")
	b.WriteString(ContextMarkerBegin)
	b.WriteString("\n")
	b.WriteString(c.ContextSummary)
	b.WriteString("\n")
	b.WriteString(ContextMarkerEnd)
	return b.String()
}

// Reset drops all turns, keeping the system preamble and whatever
// context summary the caller has set.
func (c *Conversation) Reset() {
	c.Turns = nil
}

// DropLastAssistant removes the trailing assistant turn if present.
// Used when an assistant message was a protocol-internal command that
// should not survive in the transcript.
func (c *Conversation) DropLastAssistant() {
	if n := len(c.Turns); n > 0 && c.Turns[n-1].Role == RoleAssistant {
		c.Turns = c.Turns[:n-1]
	}
}

// TrimToLastExchanges keeps only the last n user/assistant exchanges.
// n == 0 discards the whole history. An exchange is counted from each
// user turn; a leading assistant turn left dangling after the cut is
// dropped so the history always starts with a user turn.
func (c *Conversation) TrimToLastExchanges(n int) {
	if n <= 0 {
		c.Turns = nil
		return
	}
	seen := 0
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			seen++
			if seen == n {
				c.Turns = c.Turns[i:]
				return
			}
		}
	}
	// Fewer than n exchanges exist; keep everything.
}

// LastUserContent returns the content of the most recent user turn,
// or "" when no user turn remains.
func (c *Conversation) LastUserContent() string {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			return c.Turns[i].Content
		}
	}
	return ""
}

// Transcript renders the turn list as plain text, used when a completed
// sub-task's conversation is folded back into the context region.
func (c *Conversation) Transcript() string {
	var b strings.Builder
	for i, t := range c.Turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}
