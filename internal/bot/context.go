package bot

import (
	"fmt"
	"strings"

	"github.com/kazibot/kazi/internal/llm"
)

// continuationPrompt nudges the model onward when a context update trimmed
// away every user turn.
const continuationPrompt = "Context updated. Continue working on the task."

// DeferredTask is a postponed task together with the context region that was
// active when it was set aside.
type DeferredTask struct {
	Task           string
	ContextSummary string
}

// ContextManager owns the conversation's context-summary region and the LIFO
// stack of deferred tasks. It is the only component that rewrites
// conversation state; the orchestrator just routes the model's context
// commands here.
type ContextManager struct {
	conv  *llm.Conversation
	stack []DeferredTask
}

// NewContextManager wraps an existing conversation.
func NewContextManager(conv *llm.Conversation) *ContextManager {
	return &ContextManager{conv: conv}
}

// StackDepth reports how many deferred tasks are pending.
func (cm *ContextManager) StackDepth() int {
	return len(cm.stack)
}

// UpdateContext replaces the context region wholesale with summary and keeps
// only the last turnsToKeep user/assistant exchanges. turnsToKeep of zero
// discards the whole history. Returns the message the loop should continue
// with: the most recent preserved user turn, or a neutral continuation
// prompt when nothing survived.
func (cm *ContextManager) UpdateContext(turnsToKeep int, summary string) string {
	// The assistant turn carrying the summarize command itself is protocol
	// traffic, not task history.
	cm.conv.DropLastAssistant()
	cm.conv.ContextSummary = summary
	cm.conv.TrimToLastExchanges(turnsToKeep)

	if msg := cm.conv.LastUserContent(); msg != "" {
		return msg
	}
	return continuationPrompt
}

// DeferCurrentAndFocus pushes the deferred task (with the region that was
// active at defer time) and refocuses the conversation on the current task:
// the region becomes the current-task summary and the history is cleared.
// Returns the message to continue with.
func (cm *ContextManager) DeferCurrentAndFocus(current, deferred string) string {
	cm.stack = append(cm.stack, DeferredTask{
		Task:           deferred,
		ContextSummary: cm.conv.ContextSummary,
	})
	cm.conv.ContextSummary = current
	cm.conv.Reset()
	return current
}

// CompleteCurrentAndGetNext pops the most recently deferred task. The new
// context region folds together the finished work (its region marked
// complete plus the transcript) and the context saved when the task was
// deferred. Returns false when nothing is pending.
func (cm *ContextManager) CompleteCurrentAndGetNext() (string, bool) {
	if len(cm.stack) == 0 {
		return "", false
	}
	next := cm.stack[len(cm.stack)-1]
	cm.stack = cm.stack[:len(cm.stack)-1]

	var region strings.Builder
	if cm.conv.ContextSummary != "" {
		region.WriteString("COMPLETE: ")
		region.WriteString(cm.conv.ContextSummary)
		region.WriteString("\n")
	}
	if transcript := cm.conv.Transcript(); transcript != "" {
		region.WriteString(transcript)
		region.WriteString("\n")
	}
	region.WriteString(next.ContextSummary)

	cm.conv.ContextSummary = strings.TrimSpace(region.String())
	cm.conv.Reset()

	return fmt.Sprintf("The previous task is complete. Now work on the task you deferred earlier: %s", next.Task), true
}
