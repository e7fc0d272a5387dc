package bot

import (
	"strings"
	"testing"

	"github.com/kazibot/kazi/internal/llm"
)

func newTestContextManager() (*ContextManager, *llm.Conversation) {
	conv := llm.NewConversation("sys")
	return NewContextManager(conv), conv
}

func TestUpdateContext_ReplacesRegionAndTrims(t *testing.T) {
	cm, conv := newTestContextManager()

	conv.AppendUser("step one")
	conv.AppendAssistant("did one")
	conv.AppendUser("step two")
	conv.AppendAssistant(`summarize_context 1 "finished step one"`)

	msg := cm.UpdateContext(1, "finished step one")

	if conv.ContextSummary != "finished step one" {
		t.Errorf("region = %q", conv.ContextSummary)
	}
	// The summarize command itself must not survive.
	if strings.Contains(conv.Transcript(), "summarize_context") {
		t.Errorf("summarize command left in transcript:\n%s", conv.Transcript())
	}
	if msg != "step two" {
		t.Errorf("continuation message = %q, want last preserved user turn", msg)
	}
}

func TestUpdateContext_ZeroKeepClearsHistory(t *testing.T) {
	cm, conv := newTestContextManager()

	conv.AppendUser("step one")
	conv.AppendAssistant(`summarize_context 0 "all done so far"`)

	msg := cm.UpdateContext(0, "all done so far")

	if len(conv.Turns) != 0 {
		t.Errorf("history not cleared: %+v", conv.Turns)
	}
	if msg != continuationPrompt {
		t.Errorf("message = %q, want continuation prompt", msg)
	}
}

func TestUpdateContext_SecondSummaryReplacesFirst(t *testing.T) {
	cm, conv := newTestContextManager()

	conv.AppendUser("a")
	conv.AppendAssistant("x")
	cm.UpdateContext(1, "first summary")
	cm.UpdateContext(1, "second summary")

	if conv.ContextSummary != "second summary" {
		t.Errorf("region = %q, old summary must not accumulate", conv.ContextSummary)
	}
	rendered := conv.RenderSystem()
	if strings.Contains(rendered, "first summary") {
		t.Errorf("stale summary leaked into render: %q", rendered)
	}
	if strings.Count(rendered, llm.ContextMarkerBegin) != 1 {
		t.Errorf("expected exactly one context region: %q", rendered)
	}
}

func TestDeferAndComplete_ReturnsDeferredTask(t *testing.T) {
	cm, conv := newTestContextManager()

	conv.AppendUser("original task")
	msg := cm.DeferCurrentAndFocus("working on A", "task B")
	if msg != "working on A" {
		t.Errorf("focus message = %q", msg)
	}
	if conv.ContextSummary != "working on A" {
		t.Errorf("region = %q", conv.ContextSummary)
	}
	if len(conv.Turns) != 0 {
		t.Errorf("history not reset on defer")
	}
	if cm.StackDepth() != 1 {
		t.Fatalf("stack depth = %d", cm.StackDepth())
	}

	conv.AppendUser("do A")
	conv.AppendAssistant("A is done")

	resume, ok := cm.CompleteCurrentAndGetNext()
	if !ok {
		t.Fatal("expected a deferred task")
	}
	if !strings.Contains(resume, "task B") {
		t.Errorf("resume message = %q, must embed the deferred task", resume)
	}
	// The finished work is folded into the region, marked complete.
	if !strings.Contains(conv.ContextSummary, "COMPLETE: working on A") {
		t.Errorf("region = %q, completed summary not folded in", conv.ContextSummary)
	}
	if !strings.Contains(conv.ContextSummary, "A is done") {
		t.Errorf("region = %q, transcript not folded in", conv.ContextSummary)
	}
	if len(conv.Turns) != 0 {
		t.Errorf("history not reset on resume")
	}
	if cm.StackDepth() != 0 {
		t.Errorf("stack depth = %d after pop", cm.StackDepth())
	}
}

func TestDeferredStack_LIFOOrder(t *testing.T) {
	cm, _ := newTestContextManager()

	cm.DeferCurrentAndFocus("focus 1", "task B1")
	cm.DeferCurrentAndFocus("focus 2", "task B2")

	resume, ok := cm.CompleteCurrentAndGetNext()
	if !ok || !strings.Contains(resume, "task B2") {
		t.Fatalf("first pop = %q, want most recently deferred B2", resume)
	}
	resume, ok = cm.CompleteCurrentAndGetNext()
	if !ok || !strings.Contains(resume, "task B1") {
		t.Fatalf("second pop = %q, want B1", resume)
	}
	if _, ok := cm.CompleteCurrentAndGetNext(); ok {
		t.Error("empty stack must report false")
	}
}
