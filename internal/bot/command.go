package bot

import (
	"fmt"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// Context-management commands the model may issue instead of a shell
// command. They rewrite conversation state and never reach the sandbox.
const (
	cmdSummarizeContext = "summarize_context"
	cmdDoLater          = "do_later"
)

const (
	summarizeUsage = `usage: summarize_context <turns_to_keep> "<summary>"`
	doLaterUsage   = `usage: do_later "<current task summary>" "<task to do later>"`
)

// contextCommand is one parsed context-management command.
type contextCommand struct {
	name string

	// summarize_context fields.
	turnsToKeep int
	summary     string

	// do_later fields.
	current  string
	deferred string
}

// parseContextCommand recognizes and parses a context-management command.
// The second return reports whether the command line targeted the context
// grammar at all; when it did but the syntax is wrong, the error carries a
// correction the model can act on.
func parseContextCommand(command string) (*contextCommand, bool, error) {
	first := firstWord(command)
	if first != cmdSummarizeContext && first != cmdDoLater {
		return nil, false, nil
	}

	tokens, err := shellquote.Split(command)
	if err != nil {
		return nil, true, fmt.Errorf("could not parse %s command (%v); %s", first, err, usageFor(first))
	}

	switch first {
	case cmdSummarizeContext:
		if len(tokens) != 3 {
			return nil, true, fmt.Errorf("%s takes exactly two arguments; %s", cmdSummarizeContext, summarizeUsage)
		}
		keep, err := strconv.Atoi(tokens[1])
		if err != nil || keep < 0 {
			return nil, true, fmt.Errorf("turns_to_keep must be a non-negative integer, got %q; %s", tokens[1], summarizeUsage)
		}
		if strings.TrimSpace(tokens[2]) == "" {
			return nil, true, fmt.Errorf("summary must not be empty; %s", summarizeUsage)
		}
		return &contextCommand{name: cmdSummarizeContext, turnsToKeep: keep, summary: tokens[2]}, true, nil

	default: // cmdDoLater
		if len(tokens) != 3 {
			return nil, true, fmt.Errorf("%s takes exactly two arguments; %s", cmdDoLater, doLaterUsage)
		}
		if strings.TrimSpace(tokens[1]) == "" || strings.TrimSpace(tokens[2]) == "" {
			return nil, true, fmt.Errorf("both arguments must be non-empty; %s", doLaterUsage)
		}
		return &contextCommand{name: cmdDoLater, current: tokens[1], deferred: tokens[2]}, true, nil
	}
}

func usageFor(name string) string {
	if name == cmdSummarizeContext {
		return summarizeUsage
	}
	return doLaterUsage
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}
