// Package safety classifies shell commands before they reach the sandbox.
//
// The validator is a blocklist, not an allowlist: it exists to stop
// context-window-exhausting or irreversibly destructive commands, not to
// sandbox arbitrary behavior. Workspace isolation is the mount permission
// model's job.
package safety

import "strings"

// Violation explains why a command was rejected and what to run instead.
type Violation struct {
	Reason      string
	Alternative string
}

// Check inspects a shell command and returns a Violation if it matches a
// blocked pattern, or nil when the command is allowed. It is pure and
// stateless. Compound commands (pipes, &&, ;) are inspected segment by
// segment.
func Check(command string) *Violation {
	if strings.TrimSpace(command) == "" {
		return &Violation{
			Reason:      "empty command",
			Alternative: "provide a single non-empty shell command",
		}
	}

	for _, seg := range splitSegments(command) {
		if v := checkSegment(seg); v != nil {
			return v
		}
	}
	return nil
}

// splitSegments breaks a compound command on shell control operators so
// each simple command is classified on its own.
func splitSegments(command string) [][]string {
	var segments [][]string
	var current []string
	for _, tok := range strings.Fields(command) {
		switch tok {
		case "&&", "||", ";", "|", "&":
			if len(current) > 0 {
				segments = append(segments, current)
				current = nil
			}
		default:
			// Handle operators glued to tokens, e.g. "pwd;ls".
			if i := strings.IndexAny(tok, ";|&"); i >= 0 {
				for _, part := range strings.FieldsFunc(tok, func(r rune) bool {
					return r == ';' || r == '|' || r == '&'
				}) {
					current = append(current, part)
					segments = append(segments, current)
					current = nil
				}
				continue
			}
			current = append(current, tok)
		}
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}
	return segments
}

func checkSegment(fields []string) *Violation {
	if len(fields) == 0 {
		return nil
	}

	// Skip leading environment assignments (FOO=bar cmd ...).
	start := 0
	for start < len(fields) && strings.Contains(fields[start], "=") && !strings.HasPrefix(fields[start], "-") {
		start++
	}
	if start >= len(fields) {
		return nil
	}
	name := fields[start]
	args := fields[start+1:]

	switch name {
	case "ls":
		if hasShortFlag(args, 'R') || hasLongFlag(args, "--recursive") {
			return &Violation{
				Reason:      "recursive directory listing is unbounded and can flood the context window",
				Alternative: "ls -la <dir>, or find <dir> -maxdepth 2 to explore deeper",
			}
		}
	case "tree":
		return &Violation{
			Reason:      "tree produces unbounded recursive output",
			Alternative: "find <dir> -maxdepth 2 to inspect the directory layout level by level",
		}
	case "rm":
		if hasShortFlag(args, 'r') || hasShortFlag(args, 'R') || hasLongFlag(args, "--recursive") {
			return &Violation{
				Reason:      "recursive deletion is irreversible",
				Alternative: "remove specific files by name, e.g. rm <dir>/<file>",
			}
		}
	case "find":
		if !hasLongFlag(args, "-maxdepth") {
			return &Violation{
				Reason:      "find without a depth bound can walk the entire filesystem",
				Alternative: "add -maxdepth N, e.g. find . -maxdepth 2 -name '<pattern>'",
			}
		}
	}
	return nil
}

// hasShortFlag reports whether any short-option cluster (-laR) contains c.
func hasShortFlag(args []string, c byte) bool {
	for _, a := range args {
		if len(a) < 2 || a[0] != '-' || a[1] == '-' {
			continue
		}
		if strings.IndexByte(a[1:], c) >= 0 {
			return true
		}
	}
	return false
}

func hasLongFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
