package bot

import (
	"fmt"
	"strings"

	"github.com/kazibot/kazi/internal/llm"
	"github.com/kazibot/kazi/internal/mount"
)

// LogFileDir is where attached log files land inside the container.
const LogFileDir = "/var/log"

// baseSystemPrompt is the preamble shared by every profile. It carries the
// response-format contract and the context-management command grammar.
var baseSystemPrompt = fmt.Sprintf(`You have access to a shell session for executing commands.

Your task is to complete the given objective using the available shell commands.

RESPONSE FORMAT (required for every response):
%s

IMPORTANT RULES:
- All three properties (task_done, thoughts, command) are MANDATORY in every response
- Execute only ONE command at a time
- After each command, you will receive its output
- When the task is complete, set task_done=true and provide the result in thoughts
- You cannot ask for clarification once the task begins

CONTEXT MANAGEMENT COMMANDS (these manage your own memory, they do not run in the shell):
- summarize_context <turns_to_keep> "<summary>" — replace your long history with the
  summary, keeping only the last <turns_to_keep> exchanges
- do_later "<current task summary>" "<task to do later>" — postpone a task and focus
  on the current one; postponed tasks come back after the current task is done

The system will execute your commands and return their output for the next iteration.`, llm.OutputFormat)

// Profile is a bot flavor: the mount permission it needs and the role text
// appended to the base system prompt. Profiles are data, not subclasses.
type Profile struct {
	Name       string
	Permission mount.Permission
	// NeedsMount is false for profiles that work without any mounted
	// directory (browsing).
	NeedsMount bool

	role func(containerPath string) string
}

// Built-in profiles.
var (
	Reading = Profile{
		Name:       "reading",
		Permission: mount.ReadOnly,
		NeedsMount: true,
		role: func(p string) string {
			return fmt.Sprintf(`ROLE: You are a reading bot with read-only access to files.

MOUNTED DIRECTORY:
- Location: %s
- Access: Read-only (you cannot modify files)
- Usage: Access files using %s/filename.txt

Once all commands are executed and the task is verified, provide the final result.`, p, p)
		},
	}

	Writing = Profile{
		Name:       "writing",
		Permission: mount.ReadWrite,
		NeedsMount: true,
		role: func(p string) string {
			return fmt.Sprintf(`ROLE: You are a writing bot with full read-write access to files.

MOUNTED DIRECTORY:
- Location: %s
- Access: Read-write (you can create, modify, and delete files)
- Usage: Access files using %s/filename.txt

Once all commands are executed and the task is verified, provide the final result.`, p, p)
		},
	}

	Browsing = Profile{
		Name:       "browsing",
		Permission: mount.ReadOnly,
		NeedsMount: false,
		role: func(string) string {
			return `ROLE: You are a browsing bot with network access and no mounted files.

Use command-line tools (curl, wget) to fetch what the task needs.

Once all commands are executed and the task is verified, provide the final result.`
		},
	}

	LogAnalysis = Profile{
		Name:       "loganalysis",
		Permission: mount.ReadOnly,
		NeedsMount: true,
		role: func(p string) string {
			return fmt.Sprintf(`ROLE: You are a log analysis bot with read-only access to the mounted directory.

MOUNTED DIRECTORY:
- Location: %s
- Access: Read-only

In upcoming prompts you will be given a specific log file to analyze in %s.

Once all commands are executed and the task is verified, provide the final result.`, p, LogFileDir)
		},
	}
)

// CustomProfile builds a profile with read-write access and a caller-supplied
// role prompt. The base prompt rules still apply.
func CustomProfile(rolePrompt string) Profile {
	return Profile{
		Name:       "custom",
		Permission: mount.ReadWrite,
		NeedsMount: true,
		role: func(string) string {
			return rolePrompt
		},
	}
}

// ProfileByName resolves a built-in profile.
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(name) {
	case Reading.Name:
		return Reading, nil
	case Writing.Name:
		return Writing, nil
	case Browsing.Name:
		return Browsing, nil
	case LogAnalysis.Name:
		return LogAnalysis, nil
	default:
		return Profile{}, fmt.Errorf("unknown profile %q (known: reading, writing, browsing, loganalysis)", name)
	}
}

// SystemPrompt renders the full system prompt. containerPath is ignored for
// profiles that need no mount.
func (p Profile) SystemPrompt(containerPath string) string {
	return baseSystemPrompt + "\n\n" + p.role(containerPath)
}
