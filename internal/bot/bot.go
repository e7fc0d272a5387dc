// Package bot drives the task loop: ask the model for one command, vet it,
// run it in the sandbox, and feed the output back — until the model declares
// the task done or a budget runs out.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kazibot/kazi/internal/llm"
	"github.com/kazibot/kazi/internal/mount"
	"github.com/kazibot/kazi/internal/observability"
	"github.com/kazibot/kazi/internal/safety"
	"github.com/kazibot/kazi/internal/sandbox"
)

const defaultExecTimeout = 300 * time.Second

// RunResult is the outcome of one task run. Status false with a non-empty
// Error means the run ended on a budget or was otherwise not completed;
// fatal conditions surface as Go errors from Run instead.
type RunResult struct {
	Status bool
	Result string
	Error  string
}

// Bot orchestrates one task at a time over a gateway, a context manager,
// and a sandbox environment.
type Bot struct {
	gateway llm.Gateway
	ctxMgr  *ContextManager
	env     sandbox.Environment
	logger  *slog.Logger

	metrics     *observability.MetricsCollector
	tracer      trace.Tracer
	execTimeout time.Duration

	// now is replaceable in tests to drive the timeout budget.
	now func() time.Time
}

// Option configures a Bot.
type Option func(*Bot)

// WithObservability attaches metrics and tracing.
func WithObservability(obs *observability.Observability) Option {
	return func(b *Bot) {
		b.metrics = obs.MetricsOrNil()
		b.tracer = obs.TracerOrNil().Tracer()
	}
}

// WithExecTimeout sets the per-command sandbox execution timeout.
func WithExecTimeout(d time.Duration) Option {
	return func(b *Bot) {
		if d > 0 {
			b.execTimeout = d
		}
	}
}

// New creates a Bot.
func New(gateway llm.Gateway, ctxMgr *ContextManager, env sandbox.Environment, logger *slog.Logger, opts ...Option) *Bot {
	b := &Bot{
		gateway:     gateway,
		ctxMgr:      ctxMgr,
		env:         env,
		logger:      logger,
		tracer:      (*observability.TracerSetup)(nil).Tracer(),
		execTimeout: defaultExecTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run executes the task and, on success, drains the deferred-task stack in
// LIFO order under the same budgets. Budget exhaustion is reported in the
// RunResult and stops the drain; a Go error means the run infrastructure
// itself failed (gateway gave up, sandbox broke).
func (b *Bot) Run(ctx context.Context, task string, maxIterations int, timeout time.Duration) (*RunResult, error) {
	if maxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", maxIterations)
	}

	runID := uuid.New().String()
	ctx, span := b.tracer.Start(ctx, "bot.run")
	defer span.End()

	b.logger.InfoContext(ctx, "task started",
		slog.String("run_id", runID),
		slog.String("task", truncate(task, 80)),
		slog.Int("max_iterations", maxIterations),
		slog.Duration("timeout", timeout),
	)

	result, err := b.runOne(ctx, task, maxIterations, timeout)
	if err != nil {
		b.recordRun("fatal")
		return nil, err
	}

	// Deferred tasks run only after a successful completion; a budget
	// failure leaves the stack untouched.
	for result.Status {
		next, ok := b.ctxMgr.CompleteCurrentAndGetNext()
		if !ok {
			break
		}
		b.logger.InfoContext(ctx, "resuming deferred task",
			slog.String("run_id", runID),
			slog.Int("remaining", b.ctxMgr.StackDepth()),
		)
		result, err = b.runOne(ctx, next, maxIterations, timeout)
		if err != nil {
			b.recordRun("fatal")
			return nil, err
		}
	}

	if result.Status {
		b.recordRun("completed")
		b.logger.InfoContext(ctx, "task completed", slog.String("run_id", runID))
	} else {
		b.recordRun("failed")
		b.logger.WarnContext(ctx, "task failed",
			slog.String("run_id", runID),
			slog.String("error", result.Error),
		)
	}
	return result, nil
}

// runOne drives a single task to completion or budget exhaustion. Context
// commands and safety rejections loop back to the model without consuming
// the iteration budget; only executed commands count.
func (b *Bot) runOne(ctx context.Context, task string, maxIterations int, timeout time.Duration) (*RunResult, error) {
	start := b.now()
	iterations := 0
	msg := task

	for {
		if timeout > 0 && b.now().Sub(start) > timeout {
			return &RunResult{Status: false, Error: fmt.Sprintf("Timeout of %d seconds reached", int(timeout.Seconds()))}, nil
		}

		resp, err := b.gateway.Ask(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("asking model: %w", err)
		}

		if resp.TaskDone {
			return &RunResult{Status: true, Result: resp.Thoughts}, nil
		}

		b.logger.DebugContext(ctx, "model command",
			slog.Int("iteration", iterations+1),
			slog.String("command", resp.Command),
		)

		// Context commands rewrite conversation state host-side.
		if cc, isCtx, perr := parseContextCommand(resp.Command); isCtx {
			if perr != nil {
				b.logger.DebugContext(ctx, "context command rejected", slog.String("error", perr.Error()))
				msg = "COMMAND_ERROR: " + perr.Error()
				continue
			}
			msg = b.applyContextCommand(ctx, cc)
			continue
		}

		if v := safety.Check(resp.Command); v != nil {
			b.metrics.RecordBlockedCommand(resp.Command)
			b.logger.InfoContext(ctx, "command blocked",
				slog.String("command", resp.Command),
				slog.String("reason", v.Reason),
			)
			msg = "COMMAND_ERROR: " + v.Reason + "\nSuggested alternative: " + v.Alternative
			continue
		}

		// The budget gates execution only: after the final budgeted command,
		// the model still gets the turn in which it can declare the task done.
		if iterations >= maxIterations {
			return &RunResult{Status: false, Error: fmt.Sprintf("Max iterations %d reached", maxIterations)}, nil
		}
		iterations++
		if b.metrics != nil {
			b.metrics.IterationsTotal.Inc()
		}

		ret, err := b.env.Execute(ctx, resp.Command, b.execTimeout)
		if err != nil {
			return nil, fmt.Errorf("executing command: %w", err)
		}
		msg = formatCommandOutput(ret)
	}
}

func (b *Bot) applyContextCommand(ctx context.Context, cc *contextCommand) string {
	switch cc.name {
	case cmdSummarizeContext:
		if b.metrics != nil {
			b.metrics.ContextOpsTotal.WithLabelValues("summarize").Inc()
		}
		b.logger.InfoContext(ctx, "context summarized",
			slog.Int("turns_kept", cc.turnsToKeep),
		)
		return b.ctxMgr.UpdateContext(cc.turnsToKeep, cc.summary)
	default: // cmdDoLater
		if b.metrics != nil {
			b.metrics.ContextOpsTotal.WithLabelValues("defer").Inc()
		}
		b.logger.InfoContext(ctx, "task deferred",
			slog.Int("stack_depth", b.ctxMgr.StackDepth()+1),
		)
		return b.ctxMgr.DeferCurrentAndFocus(cc.current, cc.deferred)
	}
}

// CopyAdditionalMounts transfers every copy-mode mount into the running
// container. Reports whether all copies succeeded.
func (b *Bot) CopyAdditionalMounts(ctx context.Context, mounts []*mount.Mount) bool {
	ok := true
	for _, m := range mounts {
		if m.AttachMode != mount.AttachCopy {
			continue
		}
		if !b.env.CopyToContainer(ctx, m.HostPath, m.SandboxPath) {
			ok = false
		}
	}
	return ok
}

// AttachLogFile copies a host log file into the container's log directory
// and returns the path the model should analyze, for the log-analysis flow.
func (b *Bot) AttachLogFile(ctx context.Context, hostPath string) (string, bool) {
	if !b.env.CopyToContainer(ctx, hostPath, LogFileDir) {
		return "", false
	}
	m, err := mount.New(hostPath, LogFileDir, mount.ReadOnly, mount.AttachCopy)
	if err != nil {
		return "", false
	}
	return m.ContainerPath(), true
}

func (b *Bot) recordRun(status string) {
	if b.metrics != nil {
		b.metrics.RunsTotal.WithLabelValues(status).Inc()
	}
}

// formatCommandOutput renders a sandbox result for the model's next turn.
func formatCommandOutput(ret *sandbox.CmdReturn) string {
	if ret.ReturnCode != 0 {
		return fmt.Sprintf("COMMAND_FAILED (exit code %d)\nstdout: %s\nstderr: %s", ret.ReturnCode, ret.Stdout, ret.Stderr)
	}
	if ret.Stdout == "" {
		return "No output received"
	}
	return ret.Stdout
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
