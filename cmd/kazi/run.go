package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/kazibot/kazi/internal/bot"
	"github.com/kazibot/kazi/internal/config"
	"github.com/kazibot/kazi/internal/llm"
	"github.com/kazibot/kazi/internal/llm/openai"
	"github.com/kazibot/kazi/internal/mount"
	"github.com/kazibot/kazi/internal/observability"
	"github.com/kazibot/kazi/internal/sandbox"
)

var (
	runConfigPath    string
	runTaskText      string
	runProfile       string
	runCustomPrompt  string
	runMountDir      string
	runCopyPaths     []string
	runLogFile       string
	runImage         string
	runMaxIterations int
	runTimeoutSec    int
	runVerbose       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task in a fresh sandbox",
	Long: `Run a single task. A container is created for the run, the task loops
until the model declares it done or a budget runs out, and the container is
removed afterwards.`,
	RunE: runTask,
}

func init() {
	// The root command defaults to run mode, so it carries the same flags.
	addRunFlags(runCmd)
	addRunFlags(rootCmd)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&runConfigPath, "config", "kazi.yaml", "path to config file")
	f.StringVarP(&runTaskText, "task", "t", "", "task for the model to complete (required)")
	f.StringVar(&runProfile, "profile", "reading", "bot profile: reading, writing, browsing, loganalysis")
	f.StringVar(&runCustomPrompt, "custom-prompt", "", "custom role prompt (replaces the profile role, implies read-write)")
	f.StringVarP(&runMountDir, "mount", "m", "", "host directory to mount into the sandbox")
	f.StringArrayVar(&runCopyPaths, "copy", nil, "additional host paths to copy into the working directory (repeatable)")
	f.StringVar(&runLogFile, "log-file", "", "host log file to attach for the loganalysis profile")
	f.StringVar(&runImage, "image", "", "override the sandbox executor image")
	f.IntVar(&runMaxIterations, "max-iterations", 0, "override the iteration budget")
	f.IntVar(&runTimeoutSec, "timeout", 0, "override the wall-clock budget in seconds")
	f.BoolVarP(&runVerbose, "verbose", "v", false, "debug logging")
}

func runTask(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if runVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if runTaskText == "" {
		return fmt.Errorf("--task is required")
	}

	cfg, err := config.Load(goutils.Env("KAZI_CONFIG", runConfigPath))
	if err != nil {
		return err
	}
	if runImage != "" {
		cfg.Sandbox.Image = runImage
	}
	if runMaxIterations > 0 {
		cfg.Budgets.MaxIterations = runMaxIterations
	}
	if runTimeoutSec > 0 {
		cfg.Budgets.TimeoutSeconds = runTimeoutSec
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(cfg.Observability)
	if err != nil {
		return err
	}
	defer obs.Shutdown(ctx)
	startMetricsServer(cfg, obs, logger)

	profile, err := resolveProfile()
	if err != nil {
		return err
	}

	var primary *mount.Mount
	containerPath := ""
	if profile.NeedsMount {
		if runMountDir == "" {
			return fmt.Errorf("profile %s requires --mount", profile.Name)
		}
		primary, err = mount.New(runMountDir, sandbox.WorkDir, profile.Permission, mount.AttachBind)
		if err != nil {
			return err
		}
		containerPath = primary.ContainerPath()
	}

	copyMounts, err := buildCopyMounts()
	if err != nil {
		return err
	}

	env := sandbox.NewDockerEnvironment(sandbox.DockerConfig{
		Image:        cfg.Sandbox.Image,
		ExecutorPort: cfg.Sandbox.ExecutorPort,
		StartupGrace: cfg.Sandbox.StartupGrace(),
	}, logger, sandbox.WithMetrics(obs.MetricsOrNil()))

	if err := env.Start(ctx, primary); err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}
	defer func() {
		_ = env.Stop(ctx)
	}()

	client, err := buildClient(cfg, logger)
	if err != nil {
		return err
	}

	conv := llm.NewConversation(profile.SystemPrompt(containerPath))
	session := llm.NewSession(client, conv, logger,
		llm.WithMaxRetries(cfg.MaxRetries),
		llm.WithMetrics(obs.MetricsOrNil()),
	)
	ctxMgr := bot.NewContextManager(conv)

	b := bot.New(session, ctxMgr, env, logger,
		bot.WithObservability(obs),
		bot.WithExecTimeout(cfg.Sandbox.ExecTimeout()),
	)

	if len(copyMounts) > 0 && !b.CopyAdditionalMounts(ctx, copyMounts) {
		return fmt.Errorf("copying additional mounts into the sandbox failed")
	}

	task := runTaskText
	if runLogFile != "" {
		logPath, ok := b.AttachLogFile(ctx, runLogFile)
		if !ok {
			return fmt.Errorf("attaching log file %s failed", runLogFile)
		}
		task = fmt.Sprintf("%s\nThe log file to analyze is at %s.", task, logPath)
	}

	result, err := b.Run(ctx, task, cfg.Budgets.MaxIterations, cfg.Budgets.Timeout())
	if err != nil {
		return err
	}
	if !result.Status {
		return fmt.Errorf("task did not complete: %s", result.Error)
	}

	fmt.Println(result.Result)
	return nil
}

func resolveProfile() (bot.Profile, error) {
	if runCustomPrompt != "" {
		return bot.CustomProfile(runCustomPrompt), nil
	}
	return bot.ProfileByName(runProfile)
}

// buildCopyMounts validates the --copy paths. Copy mounts land in the
// container working directory after start.
func buildCopyMounts() ([]*mount.Mount, error) {
	mounts := make([]*mount.Mount, 0, len(runCopyPaths))
	for _, p := range runCopyPaths {
		m, err := mount.New(p, sandbox.WorkDir, mount.ReadWrite, mount.AttachCopy)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// buildClient constructs the completion client for the configured provider.
func buildClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	provider, model, err := config.SplitModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	switch provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		return openai.NewClient(cfg.OpenAI.APIKey, model, logger, opts...), nil

	case config.ProviderOllama:
		baseURL := cfg.OpenAI.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient("", model, logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil

	default:
		return nil, fmt.Errorf("unsupported model provider %q", provider)
	}
}

// startMetricsServer exposes the Prometheus registry when metrics are
// enabled. Serving failures are logged, not fatal.
func startMetricsServer(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) {
	handler := obs.MetricsHandler()
	if handler == nil {
		return
	}
	addr := ":9091"
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Addr != "" {
		addr = cfg.Observability.Metrics.Addr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	go func() {
		logger.Info("metrics server listening", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
}
