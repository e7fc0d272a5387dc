package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/kazibot/kazi/internal/execserver"
)

var executorPort int

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Start the in-container shell executor",
	Long: `Start the shell executor that kazi run talks to. This command is the
entrypoint of the sandbox image: it owns one persistent bash session and
serves it over HTTP on POST /.`,
	RunE: runExecutor,
}

func init() {
	executorCmd.Flags().IntVarP(&executorPort, "port", "p", 8080, "port to listen on")
}

func runExecutor(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	port := executorPort
	if !cmd.Flags().Changed("port") {
		if v, err := strconv.Atoi(goutils.Env("KAZI_EXECUTOR_PORT", strconv.Itoa(executorPort))); err == nil {
			port = v
		}
	}

	session, err := execserver.NewSession(logger)
	if err != nil {
		return fmt.Errorf("starting shell session: %w", err)
	}
	defer session.Close()

	server := execserver.NewServer(session, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(shutdownCtx)
	}()

	return server.Start(ctx, fmt.Sprintf(":%d", port))
}
