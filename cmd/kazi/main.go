// Kazi — sandboxed LLM task agent with a persistent shell session.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi — run LLM-driven tasks inside an isolated Docker shell session.",
	Long: `Kazi gives a language model one persistent shell session inside a Docker
container and drives it turn by turn until the task is done. Host data is
projected into the sandbox through explicit mounts; read-only mounts are
protected by an in-container overlay so the host copy is never written.`,
	RunE:          runTask, // Default to run mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, executorCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
