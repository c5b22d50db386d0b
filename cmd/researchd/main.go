// Researchd is a durable research-report pipeline daemon.
//
// It accepts report runs over HTTP, drives each through a fixed sequence
// of model-backed stages with per-stage checkpointing, and survives
// restarts without repeating completed work.
//
// Usage:
//
//	# Start with defaults (sqlite store, pipeline.yaml)
//	researchd serve
//
//	# Configure via file and environment
//	researchd serve --config /etc/researchd/config.yaml
//	RESEARCHD_SERVER_HTTP_PORT=8080 researchd serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "researchd",
	Short: "Durable research-report pipeline daemon",
	Long: `researchd runs multi-stage research-report pipelines against the
Anthropic API. Stage results are checkpointed as they complete, so a
restart or redeploy resumes every in-flight run exactly where it left
off, and a completed stage is never re-billed.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the researchd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("researchd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
