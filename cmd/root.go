// Package cmd holds the agentbridge CLI.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentbridge/internal/bridge"
	"github.com/nextlevelbuilder/agentbridge/internal/config"
	"github.com/nextlevelbuilder/agentbridge/internal/telemetry"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/agentbridge/cmd.Version=v1.0.0"
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "agentbridge — chat bridge for terminal-hosted coding agents",
	Long:  "agentbridge connects coding agents running in tmux panes (claude, codex, opencode, gemini) to Discord or Slack channels.",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(attachCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentbridge %s\n", Version)
		},
	}
}

func runDaemon() {
	setupLogging()
	opts := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "agentbridge", Version)
	if err != nil {
		slog.Warn("tracing setup failed", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	b, err := bridge.New(opts)
	if err != nil {
		slog.Error("bridge init failed", "error", err)
		os.Exit(1)
	}
	if err := b.Run(ctx); err != nil {
		slog.Error("bridge terminated", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
