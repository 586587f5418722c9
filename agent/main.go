package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
)

// RootOptions holds global state for all commands.
type RootOptions struct {
	Log *zap.SugaredLogger
}

// NewRootCommand creates the root command for the CollabText agent.
func NewRootCommand(log *zap.SugaredLogger) *cobra.Command {
	opts := &RootOptions{Log: log}

	cmd := &cobra.Command{
		Use:   "collabtext-agent",
		Short: "CollabText agent - a replica of shared documents",
		Long:  "Keeps local replicas of CollabText documents in sync with every other replica and serves them to an editor UI.",
	}

	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewDiscoverCommand(opts))

	return cmd
}

func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	log := logger.New(logLevel)
	defer func(logger *zap.SugaredLogger) {
		_ = logger.Sync()
	}(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand(log).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
