// Package main provides historyctl, the maintenance CLI for the content
// history store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"contenthistory/internal/app"
	"contenthistory/internal/config"
	"contenthistory/internal/logging"
	"contenthistory/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "historyctl",
		Short:        "Inspect and maintain the content history store",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env overrides apply)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(
		newMigrateCmd(),
		newTextCmd(),
		newLogCmd(),
		newVerifyCmd(),
		newExportGitCmd(),
	)

	return rootCmd
}

// withRuntime opens the history core for one command.
func withRuntime(cmd *cobra.Command, migrate bool, fn func(cfg config.Config, rt *app.Runtime) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(logLevel, "console", cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	rt, err := app.OpenRuntime(cmd.Context(), cfg, log, migrate)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(cfg, rt)
}

func parseRef(typeName, rawID string) (store.ConsumerRef, error) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return store.ConsumerRef{}, fmt.Errorf("invalid id %q", rawID)
	}
	return store.ConsumerRef{Type: typeName, ID: id}, nil
}
