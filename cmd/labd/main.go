// Package main is the entry point for the lab workflow server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pitabwire/labflow/internal/config"
	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, envFile string

	root := &cobra.Command{
		Use:          "labd",
		Short:        "Lab test processing workflow server",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// A missing .env file is normal outside development.
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("loading %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (defaults only when empty)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending PostgreSQL migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				return migrate(cmd.Context(), cfg, cmd)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, _ []string) {
				cmd.Printf("labd %s (%s)\n", version, commit)
			},
		},
	)
	return root
}

func migrate(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	pool, closer, err := openPool(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closer()

	applied, err := workflow.Migrate(ctx, pool)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if len(applied) == 0 {
		cmd.Println("schema is up to date")
		return nil
	}
	for _, name := range applied {
		cmd.Printf("applied %s\n", name)
	}
	return nil
}

func init() {
	observability.Version = version
	observability.Commit = commit
}
