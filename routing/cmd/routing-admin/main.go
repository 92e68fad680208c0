package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/contact-center/routing/internal/app"
	"github.com/ILLUVRSE/contact-center/routing/internal/auth"
	"github.com/ILLUVRSE/contact-center/routing/internal/config"
	"github.com/ILLUVRSE/contact-center/routing/internal/events"
	"github.com/ILLUVRSE/contact-center/routing/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "routing-admin",
		Short:        "Operational tasks for the contact routing services",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("ROUTING_CONFIG_FILE"), "optional YAML config file")
	load := func() (config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(newMigrateCmd(load), newCreateTopicsCmd(load), newSeedCmd(load), newTokenCmd(load))
	return root
}

type loader func() (config.Config, error)

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the routing schema to Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := app.OpenDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newCreateTopicsCmd(load loader) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "create-topics",
		Short: "Create the routing topics if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			specs := events.Topics(cfg.Topic.RoutingRequests, cfg.Topic.Assignments, cfg.Topic.WorkerStatus, cfg.Topic.DeadLetter)
			if err := events.CreateTopics(ctx, cfg.Kafka.Brokers, specs); err != nil {
				return err
			}
			for _, s := range specs {
				fmt.Fprintf(cmd.OutOrStdout(), "created or verified topic: %s (partitions=%d, replication=%d)\n", s.Name, s.Partitions, s.ReplicationFactor)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for topic creation")
	return cmd
}

func newSeedCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert sample workers and work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := app.OpenDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			workers, items, err := seed(cmd.Context(), store.NewPGStore(db))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d workers and %d work items\n", workers, items)
			return nil
		},
	}
}

func newTokenCmd(load loader) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token TENANT...",
		Short: "Sign an API token scoped to the given tenants (* for all)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			v := auth.NewVerifier(cfg.Auth.JWTSecret)
			if !v.Enabled() {
				return fmt.Errorf("AUTH_JWT_SECRET is not set")
			}
			token, err := v.Sign(subject, args...)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "routing-admin", "token subject")
	return cmd
}
