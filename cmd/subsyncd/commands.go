package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codecraft/subsync/internal/config"
	"github.com/codecraft/subsync/storage/postgres"
)

// withApp loads config, builds the app, runs fn and releases everything.
func withApp(cmd *cobra.Command, envFile string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *envFile, serve)
		},
	}
}

func reconcileCmd(envFile *string) *cobra.Command {
	var subscriptionID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-read stale subscriptions from the processor and apply them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *envFile, func(ctx context.Context, a *app) error {
				rec, err := a.reconciler()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if subscriptionID != "" {
					res, err := rec.ReconcileSubscription(ctx, subscriptionID)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s: %s\n", subscriptionID, res.Outcome)
					return nil
				}
				report, err := rec.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "checked=%d changed=%d failed=%d\n", report.Checked, report.Changed, report.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subscriptionID, "subscription", "", "reconcile a single subscription id")
	return cmd
}

func deadLettersCmd(envFile *string) *cobra.Command {
	var limit int
	parent := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and replay side effects that exhausted their retries",
	}
	parent.PersistentFlags().IntVar(&limit, "limit", 100, "maximum entries to process")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *envFile, func(ctx context.Context, a *app) error {
				dls, err := a.manager.ListDeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tEVENT\tCUSTOMER\tATTEMPTS\tCREATED\tERROR")
				for _, dl := range dls {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						dl.ID, dl.Intent.Kind, dl.Intent.EventID, dl.Intent.CustomerID,
						dl.Attempts, dl.CreatedAt.UTC().Format(time.RFC3339), dl.LastError)
				}
				return tw.Flush()
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Re-run dead-lettered intents and drop the ones that succeed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *envFile, func(ctx context.Context, a *app) error {
				ok, failed, err := a.manager.RetryDeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "succeeded=%d failed=%d\n", ok, failed)
				return nil
			})
		},
	}

	parent.AddCommand(list, retry)
	return parent
}

func purgeEventsCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-events",
		Short: "Delete event ids past their retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *envFile, func(ctx context.Context, a *app) error {
				n, err := a.manager.PurgeExpiredEvents(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged=%d\n", n)
				return nil
			})
		},
	}
}

// migrateCmd manages the PostgreSQL schema. It needs only the DSN, not a running app.
func migrateCmd(envFile *string) *cobra.Command {
	parent := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	dsn := func() (string, error) {
		cfg, err := config.Load(*envFile)
		if err != nil {
			return "", err
		}
		if cfg.Storage.PostgresDSN == "" {
			return "", fmt.Errorf("DATABASE_URL is required for migrations")
		}
		return cfg.Storage.PostgresDSN, nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			if err := postgres.Migrate(d); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	down := &cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (default 1 step)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			d, err := dsn()
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(d, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			v, dirty, err := postgres.MigrationVersion(d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
			return nil
		},
	}

	parent.AddCommand(up, down, version)
	return parent
}
