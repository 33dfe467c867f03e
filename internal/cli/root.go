package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/keepsync/internal/repositories/syncmeta"
	syncengine "github.com/dmitrijs2005/keepsync/internal/sync"
)

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "keepsync",
		Short:         "Local-first personal data store sync engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newSyncCmd())
	root.AddCommand(newDaemonCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConflictsCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newResourceCmd())
	return root
}

// Execute runs the CLI.
func Execute(version string) {
	if err := NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func withApp(fn func(ctx context.Context, app *App, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := NewApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()
		return fn(ctx, app, cmd, args)
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		RunE: withApp(func(ctx context.Context, app *App, cmd *cobra.Command, args []string) error {
			if err := app.Unlock(ctx); err != nil {
				return err
			}
			report, err := app.engine.RunCycle(ctx)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		}),
	}
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync periodically until interrupted",
		RunE: withApp(func(ctx context.Context, app *App, cmd *cobra.Command, args []string) error {
			if err := app.Unlock(ctx); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			scheduler := syncengine.NewScheduler(app.engine, app.cfg.SyncInterval, app.cfg.SyncDebounce)
			scheduler.Start(ctx)
			scheduler.NotifyChange() // first cycle right away

			<-ctx.Done()
			scheduler.Stop()
			return nil
		}),
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending work and the last sync time",
		RunE: withApp(func(ctx context.Context, app *App, cmd *cobra.Command, args []string) error {
			pending, err := app.engine.PendingCount(ctx)
			if err != nil {
				return err
			}
			conflicts, err := app.engine.ListConflicts(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pending pushes: %d\n", pending)
			fmt.Fprintf(cmd.OutOrStdout(), "Conflicts:      %d\n", len(conflicts))

			value, err := app.repos.SyncMeta.Get(ctx, syncmeta.KeyLastSyncTime)
			if err != nil {
				return err
			}
			if len(value) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Last sync:      never")
				return nil
			}
			ms, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Last sync:      %s\n",
				time.UnixMilli(ms).Format(time.RFC3339))
			return nil
		}),
	}
}

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List items waiting for conflict resolution",
		RunE: withApp(func(ctx context.Context, app *App, cmd *cobra.Command, args []string) error {
			conflicts, err := app.engine.ListConflicts(ctx)
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conflicts.")
				return nil
			}
			for _, it := range conflicts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tupdated %s\n",
					it.ID, it.Type, time.UnixMilli(it.UpdatedTime).Format(time.RFC3339))
			}
			return nil
		}),
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <item-id> <local|remote>",
		Short: "Resolve a conflicted item by keeping one side",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, app *App, cmd *cobra.Command, args []string) error {
			var keep syncengine.Resolution
			switch args[1] {
			case "local":
				keep = syncengine.KeepLocal
			case "remote":
				keep = syncengine.KeepRemote
			default:
				return fmt.Errorf("resolution must be local or remote, got %q", args[1])
			}

			if err := app.Unlock(ctx); err != nil {
				return err
			}
			if err := app.engine.Resolve(ctx, args[0], keep); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s keeping %s.\n", args[0], args[1])
			return nil
		}),
	}
}

func newResourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Manage the local attachment cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "fetch <resource-id>",
		Short: "Download an attachment into the cache and print its path",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, app *App, cmd *cobra.Command, args []string) error {
			if err := app.Unlock(ctx); err != nil {
				return err
			}
			path, err := app.resources.Fetch(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate <resource-id>",
		Short: "Drop an attachment from the cache, forcing re-download",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, app *App, cmd *cobra.Command, args []string) error {
			return app.resources.Invalidate(ctx, args[0])
		}),
	})

	return cmd
}

func printReport(cmd *cobra.Command, report *syncengine.CycleReport) {
	if report == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Sync already in progress; queued a re-run.")
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d, pulled %d, conflicted %d, failed %d, purged %d (%.1fs)\n",
		report.Pushed, report.Pulled, report.Conflicted, report.Failed, report.Purged,
		report.FinishedAt.Sub(report.StartedAt).Seconds())
	for _, ie := range report.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "  failed: %v\n", ie)
	}
}
