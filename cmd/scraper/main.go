package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mangaverse/internal/app"
	"mangaverse/internal/logger"
	"mangaverse/internal/manga"
	"mangaverse/pkg/database"
	"mangaverse/pkg/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:          "scraper",
		Short:        "Batch jobs against the registered manga sources",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite path (default $MANGAVERSE_DB_PATH or ~/.mangaverse/data.db)")

	// withApp runs fn with a wired App and a context cancelled on SIGINT/SIGTERM.
	withApp := func(fn func(ctx context.Context, a *app.App, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg := utils.LoadConfig()
			log, err := logger.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			dbCfg := database.DefaultConfig()
			if dbPath != "" {
				dbCfg.Path = dbPath
			}
			a, err := app.Build(cfg, dbCfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Debug("running", zap.String("command", cmd.Name()))
			return fn(ctx, a, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "refresh",
			Short: "Scrape every source's popular listing into the trending cache",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, a *app.App, _ []string) error {
				n, err := a.Orchestrator.RefreshPopularCache(ctx)
				fmt.Printf("upserted %d records\n", n)
				return err
			}),
		},
		&cobra.Command{
			Use:   "update-all",
			Short: "Re-fetch the detail of every stored record",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, a *app.App, _ []string) error {
				stats, err := a.Orchestrator.UpdateAll(ctx)
				fmt.Printf("updated %d, failed %d\n", stats.Updated, stats.Failed)
				return err
			}),
		},
		&cobra.Command{
			Use:   "import <source> <link>",
			Short: "Fetch one series detail and store it",
			Args:  cobra.ExactArgs(2),
			RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
				rec, err := a.Orchestrator.Import(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("%s returned nothing for %s", args[0], args[1])
				}
				fmt.Printf("stored #%d %q (%d chapters)\n", rec.ID, rec.Title, len(rec.Chapters))
				return nil
			}),
		},
		newExportCmd(withApp),
	)

	return root
}

func newExportCmd(withApp func(func(context.Context, *app.App, []string) error) func(*cobra.Command, []string) error) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every stored record to a CSV file",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app.App, _ []string) error {
			records, err := a.Records.ListAll(ctx)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := manga.WriteCSV(f, records); err != nil {
				return err
			}
			fmt.Printf("exported %d records to %s\n", len(records), out)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&out, "out", "o", "data/manga.csv", "output CSV path")
	return cmd
}
