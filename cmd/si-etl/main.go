package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/sleepetl/internal/config"
	"github.com/ehr/sleepetl/internal/domain/batch"
	"github.com/ehr/sleepetl/internal/platform/db"
	"github.com/ehr/sleepetl/internal/platform/filesource"
	"github.com/ehr/sleepetl/internal/platform/runlock"
	"github.com/ehr/sleepetl/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "si-etl",
		Short:         "Sleep Impressions SFTP ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(localCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.IsDev()), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP trigger server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if missing := cfg.MissingETLVars(); len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("configuration incomplete; trigger requests will be refused")
	}

	runs := a.runRepo()
	svc, err := a.batchService(a.sftpSources(), a.sink(), runs, cfg.SFTPRemoteDir)
	if err != nil {
		return err
	}
	e := a.newServer(svc, runs)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runCmd() *cobra.Command {
	var reportDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch against the SFTP drop and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireETL(); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger, appOptions{requireDB: true})
			if err != nil {
				return err
			}
			defer a.close()

			svc, err := a.batchService(a.sftpSources(), a.sink(), a.runRepo(), cfg.SFTPRemoteDir)
			if err != nil {
				return err
			}
			sum, err := svc.Run(ctx, batch.TriggerCLI)
			return finishRun(logger, sum, err, reportDir)
		},
	}
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Write a JSON run report into this directory")
	return cmd
}

// finishRun writes the optional report and maps the outcome to an exit code:
// 2 for a fatal run, 3 when some files failed.
func finishRun(logger zerolog.Logger, sum *batch.Summary, runErr error, reportDir string) error {
	if sum != nil && reportDir != "" {
		path, err := batch.WriteReport(reportDir, sum)
		if err != nil {
			logger.Error().Err(err).Msg("failed to write report")
		} else {
			logger.Info().Str("path", path).Msg("report written")
		}
	}
	switch {
	case errors.Is(runErr, runlock.ErrLocked):
		return &exitError{code: 4, err: runErr}
	case runErr != nil:
		return &exitError{code: 2, err: runErr}
	case len(sum.Errors) > 0:
		return &exitError{code: 3, err: fmt.Errorf("%d of %d files had errors", len(sum.Errors), sum.FilesFound)}
	}
	return nil
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a batch now and then on a fixed interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireETL(); err != nil {
				return err
			}
			if interval <= 0 {
				interval = cfg.WatchInterval
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger, appOptions{requireDB: true})
			if err != nil {
				return err
			}
			defer a.close()

			svc, err := a.batchService(a.sftpSources(), a.sink(), a.runRepo(), cfg.SFTPRemoteDir)
			if err != nil {
				return err
			}
			logger.Info().Dur("interval", interval).Msg("watching drop")
			return schedule(ctx, interval, func(ctx context.Context) {
				_, err := svc.Run(ctx, batch.TriggerSchedule)
				switch {
				case errors.Is(err, runlock.ErrLocked):
					logger.Info().Msg("previous batch still running, skipping tick")
				case err != nil:
					logger.Error().Err(err).Msg("scheduled batch failed")
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Time between batches (default ETL_WATCH_INTERVAL)")
	return cmd
}

// schedule calls fn immediately and then every interval until ctx is done.
func schedule(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func localCmd() *cobra.Command {
	var (
		dir        string
		files      []string
		reportDir  string
		archiveDir string
		dryRun     bool
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Ingest extracts from a local directory",
		Long: "Runs the batch pipeline over files already downloaded to a local directory. " +
			"With --dry-run rows are kept in memory and nothing is written to the database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if reportDir == "" {
				reportDir = cfg.ReportDir
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger, appOptions{requireDB: !dryRun, skipDB: dryRun})
			if err != nil {
				return err
			}
			defer a.close()

			src := filesource.NewLocalSource(dir, filesource.LocalConfig{
				Files:        splitList(files),
				ArchiveDir:   archiveDir,
				MaxFileBytes: cfg.SFTPMaxFileBytes,
			}, logger)
			sink := a.sink()
			if dryRun {
				logger.Info().Msg("dry run: rows are kept in memory")
			}
			svc, err := a.batchService(func() filesource.Source { return src }, sink, a.runRepo(), dir)
			if err != nil {
				return err
			}

			sum, err := svc.Run(ctx, batch.TriggerLocal)
			if !watch {
				return finishRun(logger, sum, err, reportDir)
			}
			if ferr := finishRun(logger, sum, err, reportDir); ferr != nil {
				logger.Warn().Err(ferr).Msg("initial batch had errors")
			}
			logger.Info().Str("dir", dir).Msg("watching for new files")
			return src.Watch(ctx, 2*time.Second, func(ctx context.Context) error {
				sum, err := svc.Run(ctx, batch.TriggerWatch)
				if ferr := finishRun(logger, sum, err, reportDir); ferr != nil {
					logger.Warn().Err(ferr).Msg("watch batch had errors")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory holding the extract files")
	cmd.Flags().StringSliceVar(&files, "files", nil, "Only ingest these file names (comma separated)")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Directory for the JSON run report (default ETL_REPORT_DIR)")
	cmd.Flags().StringVar(&archiveDir, "archive-dir", "", "Move ingested files into this subdirectory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Transform and validate without writing to the database")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and ingest files as they appear")
	return cmd
}

func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, schema, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := m.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, schema, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	cmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set (default MIGRATIONS_DIR)")
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, string, func(), error) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, "", nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, "", nil, &config.MissingError{Vars: []string{"DATABASE_URL"}}
	}
	if schema == "" {
		schema = cfg.DBSchema
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	pool, err := db.NewPool(cmd.Context(), db.PoolConfig{
		URL:        cfg.DatabaseURL,
		ServiceKey: cfg.DatabaseServiceKey,
		MaxConns:   2,
	})
	if err != nil {
		return nil, "", nil, err
	}

	m := db.NewMigratorFS(pool, migrations.FS)
	if dir != "" {
		m = db.NewMigrator(pool, dir)
	}
	return m, schema, pool.Close, nil
}
