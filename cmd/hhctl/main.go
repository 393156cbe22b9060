// Command hhctl is the maintenance CLI for the household data engine: schema
// migrations, health/backup/repair, timezone backfill, and household
// diagnostics. It stands in for the desktop front-end the engine is
// otherwise embedded in.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/arklowdun/dbcore/internal/backup"
	"github.com/arklowdun/dbcore/internal/clock"
	"github.com/arklowdun/dbcore/internal/config"
	"github.com/arklowdun/dbcore/internal/dbx"
	"github.com/arklowdun/dbcore/internal/gate"
	"github.com/arklowdun/dbcore/internal/health"
	"github.com/arklowdun/dbcore/internal/household"
	"github.com/arklowdun/dbcore/internal/migrate"
	"github.com/arklowdun/dbcore/internal/registry"
	"github.com/arklowdun/dbcore/internal/repair"
	"github.com/arklowdun/dbcore/internal/types"
	"github.com/arklowdun/dbcore/internal/vault"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var (
	dbPath        string
	cfgPath       string
	jsonOutput    bool
	metricsOutput bool
)

// appContext bundles every component a subcommand might need. It is built
// once in rootCmd's PersistentPreRunE and threaded explicitly into each
// RunE. The gate, the active-household selection, and the zap logger are
// the only long-lived mutable state this process keeps, and all three are
// constructed here rather than held in package globals.
type appContext struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *dbx.DB
	clk     clock.Clock
	migrate *migrate.Engine
	health  *health.Checker
	backup  *backup.Engine
	repair  *repair.Engine
	gate    *gate.Gate
	vault   *vault.Guard
	active  *household.ActiveSelection
	metrics *sdkmetric.MeterProvider
	dbPath  string
}

var app *appContext

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level.SetLevel(zap.InfoLevel)
	}
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "" // CLI output stays terse; structured fields still carry context.
	return cfg.Build()
}

func buildAppContext(ctx context.Context) (*appContext, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	root := dbPath
	if root == "" {
		dataRoot, err := cfg.ResolveAppDataRoot()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dataRoot, 0o755); err != nil {
			return nil, err
		}
		root = filepath.Join(dataRoot, "household.sqlite3")
	}

	db, err := dbx.Open(ctx, root, logger)
	if err != nil {
		return nil, err
	}

	migrateEngine, err := migrate.New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := verifyRegistryCoverage(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Metrics are opt-in for the CLI: hhctl runs are short-lived, so the
	// stdout exporter is only worth its noise when asked for.
	var meter metric.Meter
	var metricsProvider *sdkmetric.MeterProvider
	if metricsOutput {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		metricsProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
		otel.SetMeterProvider(metricsProvider)
		meter = metricsProvider.Meter("github.com/arklowdun/dbcore/cmd/hhctl")
	}

	healthChecker, err := health.New(db, Version, logger, meter)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	appDataRoot, err := cfg.ResolveAppDataRoot()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	backupRoot := filepath.Join(appDataRoot, "backups")
	backupEngine := backup.New(db, healthChecker, backup.Config{
		BackupRoot: backupRoot,
		AppVersion: Version,
		Clock:      clock.Real{},
		Logger:     logger,
		Retain:     cfg.BackupRetention,
	})

	repairEngine := repair.New(backupEngine, logger)

	vaultBase := filepath.Join(appDataRoot, "attachments")
	if err := os.MkdirAll(vaultBase, 0o755); err != nil {
		_ = db.Close()
		return nil, err
	}
	vaultGuard, err := vault.New(vaultBase, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &appContext{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		clk:     clock.Real{},
		migrate: migrateEngine,
		health:  healthChecker,
		backup:  backupEngine,
		repair:  repairEngine,
		gate:    gate.New(),
		vault:   vaultGuard,
		active:  household.NewActiveSelection(),
		metrics: metricsProvider,
		dbPath:  root,
	}, nil
}

// verifyRegistryCoverage is the startup self-check from the cascade design:
// every live table carrying a household_id column must be known to the
// registry, so a newly added domain table cannot be silently skipped by the
// cascade pipeline. A database that has not been migrated yet has no tables
// and passes trivially.
func verifyRegistryCoverage(ctx context.Context, db *dbx.DB) error {
	rows, err := db.SQL().QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != 'schema_migrations'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var scoped []string
	for _, name := range names {
		var hasHousehold int
		err := db.SQL().QueryRowContext(ctx, `
			SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = 'household_id'`, name).Scan(&hasHousehold)
		if err != nil {
			return err
		}
		if hasHousehold > 0 {
			scoped = append(scoped, name)
		}
	}
	return registry.CheckExhaustive(scoped)
}

// refreshGate runs a full health pass and updates the gate's cached report,
// so a subsequent gate.Check() in the same process reflects it. Subcommands
// that mutate the database (migrate up/down, repair) call this before
// returning so the gate never serves a stale report for the rest of the
// process's lifetime.
func (a *appContext) refreshGate(ctx context.Context) (*types.HealthReport, error) {
	report, err := a.health.Run(ctx, time.Now)
	if err != nil {
		return nil, err
	}
	a.gate.Update(report)
	return report, nil
}

var rootCmd = &cobra.Command{
	Use:   "hhctl",
	Short: "maintenance CLI for the household data engine",
	Long: `hhctl drives the household data engine's schema migrations, health
checks, backups, guided repair, timezone backfill, and household diagnostics.

It is the standalone front-end for a database that is normally embedded
inside a desktop application; every subcommand operates against one
on-disk SQLite file opened by this process alone.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildAppContext(cmd.Context())
		if err != nil {
			return err
		}
		app = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if app == nil {
			return nil
		}
		if app.metrics != nil {
			_ = app.metrics.Shutdown(cmd.Context())
		}
		if app.db != nil {
			_ = app.logger.Sync()
			return app.db.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the household sqlite file (default: resolved app data root)")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to dbcore.toml (default: XDG config search path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVar(&metricsOutput, "metrics", false, "export engine metrics to stderr when the command exits")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(diagnosticsCmd)
	rootCmd.AddCommand(timeBackfillCmd)
	rootCmd.AddCommand(verifySchemaCmd)
}

// exitCodeFor maps an error to the process exit code: 0 success, 1 generic
// failure, 2 write blocked by the health gate.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if _, blocked := gate.Report(err); blocked {
		return 2
	}
	return 1
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hhctl:", err)
	}
	os.Exit(exitCodeFor(err))
}
