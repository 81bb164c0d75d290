package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/activitysync/internal/config"
	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/JonMunkholm/activitysync/internal/logging"
	"github.com/JonMunkholm/activitysync/internal/store"
	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every command.
type options struct {
	driver   string
	dsn      string
	guild    string
	logLevel string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "activityctl",
		Short:         "Import, rebuild and export guild activity counters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Logs go to stderr so CSV written to stdout stays clean.
			logging.Setup(cmd.ErrOrStderr(), opts.logLevel, "text")
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.driver, "store", "", "counter store: postgres, sqlite or memory (default $STORAGE_DRIVER)")
	flags.StringVar(&opts.dsn, "dsn", "", "PostgreSQL URL or SQLite path (default $DATABASE_URL or $SQLITE_PATH)")
	flags.StringVar(&opts.guild, "guild", "", "guild id the batch belongs to")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(
		newImportCommand(opts, core.ScopeDay),
		newImportCommand(opts, core.ScopeMonth),
		newRebuildCommand(opts),
		newExportCommand(opts),
		newChartCommand(opts),
	)
	return root
}

// tenant returns the --guild flag as a tenant id.
func (o *options) tenant() (core.TenantID, error) {
	if strings.TrimSpace(o.guild) == "" {
		return 0, errors.New("--guild is required")
	}
	return core.ParseTenantID(o.guild)
}

// app is an opened store and the service over it.
type app struct {
	counters store.Counters
	service  *core.Service
}

// open resolves the store from the environment, applies flag overrides and
// opens it.
func (o *options) open(ctx context.Context) (*app, error) {
	sc, err := config.LoadStorage()
	if err != nil {
		return nil, err
	}
	if o.driver != "" {
		sc.Driver = strings.ToLower(o.driver)
	}
	if o.dsn != "" {
		switch sc.Driver {
		case config.DriverPostgres:
			sc.DatabaseURL = o.dsn
		case config.DriverSQLite:
			sc.SQLitePath = o.dsn
		}
	}

	counters, err := store.Open(ctx, sc)
	if err != nil {
		return nil, err
	}
	svc := core.NewService(counters, core.ServiceConfig{MaxConcurrent: 1}, slog.Default())
	return &app{counters: counters, service: svc}, nil
}

func (a *app) Close() error {
	return a.counters.Close()
}
