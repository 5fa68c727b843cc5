package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/ttt-rmsync/internal/config"
	"github.com/Tiliavir/ttt-rmsync/internal/credential"
	"github.com/Tiliavir/ttt-rmsync/internal/logging"
	"github.com/Tiliavir/ttt-rmsync/internal/rmsync"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ttt",
	Short: "Trivial Time Tracker – timesheets with RM billing sync",
	Long: `ttt records daily timesheet entries in a local SQLite database and
pushes them, aggregated per project and day, to the RM billing system.
Configuration lives in ~/.ttt/config.json.`,
}

// Execute is the entry point called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(entryCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(outlookCmd)
	rootCmd.AddCommand(rmCmd)
}

// app bundles what every command needs: the loaded config, the logger and
// the open store.
type app struct {
	cfg    config.Config
	log    *slog.Logger
	store  *store.Store
	closer io.Closer
}

// openApp loads the configuration and opens the database. Failures exit the
// process with status 2.
func openApp() *app {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, closer := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		closer.Close()
		fmt.Fprintf(os.Stderr, "Cannot open database %s: %v\n", cfg.Database.Path, err)
		os.Exit(2)
	}
	logger.Debug("database opened", "path", cfg.Database.Path)
	return &app{cfg: cfg, log: logger, store: st, closer: closer}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing database", "err", err)
	}
	a.closer.Close()
}

// userID is the owner of entries, connections and sync runs.
func (a *app) userID() string {
	return a.cfg.RM.UserID
}

// box returns the credential box sealing RM tokens. It exits with status 1
// when no secret is configured.
func (a *app) box() *credential.Box {
	b, err := credential.NewBox(a.cfg.Secret)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return b
}

func (a *app) reconciler() *rmsync.Reconciler {
	return rmsync.New(a.store, a.box(), rmsync.HTTPConnector(a.cfg.RM.RequestTimeout.Std()), a.log)
}
