package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/config"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/logging"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/scheduler"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/stats"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/tasking"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/taskstate"
)

var daemonFlags struct {
	listen   string
	driver   string
	dbPath   string
	dsn      string
	logLevel string
	pretty   bool
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the tasking daemon",
	Long:  `Starts the daemon that serves the HTTP API and periodically releases stale task locks.`,
	RunE:  runDaemon,
}

func init() {
	addStorageFlags(daemonCmd)
	f := daemonCmd.Flags()
	f.StringVar(&daemonFlags.listen, "listen", "", "Listen address for the API server")
	f.StringVar(&daemonFlags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.BoolVar(&daemonFlags.pretty, "pretty", false, "Human-readable console logs")
}

// addStorageFlags registers the database overrides on cmd.
func addStorageFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&daemonFlags.driver, "driver", "", "Database driver (sqlite or postgres)")
	f.StringVar(&daemonFlags.dbPath, "db", "", "Path to SQLite database")
	f.StringVar(&daemonFlags.dsn, "dsn", "", "Postgres connection string")
}

// applyDaemonFlags overrides file values with flags the user set.
func applyDaemonFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Server.Listen = daemonFlags.listen
	}
	if f.Changed("driver") {
		cfg.Database.Driver = daemonFlags.driver
	}
	if f.Changed("db") {
		cfg.Database.Path = daemonFlags.dbPath
	}
	if f.Changed("dsn") {
		cfg.Database.DSN = daemonFlags.dsn
		if !f.Changed("driver") {
			cfg.Database.Driver = config.DriverPostgres
		}
	}
	if f.Changed("log-level") {
		cfg.Log.Level = daemonFlags.logLevel
	}
	if f.Changed("pretty") {
		cfg.Log.Pretty = daemonFlags.pretty
	}
}

func openBackend(cmd *cobra.Command) (*config.Config, store.Backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	applyDaemonFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	b, err := cfg.OpenBackend()
	if err != nil {
		return nil, nil, err
	}
	return cfg, b, nil
}

func newService(cfg *config.Config, b store.Backend, log *logging.Log) *tasking.Service {
	opts := tasking.Options{
		Policy: taskstate.Policy{ValidateBadImagery: cfg.Policy.ValidateBadImagery},
		Logger: &log.Logger,
	}
	if cfg.Cache.SummaryTTL > 0 {
		opts.Cache = stats.NewSummaryCache(cfg.Cache.SummarySize, cfg.Cache.SummaryTTL)
	}
	return tasking.NewService(b, opts)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, b, err := openBackend(cmd)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Path: cfg.Log.Path, Pretty: cfg.Log.Pretty})
	if err != nil {
		b.Close()
		return err
	}
	defer log.Close()

	log.Info().
		Str("version", version).
		Str("driver", cfg.Database.Driver).
		Str("listen", cfg.Server.Listen).
		Msg("starting tasking daemon")

	service := newService(cfg, b, log)
	server := tasking.NewServer(service, tasking.ServerConfig{
		Addr:        cfg.Server.Listen,
		Version:     version,
		LockTimeout: cfg.Locks.LockTimeout,
		Logger:      &log.Logger,
	})

	sched := scheduler.New(service, &cfg.Locks, log.Logger)
	sched.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
			sched.Stop()
			b.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	sched.Stop()

	if err := b.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
	}

	log.Info().Interface("sweeps", sched.Stats()).Msg("shutdown complete")
	return nil
}
