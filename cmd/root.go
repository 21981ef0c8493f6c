// Package cmd is the cdr-correlator command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jalad-shrimali/cdr-correlator/analysis"
	"github.com/jalad-shrimali/cdr-correlator/ingest"
	"github.com/jalad-shrimali/cdr-correlator/internal/config"
	"github.com/jalad-shrimali/cdr-correlator/internal/logging"
	"github.com/jalad-shrimali/cdr-correlator/internal/metrics"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

// app carries what the subcommands share. The store is opened on first
// use so that commands like help never touch the database.
type app struct {
	configFile string
	logLevel   string
	actor      string

	settings *config.Settings
	log      *slog.Logger
	reg      *prometheus.Registry
	metrics  *metrics.Metrics
	store    *store.Store
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	a := &app{}
	root := rootCommand(a)
	err := root.ExecuteContext(context.Background())
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// rootCommand creates the command tree.
func rootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "cdr-correlator",
		Short:         "Load and correlate call detail records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "Path to config file (default: config.yaml in the search path)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.actor, "actor", os.Getenv("USER"), "Name recorded on runs and antenna imports")

	root.AddCommand(
		migrateCommand(a),
		runsCommand(a),
		objectivesCommand(a),
		ingestCommand(a),
		analyzeCommand(a),
		serveCommand(a),
	)
	return root
}

func (a *app) init() error {
	s, err := config.Load(viper.New(), a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		s.Log.Level = a.logLevel
	}
	a.settings = s
	a.log = logging.New(logging.Options{Level: s.Log.Level, Format: s.Log.Format})
	a.reg = prometheus.NewRegistry()
	a.metrics, err = metrics.New(a.reg)
	return err
}

// openStore connects once. SQLite databases are migrated on open since
// they are usually created on the fly.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	db := a.settings.Database
	s, err := store.Open(ctx, store.Config{
		Driver:            db.Driver,
		DSN:               db.DSN,
		MaxOpenConns:      db.MaxOpenConns,
		MaxIdleConns:      db.MaxIdleConns,
		ConnMaxLifetime:   db.ConnMaxLifetime,
		SlowQuery:         db.SlowQuery,
		PartitionFunction: a.settings.Ingest.PartitionFunction,
	}, a.log)
	if err != nil {
		return nil, err
	}
	if db.Driver == store.SQLite {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	a.store = s
	return s, nil
}

func (a *app) ingester(ctx context.Context) (*ingest.Ingester, error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return ingest.New(s, ingest.OptionsFrom(a.settings), a.log, a.metrics), nil
}

func (a *app) engine(ctx context.Context) (*analysis.Engine, error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return analysis.New(s, analysis.OptionsFrom(a.settings), a.log, a.metrics), nil
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil && a.log != nil {
		a.log.Warn("failed to close store", "error", err)
	}
	a.store = nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.log.Info("schema up to date", "driver", s.Dialect())
			return nil
		},
	}
}
