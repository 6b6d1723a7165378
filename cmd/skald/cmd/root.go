/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/config"
	"github.com/ssargent/skalddb/pkg/engine"
	"github.com/ssargent/skalddb/pkg/logging"
)

type ctxKey struct{}

// app is what PersistentPreRunE resolves for every subcommand.
type app struct {
	cfg        *config.Config
	configPath string
	log        *zap.Logger
}

func appFrom(cmd *cobra.Command) (*app, error) {
	a, ok := cmd.Context().Value(ctxKey{}).(*app)
	if !ok {
		return nil, errors.New("configuration not loaded")
	}
	return a, nil
}

// NewRootCmd builds the skald command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "skald",
		Short: "SkaldDB - Embeddable table store",
		Long: `SkaldDB is an embeddable database of typed tables with primary keys,
foreign-key integrity and atomic multi-table transactions, stored on a
pluggable connector (memory, file, pebble, sqlite, minio or s3).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			target, _ := cmd.Flags().GetString("target")
			level, _ := cmd.Flags().GetString("log-level")

			if configPath == "" {
				configPath = config.GetDefaultConfigPath()
			}
			cfg := config.DefaultConfig()
			if config.ConfigExists(configPath) {
				loaded, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if target != "" {
				cfg.Connector.Target = target
			}
			if level != "" {
				cfg.Logging.Level = level
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, ctxKey{}, &app{cfg: cfg, configPath: configPath, log: log}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a, err := appFrom(cmd); err == nil {
				_ = a.log.Sync()
			}
		},
	}

	root.PersistentFlags().String("config", "", "Path to config file (default: OS-specific location)")
	root.PersistentFlags().StringP("target", "t", "", "Connector target, overrides the config file (e.g. file://./data)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		newInitCmd(),
		newUpCmd(),
		newServeCmd(),
		newTablesCmd(),
		newCreateTableCmd(),
		newStatsCmd(),
		newScanCmd(),
		newGetCmd(),
		newPutCmd(),
		newDeleteCmd(),
		newExportCmd(),
		newImportCmd(),
		newServiceCmd(),
	)
	return root
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// withDatabase opens the configured database, runs fn and closes it.
func withDatabase(cmd *cobra.Command, fn func(*engine.Database) error) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	db, err := engine.OpenConfig(cmd.Context(), a.cfg.Connector, engine.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := fn(db); err != nil {
		_ = db.Close()
		return err
	}
	return db.Close()
}
