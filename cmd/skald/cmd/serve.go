/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/api"
	"github.com/ssargent/skalddb/pkg/config"
	"github.com/ssargent/skalddb/pkg/engine"
	"github.com/ssargent/skalddb/pkg/metrics"
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		Long: `Start the SkaldDB REST API server on the configured connector.

Every /api/v1 route requires an X-API-Key header. The admin key comes from
the configuration or --api-key; with api_key set to "auto" a key is
generated for this run and printed. Further keys are issued through
/api/v1/keys.

Examples:
  skald serve --api-key=mysecretkey --port=8080
  skald serve --target sqlite://./skald.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd, a)
		},
	}
	addServerFlags(c)
	return c
}

func addServerFlags(c *cobra.Command) {
	c.Flags().IntP("port", "p", 0, "Port to listen on (default from config)")
	c.Flags().String("bind", "", "Address to bind server to (default from config)")
	c.Flags().String("api-key", "", "Admin API key (default from config)")
}

// applyServerFlags overrides the server section with flags that were set.
func applyServerFlags(cmd *cobra.Command, cfg *config.Server) {
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("bind") {
		cfg.Bind, _ = cmd.Flags().GetString("bind")
	}
	if cmd.Flags().Changed("api-key") {
		cfg.APIKey, _ = cmd.Flags().GetString("api-key")
	}
}

func runServer(cmd *cobra.Command, a *app) error {
	applyServerFlags(cmd, &a.cfg.Server)
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	if a.cfg.Server.APIKey == "" || a.cfg.Server.APIKey == "auto" {
		key, err := config.GenerateSecureKey(32)
		if err != nil {
			return err
		}
		a.cfg.Server.APIKey = key
		cmd.Printf("Generated admin API key for this run: %s\n", key)
	}

	var m *metrics.Metrics
	if a.cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	db, err := engine.OpenConfig(cmd.Context(), a.cfg.Connector, engine.WithLogger(a.log), engine.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			a.log.Error("closing database", zap.Error(err))
		}
	}()

	keys, err := api.OpenKeyStore(db)
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Printf("Starting SkaldDB server on %s:%d\n", a.cfg.Server.Bind, a.cfg.Server.Port)
	cmd.Printf("Connector target: %s\n", a.cfg.Connector.Target)

	srv := api.NewServer(db, keys, api.ServerConfig{
		Bind:   a.cfg.Server.Bind,
		Port:   a.cfg.Server.Port,
		APIKey: a.cfg.Server.APIKey,
	}, m, a.log)
	return srv.ListenAndServe(ctx)
}
