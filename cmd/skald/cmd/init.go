/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ssargent/skalddb/pkg/config"
)

func newInitCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with a generated admin API key",
		Long: `Write a SkaldDB configuration file with a freshly generated admin API key.

The connector target comes from --target (default file://./data). An
existing configuration is left alone unless --force is given.

Examples:
  skald init
  skald init --target pebble://./data --config ./skald.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			target, _ := cmd.Flags().GetString("target")

			if config.ConfigExists(a.configPath) && !force {
				cmd.Printf("Configuration already exists at %s. Use --force to overwrite.\n", a.configPath)
				return nil
			}
			cfg, err := config.BootstrapConfig(a.configPath, target)
			if err != nil {
				return err
			}
			cmd.Printf("Configuration written to %s\n", a.configPath)
			cmd.Printf("Connector target: %s\n", cfg.Connector.Target)
			cmd.Printf("Admin API key: %s\n", cfg.Server.APIKey)
			return nil
		},
	}
	c.Flags().Bool("force", false, "Overwrite an existing configuration")
	return c
}

func newUpCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "up",
		Short: "Bootstrap configuration if missing, then start the server",
		Long: `Bootstrap SkaldDB by writing a configuration with a generated admin API
key if none exists, then start the REST API server. This is the
recommended way to get SkaldDB running.

Examples:
  skald up
  skald up --target file://./mydata --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			if !config.ConfigExists(a.configPath) {
				cmd.Printf("First run detected. Bootstrapping SkaldDB...\n")
				cfg, err := config.BootstrapConfig(a.configPath, a.cfg.Connector.Target)
				if err != nil {
					return err
				}
				a.cfg.Server.APIKey = cfg.Server.APIKey
				cmd.Printf("Configuration created at %s\n", a.configPath)
				cmd.Printf("Admin API key: %s\n", cfg.Server.APIKey)
			}
			return runServer(cmd, a)
		},
	}
	addServerFlags(c)
	return c
}
