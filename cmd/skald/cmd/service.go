/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ssargent/skalddb/pkg/config"
)

const (
	serviceName = "skald.service"
	unitPath    = "/etc/systemd/system/" + serviceName
)

func newServiceCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "service",
		Short: "Manage SkaldDB as a systemd service",
		Long: `Manage SkaldDB as a systemd service. The unit runs "skald up" against the
configuration file, restarts on failure and may only write to the
connector's data path and the configuration directory.`,
	}
	c.AddCommand(
		newServiceInstallCmd(),
		systemctlCmd("start", "Start the SkaldDB service"),
		systemctlCmd("stop", "Stop the SkaldDB service"),
		systemctlCmd("restart", "Restart the SkaldDB service"),
		systemctlCmd("status", "Show SkaldDB service status"),
		newServiceLogsCmd(),
		newServiceUninstallCmd(),
	)
	return c
}

func requireRoot(action string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("service %s requires root privileges (run with: sudo skald service %s)", action, action)
	}
	return nil
}

func newServiceInstallCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "install",
		Short: "Install SkaldDB as a systemd service",
		Long: `Install SkaldDB as a systemd service.

This will:
- Create the configuration if it does not exist
- Write the systemd unit file
- Enable and optionally start the service

Examples:
  sudo skald service install
  sudo skald service install --target file:///var/lib/skald --user skald`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFrom(cmd)
			if err != nil {
				return err
			}
			user, _ := cmd.Flags().GetString("user")
			binary, _ := cmd.Flags().GetString("binary")
			startNow, _ := cmd.Flags().GetBool("start")

			if err := requireRoot("install"); err != nil {
				return err
			}
			applyServerFlags(cmd, &a.cfg.Server)
			if !config.ConfigExists(a.configPath) {
				cfg, err := config.BootstrapConfig(a.configPath, a.cfg.Connector.Target)
				if err != nil {
					return err
				}
				a.cfg.Server.APIKey = cfg.Server.APIKey
				cmd.Printf("Created new configuration at %s\n", a.configPath)
			}
			if err := config.SaveConfig(a.cfg, a.configPath); err != nil {
				return err
			}

			unit, err := renderUnit(a.cfg, a.configPath, user, binary)
			if err != nil {
				return err
			}
			if err := os.WriteFile(unitPath, []byte(unit), 0600); err != nil {
				return fmt.Errorf("failed to write unit file: %w", err)
			}
			if err := runCommand("systemctl", "daemon-reload"); err != nil {
				return fmt.Errorf("failed to reload systemd: %w", err)
			}
			if err := runCommand("systemctl", "enable", serviceName); err != nil {
				return fmt.Errorf("failed to enable service: %w", err)
			}
			if startNow {
				if err := runCommand("systemctl", "start", serviceName); err != nil {
					return fmt.Errorf("failed to start service: %w", err)
				}
			}

			cmd.Printf("Service: %s\n", serviceName)
			cmd.Printf("Config: %s\n", a.configPath)
			cmd.Printf("Target: %s\n", a.cfg.Connector.Target)
			cmd.Printf("Listening on: %s:%d\n", a.cfg.Server.Bind, a.cfg.Server.Port)
			if !startNow {
				cmd.Printf("To start the service: sudo systemctl start %s\n", serviceName)
			}
			cmd.Printf("To view logs: sudo journalctl -u %s -f\n", serviceName)
			return nil
		},
	}
	addServerFlags(c)
	c.Flags().String("user", "skald", "User to run the service as")
	c.Flags().String("binary", "/usr/local/bin/skald", "Path to the skald binary")
	c.Flags().Bool("start", true, "Start the service after installation")
	return c
}

func systemctlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand("systemctl", action, serviceName)
		},
	}
}

func newServiceLogsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "logs",
		Short: "Show SkaldDB service logs",
		Long: `Show SkaldDB service logs using journalctl.

Examples:
  skald service logs
  skald service logs -f`,
		RunE: func(cmd *cobra.Command, args []string) error {
			follow, _ := cmd.Flags().GetBool("follow")
			lines, _ := cmd.Flags().GetInt("lines")
			return runCommand("journalctl", journalArgs(follow, lines)...)
		},
	}
	c.Flags().BoolP("follow", "f", false, "Follow log output")
	c.Flags().IntP("lines", "n", 0, "Number of lines to show")
	return c
}

func journalArgs(follow bool, lines int) []string {
	args := []string{"-u", serviceName}
	if follow {
		args = append(args, "-f")
	}
	if lines > 0 {
		args = append(args, fmt.Sprintf("-n%d", lines))
	}
	return args
}

func newServiceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the SkaldDB service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRoot("uninstall"); err != nil {
				return err
			}
			_ = runCommand("systemctl", "stop", serviceName)
			if err := runCommand("systemctl", "disable", serviceName); err != nil {
				cmd.Printf("Warning: could not disable service: %v\n", err)
			}
			if err := os.Remove(unitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove unit file: %w", err)
			}
			if err := runCommand("systemctl", "daemon-reload"); err != nil {
				return fmt.Errorf("failed to reload systemd: %w", err)
			}
			cmd.Printf("SkaldDB service uninstalled. Configuration and data were not removed.\n")
			return nil
		},
	}
}

// writablePaths lists what the unit may write: the connector's local data
// path, if any, and the configuration directory.
func writablePaths(cfg *config.Config, configPath string) ([]string, error) {
	target, err := config.ParseTarget(cfg.Connector.Target)
	if err != nil {
		return nil, err
	}
	paths := []string{}
	switch target.Scheme {
	case "file", "pebble":
		paths = append(paths, target.Path)
	case "sqlite":
		paths = append(paths, filepath.Dir(target.Path))
	}
	return append(paths, filepath.Dir(configPath)), nil
}

func renderUnit(cfg *config.Config, configPath, user, binary string) (string, error) {
	paths, err := writablePaths(cfg, configPath)
	if err != nil {
		return "", err
	}
	var rw strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&rw, "ReadWritePaths=%s\n", abs)
	}

	return fmt.Sprintf(`[Unit]
Description=SkaldDB Server
After=network-online.target
Wants=network-online.target

[Service]
User=%s
Group=%s
ExecStart=%s up --config %s
Restart=on-failure
NoNewPrivileges=true
UMask=0077
ProtectSystem=strict
%s
[Install]
WantedBy=multi-user.target
`, user, user, binary, configPath, rw.String()), nil
}

func runCommand(command string, args ...string) error {
	c := exec.Command(command, args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}
