package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/countitems/internal/svc"
)

var (
	serviceName    string
	serviceUser    string
	serviceEnvFile string
	forceInstall   bool
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the countitems system service",
		Long: `Install and control countitems as a system service. The service manager
restarts the scanner when it gives up on an unreachable metadata store.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo countitems service install --config /etc/countitems/config.yaml --service-env-file /etc/countitems/env
  sudo countitems service start
  countitems service status`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "countitems", "service name")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install countitems as a system service",
		Long: `Install countitems as a system service that starts at boot.

Requires administrator/root privileges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceInstall(cmd.OutOrStdout())
		},
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().StringVar(&serviceEnvFile, "service-env-file", "", "dotenv file the service loads credentials from")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the countitems system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := getServiceConfig()
			log.Info().Str("name", cfg.Name).Msg("Uninstalling service")
			if err := svc.Uninstall(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled.\n", cfg.Name)
			return nil
		},
	}
	serviceCmd.AddCommand(uninstallCmd)

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the countitems service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				cfg := getServiceConfig()
				log.Info().Str("name", cfg.Name).Str("action", action).Msg("Controlling service")
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
				return nil
			},
		})
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the countitems service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getServiceConfig()
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
			status, err := svc.Status(cfg)
			if err != nil {
				_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\n")
				_, _ = fmt.Fprintf(out, "Error:   %v\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
			return nil
		},
	}
	serviceCmd.AddCommand(statusCmd)

	return serviceCmd
}

// getServiceConfig builds the service definition from the flags. The root
// --config flag names the config file the service runs with.
func getServiceConfig() *svc.ServiceConfig {
	cfg := svc.DefaultServiceConfig()
	if serviceName != "" {
		cfg.Name = serviceName
	}
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			cfg.ConfigPath = abs
		}
	}
	if serviceEnvFile != "" {
		if abs, err := filepath.Abs(serviceEnvFile); err == nil {
			cfg.EnvFile = abs
		}
	}
	cfg.UserName = serviceUser
	return cfg
}

func runServiceInstall(out io.Writer) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("Installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Service %q installed.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo start the service:\n  countitems service start --name %s\n", cfg.Name)
	return nil
}

// runAsService runs the scanner under the service manager.
func runAsService() error {
	cfg := getServiceConfig()
	prg := &svc.Program{
		ConfigPath: cfg.ConfigPath,
		Run: func(ctx context.Context, configPath string) error {
			cfgFile = configPath
			return runScanner(ctx)
		},
	}
	return svc.Run(prg, cfg)
}
