// Package svc installs and runs countitems as a system service. The service
// manager restarts the scanner when it exits after exhausting its connection
// retries; restarting is safe because checkpoints are durable.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// ServiceRunFlag marks a process started by the service manager.
const ServiceRunFlag = "--service-run"

// RunFunc runs the scanner until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
	exit   func(code int)
}

// Start is called when the service starts.
// It must not block - start the actual work in a goroutine.
func (p *Program) Start(s service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.Run == nil {
			p.done <- errors.New("run function not configured")
			return
		}
		err := p.Run(p.ctx, p.ConfigPath)
		p.done <- err
		if err != nil && p.ctx.Err() == nil {
			// exit non-zero so the service manager restarts us
			log.Error().Err(err).Msg("Scanner stopped")
			exit := p.exit
			if exit == nil {
				exit = os.Exit
			}
			exit(1)
		}
	}()

	return nil
}

// Stop is called when the service stops.
// It signals the scanner to stop and waits for the in-flight round to be abandoned.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	EnvFile     string // dotenv file with store credentials, kept out of the unit file
	UserName    string // Linux/macOS only
}

// DefaultServiceConfig returns the standard service definition.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Name:        "countitems",
		DisplayName: "countitems storage accounting",
		Description: "Incremental storage usage accounting for the object metadata store",
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the default config file path for the platform.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("ProgramData") + `\countitems\config.yaml`
	}
	return "/etc/countitems/config.yaml"
}

// NewServiceConfig creates service.Config from our ServiceConfig.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	args := []string{ServiceRunFlag, "run", "--config", cfg.ConfigPath, "--log-format", "json"}
	if cfg.EnvFile != "" {
		args = append(args, "--env-file", cfg.EnvFile)
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   args,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An installed service is only replaced with force.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed (%s); use --force to reinstall", cfg.Name, StatusString(status))
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("Failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("Failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends start, stop or restart to the service manager.
func Control(cfg *ServiceConfig, action string) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs the program under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges checks if the current user may manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// install fails with a clearer error when not elevated
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether the process was started by the service manager.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == ServiceRunFlag {
			return true
		}
	}
	return false
}
