// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v3"
)

// Default values applied by ReadConfig when the file leaves a field
// unset.
const (
	DefaultServiceName         = "com.pak.pakd"
	DefaultInstallerService    = "com.pak.appinstalld"
	DefaultNotificationService = "com.pak.notifyd"

	defaultIdleTimeoutSeconds     = 120
	defaultWinddownTimeoutSeconds = 5
	defaultLogLevel               = "INFO"
)

// Config is the daemon configuration, read from a YAML file installed
// by the device image.
type Config struct {
	// ServiceName is the bus name the daemon registers.
	ServiceName string `yaml:"service-name"`

	// RunningPackageID is the package id this daemon was installed
	// from. An incoming install for the same id is a self-update.
	RunningPackageID string `yaml:"running-package-id"`

	// PublicSocket and PrivilegedSocket are the hub's UNIX sockets.
	// The daemon registers on the privileged one; a self-update child
	// dials the public one for its collaborator calls.
	PublicSocket     string `yaml:"public-socket"`
	PrivilegedSocket string `yaml:"privileged-socket"`

	// InstallerService and NotificationService name the collaborator
	// services driven over the bus.
	InstallerService    string `yaml:"installer-service"`
	NotificationService string `yaml:"notification-service"`

	// DownloadDir receives fetched artifacts.
	DownloadDir string `yaml:"download-dir"`

	// ElevationHelper is the executable a self-update child invokes to
	// re-elevate the freshly installed package.
	ElevationHelper string `yaml:"elevation-helper"`

	// StartupScript is the init script checked by the
	// updateStartupScript method; StartupScriptSource is the blessed
	// copy shipped with this package, and UpdateableChecksums lists
	// digests of older versions that may be overwritten.
	StartupScript       string   `yaml:"startup-script"`
	StartupScriptSource string   `yaml:"startup-script-source"`
	UpdateableChecksums []string `yaml:"updateable-checksums"`

	// FlagDir holds the flag-file configuration values served by
	// getConfigs/setConfigs.
	FlagDir string `yaml:"flag-dir"`

	// MarkerDir holds the once-per-boot initialization marker.
	MarkerDir string `yaml:"marker-dir"`

	// IdleTimeoutSeconds is how long the daemon stays up without bus
	// activity. WinddownTimeoutSeconds replaces it once a self-update
	// child has been started, so the child can take over the
	// registration promptly.
	IdleTimeoutSeconds     int `yaml:"idle-timeout-seconds"`
	WinddownTimeoutSeconds int `yaml:"winddown-timeout-seconds"`

	// DebugSocket, when set, serves pprof and metrics. Empty disables
	// the debug socket.
	DebugSocket string `yaml:"debug-socket"`

	// LogFile receives rotated logs; empty logs to stderr only.
	// LogLevel is the initial level, adjustable at runtime through the
	// logLevel flag file.
	LogFile  string `yaml:"log-file"`
	LogLevel string `yaml:"log-level"`
}

// ReadConfig loads the configuration file at path, applies defaults
// and validates the result.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading config %q", path)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Annotatef(err, "parsing config %q", path)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, errors.Annotatef(err, "invalid config %q", path)
	}
	return config, nil
}

func (config *Config) applyDefaults() {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.RunningPackageID == "" {
		config.RunningPackageID = config.ServiceName
	}
	if config.InstallerService == "" {
		config.InstallerService = DefaultInstallerService
	}
	if config.NotificationService == "" {
		config.NotificationService = DefaultNotificationService
	}
	if config.IdleTimeoutSeconds == 0 {
		config.IdleTimeoutSeconds = defaultIdleTimeoutSeconds
	}
	if config.WinddownTimeoutSeconds == 0 {
		config.WinddownTimeoutSeconds = defaultWinddownTimeoutSeconds
	}
	if config.LogLevel == "" {
		config.LogLevel = defaultLogLevel
	}
}

// Validate returns an error if the config cannot run a daemon.
func (config Config) Validate() error {
	if config.ServiceName == "" {
		return errors.NotValidf("empty service-name")
	}
	if config.RunningPackageID == "" {
		return errors.NotValidf("empty running-package-id")
	}
	if config.PublicSocket == "" {
		return errors.NotValidf("empty public-socket")
	}
	if config.PrivilegedSocket == "" {
		return errors.NotValidf("empty privileged-socket")
	}
	if config.InstallerService == "" {
		return errors.NotValidf("empty installer-service")
	}
	if config.NotificationService == "" {
		return errors.NotValidf("empty notification-service")
	}
	if config.DownloadDir == "" {
		return errors.NotValidf("empty download-dir")
	}
	if config.ElevationHelper == "" {
		return errors.NotValidf("empty elevation-helper")
	}
	if config.StartupScript == "" {
		return errors.NotValidf("empty startup-script")
	}
	if config.StartupScriptSource == "" {
		return errors.NotValidf("empty startup-script-source")
	}
	if config.FlagDir == "" {
		return errors.NotValidf("empty flag-dir")
	}
	if config.MarkerDir == "" {
		return errors.NotValidf("empty marker-dir")
	}
	if config.IdleTimeoutSeconds <= 0 {
		return errors.NotValidf("non-positive idle-timeout-seconds")
	}
	if config.WinddownTimeoutSeconds <= 0 {
		return errors.NotValidf("non-positive winddown-timeout-seconds")
	}
	if _, ok := loggo.ParseLevel(config.LogLevel); !ok {
		return errors.NotValidf("log-level %q", config.LogLevel)
	}
	return nil
}

// IdleTimeout returns the idle timeout as a duration.
func (config Config) IdleTimeout() time.Duration {
	return time.Duration(config.IdleTimeoutSeconds) * time.Second
}

// WinddownTimeout returns the post-handoff timeout as a duration.
func (config Config) WinddownTimeout() time.Duration {
	return time.Duration(config.WinddownTimeoutSeconds) * time.Second
}
