// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon_test

import (
	"os"
	"path/filepath"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/pakd/internal/daemon"
	"github.com/juju/pakd/internal/testhelpers"
)

type ConfigSuite struct {
	testhelpers.BaseSuite
}

var _ = gc.Suite(&ConfigSuite{})

func (s *ConfigSuite) writeConfig(c *gc.C, content string) string {
	path := filepath.Join(c.MkDir(), "pakd.yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

const fullConfig = `
service-name: com.pak.pakd
running-package-id: com.pak.pakd
public-socket: /run/sysbus/pub.sock
privileged-socket: /run/sysbus/priv.sock
installer-service: com.pak.appinstalld
notification-service: com.pak.notifyd
download-dir: /var/cache/pakd
elevation-helper: /usr/sbin/pak-elevate
startup-script: /etc/init.d/S90pakd
startup-script-source: /usr/share/pakd/S90pakd
updateable-checksums:
  - 9e2f7c6ea60eebcaf61798097ebb2ba637086052d3b62a4e22b6d58ba0faa92c
flag-dir: /var/pak/flags
marker-dir: /run/pakd
idle-timeout-seconds: 300
winddown-timeout-seconds: 3
debug-socket: /run/pakd-debug.sock
log-file: /var/log/pakd.log
log-level: DEBUG
`

func (s *ConfigSuite) TestReadConfig(c *gc.C) {
	config, err := daemon.ReadConfig(s.writeConfig(c, fullConfig))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(config.ServiceName, gc.Equals, "com.pak.pakd")
	c.Check(config.RunningPackageID, gc.Equals, "com.pak.pakd")
	c.Check(config.PublicSocket, gc.Equals, "/run/sysbus/pub.sock")
	c.Check(config.PrivilegedSocket, gc.Equals, "/run/sysbus/priv.sock")
	c.Check(config.InstallerService, gc.Equals, "com.pak.appinstalld")
	c.Check(config.NotificationService, gc.Equals, "com.pak.notifyd")
	c.Check(config.DownloadDir, gc.Equals, "/var/cache/pakd")
	c.Check(config.ElevationHelper, gc.Equals, "/usr/sbin/pak-elevate")
	c.Check(config.StartupScript, gc.Equals, "/etc/init.d/S90pakd")
	c.Check(config.StartupScriptSource, gc.Equals, "/usr/share/pakd/S90pakd")
	c.Check(config.UpdateableChecksums, jc.DeepEquals, []string{
		"9e2f7c6ea60eebcaf61798097ebb2ba637086052d3b62a4e22b6d58ba0faa92c",
	})
	c.Check(config.FlagDir, gc.Equals, "/var/pak/flags")
	c.Check(config.MarkerDir, gc.Equals, "/run/pakd")
	c.Check(config.IdleTimeout(), gc.Equals, 5*time.Minute)
	c.Check(config.WinddownTimeout(), gc.Equals, 3*time.Second)
	c.Check(config.DebugSocket, gc.Equals, "/run/pakd-debug.sock")
	c.Check(config.LogFile, gc.Equals, "/var/log/pakd.log")
	c.Check(config.LogLevel, gc.Equals, "DEBUG")
}

const minimalConfig = `
public-socket: /run/sysbus/pub.sock
privileged-socket: /run/sysbus/priv.sock
download-dir: /var/cache/pakd
elevation-helper: /usr/sbin/pak-elevate
startup-script: /etc/init.d/S90pakd
startup-script-source: /usr/share/pakd/S90pakd
flag-dir: /var/pak/flags
marker-dir: /run/pakd
`

func (s *ConfigSuite) TestReadConfigDefaults(c *gc.C) {
	config, err := daemon.ReadConfig(s.writeConfig(c, minimalConfig))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(config.ServiceName, gc.Equals, daemon.DefaultServiceName)
	c.Check(config.RunningPackageID, gc.Equals, daemon.DefaultServiceName)
	c.Check(config.InstallerService, gc.Equals, daemon.DefaultInstallerService)
	c.Check(config.NotificationService, gc.Equals, daemon.DefaultNotificationService)
	c.Check(config.IdleTimeout(), gc.Equals, 2*time.Minute)
	c.Check(config.WinddownTimeout(), gc.Equals, 5*time.Second)
	c.Check(config.LogLevel, gc.Equals, "INFO")
	c.Check(config.DebugSocket, gc.Equals, "")
	c.Check(config.LogFile, gc.Equals, "")
}

func (s *ConfigSuite) TestReadConfigMissingFile(c *gc.C) {
	_, err := daemon.ReadConfig(filepath.Join(c.MkDir(), "absent.yaml"))
	c.Assert(err, gc.ErrorMatches, "reading config .*")
}

func (s *ConfigSuite) TestReadConfigBadYAML(c *gc.C) {
	_, err := daemon.ReadConfig(s.writeConfig(c, "{not yaml"))
	c.Assert(err, gc.ErrorMatches, "parsing config .*")
}

func (s *ConfigSuite) TestReadConfigInvalid(c *gc.C) {
	_, err := daemon.ReadConfig(s.writeConfig(c, "service-name: com.pak.pakd\n"))
	c.Assert(err, gc.ErrorMatches, "invalid config .*: empty public-socket not valid")
}

func validConfig() daemon.Config {
	return daemon.Config{
		ServiceName:            "com.pak.pakd",
		RunningPackageID:       "com.pak.pakd",
		PublicSocket:           "/run/sysbus/pub.sock",
		PrivilegedSocket:       "/run/sysbus/priv.sock",
		InstallerService:       "com.pak.appinstalld",
		NotificationService:    "com.pak.notifyd",
		DownloadDir:            "/var/cache/pakd",
		ElevationHelper:        "/usr/sbin/pak-elevate",
		StartupScript:          "/etc/init.d/S90pakd",
		StartupScriptSource:    "/usr/share/pakd/S90pakd",
		FlagDir:                "/var/pak/flags",
		MarkerDir:              "/run/pakd",
		IdleTimeoutSeconds:     120,
		WinddownTimeoutSeconds: 5,
		LogLevel:               "INFO",
	}
}

func (s *ConfigSuite) TestValidateConfig(c *gc.C) {
	type test struct {
		f      func(*daemon.Config)
		expect string
	}
	tests := []test{{
		func(cfg *daemon.Config) { cfg.ServiceName = "" },
		"empty service-name not valid",
	}, {
		func(cfg *daemon.Config) { cfg.RunningPackageID = "" },
		"empty running-package-id not valid",
	}, {
		func(cfg *daemon.Config) { cfg.PublicSocket = "" },
		"empty public-socket not valid",
	}, {
		func(cfg *daemon.Config) { cfg.PrivilegedSocket = "" },
		"empty privileged-socket not valid",
	}, {
		func(cfg *daemon.Config) { cfg.InstallerService = "" },
		"empty installer-service not valid",
	}, {
		func(cfg *daemon.Config) { cfg.NotificationService = "" },
		"empty notification-service not valid",
	}, {
		func(cfg *daemon.Config) { cfg.DownloadDir = "" },
		"empty download-dir not valid",
	}, {
		func(cfg *daemon.Config) { cfg.ElevationHelper = "" },
		"empty elevation-helper not valid",
	}, {
		func(cfg *daemon.Config) { cfg.StartupScript = "" },
		"empty startup-script not valid",
	}, {
		func(cfg *daemon.Config) { cfg.StartupScriptSource = "" },
		"empty startup-script-source not valid",
	}, {
		func(cfg *daemon.Config) { cfg.FlagDir = "" },
		"empty flag-dir not valid",
	}, {
		func(cfg *daemon.Config) { cfg.MarkerDir = "" },
		"empty marker-dir not valid",
	}, {
		func(cfg *daemon.Config) { cfg.IdleTimeoutSeconds = -1 },
		"non-positive idle-timeout-seconds not valid",
	}, {
		func(cfg *daemon.Config) { cfg.WinddownTimeoutSeconds = 0 },
		"non-positive winddown-timeout-seconds not valid",
	}, {
		func(cfg *daemon.Config) { cfg.LogLevel = "LOUD" },
		`log-level "LOUD" not valid`,
	}}
	for i, test := range tests {
		c.Logf("test %d", i)
		config := validConfig()
		test.f(&config)
		err := config.Validate()
		c.Check(err, gc.ErrorMatches, test.expect)
	}
}
