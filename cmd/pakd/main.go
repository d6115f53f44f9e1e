// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// pakd is the privileged package management daemon. It registers on
// the system bus and serves install, configuration and maintenance
// requests until killed or idle. Started with --self-update it runs
// the detached child half of a daemon self-update instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"

	"github.com/juju/pakd/internal/daemon"
	"github.com/juju/pakd/internal/sysbus"
	"github.com/juju/pakd/version"
)

var logger = loggo.GetLogger("pakd.cmd.pakd")

const (
	exitOK  = 0
	exitErr = 1

	// configEnvVar carries the config path across the self-update
	// re-exec, which passes no flags besides --self-update.
	configEnvVar      = "PAKD_CONFIG"
	defaultConfigPath = "/etc/pak/pakd.yaml"

	// The hub sockets may not be up yet early in boot.
	dialAttempts = 60
	dialDelay    = time.Second
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs pakd and returns its exit code.
func Main(args []string) int {
	defaultPath := os.Getenv(configEnvVar)
	if defaultPath == "" {
		defaultPath = defaultConfigPath
	}

	fs := gnuflag.NewFlagSetWithFlagKnownAs("pakd", gnuflag.ContinueOnError, "option")
	configPath := fs.String("config", defaultPath, "daemon configuration file")
	artifactPath := fs.String("self-update", "", "run the self-update child for the given artifact")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return exitOK
		}
		return exitErr
	}
	if *showVersion {
		fmt.Fprintln(os.Stdout, version.String())
		return exitOK
	}

	cfg, err := daemon.ReadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitErr
	}
	if err := setupLogging(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitErr
	}
	if err := os.Setenv(configEnvVar, *configPath); err != nil {
		logger.Warningf("cannot export %s: %v", configEnvVar, err)
	}

	if *artifactPath != "" {
		return runChild(cfg, *artifactPath)
	}
	return runDaemon(cfg)
}

func setupLogging(cfg daemon.Config) error {
	if err := loggo.ConfigureLoggers("pakd=" + cfg.LogLevel); err != nil {
		return errors.Trace(err)
	}
	if cfg.LogFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
		return errors.Annotate(err, "creating log directory")
	}
	writer := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 2,
		Compress:   true,
	}
	err := loggo.RegisterWriter("logfile", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
	return errors.Annotate(err, "registering log file writer")
}

func runDaemon(cfg daemon.Config) int {
	w, err := daemon.NewWorker(daemon.WorkerConfig{
		Config: cfg,
		Clock:  clock.WallClock,
		Dial: func(ctx context.Context) (*sysbus.Conn, error) {
			return sysbus.Dial(ctx, sysbus.DialConfig{
				SocketPath: cfg.PrivilegedSocket,
				Clock:      clock.WallClock,
				Attempts:   dialAttempts,
				Delay:      dialDelay,
			})
		},
		Version: version.String(),
		Euid:    os.Geteuid,
	})
	if err != nil {
		logger.Errorf("cannot start daemon: %v", err)
		return exitErr
	}
	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Infof("%s received, shutting down", sig)
		w.Kill()
	}()

	err = w.Wait()
	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
	switch errors.Cause(err) {
	case nil:
	case daemon.ErrIdle:
		logger.Infof("idle, exiting")
	default:
		logger.Errorf("daemon failed: %v", err)
		return exitErr
	}
	return exitOK
}
