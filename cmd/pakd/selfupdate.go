// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"

	"github.com/juju/pakd/internal/appinstall"
	"github.com/juju/pakd/internal/daemon"
	"github.com/juju/pakd/internal/install"
	"github.com/juju/pakd/internal/notify"
	"github.com/juju/pakd/internal/sysbus"
)

// runChild finishes a self-update. The old daemon detached us and is
// winding down, so we submit its replacement artifact to the platform
// installer over the public socket and re-elevate the result.
func runChild(cfg daemon.Config, artifactPath string) int {
	logger.Infof("self-update child for %s", artifactPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Infof("%s received, abandoning self-update", sig)
		cancel()
	}()

	conn, err := sysbus.Dial(ctx, sysbus.DialConfig{
		SocketPath: cfg.PublicSocket,
		Clock:      clock.WallClock,
		Attempts:   dialAttempts,
		Delay:      dialDelay,
	})
	if err != nil {
		logger.Errorf("cannot reach bus: %v", err)
		return exitErr
	}
	defer func() {
		conn.Kill()
		_ = conn.Wait()
	}()

	mediator, err := appinstall.New(appinstall.Config{
		Caller:           conn,
		InstallerService: cfg.InstallerService,
	})
	if err != nil {
		logger.Errorf("%v", err)
		return exitErr
	}
	toaster, err := notify.New(notify.Config{
		Caller:              conn,
		NotificationService: cfg.NotificationService,
		SourceID:            cfg.ServiceName,
	})
	if err != nil {
		logger.Errorf("%v", err)
		return exitErr
	}

	err = install.RunChild(ctx, install.ChildConfig{
		Mediator:     mediator,
		Toaster:      toaster,
		Elevate:      install.Elevator{HelperPath: cfg.ElevationHelper}.Elevate,
		PackageID:    cfg.RunningPackageID,
		ArtifactPath: artifactPath,
	})
	if err != nil {
		logger.Errorf("self-update failed: %v", err)
		return exitErr
	}
	logger.Infof("self-update complete")
	return exitOK
}
