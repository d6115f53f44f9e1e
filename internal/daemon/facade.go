// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	utilexec "github.com/juju/utils/v4/exec"

	"github.com/juju/pakd/internal/install"
	"github.com/juju/pakd/internal/pakparams"
	"github.com/juju/pakd/internal/startupscript"
	"github.com/juju/pakd/internal/sysbus"
)

// InstallRunner runs the install pipeline for one request.
type InstallRunner interface {
	Run(ctx context.Context, req install.Request, notify func(install.Status)) (install.Outcome, error)
}

// PackageRemover uninstalls a package by id.
type PackageRemover interface {
	Remove(ctx context.Context, id string) error
}

// ConfigStore reads and writes flag-file configuration values.
type ConfigStore interface {
	Get(names []string) (map[string]string, []string, error)
	Set(configs map[string]string) error
}

// CommandRunner runs a shell command to completion.
type CommandRunner interface {
	Run(commands string) (*utilexec.ExecResponse, error)
}

// ProcessSpawner runs a process, streaming its output.
type ProcessSpawner interface {
	Spawn(ctx context.Context, command string, emit func(stream, data string)) (int, error)
}

// Autostarter performs the once-per-boot initialization.
type Autostarter interface {
	Run(ctx context.Context) (bool, string, error)
}

// ScriptUpdater checks and patches the boot startup script.
type ScriptUpdater interface {
	Update() (bool, string, error)
}

// facadeConfig holds the collaborators behind the daemon's bus
// methods.
type facadeConfig struct {
	Installer InstallRunner
	Remover   PackageRemover
	Flags     ConfigStore
	Runner    CommandRunner
	Spawner   ProcessSpawner
	Autostart Autostarter
	Scripts   ScriptUpdater
	Hub       *pubsub.SimpleHub
	Metrics   *Collector
	Version   string
	Euid      func() int
}

// Validate returns an error if the config cannot serve the facade.
func (config facadeConfig) Validate() error {
	if config.Installer == nil {
		return errors.NotValidf("nil Installer")
	}
	if config.Remover == nil {
		return errors.NotValidf("nil Remover")
	}
	if config.Flags == nil {
		return errors.NotValidf("nil Flags")
	}
	if config.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if config.Spawner == nil {
		return errors.NotValidf("nil Spawner")
	}
	if config.Autostart == nil {
		return errors.NotValidf("nil Autostart")
	}
	if config.Scripts == nil {
		return errors.NotValidf("nil Scripts")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if config.Version == "" {
		return errors.NotValidf("empty Version")
	}
	if config.Euid == nil {
		return errors.NotValidf("nil Euid")
	}
	return nil
}

// facade serves the daemon's bus methods.
type facade struct {
	config facadeConfig
}

func newFacade(config facadeConfig) (*facade, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &facade{config: config}, nil
}

// mux returns the method router for Conn.Serve.
func (f *facade) mux() *sysbus.Mux {
	mux := sysbus.NewMux()
	mux.Handle("install", f.install)
	mux.Handle("remove", f.remove)
	mux.Handle("getConfigs", f.getConfigs)
	mux.Handle("setConfigs", f.setConfigs)
	mux.Handle("exec", f.exec)
	mux.Handle("spawn", f.spawn)
	mux.Handle("checkRoot", f.checkRoot)
	mux.Handle("autostart", f.autostart)
	mux.Handle("updateStartupScript", f.updateStartupScript)
	return mux
}

// poke publishes bus activity so the idle watchdog resets its timer.
func (f *facade) poke(method string) {
	f.config.Metrics.requests.WithLabelValues(method).Inc()
	f.config.Hub.Publish(activityTopic, nil)
}

func (f *facade) install(req *sysbus.Request) (interface{}, error) {
	f.poke("install")
	var args pakparams.InstallRequest
	if err := req.Payload(&args); err != nil {
		return nil, errors.Trace(err)
	}
	notify := func(status install.Status) {
		if !args.Subscribe {
			return
		}
		err := req.Respond(pakparams.InstallStatus{
			StatusText: status.Text,
			Progress:   status.Progress,
		})
		if err != nil {
			logger.Debugf("reporting install status: %v", err)
		}
	}
	outcome, err := f.config.Installer.Run(req.Context(), install.Request{
		URL:    args.IpkURL,
		Digest: args.IpkHash,
	}, notify)
	if err != nil {
		f.config.Metrics.installs.WithLabelValues(outcomeFailed).Inc()
		return nil, errors.Trace(err)
	}
	switch outcome := outcome.(type) {
	case install.Installed:
		f.config.Metrics.installs.WithLabelValues(outcomeInstalled).Inc()
		return pakparams.InstallStatus{
			StatusText: fmt.Sprintf("Installed %s", outcome.PackageID),
			Finished:   true,
		}, nil
	case install.SelfUpdateStarted:
		f.config.Metrics.installs.WithLabelValues(outcomeSelfUpdate).Inc()
		f.config.Hub.Publish(winddownTopic, nil)
		return pakparams.InstallStatus{StatusText: "Self-update"}, nil
	}
	return nil, errors.Errorf("unexpected install outcome %T", outcome)
}

func (f *facade) remove(req *sysbus.Request) (interface{}, error) {
	f.poke("remove")
	var args pakparams.RemoveRequest
	if err := req.Payload(&args); err != nil {
		return nil, errors.Trace(err)
	}
	if args.ID == "" {
		return nil, errors.NotValidf("empty package id")
	}
	if err := f.config.Remover.Remove(req.Context(), args.ID); err != nil {
		return nil, errors.Trace(err)
	}
	return pakparams.InstallStatus{
		StatusText: fmt.Sprintf("Removed %s", args.ID),
		Finished:   true,
	}, nil
}

func (f *facade) getConfigs(req *sysbus.Request) (interface{}, error) {
	f.poke("getConfigs")
	var args pakparams.GetConfigsRequest
	if err := req.Payload(&args); err != nil {
		return nil, errors.Trace(err)
	}
	configs, missing, err := f.config.Flags.Get(args.ConfigNames)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pakparams.GetConfigsResponse{
		Configs: configs,
		Missing: missing,
	}, nil
}

func (f *facade) setConfigs(req *sysbus.Request) (interface{}, error) {
	f.poke("setConfigs")
	var args pakparams.SetConfigsRequest
	if err := req.Payload(&args); err != nil {
		return nil, errors.Trace(err)
	}
	if len(args.Configs) == 0 {
		return nil, errors.NotValidf("empty configs")
	}
	if err := f.config.Flags.Set(args.Configs); err != nil {
		return nil, errors.Trace(err)
	}
	return pakparams.Ack{OK: true}, nil
}

func (f *facade) exec(req *sysbus.Request) (interface{}, error) {
	f.poke("exec")
	var args pakparams.ExecRequest
	if err := req.Payload(&args); err != nil {
		return nil, errors.Trace(err)
	}
	result, err := f.config.Runner.Run(args.Command)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pakparams.ExecResponse{
		Stdout:   string(result.Stdout),
		Stderr:   string(result.Stderr),
		ExitCode: result.Code,
	}, nil
}

// spawn streams typed output events and finishes with a closed event
// carrying the exit code, so it is exempt from the single-terminal
// payload shape the other methods follow.
func (f *facade) spawn(req *sysbus.Request) (interface{}, error) {
	f.poke("spawn")
	var args pakparams.SpawnRequest
	if err := req.Payload(&args); err != nil {
		return nil, errors.Trace(err)
	}
	emit := func(stream, data string) {
		event := pakparams.SpawnEvent{Data: data}
		switch stream {
		case "stdout":
			event.Event = pakparams.SpawnEventStdout
		case "stderr":
			event.Event = pakparams.SpawnEventStderr
		default:
			return
		}
		if err := req.Respond(event); err != nil {
			logger.Debugf("reporting spawn output: %v", err)
		}
	}
	code, err := f.config.Spawner.Spawn(req.Context(), args.Command, emit)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pakparams.SpawnEvent{
		Event:    pakparams.SpawnEventClosed,
		ExitCode: &code,
	}, nil
}

func (f *facade) checkRoot(req *sysbus.Request) (interface{}, error) {
	f.poke("checkRoot")
	return pakparams.CheckRootResponse{
		Root:    f.config.Euid() == 0,
		Version: f.config.Version,
	}, nil
}

func (f *facade) autostart(req *sysbus.Request) (interface{}, error) {
	f.poke("autostart")
	ran, reason, err := f.config.Autostart.Run(req.Context())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pakparams.AutostartResponse{
		Initialized: ran,
		Reason:      reason,
	}, nil
}

func (f *facade) updateStartupScript(req *sysbus.Request) (interface{}, error) {
	f.poke("updateStartupScript")
	updated, reason, err := f.config.Scripts.Update()
	if startupscript.IsScriptUnrecognised(err) {
		return pakparams.UpdateStartupScriptResponse{
			Updated: false,
			Reason:  err.Error(),
		}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pakparams.UpdateStartupScriptResponse{
		Updated: updated,
		Reason:  reason,
	}, nil
}
