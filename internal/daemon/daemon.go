// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package daemon assembles pakd: it dials the privileged bus socket,
// registers the service name, and serves the install, configuration
// and maintenance methods until killed or idle.
package daemon

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/pakd/internal/appinstall"
	"github.com/juju/pakd/internal/bootinit"
	"github.com/juju/pakd/internal/downloader"
	"github.com/juju/pakd/internal/flagcfg"
	"github.com/juju/pakd/internal/install"
	"github.com/juju/pakd/internal/introspection"
	"github.com/juju/pakd/internal/ipk"
	"github.com/juju/pakd/internal/shell"
	"github.com/juju/pakd/internal/startupscript"
	"github.com/juju/pakd/internal/sysbus"
)

var logger = loggo.GetLogger("pakd.daemon")

// logLevelFlag is the flag-file name that adjusts logging at runtime.
const logLevelFlag = "logLevel"

// progressInterval throttles download progress reports on the bus.
const progressInterval = 500 * time.Millisecond

// WorkerConfig holds the dependencies of the daemon worker.
type WorkerConfig struct {
	// Config is the validated daemon configuration.
	Config Config

	// Clock times the idle watchdog, download progress throttling and
	// the initialization lock.
	Clock clock.Clock

	// Dial connects to the privileged bus socket.
	Dial func(ctx context.Context) (*sysbus.Conn, error)

	// Version is reported by checkRoot.
	Version string

	// Euid reports the effective uid the daemon runs as.
	Euid func() int
}

// Validate returns an error if the config cannot run a daemon.
func (config WorkerConfig) Validate() error {
	if err := config.Config.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Dial == nil {
		return errors.NotValidf("nil Dial")
	}
	if config.Version == "" {
		return errors.NotValidf("empty Version")
	}
	if config.Euid == nil {
		return errors.NotValidf("nil Euid")
	}
	return nil
}

// Daemon is the top-level worker. It dies with ErrIdle when the idle
// timeout expires, and with whatever error broke it otherwise.
type Daemon struct {
	catacomb catacomb.Catacomb
	config   WorkerConfig
}

// NewWorker starts the daemon.
func NewWorker(config WorkerConfig) (*Daemon, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	d := &Daemon{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &d.catacomb,
		Work: d.run,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *Daemon) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Daemon) Wait() error {
	return d.catacomb.Wait()
}

func (d *Daemon) run() error {
	cfg := d.config.Config
	ctx := d.catacomb.Context(context.Background())

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("pakd.hub"),
	})

	conn, err := d.config.Dial(ctx)
	if err != nil {
		return errors.Annotate(err, "connecting to bus")
	}
	if err := d.catacomb.Add(conn); err != nil {
		return errors.Trace(err)
	}

	metrics := NewMetricsCollector()
	if cfg.DebugSocket != "" {
		registry, err := introspection.NewPrometheusRegistry()
		if err != nil {
			return errors.Trace(err)
		}
		if err := registry.Register(metrics); err != nil {
			return errors.Trace(err)
		}
		debug, err := introspection.NewWorker(introspection.Config{
			SocketPath: cfg.DebugSocket,
			Gatherer:   registry,
		})
		if err != nil {
			return errors.Annotate(err, "starting debug socket")
		}
		if err := d.catacomb.Add(debug); err != nil {
			return errors.Trace(err)
		}
	}

	idle, err := newWatchdog(watchdogConfig{
		Clock:    d.config.Clock,
		Hub:      hub,
		Timeout:  cfg.IdleTimeout(),
		Winddown: cfg.WinddownTimeout(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := d.catacomb.Add(idle); err != nil {
		return errors.Trace(err)
	}

	flags, err := flagcfg.NewStore(cfg.FlagDir)
	if err != nil {
		return errors.Trace(err)
	}
	flagWatcher, err := flagcfg.NewWatcher(flagcfg.WatchConfig{
		Dir: cfg.FlagDir,
		Hub: hub,
	})
	if err != nil {
		return errors.Annotate(err, "starting flag watcher")
	}
	if err := d.catacomb.Add(flagWatcher); err != nil {
		return errors.Trace(err)
	}
	unsubscribe := hub.Subscribe(flagcfg.ChangeTopic, d.onFlagChange(flags))
	defer unsubscribe()

	fetcher, err := downloader.New(downloader.Config{
		Client:           &http.Client{},
		Clock:            d.config.Clock,
		ProgressInterval: progressInterval,
	})
	if err != nil {
		return errors.Trace(err)
	}
	mediator, err := appinstall.New(appinstall.Config{
		Caller:           conn,
		InstallerService: cfg.InstallerService,
	})
	if err != nil {
		return errors.Trace(err)
	}
	pipeline, err := install.New(install.Config{
		Fetcher:          fetcher,
		Mediator:         mediator,
		Inspect:          ipk.Inspect,
		Handoff:          install.StartChild,
		DownloadDir:      cfg.DownloadDir,
		RunningPackageID: cfg.RunningPackageID,
		Elevated:         func() bool { return d.config.Euid() == 0 },
	})
	if err != nil {
		return errors.Trace(err)
	}

	initializer, err := bootinit.New(bootinit.Config{
		Clock:     d.config.Clock,
		MarkerDir: cfg.MarkerDir,
		BootID:    bootinit.ReadBootID,
		Steps:     d.bootSteps(flags),
	})
	if err != nil {
		return errors.Trace(err)
	}

	scriptPayload, err := os.ReadFile(cfg.StartupScriptSource)
	if err != nil {
		return errors.Annotate(err, "reading startup script source")
	}
	scripts, err := startupscript.New(startupscript.Config{
		Path:       cfg.StartupScript,
		Payload:    scriptPayload,
		Updateable: set.NewStrings(cfg.UpdateableChecksums...),
	})
	if err != nil {
		return errors.Trace(err)
	}

	f, err := newFacade(facadeConfig{
		Installer: pipeline,
		Remover:   mediator,
		Flags:     flags,
		Runner:    shell.Runner{},
		Spawner:   shell.Spawner{},
		Autostart: initializer,
		Scripts:   scripts,
		Hub:       hub,
		Metrics:   metrics,
		Version:   d.config.Version,
		Euid:      d.config.Euid,
	})
	if err != nil {
		return errors.Trace(err)
	}

	conn.Serve(f.mux())
	if err := conn.Register(ctx, cfg.ServiceName); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("%s registered on privileged bus", cfg.ServiceName)

	<-d.catacomb.Dying()
	return d.catacomb.ErrDying()
}

// bootSteps are run once per boot by the autostart method.
func (d *Daemon) bootSteps(flags *flagcfg.Store) []bootinit.Step {
	cfg := d.config.Config
	return []bootinit.Step{{
		Name: "create-runtime-dirs",
		Run: func(ctx context.Context) error {
			for _, dir := range []string{cfg.DownloadDir, cfg.FlagDir} {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return errors.Trace(err)
				}
			}
			return nil
		},
	}, {
		Name: "seed-default-flags",
		Run: func(ctx context.Context) error {
			_, missing, err := flags.Get([]string{logLevelFlag})
			if err != nil {
				return errors.Trace(err)
			}
			if len(missing) == 0 {
				return nil
			}
			return errors.Trace(flags.Set(map[string]string{
				logLevelFlag: cfg.LogLevel,
			}))
		},
	}}
}

// onFlagChange applies runtime logging changes published by the flag
// watcher. A bare level like DEBUG applies to the pakd root; a value
// containing "=" is treated as a full loggo specification.
func (d *Daemon) onFlagChange(flags *flagcfg.Store) func(string, interface{}) {
	return func(_ string, data interface{}) {
		change, ok := data.(flagcfg.Change)
		if !ok || change.Name != logLevelFlag {
			return
		}
		configs, _, err := flags.Get([]string{logLevelFlag})
		if err != nil {
			logger.Warningf("reading %s flag: %v", logLevelFlag, err)
			return
		}
		value, ok := configs[logLevelFlag]
		if !ok {
			return
		}
		spec := value
		if !strings.Contains(spec, "=") {
			spec = "pakd=" + spec
		}
		if err := loggo.ConfigureLoggers(spec); err != nil {
			logger.Warningf("applying log config %q: %v", value, err)
			return
		}
		logger.Infof("log config set to %q", value)
	}
}
