// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bootinit runs the daemon's boot-time initialization exactly
// once per boot. A machine-wide mutex serializes concurrent callers
// and a marker file carrying the boot id makes the whole sequence
// idempotent until the next reboot, without any real-reboot
// dependency in tests.
package bootinit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"
	"github.com/juju/utils/v4"
)

var logger = loggo.GetLogger("pakd.bootinit")

const (
	lockName   = "pakd-bootinit"
	markerName = "boot-id"
)

// ReadBootID returns the platform boot identifier.
func ReadBootID() (string, error) {
	data, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err != nil {
		return "", errors.Annotate(err, "reading boot id")
	}
	return strings.TrimSpace(string(data)), nil
}

// Step is one initialization action, run in order.
type Step struct {
	// Name labels the step in logs and errors.
	Name string
	// Run performs the step.
	Run func(ctx context.Context) error
}

// Config holds the dependencies of an Initializer.
type Config struct {
	// Clock times the guard acquisition.
	Clock clock.Clock
	// MarkerDir holds the per-boot marker file.
	MarkerDir string
	// BootID returns the current boot identifier.
	BootID func() (string, error)
	// Steps run in order exactly once per boot.
	Steps []Step
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.MarkerDir == "" {
		return errors.NotValidf("empty MarkerDir")
	}
	if config.BootID == nil {
		return errors.NotValidf("nil BootID")
	}
	for _, step := range config.Steps {
		if step.Name == "" || step.Run == nil {
			return errors.NotValidf("incomplete step")
		}
	}
	return nil
}

// Initializer runs the once-per-boot sequence.
type Initializer struct {
	config Config
}

// New returns an Initializer with the supplied config.
func New(config Config) (*Initializer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Initializer{config: config}, nil
}

// Run performs the initialization steps unless they already ran this
// boot. It reports whether the steps ran now, or the reason they were
// skipped. The marker is only written once every step succeeded, so a
// failed initialization is retried by the next caller.
func (i *Initializer) Run(ctx context.Context) (ran bool, reason string, err error) {
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:   lockName,
		Clock:  i.config.Clock,
		Delay:  250 * time.Millisecond,
		Cancel: ctx.Done(),
	})
	if err != nil {
		return false, "", errors.Annotate(err, "acquiring initialization lock")
	}
	defer releaser.Release()

	bootID, err := i.config.BootID()
	if err != nil {
		return false, "", errors.Trace(err)
	}
	marker := filepath.Join(i.config.MarkerDir, markerName)
	if current, err := os.ReadFile(marker); err == nil {
		if strings.TrimSpace(string(current)) == bootID {
			logger.Debugf("initialization already done this boot (%s)", bootID)
			return false, "already initialized this boot", nil
		}
	} else if !os.IsNotExist(err) {
		return false, "", errors.Annotatef(err, "reading marker %q", marker)
	}

	for _, step := range i.config.Steps {
		logger.Infof("running initialization step %q", step.Name)
		if err := step.Run(ctx); err != nil {
			return false, "", errors.Annotatef(err, "initialization step %q", step.Name)
		}
	}

	if err := os.MkdirAll(i.config.MarkerDir, 0755); err != nil {
		return false, "", errors.Trace(err)
	}
	if err := utils.AtomicWriteFile(marker, []byte(bootID+"\n"), 0644); err != nil {
		return false, "", errors.Annotate(err, "writing boot marker")
	}
	logger.Infof("initialization complete for boot %s", bootID)
	return true, "", nil
}
