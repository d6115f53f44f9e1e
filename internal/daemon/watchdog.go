// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"gopkg.in/tomb.v2"
)

// ErrIdle is the error the daemon dies with when the idle timeout
// expires without bus activity. The main program treats it as a clean
// exit.
var ErrIdle = errors.New("idle timeout expired")

// Daemon hub topics.
const (
	// activityTopic is published for every inbound bus request.
	activityTopic = "pakd.activity"

	// winddownTopic is published once a self-update child has been
	// started: the daemon must free its registration promptly, so the
	// idle window shrinks.
	winddownTopic = "pakd.winddown"
)

type watchdogConfig struct {
	Clock    clock.Clock
	Hub      *pubsub.SimpleHub
	Timeout  time.Duration
	Winddown time.Duration
}

func (config watchdogConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Timeout <= 0 {
		return errors.NotValidf("non-positive Timeout")
	}
	if config.Winddown <= 0 {
		return errors.NotValidf("non-positive Winddown")
	}
	return nil
}

// watchdog dies with ErrIdle when no activity arrives within the
// current timeout. Activity events reset the timer; a winddown event
// permanently shortens the timeout.
type watchdog struct {
	tomb   tomb.Tomb
	config watchdogConfig
	kicks  chan time.Duration
}

func newWatchdog(config watchdogConfig) (*watchdog, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &watchdog{
		config: config,
		kicks:  make(chan time.Duration),
	}
	unsubActivity := config.Hub.Subscribe(activityTopic, func(string, interface{}) {
		w.kick(0)
	})
	unsubWinddown := config.Hub.Subscribe(winddownTopic, func(string, interface{}) {
		w.kick(config.Winddown)
	})
	w.tomb.Go(func() error {
		defer unsubActivity()
		defer unsubWinddown()
		return w.run()
	})
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *watchdog) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *watchdog) Wait() error {
	return w.tomb.Wait()
}

// kick resets the idle timer, replacing the timeout when newTimeout is
// positive.
func (w *watchdog) kick(newTimeout time.Duration) {
	select {
	case w.kicks <- newTimeout:
	case <-w.tomb.Dying():
	}
}

func (w *watchdog) run() error {
	timeout := w.config.Timeout
	timer := w.config.Clock.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case newTimeout := <-w.kicks:
			if newTimeout > 0 && newTimeout != timeout {
				logger.Debugf("idle timeout shortened to %s", newTimeout)
				timeout = newTimeout
			}
			timer.Reset(timeout)
		case <-timer.Chan():
			logger.Infof("no bus activity for %s, shutting down", timeout)
			return ErrIdle
		}
	}
}
