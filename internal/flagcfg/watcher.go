// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package flagcfg

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"gopkg.in/tomb.v2"
)

// ChangeTopic carries Change events on the daemon hub.
const ChangeTopic = "flagcfg.changed"

// Change reports one modified flag file.
type Change struct {
	Name string
}

// WatchConfig holds the dependencies of a Watcher.
type WatchConfig struct {
	// Dir is the flag directory to watch. It is created if absent.
	Dir string
	// Hub receives a Change per modified flag.
	Hub *pubsub.SimpleHub
}

// Validate returns an error if the config cannot be used.
func (config WatchConfig) Validate() error {
	if config.Dir == "" {
		return errors.NotValidf("empty Dir")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	return nil
}

// Watcher republishes flag-file changes on the daemon hub, letting
// other workers react to runtime settings (log verbosity, most
// notably) without polling.
type Watcher struct {
	tomb   tomb.Tomb
	config WatchConfig
}

// NewWatcher starts a Watcher with the supplied config.
func NewWatcher(config WatchConfig) (*Watcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Watcher{config: config}
	w.tomb.Go(w.run)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.tomb.Wait()
}

func (w *Watcher) run() error {
	if err := os.MkdirAll(w.config.Dir, 0755); err != nil {
		return errors.Trace(err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Annotate(err, "creating file watcher")
	}
	defer fw.Close()
	if err := fw.Add(w.config.Dir); err != nil {
		return errors.Annotatef(err, "watching %q", w.config.Dir)
	}

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			// Atomic writes land under a dot-prefixed temp name
			// first; only the final rename into place matters.
			if strings.HasPrefix(name, ".") {
				continue
			}
			logger.Debugf("flag %q changed (%s)", name, ev.Op)
			w.config.Hub.Publish(ChangeTopic, Change{Name: name})
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			logger.Warningf("file watcher: %v", err)
		}
	}
}
