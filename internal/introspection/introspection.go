// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package introspection exposes the daemon's runtime internals over a
// local debug socket: pprof profiles and prometheus metrics. The
// socket is a plain unix socket readable by root only, separate from
// the message bus the daemon serves clients on.
package introspection

import (
	"net"
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("pakd.introspection")

// Config holds the dependencies of the introspection worker.
type Config struct {
	SocketPath string
	Gatherer   prometheus.Gatherer
}

// Validate returns an error if the config cannot run a worker.
func (config Config) Validate() error {
	if config.SocketPath == "" {
		return errors.NotValidf("empty SocketPath")
	}
	if config.Gatherer == nil {
		return errors.NotValidf("nil Gatherer")
	}
	return nil
}

// Worker serves the debug socket until killed.
type Worker struct {
	tomb   tomb.Tomb
	config Config
}

// NewWorker binds the debug socket and starts serving it. A stale
// socket file left by a previous process is replaced.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := os.Remove(config.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Annotatef(err, "removing stale socket %q", config.SocketPath)
	}
	listener, err := net.Listen("unix", config.SocketPath)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", config.SocketPath)
	}
	w := &Worker{config: config}
	w.tomb.Go(func() error {
		return w.run(listener)
	})
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) run(listener net.Listener) error {
	defer func() {
		if err := os.Remove(w.config.SocketPath); err != nil && !os.IsNotExist(err) {
			logger.Warningf("cannot remove socket %q: %v", w.config.SocketPath, err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.HandlerFor(w.config.Gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux}
	go func() {
		<-w.tomb.Dying()
		_ = srv.Close()
	}()

	logger.Debugf("serving introspection socket %q", w.config.SocketPath)
	err := srv.Serve(listener)
	select {
	case <-w.tomb.Dying():
		return tomb.ErrDying
	default:
	}
	return errors.Trace(err)
}

// NewPrometheusRegistry returns a registry with the Go and process
// collectors registered, for exposure on the debug socket.
func NewPrometheusRegistry() (*prometheus.Registry, error) {
	r := prometheus.NewRegistry()
	if err := r.Register(prometheus.NewGoCollector()); err != nil {
		return nil, errors.Trace(err)
	}
	if err := r.Register(prometheus.NewProcessCollector(
		prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}
