// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pakd"

// Install outcome labels.
const (
	outcomeInstalled  = "installed"
	outcomeSelfUpdate = "self_update"
	outcomeFailed     = "failed"
)

// Collector is a prometheus.Collector that collects metrics about the
// daemon's bus traffic, exposed on the debug socket.
type Collector struct {
	requests *prometheus.CounterVec
	installs *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of bus requests served, by method.",
			}, []string{"method"},
		),
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "installs_total",
				Help:      "The number of install requests, by outcome.",
			}, []string{"outcome"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.requests.Describe(ch)
	c.installs.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.requests.Collect(ch)
	c.installs.Collect(ch)
}
