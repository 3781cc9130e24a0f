// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package attendantmetrics exposes Prometheus metrics for a ProcessAttendant:
// how many instances have been launched, how many restarts the starter
// made, whether a server is running, launch failures by domain error code,
// and the instance number of the most recent successful launch. None of
// this is read by the attendant itself -- a host wires a Collector's
// metrics into its own registry alongside whatever else it exports.
package attendantmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/attendant/internals/attendant/errcode"
)

// Collector holds the attendant-facing gauges and counters. The zero value
// is not usable; construct with NewCollector.
type Collector struct {
	Instances       prometheus.Counter
	Restarts        prometheus.Counter
	Running         prometheus.Gauge
	LaunchFailures  *prometheus.CounterVec
	LastInstanceGen prometheus.Gauge
}

// NewCollector creates a Collector with the given namespace (e.g. the host
// application's own metric prefix).
func NewCollector(namespace string) *Collector {
	return &Collector{
		Instances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attendant",
			Name:      "instances_started_total",
			Help:      "Number of server instances the attendant has launched.",
		}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attendant",
			Name:      "restarts_total",
			Help:      "Number of times the starter callback restarted the server after an unplanned exit.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "attendant",
			Name:      "running",
			Help:      "1 if a server instance is currently running, 0 otherwise.",
		}),
		LaunchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attendant",
			Name:      "launch_failures_total",
			Help:      "Launch failures by domain error code.",
		}, []string{"code"}),
		LastInstanceGen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "attendant",
			Name:      "instance_generation",
			Help:      "The instance number of the most recent successful launch.",
		}),
	}
}

// MustRegister registers every metric with reg, panicking on collision --
// matching prometheus' own MustRegister idiom, intended to be called once
// at startup against a registry the caller owns.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.Instances, c.Restarts, c.Running, c.LaunchFailures, c.LastInstanceGen)
}

// ObserveStart records a successful instance launch.
func (c *Collector) ObserveStart(instance int64) {
	c.Instances.Inc()
	c.Running.Set(1)
	c.LastInstanceGen.Set(float64(instance))
}

// ObserveRestart records that the starter callback relaunched the server
// after an unplanned termination.
func (c *Collector) ObserveRestart() {
	c.Restarts.Inc()
}

// ObserveTermination records that the server is no longer running.
func (c *Collector) ObserveTermination() {
	c.Running.Set(0)
}

// ObserveLaunchFailure increments the per-code launch failure counter.
func (c *Collector) ObserveLaunchFailure(code errcode.Code) {
	c.LaunchFailures.WithLabelValues(code.String()).Inc()
}
