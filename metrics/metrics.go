// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides the Prometheus collectors shared by the health
// monitor, the transport and the call API.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rpclb"

// Metrics holds the runtime's collectors.
type Metrics struct {
	trackedEndpoints prometheus.Gauge
	probes           *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	pendingCalls     prometheus.Gauge
	connects         *prometheus.CounterVec
	pooledConns      prometheus.Gauge
	calls            *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. If reg is nil,
// the collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		trackedEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "tracked_endpoints",
			Help:      "Number of endpoints tracked by the health monitor.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Count of socket probes by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "evictions_total",
			Help:      "Count of addresses removed from the registry, by scope (global or service).",
		}, []string{"scope"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "pending_calls",
			Help:      "Number of calls awaiting a response.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connects_total",
			Help:      "Count of connection attempts by result.",
		}, []string{"result"}),
		pooledConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "pooled_connections",
			Help:      "Number of live pooled connections.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Count of completed calls by outcome kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.trackedEndpoints,
			m.probes,
			m.evictions,
			m.pendingCalls,
			m.connects,
			m.pooledConns,
			m.calls,
		)
	}
	return m
}

// SetTrackedEndpoints records the size of the monitor table.
func (m *Metrics) SetTrackedEndpoints(n int) {
	if m == nil {
		return
	}
	m.trackedEndpoints.Set(float64(n))
}

// RecordProbe records the outcome of one socket probe.
func (m *Metrics) RecordProbe(healthy bool) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result(healthy)).Inc()
}

// RecordEviction records a registry removal. An empty serviceID is a global
// removal.
func (m *Metrics) RecordEviction(serviceID string) {
	if m == nil {
		return
	}
	scope := "global"
	if serviceID != "" {
		scope = "service"
	}
	m.evictions.WithLabelValues(scope).Inc()
}

// AddPendingCalls adjusts the pending-call gauge by delta.
func (m *Metrics) AddPendingCalls(delta int) {
	if m == nil {
		return
	}
	m.pendingCalls.Add(float64(delta))
}

// RecordConnect records the outcome of a connection attempt.
func (m *Metrics) RecordConnect(ok bool) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result(ok)).Inc()
}

// AddPooledConns adjusts the pooled-connection gauge by delta.
func (m *Metrics) AddPooledConns(delta int) {
	if m == nil {
		return
	}
	m.pooledConns.Add(float64(delta))
}

// RecordCall records a completed call. kind is "ok" for successful calls
// and the failure kind otherwise.
func (m *Metrics) RecordCall(kind string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(kind).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
