/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shrinker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "shmshrink"

// Metrics are the run counters exposed on /metrics. Each Metrics owns its
// registry so several runs can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	scans          *prometheus.CounterVec
	wordsTouched   prometheus.Counter
	shrinkCycles   prometheus.Counter
	shrinkErrors   prometheus.Counter
	faults         prometheus.Counter
	samplesDropped prometheus.Counter
	validLength    prometheus.Gauge
	syncDuration   prometheus.Histogram
}

// NewMetrics creates and registers the run metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scans_total",
			Help:      "Completed reader scans by reader mode.",
		}, []string{"mode"}),
		wordsTouched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "words_touched_total",
			Help:      "Words loaded by all readers.",
		}),
		shrinkCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shrink_cycles_total",
			Help:      "Shrink cycles completed by the coordinator.",
		}),
		shrinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shrink_errors_total",
			Help:      "Backing store truncations that failed.",
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "faults_total",
			Help:      "Illegal accesses intercepted in readers.",
		}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "samples_dropped_total",
			Help:      "Diagnostic samples dropped because the ring was full.",
		}),
		validLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "valid_length_bytes",
			Help:      "Last published valid length of the region.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "synchronize_duration_seconds",
			Help:      "Time spent waiting for grace periods.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}
	m.registry.MustRegister(
		m.scans,
		m.wordsTouched,
		m.shrinkCycles,
		m.shrinkErrors,
		m.faults,
		m.samplesDropped,
		m.validLength,
		m.syncDuration,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
