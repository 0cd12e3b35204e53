// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Package keyservice's metrics.go centralizes the Prometheus collectors for
// the whole allocation path, grounded on the teacher's
// pkg/metrics/registry.go / pkg/hubble/metrics/metrics.go registration
// style: one struct holding pre-constructed collectors, registered once
// against a caller-supplied prometheus.Registerer.
package keyservice

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/darwincore/occkey/pkg/counter"
	"github.com/darwincore/occkey/pkg/lockengine"
)

const metricsNamespace = "occkey"

// Metrics is the Coordinator's Prometheus surface. It implements both
// lockengine.Recorder and counter.Recorder so the same instance can be
// threaded through every layer of the allocation path.
type Metrics struct {
	allocationAttempts prometheus.Counter
	protocolConflicts  prometheus.Counter
	staleLockTakeovers prometheus.Counter
	fatalInconsistency prometheus.Counter
	batchesReserved    prometheus.Counter
	batchSize          prometheus.Histogram
}

// NewMetrics constructs and registers the Coordinator's collectors against
// reg. Passing prometheus.NewRegistry() keeps tests isolated from the
// global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		allocationAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lockengine",
			Name:      "allocation_attempts_total",
			Help:      "Number of generateKey allocation attempts started, including retries.",
		}),
		protocolConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lockengine",
			Name:      "protocol_conflicts_total",
			Help:      "Number of allocation attempts that lost a lock race and were retried.",
		}),
		staleLockTakeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lockengine",
			Name:      "stale_lock_takeovers_total",
			Help:      "Number of lock columns taken over from a presumed-dead holder.",
		}),
		fatalInconsistency: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lockengine",
			Name:      "fatal_inconsistencies_total",
			Help:      "Number of times conflicting ALLOCATED keys were observed across one natural-key set.",
		}),
		batchesReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "counter",
			Name:      "batches_reserved_total",
			Help:      "Number of times the counter allocator reserved a new batch from the backend.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "counter",
			Name:      "batch_size",
			Help:      "Size of each reserved counter batch.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 8),
		}),
	}

	reg.MustRegister(
		m.allocationAttempts,
		m.protocolConflicts,
		m.staleLockTakeovers,
		m.fatalInconsistency,
		m.batchesReserved,
		m.batchSize,
	)
	return m
}

var (
	_ lockengine.Recorder = (*Metrics)(nil)
	_ counter.Recorder    = (*Metrics)(nil)
)

func (m *Metrics) AllocationAttempt()  { m.allocationAttempts.Inc() }
func (m *Metrics) ProtocolConflict()   { m.protocolConflicts.Inc() }
func (m *Metrics) StaleLockTakeover()  { m.staleLockTakeovers.Inc() }
func (m *Metrics) FatalInconsistency() { m.fatalInconsistency.Inc() }

func (m *Metrics) BatchReserved(batchSize int64) {
	m.batchesReserved.Inc()
	m.batchSize.Observe(float64(batchSize))
}
