// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package timber

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/timberdb/timber/internal/base"
)

// metricsCounters are the monotonically increasing event counters updated by
// the engine.
type metricsCounters struct {
	mergesCompleted    atomic.Int64
	ttlMergesCompleted atomic.Int64
	mutationsStarted   atomic.Int64
	mutationsCompleted atomic.Int64
	mutationsKilled    atomic.Int64
	partsDeleted       atomic.Int64
}

// Metrics is a point-in-time snapshot of the table's state and cumulative
// counters.
type Metrics struct {
	ActiveParts   int64
	OutdatedParts int64
	ActiveBytes   uint64
	ActiveRows    uint64

	BusyParts       int64
	TTLMergesBooked int64

	PendingMutations  int64
	PendingDataMut    int64
	PendingMetaMut    int64
	CommittingBlocks  int64
	BlockNumber       int64
	MergesCompleted   int64
	TTLMerges         int64
	MutationsStarted  int64
	MutationsComplete int64
	MutationsKilled   int64
	PartsDeleted      int64
}

// Metrics returns a snapshot of the table's metrics.
func (t *Table) Metrics() Metrics {
	var m Metrics

	t.partsMu.Lock()
	for _, p := range t.parts.InStates(base.PartActive, base.PartOutdated) {
		if p.State == base.PartActive {
			m.ActiveParts++
			m.ActiveBytes += p.Size
			m.ActiveRows += p.Rows
		} else {
			m.OutdatedParts++
		}
	}
	t.partsMu.Unlock()

	t.bgMu.Lock()
	m.BusyParts = int64(len(t.busy))
	m.PendingMutations = int64(t.mutations.len())
	m.PendingDataMut = int64(t.mutationCounters.Data)
	m.PendingMetaMut = int64(t.mutationCounters.Metadata)
	t.bgMu.Unlock()

	t.committingMu.Lock()
	m.CommittingBlocks = int64(len(t.committing))
	t.committingMu.Unlock()

	m.BlockNumber = t.increment.Load()
	m.TTLMergesBooked = t.ttlMergesBooked.Load()
	m.MergesCompleted = t.metrics.mergesCompleted.Load()
	m.TTLMerges = t.metrics.ttlMergesCompleted.Load()
	m.MutationsStarted = t.metrics.mutationsStarted.Load()
	m.MutationsComplete = t.metrics.mutationsCompleted.Load()
	m.MutationsKilled = t.metrics.mutationsKilled.Load()
	m.PartsDeleted = t.metrics.partsDeleted.Load()
	return m
}

// collector exposes table metrics to prometheus.
type collector struct {
	t *Table

	activeParts      *prometheus.Desc
	outdatedParts    *prometheus.Desc
	activeBytes      *prometheus.Desc
	busyParts        *prometheus.Desc
	pendingMutations *prometheus.Desc
	ttlMergesBooked  *prometheus.Desc
	blockNumber      *prometheus.Desc
	mergesTotal      *prometheus.Desc
	mutationsTotal   *prometheus.Desc
	partsDeleted     *prometheus.Desc
}

// NewPrometheusCollector returns a prometheus collector over the table's
// metrics, labelled with the table name.
func (t *Table) NewPrometheusCollector(tableName string) prometheus.Collector {
	labels := prometheus.Labels{"table": tableName}
	return &collector{
		t: t,
		activeParts: prometheus.NewDesc(
			"timber_active_parts", "Number of active data parts.", nil, labels),
		outdatedParts: prometheus.NewDesc(
			"timber_outdated_parts", "Number of outdated data parts awaiting removal.", nil, labels),
		activeBytes: prometheus.NewDesc(
			"timber_active_bytes", "Bytes held by active data parts.", nil, labels),
		busyParts: prometheus.NewDesc(
			"timber_busy_parts", "Parts currently consumed by merges or mutations.", nil, labels),
		pendingMutations: prometheus.NewDesc(
			"timber_pending_mutations", "Mutation entries not yet applied everywhere.", nil, labels),
		ttlMergesBooked: prometheus.NewDesc(
			"timber_ttl_merges_booked", "TTL merges booked against the pool limit.", nil, labels),
		blockNumber: prometheus.NewDesc(
			"timber_block_number", "Block-number allocator high-water mark.", nil, labels),
		mergesTotal: prometheus.NewDesc(
			"timber_merges_total", "Completed merges.", nil, labels),
		mutationsTotal: prometheus.NewDesc(
			"timber_mutations_total", "Completed part mutations.", nil, labels),
		partsDeleted: prometheus.NewDesc(
			"timber_parts_deleted_total", "Part directories removed by the cleaner.", nil, labels),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeParts
	ch <- c.outdatedParts
	ch <- c.activeBytes
	ch <- c.busyParts
	ch <- c.pendingMutations
	ch <- c.ttlMergesBooked
	ch <- c.blockNumber
	ch <- c.mergesTotal
	ch <- c.mutationsTotal
	ch <- c.partsDeleted
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.t.Metrics()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(c.activeParts, float64(m.ActiveParts))
	gauge(c.outdatedParts, float64(m.OutdatedParts))
	gauge(c.activeBytes, float64(m.ActiveBytes))
	gauge(c.busyParts, float64(m.BusyParts))
	gauge(c.pendingMutations, float64(m.PendingMutations))
	gauge(c.ttlMergesBooked, float64(m.TTLMergesBooked))
	gauge(c.blockNumber, float64(m.BlockNumber))
	counter(c.mergesTotal, float64(m.MergesCompleted))
	counter(c.mutationsTotal, float64(m.MutationsComplete))
	counter(c.partsDeleted, float64(m.PartsDeleted))
}
