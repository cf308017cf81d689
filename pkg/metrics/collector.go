package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "cellguard"

// Collector collects CellGuard metrics into its own registry. It implements
// the recorders of the collector and verification packages.
type Collector struct {
	registry *prometheus.Registry

	packets *prometheus.CounterVec
	cells   *prometheus.CounterVec

	stages        *prometheus.CounterVec
	stagePoints   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	passes        *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
	states        *prometheus.GaugeVec

	lookups        *prometheus.CounterVec
	lookupDuration prometheus.Histogram

	purged    *prometheus.CounterVec
	wsClients prometheus.Gauge
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_ingested_total",
			Help:      "Baseband packets offered for ingestion by protocol and result",
		}, []string{"protocol", "result"}),
		cells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cells_ingested_total",
			Help:      "Observed cells offered for ingestion by technology and result",
		}, []string{"technology", "result"}),

		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_stages_total",
			Help:      "Executed verification stages by outcome",
		}, []string{"pipeline", "stage", "outcome"}),
		stagePoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_points_total",
			Help:      "Points awarded by verification stages",
		}, []string{"pipeline", "stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_stage_duration_seconds",
			Help:      "Time spent in one verification stage including evidence loading",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"pipeline", "stage"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_passes_total",
			Help:      "Verification passes by result",
		}, []string{"pipeline", "result"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_verdicts_total",
			Help:      "Finished verifications by verdict",
		}, []string{"pipeline", "verdict"}),
		states: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verification_states",
			Help:      "Verification states by status",
		}, []string{"pipeline", "status"}),

		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "als_lookups_total",
			Help:      "Location service lookups by result",
		}, []string{"result"}),
		lookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "als_lookup_duration_seconds",
			Help:      "Location service lookup latency",
			Buckets:   prometheus.DefBuckets,
		}),

		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_rows_total",
			Help:      "Rows removed by the retention purge",
		}, []string{"table"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected event stream clients",
		}),
	}

	c.registry.MustRegister(
		c.packets, c.cells,
		c.stages, c.stagePoints, c.stageDuration, c.passes, c.verdicts, c.states,
		c.lookups, c.lookupDuration,
		c.purged, c.wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the metrics are exposed from
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// PacketIngested records a packet handed to the collector
func (c *Collector) PacketIngested(protocol, result string) {
	c.packets.WithLabelValues(protocol, result).Inc()
}

// CellIngested records a cell handed to the collector
func (c *Collector) CellIngested(technology, result string) {
	c.cells.WithLabelValues(technology, result).Inc()
}

// StageCompleted records one executed stage
func (c *Collector) StageCompleted(pipeline, stage, outcome string, points int, d time.Duration) {
	c.stages.WithLabelValues(pipeline, stage, outcome).Inc()
	if points > 0 {
		c.stagePoints.WithLabelValues(pipeline, stage).Add(float64(points))
	}
	c.stageDuration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

// PassCompleted records the end of a verification pass
func (c *Collector) PassCompleted(pipeline, result string) {
	c.passes.WithLabelValues(pipeline, result).Inc()
}

// VerdictReached records a finished verification
func (c *Collector) VerdictReached(pipeline, verdict string) {
	c.verdicts.WithLabelValues(pipeline, verdict).Inc()
}

// LookupCompleted records a location service lookup
func (c *Collector) LookupCompleted(result string, d time.Duration) {
	c.lookups.WithLabelValues(result).Inc()
	c.lookupDuration.Observe(d.Seconds())
}

// SetStates publishes the current number of pending and finished states
func (c *Collector) SetStates(pipeline string, pending, finished int64) {
	c.states.WithLabelValues(pipeline, "pending").Set(float64(pending))
	c.states.WithLabelValues(pipeline, "finished").Set(float64(finished))
}

// RowsPurged records rows removed from one table
func (c *Collector) RowsPurged(table string, n int64) {
	if n > 0 {
		c.purged.WithLabelValues(table).Add(float64(n))
	}
}

// WebsocketClients publishes the number of connected stream clients
func (c *Collector) WebsocketClients(n int) {
	c.wsClients.Set(float64(n))
}
