// Package metrics registers HORUS's Prometheus collectors: Hub send/recv
// counters, Scheduler tick/deadline/circuit-breaker gauges, and TensorPool
// occupancy gauges, all under a horus_* namespace mirroring the teacher's
// ws_* metric family layout.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/water236/horus/internal/shm"
)

// Registry bundles HORUS's Prometheus collectors behind their own
// registry rather than the global DefaultRegisterer, so more than one
// scheduler/hub set can coexist in a single process (e.g. in tests)
// without a double-registration panic.
type Registry struct {
	reg *prometheus.Registry

	HubMessagesSent     *prometheus.CounterVec
	HubMessagesReceived *prometheus.CounterVec
	HubSendFailures     *prometheus.CounterVec
	HubRecvFailures     *prometheus.CounterVec

	SchedulerTickDuration   *prometheus.HistogramVec
	SchedulerDeadlineMisses *prometheus.CounterVec
	SchedulerCircuitOpen    *prometheus.GaugeVec
	SchedulerFailures       *prometheus.CounterVec

	PoolAllocatedSlots prometheus.Gauge
	PoolFreeBytes      prometheus.Gauge
	PoolUsedBytes      prometheus.Gauge
}

// NewRegistry creates and registers every HORUS collector into a fresh
// prometheus.Registry.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.HubMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "horus_hub_messages_sent_total",
		Help: "Total messages successfully sent through a Hub",
	}, []string{"topic"})

	r.HubMessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "horus_hub_messages_received_total",
		Help: "Total messages successfully received through a Hub",
	}, []string{"topic"})

	r.HubSendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "horus_hub_send_failures_total",
		Help: "Total Hub send failures",
	}, []string{"topic"})

	r.HubRecvFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "horus_hub_recv_failures_total",
		Help: "Total Hub recv misses (no new data)",
	}, []string{"topic"})

	r.SchedulerTickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "horus_scheduler_tick_duration_seconds",
		Help:    "Per-node tick duration",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"node"})

	r.SchedulerDeadlineMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "horus_scheduler_deadline_misses_total",
		Help: "Total deadline misses per node",
	}, []string{"node"})

	r.SchedulerCircuitOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "horus_scheduler_circuit_open",
		Help: "1 if a node's circuit breaker is currently open, else 0",
	}, []string{"node"})

	r.SchedulerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "horus_scheduler_node_failures_total",
		Help: "Total tick failures per node",
	}, []string{"node"})

	r.PoolAllocatedSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "horus_tensor_pool_allocated_slots",
		Help: "Currently allocated TensorPool slots",
	})

	r.PoolFreeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "horus_tensor_pool_free_bytes",
		Help: "Free bytes remaining in the TensorPool arena",
	})

	r.PoolUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "horus_tensor_pool_used_bytes",
		Help: "Bytes reserved so far in the TensorPool arena",
	})

	r.reg.MustRegister(
		r.HubMessagesSent, r.HubMessagesReceived, r.HubSendFailures, r.HubRecvFailures,
		r.SchedulerTickDuration, r.SchedulerDeadlineMisses, r.SchedulerCircuitOpen, r.SchedulerFailures,
		r.PoolAllocatedSlots, r.PoolFreeBytes, r.PoolUsedBytes,
	)

	return r
}

// Handler returns the http.Handler that serves this registry's metrics in
// the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// UpdatePoolStats sets the TensorPool occupancy gauges from a Stats
// snapshot. Callers sample Pool.Stats() periodically (it walks every slot
// header, so it is not meant for the hot allocation path) and pass the
// result here.
func (r *Registry) UpdatePoolStats(stats shm.Stats) {
	r.PoolAllocatedSlots.Set(float64(stats.AllocatedSlots))
	r.PoolFreeBytes.Set(float64(stats.FreeBytes))
	r.PoolUsedBytes.Set(float64(stats.UsedBytes))
}
