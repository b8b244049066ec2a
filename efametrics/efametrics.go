// Package efametrics wires the endpoint core's counters and gauges to
// Prometheus, the way the teacher's metrics_adapter.go wraps a
// prometheus.Registry as a github.com/luxfi/metric.Metrics instance.
package efametrics

import (
	luxmetric "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// NewRegisterer wraps reg (creating one if nil) as a luxmetric.Metrics,
// mirroring the teacher's NewMetricsAdapter/WrapMetricsRegistry.
func NewRegisterer(reg *prometheus.Registry) luxmetric.Metrics {
	if reg == nil {
		return luxmetric.New("efacore")
	}
	return luxmetric.NewWithRegistry("efacore", reg)
}

// PoolMetrics are the gauges/counters exported for one pool.Pool instance
// (spec §4.1, §8 "after close every pool's in-use count is zero").
type PoolMetrics struct {
	InUse     prometheus.Gauge
	Capacity  prometheus.Gauge
	Exhausted prometheus.Counter
	Resets    prometheus.Counter
}

// NewPoolMetrics registers the four pool gauges/counters under name
// (e.g. "tx_entry", "rx_entry", "packet_nic", "packet_shm").
func NewPoolMetrics(reg prometheus.Registerer, name string) *PoolMetrics {
	m := &PoolMetrics{
		InUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "efacore", Subsystem: "pool", Name: name + "_in_use",
			Help: "Slots currently acquired from the " + name + " pool.",
		}),
		Capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "efacore", Subsystem: "pool", Name: name + "_capacity",
			Help: "Total slots ever grown into the " + name + " pool.",
		}),
		Exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "efacore", Subsystem: "pool", Name: name + "_exhausted_total",
			Help: "Acquire() calls that found no free slot in the " + name + " pool.",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "efacore", Subsystem: "pool", Name: name + "_watchdog_resets_total",
			Help: "Forced watchdog resets of the " + name + " pool (spec §9 — a bug signal, not a normal path).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InUse, m.Capacity, m.Exhausted, m.Resets)
	}
	return m
}

// PeerMetrics are the gauges exported per peer-table-wide aggregate (not
// per individual peer, to keep cardinality bounded).
type PeerMetrics struct {
	BackoffActive    prometheus.Gauge
	RNRTotal         prometheus.Counter
	CreditsGranted   prometheus.Counter
	OutstandingNIC   prometheus.Gauge
	OutstandingSHM   prometheus.Gauge
}

func NewPeerMetrics(reg prometheus.Registerer) *PeerMetrics {
	m := &PeerMetrics{
		BackoffActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "efacore", Subsystem: "peer", Name: "backoff_active",
			Help: "Number of peers currently within their RNR backoff window.",
		}),
		RNRTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "efacore", Subsystem: "peer", Name: "rnr_total",
			Help: "Total RNR completions observed across all peers.",
		}),
		CreditsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "efacore", Subsystem: "peer", Name: "credits_granted_total",
			Help: "Total flow-control credit bytes granted to peers.",
		}),
		OutstandingNIC: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "efacore", Subsystem: "peer", Name: "outstanding_nic_ops",
			Help: "Sum of outstanding NIC-side TX ops across all peers.",
		}),
		OutstandingSHM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "efacore", Subsystem: "peer", Name: "outstanding_shm_ops",
			Help: "Sum of outstanding SHM-side TX ops across all peers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BackoffActive, m.RNRTotal, m.CreditsGranted, m.OutstandingNIC, m.OutstandingSHM)
	}
	return m
}

// CompletionMetrics track completion-queue drain activity (spec §4.3).
type CompletionMetrics struct {
	NICDrained prometheus.Counter
	SHMDrained prometheus.Counter
	Errors     prometheus.Counter
}

func NewCompletionMetrics(reg prometheus.Registerer) *CompletionMetrics {
	m := &CompletionMetrics{
		NICDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "efacore", Subsystem: "completion", Name: "nic_drained_total",
			Help: "Completions drained from the NIC completion queue.",
		}),
		SHMDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "efacore", Subsystem: "completion", Name: "shm_drained_total",
			Help: "Completions drained from the shared-memory completion queue.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "efacore", Subsystem: "completion", Name: "errors_total",
			Help: "Error completions translated into a send/recv-error callback.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.NICDrained, m.SHMDrained, m.Errors)
	}
	return m
}
