// Package prometheus implements pkg/metrics collectors. Import it for side
// effects to enable Prometheus instrumentation:
//
//	import _ "github.com/marmos91/dittorpc/pkg/metrics/prometheus"
package prometheus

import (
	"strconv"
	"sync"
	"time"

	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterConstructors(once(newClientMetrics), once(newServerMetrics), once(newPortmapMetrics))
}

// once memoizes a constructor. Collectors register on the global registry,
// so every caller shares one instance.
func once[T any](ctor func() T) func() T {
	var (
		o sync.Once
		v T
	)
	return func() T {
		o.Do(func() { v = ctor() })
		return v
	}
}

// RPC latencies range from sub-millisecond loopback calls to multi-second
// UDP retransmission chains.
var rpcLatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30,
}

func label(n uint32) string {
	return strconv.FormatUint(uint64(n), 10)
}

// ============================================================================
// Client
// ============================================================================

type clientMetrics struct {
	calls       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	retransmits *prometheus.CounterVec
	discarded   *prometheus.CounterVec
}

func newClientMetrics() metrics.ClientMetrics {
	factory := promauto.With(metrics.GetRegistry())
	return &clientMetrics{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittorpc_client_calls_total",
				Help: "Total RPC calls issued by clients, by outcome",
			},
			[]string{"transport", "program", "procedure", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittorpc_client_call_duration_seconds",
				Help:    "Duration of RPC client calls including retransmissions",
				Buckets: rpcLatencyBuckets,
			},
			[]string{"transport", "program", "procedure"},
		),
		retransmits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittorpc_client_retransmits_total",
				Help: "Total UDP retransmissions",
			},
			[]string{"program"},
		),
		discarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittorpc_client_discarded_replies_total",
				Help: "Replies discarded because their xid did not match",
			},
			[]string{"transport"},
		),
	}
}

func (m *clientMetrics) RecordCall(transport string, prog, proc uint32, duration time.Duration, outcome string) {
	m.calls.WithLabelValues(transport, label(prog), label(proc), outcome).Inc()
	m.duration.WithLabelValues(transport, label(prog), label(proc)).Observe(duration.Seconds())
}

func (m *clientMetrics) RecordRetransmit(prog uint32) {
	m.retransmits.WithLabelValues(label(prog)).Inc()
}

func (m *clientMetrics) RecordDiscardedReply(transport string) {
	m.discarded.WithLabelValues(transport).Inc()
}

// ============================================================================
// Server
// ============================================================================

type serverMetrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	denied        *prometheus.CounterVec
	activeConns   prometheus.Gauge
	acceptedConns prometheus.Counter
	rejectedConns prometheus.Counter
}

func newServerMetrics() metrics.ServerMetrics {
	factory := promauto.With(metrics.GetRegistry())
	return &serverMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittorpc_server_requests_total",
				Help: "Total RPC calls dispatched, by accept status",
			},
			[]string{"transport", "program", "version", "procedure", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittorpc_server_request_duration_seconds",
				Help:    "Duration of RPC call handling",
				Buckets: rpcLatencyBuckets,
			},
			[]string{"transport", "program", "procedure"},
		),
		denied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittorpc_server_denied_total",
				Help: "Total calls denied with RPC_MISMATCH or AUTH_ERROR",
			},
			[]string{"transport", "reason"},
		),
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dittorpc_server_active_connections",
			Help: "Current number of open TCP connections",
		}),
		acceptedConns: factory.NewCounter(prometheus.CounterOpts{
			Name: "dittorpc_server_connections_accepted_total",
			Help: "Total TCP connections accepted",
		}),
		rejectedConns: factory.NewCounter(prometheus.CounterOpts{
			Name: "dittorpc_server_connections_rejected_total",
			Help: "Total TCP connections rejected at the connection limit",
		}),
	}
}

func (m *serverMetrics) RecordRequest(transport string, prog, vers, proc uint32, duration time.Duration, status string) {
	m.requests.WithLabelValues(transport, label(prog), label(vers), label(proc), status).Inc()
	m.duration.WithLabelValues(transport, label(prog), label(proc)).Observe(duration.Seconds())
}

func (m *serverMetrics) RecordDenied(transport, reason string) {
	m.denied.WithLabelValues(transport, reason).Inc()
}

func (m *serverMetrics) SetActiveConnections(count int32) {
	m.activeConns.Set(float64(count))
}

func (m *serverMetrics) RecordConnectionAccepted() {
	m.acceptedConns.Inc()
}

func (m *serverMetrics) RecordConnectionRejected() {
	m.rejectedConns.Inc()
}

// ============================================================================
// Portmapper
// ============================================================================

var portmapStates = []string{"not_running", "starting", "running", "stopping"}

type portmapMetrics struct {
	ops           *prometheus.CounterVec
	registrations prometheus.Gauge
	state         *prometheus.GaugeVec
}

func newPortmapMetrics() metrics.PortmapMetrics {
	factory := promauto.With(metrics.GetRegistry())
	return &portmapMetrics{
		ops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittorpc_portmap_operations_total",
				Help: "Total portmapper registry operations",
			},
			[]string{"operation", "result"},
		),
		registrations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dittorpc_portmap_registrations",
			Help: "Number of mappings in the portmapper registry",
		}),
		state: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittorpc_portmap_state",
				Help: "Embedded portmapper lifecycle state (1 for the current state)",
			},
			[]string{"state"},
		),
	}
}

func (m *portmapMetrics) RecordRegistryOp(op string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ops.WithLabelValues(op, result).Inc()
}

func (m *portmapMetrics) SetRegistrations(count int) {
	m.registrations.Set(float64(count))
}

func (m *portmapMetrics) SetLifecycleState(state string) {
	for _, s := range portmapStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}
