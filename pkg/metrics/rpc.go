package metrics

import "time"

// ClientMetrics observes RPC client calls. A nil ClientMetrics disables
// collection.
type ClientMetrics interface {
	// RecordCall records a completed call and its outcome: "success" or
	// the RPC error code name ("timeout", "program unavailable", ...).
	RecordCall(transport string, prog, proc uint32, duration time.Duration, outcome string)

	// RecordRetransmit counts a UDP retransmission.
	RecordRetransmit(prog uint32)

	// RecordDiscardedReply counts a reply dropped because its xid did not
	// match the outstanding call.
	RecordDiscardedReply(transport string)
}

// ServerMetrics observes RPC server dispatch. A nil ServerMetrics disables
// collection.
type ServerMetrics interface {
	// RecordRequest records a dispatched call and the accept status sent.
	RecordRequest(transport string, prog, vers, proc uint32, duration time.Duration, status string)

	// RecordDenied counts a call denied with RPC_MISMATCH or AUTH_ERROR.
	RecordDenied(transport, reason string)

	// SetActiveConnections updates the current TCP connection count.
	SetActiveConnections(count int32)

	// RecordConnectionAccepted counts an accepted TCP connection.
	RecordConnectionAccepted()

	// RecordConnectionRejected counts a TCP connection refused at the
	// connection limit.
	RecordConnectionRejected()
}

// PortmapMetrics observes the portmapper registry and lifecycle.
type PortmapMetrics interface {
	// RecordRegistryOp counts a SET/UNSET/GETPORT/DUMP and whether it
	// succeeded.
	RecordRegistryOp(op string, ok bool)

	// SetRegistrations reports the registry size.
	SetRegistrations(count int)

	// SetLifecycleState reports the embedded portmapper state.
	SetLifecycleState(state string)
}

// Constructors registered by pkg/metrics/prometheus. The indirection keeps
// this package free of collector implementations.
var (
	newClientMetrics  func() ClientMetrics
	newServerMetrics  func() ServerMetrics
	newPortmapMetrics func() PortmapMetrics
)

// RegisterConstructors is called by the prometheus package's init.
func RegisterConstructors(client func() ClientMetrics, server func() ServerMetrics, portmap func() PortmapMetrics) {
	newClientMetrics = client
	newServerMetrics = server
	newPortmapMetrics = portmap
}

// NewClientMetrics returns Prometheus client metrics, or nil when metrics
// are disabled or no implementation is linked in.
func NewClientMetrics() ClientMetrics {
	if !IsEnabled() || newClientMetrics == nil {
		return nil
	}
	return newClientMetrics()
}

// NewServerMetrics returns Prometheus server metrics, or nil.
func NewServerMetrics() ServerMetrics {
	if !IsEnabled() || newServerMetrics == nil {
		return nil
	}
	return newServerMetrics()
}

// NewPortmapMetrics returns Prometheus portmapper metrics, or nil.
func NewPortmapMetrics() PortmapMetrics {
	if !IsEnabled() || newPortmapMetrics == nil {
		return nil
	}
	return newPortmapMetrics()
}
