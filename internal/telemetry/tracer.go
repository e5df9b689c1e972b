package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for RPC spans. The rpc.* keys follow the OpenTelemetry
// semantic conventions for ONC RPC where one exists.
const (
	AttrRPCSystem    = "rpc.system"
	AttrRPCXID       = "rpc.onc_rpc.xid"
	AttrRPCProgram   = "rpc.onc_rpc.program"
	AttrRPCVersion   = "rpc.onc_rpc.version"
	AttrRPCProcedure = "rpc.onc_rpc.procedure"
	AttrRPCAuth      = "rpc.onc_rpc.auth_flavor"
	AttrRPCStatus    = "rpc.onc_rpc.status"
	AttrRPCAttempt   = "rpc.onc_rpc.attempt"

	AttrTransport  = "network.transport"
	AttrClientAddr = "client.address"
	AttrServerAddr = "server.address"

	AttrPortmapProtocol = "portmap.protocol"
	AttrPortmapPort     = "portmap.port"
)

// Span names.
const (
	SpanClientCall = "rpc.client.call"
	SpanServerCall = "rpc.server.call"
	SpanPortmap    = "portmap"
)

func RPCXID(xid uint32) attribute.KeyValue {
	return attribute.String(AttrRPCXID, fmt.Sprintf("0x%08x", xid))
}

func RPCProgram(prog uint32) attribute.KeyValue {
	return attribute.Int64(AttrRPCProgram, int64(prog))
}

func RPCVersion(vers uint32) attribute.KeyValue {
	return attribute.Int64(AttrRPCVersion, int64(vers))
}

func RPCProcedure(proc uint32) attribute.KeyValue {
	return attribute.Int64(AttrRPCProcedure, int64(proc))
}

func RPCAuth(flavor uint32) attribute.KeyValue {
	return attribute.Int64(AttrRPCAuth, int64(flavor))
}

func RPCStatus(status string) attribute.KeyValue {
	return attribute.String(AttrRPCStatus, status)
}

func RPCAttempt(n int) attribute.KeyValue {
	return attribute.Int(AttrRPCAttempt, n)
}

func Transport(name string) attribute.KeyValue {
	return attribute.String(AttrTransport, name)
}

func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

func ServerAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrServerAddr, addr)
}

func PortmapProtocol(name string) attribute.KeyValue {
	return attribute.String(AttrPortmapProtocol, name)
}

func PortmapPort(port uint32) attribute.KeyValue {
	return attribute.Int64(AttrPortmapPort, int64(port))
}

// StartClientCallSpan starts a client span for one RPC call.
func StartClientCallSpan(ctx context.Context, transport string, prog, vers, proc uint32, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String(AttrRPCSystem, "onc_rpc"),
		Transport(transport),
		RPCProgram(prog),
		RPCVersion(vers),
		RPCProcedure(proc),
	}
	return StartSpan(ctx, SpanClientCall,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(base, attrs...)...),
	)
}

// StartServerCallSpan starts a server span for one dispatched call.
func StartServerCallSpan(ctx context.Context, transport string, xid, prog, vers, proc uint32, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String(AttrRPCSystem, "onc_rpc"),
		Transport(transport),
		RPCXID(xid),
		RPCProgram(prog),
		RPCVersion(vers),
		RPCProcedure(proc),
	}
	return StartSpan(ctx, SpanServerCall,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(append(base, attrs...)...),
	)
}

// StartPortmapSpan starts an internal span for a portmapper operation such
// as a registry mutation or a lifecycle transition.
func StartPortmapSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanPortmap+"."+operation, trace.WithAttributes(attrs...))
}
