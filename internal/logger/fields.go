package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys. Use them consistently so logs from clients, servers
// and the portmapper can be correlated.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// RPC call
	// ========================================================================
	KeyXID        = "xid"
	KeyProgram    = "program"
	KeyVersion    = "version"
	KeyProcedure  = "procedure"
	KeyAcceptStat = "accept_stat"
	KeyAuth       = "auth"
	KeyAuthStat   = "auth_stat"
	KeyAttempt    = "attempt"
	KeyTimeout    = "timeout"

	// ========================================================================
	// Transport
	// ========================================================================
	KeyTransport  = "transport" // tcp or udp
	KeyClientAddr = "client"
	KeyServerAddr = "server"
	KeyPort       = "port"
	KeyBytes      = "bytes"

	// ========================================================================
	// Portmapper
	// ========================================================================
	KeyProtocol = "protocol"
	KeyState    = "state"
	KeyEntries  = "entries"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }
func SpanID(id string) slog.Attr  { return slog.String(KeySpanID, id) }

// XID formats a transaction id in hex, the way packet captures show it.
func XID(xid uint32) slog.Attr {
	return slog.String(KeyXID, fmt.Sprintf("0x%08x", xid))
}

func Program(prog uint32) slog.Attr    { return slog.Any(KeyProgram, prog) }
func Version(vers uint32) slog.Attr    { return slog.Any(KeyVersion, vers) }
func Procedure(name string) slog.Attr  { return slog.String(KeyProcedure, name) }
func ClientAddr(addr string) slog.Attr { return slog.String(KeyClientAddr, addr) }
func ServerAddr(addr string) slog.Attr { return slog.String(KeyServerAddr, addr) }
func Transport(name string) slog.Attr  { return slog.String(KeyTransport, name) }
func Port(port int) slog.Attr          { return slog.Int(KeyPort, port) }
func Attempt(n int) slog.Attr          { return slog.Int(KeyAttempt, n) }
func DurationMs(ms float64) slog.Attr  { return slog.Float64(KeyDurationMs, ms) }
func Entries(n int) slog.Attr          { return slog.Int(KeyEntries, n) }
func State(state string) slog.Attr     { return slog.String(KeyState, state) }
func Auth(flavor uint32) slog.Attr     { return slog.Any(KeyAuth, flavor) }
func AcceptStat(stat string) slog.Attr { return slog.String(KeyAcceptStat, stat) }
func Protocol(proto string) slog.Attr  { return slog.String(KeyProtocol, proto) }

// Err returns an error attribute, or an empty attribute for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
