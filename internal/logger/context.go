package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds call-scoped logging fields. It is attached to the
// context handed to RPC handlers and client calls.
type LogContext struct {
	TraceID    string    // OpenTelemetry trace ID
	SpanID     string    // OpenTelemetry span ID
	XID        uint32    // RPC transaction id
	Program    uint32    // RPC program number
	Version    uint32    // RPC program version
	Procedure  string    // procedure name (or number)
	ClientAddr string    // peer address, host:port
	Transport  string    // tcp or udp
	AuthFlavor uint32    // credential flavor
	StartTime  time.Time // for duration calculation
}

// WithContext returns a new context carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a call received from clientAddr.
func NewLogContext(clientAddr, transport string) *LogContext {
	return &LogContext{
		ClientAddr: clientAddr,
		Transport:  transport,
		StartTime:  time.Now(),
	}
}

// Clone returns a copy of lc.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithCall returns a copy annotated with the call header fields.
func (lc *LogContext) WithCall(xid, prog, vers uint32, procedure string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.XID = xid
		clone.Program = prog
		clone.Version = vers
		clone.Procedure = procedure
	}
	return clone
}

// WithAuth returns a copy with the credential flavor set.
func (lc *LogContext) WithAuth(flavor uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.AuthFlavor = flavor
	}
	return clone
}

// WithTrace returns a copy with trace info set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the time since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
