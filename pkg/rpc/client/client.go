// Package client implements ONC RPC clients over UDP and TCP.
//
// A Client is bound to one remote program. Each Call encodes a call header
// and the arguments, sends them, waits for the reply carrying the same xid
// and decodes the results. Failures are reported as *rpc.Error values that
// can be matched with errors.Is against the rpc.Err* sentinels.
//
//	c, err := client.New(ctx, "localhost", 111, rpc.ProtoUDP, client.Config{
//		Program: 100000,
//		Version: 2,
//	})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	var port xdr.Uint32
//	err = c.Call(ctx, 3, 2, &mapping, &port)
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/rpc/auth"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/internal/telemetry"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"golang.org/x/text/encoding"
)

const (
	// DefaultTimeout is the total time budget of one call.
	DefaultTimeout = 25 * time.Second

	// DefaultRetransmitInterval is the wait before the first UDP
	// retransmission. It doubles after every unanswered try.
	DefaultRetransmitInterval = time.Second

	// maxDatagram bounds a UDP reply.
	maxDatagram = 65535
)

// Client is an RPC client bound to one remote program.
type Client interface {
	// Call invokes procedure proc of version vers. args may be nil for void
	// arguments and result may be nil to ignore the results.
	Call(ctx context.Context, proc, vers uint32, args xdr.XdrEncoder, result xdr.XdrDecoder) error

	// Close releases the transport. Safe to call more than once.
	Close() error

	// Timeout returns the total time budget of a call.
	Timeout() time.Duration

	// SetTimeout changes the total time budget of subsequent calls.
	SetTimeout(d time.Duration)

	// SetAuth replaces the authentication strategy.
	SetAuth(a auth.Auth)

	// Program returns the remote program number.
	Program() uint32
}

// Config configures a client.
type Config struct {
	// Program is the remote program number.
	Program uint32

	// Version is the default program version, used by helpers that do not
	// pass one explicitly.
	Version uint32

	// Timeout is the total budget of one call. Default: 25s.
	Timeout time.Duration

	// RetransmitInterval is the initial UDP retransmission wait. Default: 1s.
	RetransmitInterval time.Duration

	// Charset is the IANA name of the string encoding. Empty means UTF-8.
	Charset string

	// Auth is the authentication strategy. Default: AUTH_NONE.
	Auth auth.Auth

	// MaxRecordSize bounds one TCP reply record. Default: 1MB.
	MaxRecordSize uint32

	// Metrics receives call observations. Nil disables collection.
	Metrics metrics.ClientMetrics
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = DefaultRetransmitInterval
	}
	if c.Auth == nil {
		c.Auth = auth.None()
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = rpc.DefaultMaxRecord
	}
}

// New creates a client for the given transport protocol number: rpc.ProtoUDP
// or rpc.ProtoTCP. Any other value yields an ErrCodeUnknownProtocol error.
func New(ctx context.Context, host string, port int, protocol uint32, cfg Config) (Client, error) {
	switch protocol {
	case rpc.ProtoUDP:
		return NewUDPClient(ctx, host, port, cfg)
	case rpc.ProtoTCP:
		return NewTCPClient(ctx, host, port, cfg)
	default:
		return nil, rpc.NewError(rpc.ErrCodeUnknownProtocol, "protocol %d", protocol)
	}
}

// ============================================================================
// Shared call machinery
// ============================================================================

type authRef struct {
	auth.Auth
}

// core holds the state shared by both transports.
type core struct {
	transport  string
	remote     string
	program    uint32
	version    uint32
	charset    encoding.Encoding
	maxRecord  uint32
	retransmit time.Duration
	metrics    metrics.ClientMetrics
	xids       *rpc.XIDSource

	timeout atomic.Int64
	auth    atomic.Pointer[authRef]
	closed  atomic.Bool
}

func newCore(transport, remote string, cfg Config) (*core, error) {
	cfg.applyDefaults()
	cs, err := xdr.LookupCharset(cfg.Charset)
	if err != nil {
		return nil, err
	}
	c := &core{
		transport:  transport,
		remote:     remote,
		program:    cfg.Program,
		version:    cfg.Version,
		charset:    cs,
		maxRecord:  cfg.MaxRecordSize,
		retransmit: cfg.RetransmitInterval,
		metrics:    cfg.Metrics,
		xids:       rpc.NewXIDSource(),
	}
	c.timeout.Store(int64(cfg.Timeout))
	c.auth.Store(&authRef{cfg.Auth})
	return c, nil
}

func (c *core) Program() uint32 { return c.program }

// Version returns the default program version.
func (c *core) Version() uint32 { return c.version }

func (c *core) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

func (c *core) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout.Store(int64(d))
	}
}

func (c *core) SetAuth(a auth.Auth) {
	if a == nil {
		a = auth.None()
	}
	c.auth.Store(&authRef{a})
}

func (c *core) currentAuth() auth.Auth {
	return c.auth.Load().Auth
}

// deadline returns the absolute end of a call started now: the timeout
// budget, shortened by the context deadline when that comes first.
func (c *core) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.Timeout())
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// encodeCall builds a complete call message.
func (c *core) encodeCall(xid, proc, vers uint32, a auth.Auth, args xdr.XdrEncoder) ([]byte, error) {
	cred, err := a.Credential()
	if err != nil {
		return nil, rpc.WrapError(rpc.ErrCodeAuth, err, "build credential")
	}

	var buf bytes.Buffer
	enc := xdr.NewEncoder(&buf)
	enc.SetCharset(c.charset)

	header := rpc.CallHeader{
		XID:       xid,
		Program:   c.program,
		Version:   vers,
		Procedure: proc,
		Cred:      cred,
		Verf:      a.Verifier(),
	}
	if err := header.Encode(enc); err != nil {
		return nil, rpc.WrapError(rpc.ErrCodeCannotSend, err, "encode call header")
	}
	if args != nil {
		if err := args.Encode(enc); err != nil {
			return nil, rpc.WrapError(rpc.ErrCodeCannotSend, err, "encode arguments")
		}
	}
	return buf.Bytes(), nil
}

// decodeReply decodes a reply whose xid already matched. Each reply gets
// a fresh decoder, so a malformed reply leaves no state behind.
func (c *core) decodeReply(msg []byte, a auth.Auth, result xdr.XdrDecoder) error {
	dec := xdr.NewDecoder(bytes.NewReader(msg))
	dec.SetCharset(c.charset)
	dec.SetMaxOpaque(c.maxRecord)

	var header rpc.ReplyHeader
	if err := header.Decode(dec); err != nil {
		return rpc.DecodeError(err, "decode reply header")
	}
	if err := header.Err(); err != nil {
		return err
	}
	if err := a.Validate(header.Verf); err != nil {
		return err
	}
	if result != nil {
		if err := result.Decode(dec); err != nil {
			return rpc.DecodeError(err, "decode results")
		}
	}
	return nil
}

// exchange sends one encoded call and waits for its reply.
type exchange func(ctx context.Context, xid uint32, msg []byte, a auth.Auth, result xdr.XdrDecoder) error

// invoke runs one logical call over send. A rejected credential that can be
// refreshed is refreshed and the call retried once with a new xid.
func (c *core) invoke(ctx context.Context, proc, vers uint32, args xdr.XdrEncoder, result xdr.XdrDecoder, send exchange) error {
	if c.closed.Load() {
		return rpc.NewError(rpc.ErrCodeCannotSend, "client closed")
	}

	start := time.Now()
	ctx, span := telemetry.StartClientCallSpan(ctx, c.transport, c.program, vers, proc,
		telemetry.ServerAddr(c.remote))
	defer span.End()

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		a := c.currentAuth()
		xid := c.xids.Next()

		var msg []byte
		msg, err = c.encodeCall(xid, proc, vers, a, args)
		if err == nil {
			err = send(ctx, xid, msg, a, result)
		}

		if rpc.CodeOf(err) == rpc.ErrCodeAuth && attempt == 1 && a.CanRefresh() {
			logger.DebugCtx(ctx, "RPC client: credential rejected, refreshing",
				logger.XID(xid), logger.Program(c.program), logger.KeyProcedure, proc, logger.Err(err))
			a.Refresh()
			telemetry.SetAttributes(ctx, telemetry.RPCAttempt(attempt+1))
			continue
		}
		break
	}

	outcome := outcomeOf(err)
	if c.metrics != nil {
		c.metrics.RecordCall(c.transport, c.program, proc, time.Since(start), outcome)
	}
	telemetry.SetAttributes(ctx, telemetry.RPCStatus(outcome))
	telemetry.RecordError(ctx, err)
	return err
}

func (c *core) discarded(ctx context.Context, want, got uint32) {
	logger.DebugCtx(ctx, "RPC client: discarding reply with foreign xid",
		logger.XID(want), "received_xid", fmt.Sprintf("0x%08x", got), logger.Transport(c.transport))
	if c.metrics != nil {
		c.metrics.RecordDiscardedReply(c.transport)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	if code := rpc.CodeOf(err); code != 0 {
		return code.String()
	}
	return "error"
}

// ioError classifies a transport failure during a call. Deadline expiry maps
// to a timeout, context cancellation is passed through as the cause.
func ioError(ctx context.Context, code rpc.ErrorCode, err error, msg string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return rpc.WrapError(rpc.ErrCodeTimeout, ctxErr, msg)
		}
		return rpc.WrapError(code, ctxErr, msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return rpc.WrapError(rpc.ErrCodeTimeout, err, msg)
	}
	return rpc.WrapError(code, err, msg)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
