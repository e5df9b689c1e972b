package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/rpc/auth"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/pkg/bufpool"
)

// UDPClient sends one datagram per call and retransmits it until a reply
// arrives or the call's time budget runs out.
//
// The wait between transmissions starts at the retransmit interval and
// doubles after every unanswered try. Calls are serialized: the socket is
// connected to a single peer and replies are matched by xid only.
type UDPClient struct {
	*core

	mu        sync.Mutex
	conn      *net.UDPConn
	closeOnce sync.Once
	closeErr  error
}

// NewUDPClient creates a UDP client for host:port.
func NewUDPClient(ctx context.Context, host string, port int, cfg Config) (*UDPClient, error) {
	addr := hostPort(host, port)
	c, err := newCore("udp", addr, cfg)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, rpc.WrapError(rpc.ErrCodeCannotSend, err, "dial "+addr)
	}

	return &UDPClient{core: c, conn: conn.(*net.UDPConn)}, nil
}

// LocalAddr returns the client's socket address.
func (c *UDPClient) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Call implements Client.
func (c *UDPClient) Call(ctx context.Context, proc, vers uint32, args xdr.XdrEncoder, result xdr.XdrDecoder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invoke(ctx, proc, vers, args, result, c.exchange)
}

func (c *UDPClient) exchange(ctx context.Context, xid uint32, msg []byte, a auth.Auth, result xdr.XdrDecoder) error {
	deadline := c.deadline(ctx)

	// Unblock the pending read as soon as the context ends.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	if _, err := c.conn.Write(msg); err != nil {
		return ioError(ctx, rpc.ErrCodeCannotSend, err, "send datagram")
	}

	schedule := newRetransmitBackOff(c.retransmit, c.Timeout())
	retransmitAt := time.Now().Add(schedule.NextBackOff())
	attempt := 1
	buf := bufpool.Get(maxDatagram)
	defer bufpool.Put(buf)

	for {
		if err := ctx.Err(); err != nil {
			return ioError(ctx, rpc.ErrCodeCannotReceive, err, "call cancelled")
		}

		now := time.Now()
		if !now.Before(deadline) {
			return rpc.NewError(rpc.ErrCodeTimeout, "no reply after %d transmissions", attempt)
		}
		if !now.Before(retransmitAt) {
			attempt++
			logger.DebugCtx(ctx, "RPC client: retransmitting",
				logger.XID(xid), logger.Attempt(attempt), logger.Transport("udp"))
			if c.metrics != nil {
				c.metrics.RecordRetransmit(c.program)
			}
			if _, err := c.conn.Write(msg); err != nil {
				return ioError(ctx, rpc.ErrCodeCannotSend, err, "retransmit datagram")
			}
			retransmitAt = now.Add(schedule.NextBackOff())
		}

		_ = c.conn.SetReadDeadline(earliest(retransmitAt, deadline))
		n, err := c.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return ioError(ctx, rpc.ErrCodeCannotReceive, err, "receive datagram")
		}

		got, ok := rpc.PeekXID(buf[:n])
		if !ok || got != xid {
			c.discarded(ctx, xid, got)
			continue
		}
		return c.decodeReply(append([]byte(nil), buf[:n]...), a, result)
	}
}

// Broadcast sends a single call to addr, typically a subnet broadcast
// address, and hands every successful reply to each.
//
// newResult allocates the result value for one reply. Replies are
// deduplicated per responder address. The window stays open for the
// client's timeout, retransmitting on the usual schedule, and closes early
// when each returns true. A window that produced no reply ends with an
// ErrCodeTimeout error.
func (c *UDPClient) Broadcast(
	ctx context.Context,
	addr string,
	proc, vers uint32,
	args xdr.XdrEncoder,
	newResult func() xdr.XdrDecoder,
	each func(from *net.UDPAddr, result xdr.XdrDecoder) bool,
) error {
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return rpc.WrapError(rpc.ErrCodeCannotSend, err, "resolve "+addr)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return rpc.WrapError(rpc.ErrCodeCannotSend, err, "open broadcast socket")
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	a := c.currentAuth()
	xid := c.xids.Next()
	msg, err := c.encodeCall(xid, proc, vers, a, args)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(msg, dst); err != nil {
		return ioError(ctx, rpc.ErrCodeCannotSend, err, "send broadcast")
	}

	deadline := c.deadline(ctx)
	schedule := newRetransmitBackOff(c.retransmit, c.Timeout())
	retransmitAt := time.Now().Add(schedule.NextBackOff())
	seen := make(map[string]struct{})
	buf := bufpool.Get(maxDatagram)
	defer bufpool.Put(buf)

	for {
		if err := ctx.Err(); err != nil {
			return ioError(ctx, rpc.ErrCodeCannotReceive, err, "broadcast cancelled")
		}
		now := time.Now()
		if !now.Before(deadline) {
			break
		}
		if !now.Before(retransmitAt) {
			if _, err := conn.WriteToUDP(msg, dst); err != nil {
				return ioError(ctx, rpc.ErrCodeCannotSend, err, "resend broadcast")
			}
			retransmitAt = now.Add(schedule.NextBackOff())
		}

		_ = conn.SetReadDeadline(earliest(retransmitAt, deadline))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return ioError(ctx, rpc.ErrCodeCannotReceive, err, "receive broadcast reply")
		}

		got, ok := rpc.PeekXID(buf[:n])
		if !ok || got != xid {
			c.discarded(ctx, xid, got)
			continue
		}
		key := from.String()
		if _, dup := seen[key]; dup {
			continue
		}

		result := newResult()
		if err := c.decodeReply(append([]byte(nil), buf[:n]...), a, result); err != nil {
			logger.DebugCtx(ctx, "RPC client: ignoring broadcast reply",
				logger.ServerAddr(key), logger.Err(err))
			continue
		}
		seen[key] = struct{}{}
		if each(from, result) {
			return nil
		}
	}

	if len(seen) == 0 {
		return rpc.NewError(rpc.ErrCodeTimeout, "no broadcast replies")
	}
	return nil
}

// Close implements Client.
func (c *UDPClient) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// newRetransmitBackOff returns the retransmission schedule: initial,
// 2*initial, 4*initial... capped at limit. Jitter is disabled so the waits
// are exact.
func newRetransmitBackOff(initial, limit time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = limit
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetransmitSchedule lists the waits between transmissions of a call with
// the given initial interval and total budget. The last wait may extend
// past the budget; the call itself is cut off at the budget.
func RetransmitSchedule(initial, total time.Duration) []time.Duration {
	b := newRetransmitBackOff(initial, total)
	var waits []time.Duration
	var elapsed time.Duration
	for elapsed < total {
		w := b.NextBackOff()
		waits = append(waits, w)
		elapsed += w
	}
	return waits
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
