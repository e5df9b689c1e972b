package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/rpc/auth"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
)

// TCPClient speaks record-marked RPC over a stream connection.
//
// A mutex serializes compose-send-wait-decode, so one TCPClient can be
// shared between goroutines. Replies are read as whole records before any
// decoding: a malformed reply never desynchronizes the stream.
//
// BatchCall queues calls without waiting for replies. Queued records leave
// the socket together with the next flushing call, in a single write.
type TCPClient struct {
	*core

	mu        sync.Mutex
	conn      net.Conn
	reader    *countingReader
	writer    *rpc.RecordWriter
	broken    error
	closeOnce sync.Once
	closeErr  error
}

// NewTCPClient dials host:port and returns a TCP client.
func NewTCPClient(ctx context.Context, host string, port int, cfg Config) (*TCPClient, error) {
	addr := hostPort(host, port)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ioError(ctx, rpc.ErrCodeCannotSend, err, "dial "+addr)
	}

	c, err := NewTCPClientConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewTCPClientConn wraps an established stream connection. The client owns
// conn from now on and closes it in Close.
func NewTCPClientConn(conn net.Conn, cfg Config) (*TCPClient, error) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	c, err := newCore("tcp", remote, cfg)
	if err != nil {
		return nil, err
	}
	return &TCPClient{
		core:   c,
		conn:   conn,
		reader: &countingReader{r: bufio.NewReader(conn)},
		writer: rpc.NewRecordWriter(conn),
	}, nil
}

// Call implements Client. Records queued by BatchCall are flushed in the
// same write as this call.
func (c *TCPClient) Call(ctx context.Context, proc, vers uint32, args xdr.XdrEncoder, result xdr.XdrDecoder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invoke(ctx, proc, vers, args, result, c.exchange)
}

// BatchCall encodes a call into the pending record buffer without waiting
// for a reply. When flush is true every pending record is written at once.
// Batched procedures are expected not to reply; any reply that does arrive
// is discarded by a later Call as a foreign xid.
func (c *TCPClient) BatchCall(ctx context.Context, proc, vers uint32, args xdr.XdrEncoder, flush bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return rpc.NewError(rpc.ErrCodeCannotSend, "client closed")
	}
	if c.broken != nil {
		return rpc.WrapError(rpc.ErrCodeCannotSend, c.broken, "connection unusable")
	}

	msg, err := c.encodeCall(c.xids.Next(), proc, vers, c.currentAuth(), args)
	if err != nil {
		return err
	}
	c.writer.Append(msg)
	if !flush {
		return nil
	}
	return c.flush(ctx)
}

// Flush writes every pending batched record.
func (c *TCPClient) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush(ctx)
}

// Pending returns the number of batched records not yet written.
func (c *TCPClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.Pending()
}

func (c *TCPClient) flush(ctx context.Context) error {
	_ = c.conn.SetWriteDeadline(c.deadline(ctx))
	if err := c.writer.Flush(); err != nil {
		c.broken = err
		return ioError(ctx, rpc.ErrCodeCannotSend, err, "write records")
	}
	return nil
}

func (c *TCPClient) exchange(ctx context.Context, xid uint32, msg []byte, a auth.Auth, result xdr.XdrDecoder) error {
	if c.broken != nil {
		return rpc.WrapError(rpc.ErrCodeCannotSend, c.broken, "connection unusable")
	}

	deadline := c.deadline(ctx)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return rpc.WrapError(rpc.ErrCodeCannotSend, err, "set deadline")
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	c.writer.Append(msg)
	if err := c.writer.Flush(); err != nil {
		c.broken = err
		return ioError(ctx, rpc.ErrCodeCannotSend, err, "write call")
	}

	for {
		c.reader.n = 0
		record, err := rpc.ReadRecord(c.reader, c.maxRecord)
		if err != nil {
			return c.readError(ctx, err, c.reader.n > 0)
		}

		got, ok := rpc.PeekXID(record)
		if !ok || got != xid {
			c.discarded(ctx, xid, got)
			continue
		}
		return c.decodeReply(record, a, result)
	}
}

// readError classifies a failed record read. Only a timeout that consumed
// nothing of the next record leaves the stream aligned; anything else
// retires the connection.
func (c *TCPClient) readError(ctx context.Context, err error, partial bool) error {
	var netErr net.Error
	timedOut := errors.As(err, &netErr) && netErr.Timeout()
	if !timedOut || partial {
		c.broken = err
	}

	switch {
	case errors.Is(err, rpc.ErrRecordTooLarge):
		return rpc.WrapError(rpc.ErrCodeProtocol, err, "read reply")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return rpc.WrapError(rpc.ErrCodeCannotReceive, err, "connection closed by server")
	default:
		return ioError(ctx, rpc.ErrCodeCannotReceive, err, "read reply")
	}
}

// countingReader counts the bytes handed to the record reader.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Close implements Client. Pending batched records are discarded.
func (c *TCPClient) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
