package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/rpc/auth"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProgram = 200100

// ============================================================================
// Test Helpers
// ============================================================================

type replyMsg struct {
	header rpc.ReplyHeader
	body   xdr.XdrEncoder
}

func (m replyMsg) Encode(e *xdr.Encoder) error {
	if err := m.header.Encode(e); err != nil {
		return err
	}
	if m.body != nil {
		return m.body.Encode(e)
	}
	return nil
}

func encodeReply(t *testing.T, header rpc.ReplyHeader, body xdr.XdrEncoder) []byte {
	t.Helper()
	msg, err := xdr.Marshal(replyMsg{header: header, body: body})
	require.NoError(t, err)
	return msg
}

func successReply(t *testing.T, xid uint32, body xdr.XdrEncoder) []byte {
	return encodeReply(t, rpc.NewAcceptedReply(xid, rpc.NoAuth, rpc.Success), body)
}

// udpResponder answers every datagram on a loopback socket with the
// replies returned by respond.
func udpResponder(t *testing.T, respond func(call rpc.CallHeader) [][]byte) (port int, received *atomic.Int32) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	received = &atomic.Int32{}
	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			received.Add(1)
			var call rpc.CallHeader
			if err := xdr.Unmarshal(buf[:n], &call); err != nil {
				continue
			}
			if respond == nil {
				continue
			}
			for _, reply := range respond(call) {
				_, _ = conn.WriteToUDP(reply, from)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr).Port, received
}

// fakeConn is an in-memory stream that records writes and produces replies
// for the calls it sees.
type fakeConn struct {
	mu       sync.Mutex
	writes   int
	reads    int
	written  bytes.Buffer
	pending  bytes.Buffer
	calls    []rpc.CallHeader
	respond  func(call rpc.CallHeader) [][]byte
	raw      func(call rpc.CallHeader) []byte
	closed   bool
	closeCnt int
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, net.ErrClosed
	}
	f.writes++
	f.written.Write(p)

	r := bytes.NewReader(p)
	for {
		record, err := rpc.ReadRecord(r, 0)
		if err != nil {
			break
		}
		var call rpc.CallHeader
		if err := xdr.Unmarshal(record, &call); err != nil {
			continue
		}
		f.calls = append(f.calls, call)
		if f.raw != nil {
			f.pending.Write(f.raw(call))
		}
		if f.respond == nil {
			continue
		}
		for _, reply := range f.respond(call) {
			rw := rpc.NewRecordWriter(&f.pending)
			rw.Append(reply)
			_ = rw.Flush()
		}
	}
	return len(p), nil
}

func (f *fakeConn) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.EOF
	}
	f.reads++
	if f.pending.Len() == 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return f.pending.Read(p)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCnt++
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func newFakeTCPClient(t *testing.T, respond func(call rpc.CallHeader) [][]byte) (*TCPClient, *fakeConn) {
	t.Helper()
	conn := &fakeConn{respond: respond}
	c, err := NewTCPClientConn(conn, Config{Program: testProgram, Version: 1, Timeout: time.Second})
	require.NoError(t, err)
	return c, conn
}

// ============================================================================
// Factory
// ============================================================================

func TestNewUnknownProtocol(t *testing.T) {
	_, err := New(context.Background(), "127.0.0.1", 111, 42, Config{Program: testProgram})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpc.ErrUnknownProtocol))
}

func TestNewRejectsUnknownCharset(t *testing.T) {
	_, err := NewTCPClientConn(&fakeConn{}, Config{Program: testProgram, Charset: "no-such-charset"})
	require.Error(t, err)
}

// ============================================================================
// UDP
// ============================================================================

func TestRetransmitSchedule(t *testing.T) {
	waits := RetransmitSchedule(time.Second, 5*time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, waits)
}

func TestUDPRetransmitsUntilTimeout(t *testing.T) {
	port, received := udpResponder(t, nil)

	c, err := NewUDPClient(context.Background(), "127.0.0.1", port, Config{
		Program:            testProgram,
		Timeout:            250 * time.Millisecond,
		RetransmitInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	start := time.Now()
	err = c.Call(context.Background(), 0, 1, nil, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, rpc.ErrTimeout), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond+200*time.Millisecond)

	// Transmissions at 0, 50 and 150ms; the next one would fall after the budget.
	assert.Eventually(t, func() bool { return received.Load() == 3 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), received.Load())
}

func TestUDPSkipsForeignXID(t *testing.T) {
	port, _ := udpResponder(t, func(call rpc.CallHeader) [][]byte {
		return [][]byte{
			successReply(t, call.XID+1, xdr.Uint32(7)),
			successReply(t, call.XID, xdr.Uint32(42)),
		}
	})

	c, err := NewUDPClient(context.Background(), "127.0.0.1", port, Config{Program: testProgram, Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	var result xdr.Uint32
	require.NoError(t, c.Call(context.Background(), 1, 1, xdr.String("hello"), &result))
	assert.Equal(t, xdr.Uint32(42), result)
}

func TestUDPMalformedReplyIsProtocolError(t *testing.T) {
	port, _ := udpResponder(t, func(call rpc.CallHeader) [][]byte {
		// Accepted SUCCESS header followed by a truncated result.
		reply := successReply(t, call.XID, nil)
		return [][]byte{append(reply, 0x00, 0x01)}
	})

	c, err := NewUDPClient(context.Background(), "127.0.0.1", port, Config{Program: testProgram, Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	var result xdr.Uint32
	err = c.Call(context.Background(), 1, 1, nil, &result)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpc.ErrProtocol), "got %v", err)
}

func TestUDPReplyErrorsAreTyped(t *testing.T) {
	port, _ := udpResponder(t, func(call rpc.CallHeader) [][]byte {
		switch call.Procedure {
		case 1:
			return [][]byte{encodeReply(t, rpc.NewProgMismatchReply(call.XID, 2, 3), nil)}
		case 2:
			return [][]byte{encodeReply(t, rpc.NewAcceptedReply(call.XID, rpc.NoAuth, rpc.ProcUnavail), nil)}
		default:
			return [][]byte{encodeReply(t, rpc.NewAuthErrorReply(call.XID, rpc.AuthTooWeak), nil)}
		}
	})

	c, err := NewUDPClient(context.Background(), "127.0.0.1", port, Config{Program: testProgram, Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	err = c.Call(context.Background(), 1, 9, nil, nil)
	var rpcErr *rpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, rpc.ErrCodeProgMismatch, rpcErr.Code)
	assert.Equal(t, uint32(2), rpcErr.Low)
	assert.Equal(t, uint32(3), rpcErr.High)

	err = c.Call(context.Background(), 2, 1, nil, nil)
	assert.True(t, errors.Is(err, rpc.ErrProcUnavail))

	err = c.Call(context.Background(), 3, 1, nil, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, rpc.ErrCodeAuth, rpcErr.Code)
	assert.Equal(t, rpc.AuthTooWeak, rpcErr.AuthStat)
}

func TestUDPContextCancel(t *testing.T) {
	port, _ := udpResponder(t, nil)

	c, err := NewUDPClient(context.Background(), "127.0.0.1", port, Config{Program: testProgram, Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.Call(ctx, 0, 1, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpc.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUDPBroadcastDeliversEachResponderOnce(t *testing.T) {
	port, _ := udpResponder(t, func(call rpc.CallHeader) [][]byte {
		reply := successReply(t, call.XID, xdr.Uint32(5))
		return [][]byte{reply, reply}
	})

	c, err := NewUDPClient(context.Background(), "127.0.0.1", port, Config{
		Program:            testProgram,
		Timeout:            300 * time.Millisecond,
		RetransmitInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	var delivered int
	err = c.Broadcast(context.Background(), hostPort("127.0.0.1", port), 0, 1, nil,
		func() xdr.XdrDecoder { return new(xdr.Uint32) },
		func(from *net.UDPAddr, result xdr.XdrDecoder) bool {
			delivered++
			assert.Equal(t, xdr.Uint32(5), *result.(*xdr.Uint32))
			return false
		})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestUDPBroadcastStopsEarly(t *testing.T) {
	port, _ := udpResponder(t, func(call rpc.CallHeader) [][]byte {
		return [][]byte{successReply(t, call.XID, nil)}
	})

	c, err := NewUDPClient(context.Background(), "127.0.0.1", port, Config{Program: testProgram, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	start := time.Now()
	err = c.Broadcast(context.Background(), hostPort("127.0.0.1", port), 0, 1, nil,
		func() xdr.XdrDecoder { return &xdr.Void{} },
		func(*net.UDPAddr, xdr.XdrDecoder) bool { return true })
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUDPCloseIdempotent(t *testing.T) {
	port, _ := udpResponder(t, nil)
	c, err := NewUDPClient(context.Background(), "127.0.0.1", port, Config{Program: testProgram})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.Call(context.Background(), 0, 1, nil, nil)
	assert.True(t, errors.Is(err, rpc.ErrCannotSend))
}

// ============================================================================
// TCP
// ============================================================================

func TestTCPBatchWritesOnceAndReadsNothing(t *testing.T) {
	c, conn := newFakeTCPClient(t, nil)
	ctx := context.Background()

	require.NoError(t, c.BatchCall(ctx, 1, 1, xdr.Uint32(1), false))
	require.NoError(t, c.BatchCall(ctx, 1, 1, xdr.Uint32(2), false))
	assert.Equal(t, 0, conn.writes)
	assert.Equal(t, 2, c.Pending())

	require.NoError(t, c.BatchCall(ctx, 1, 1, xdr.Uint32(3), true))

	assert.Equal(t, 1, conn.writes)
	assert.Equal(t, 0, conn.reads)
	assert.Equal(t, 0, c.Pending())
	require.Len(t, conn.calls, 3)
	for i := 1; i < 3; i++ {
		assert.NotEqual(t, conn.calls[i-1].XID, conn.calls[i].XID)
	}

	r := bytes.NewReader(conn.written.Bytes())
	for want := uint32(1); want <= 3; want++ {
		record, err := rpc.ReadRecord(r, 0)
		require.NoError(t, err)

		d := xdr.NewDecoder(bytes.NewReader(record))
		var call rpc.CallHeader
		require.NoError(t, call.Decode(d))
		var arg xdr.Uint32
		require.NoError(t, arg.Decode(d))
		assert.Equal(t, xdr.Uint32(want), arg)
	}
	_, err := rpc.ReadRecord(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTCPCallFlushesPendingBatch(t *testing.T) {
	c, conn := newFakeTCPClient(t, func(call rpc.CallHeader) [][]byte {
		if call.Procedure != 2 {
			return nil
		}
		return [][]byte{successReply(t, call.XID, xdr.String("done"))}
	})
	ctx := context.Background()

	require.NoError(t, c.BatchCall(ctx, 1, 1, nil, false))
	require.NoError(t, c.BatchCall(ctx, 1, 1, nil, false))

	var result xdr.String
	require.NoError(t, c.Call(ctx, 2, 1, nil, &result))
	assert.Equal(t, xdr.String("done"), result)
	assert.Equal(t, 1, conn.writes)
	assert.Len(t, conn.calls, 3)
}

func TestTCPSkipsForeignXID(t *testing.T) {
	c, _ := newFakeTCPClient(t, func(call rpc.CallHeader) [][]byte {
		return [][]byte{
			successReply(t, call.XID-1, xdr.Uint32(1)),
			successReply(t, call.XID, xdr.Uint32(2)),
		}
	})

	var result xdr.Uint32
	require.NoError(t, c.Call(context.Background(), 1, 1, nil, &result))
	assert.Equal(t, xdr.Uint32(2), result)
}

func TestTCPMalformedReplyKeepsConnectionUsable(t *testing.T) {
	var n atomic.Int32
	c, _ := newFakeTCPClient(t, func(call rpc.CallHeader) [][]byte {
		if n.Add(1) == 1 {
			return [][]byte{append(successReply(t, call.XID, nil), 0xff)}
		}
		return [][]byte{successReply(t, call.XID, xdr.Uint32(9))}
	})

	var result xdr.Uint32
	err := c.Call(context.Background(), 1, 1, nil, &result)
	assert.True(t, errors.Is(err, rpc.ErrProtocol), "got %v", err)

	require.NoError(t, c.Call(context.Background(), 1, 1, nil, &result))
	assert.Equal(t, xdr.Uint32(9), result)
}

func TestTCPNoReplyTimesOut(t *testing.T) {
	c, _ := newFakeTCPClient(t, nil)
	err := c.Call(context.Background(), 1, 1, nil, nil)
	assert.True(t, errors.Is(err, rpc.ErrTimeout), "got %v", err)
}

func TestTCPTimeoutBeforeReplyKeepsConnectionUsable(t *testing.T) {
	var n atomic.Int32
	c, _ := newFakeTCPClient(t, func(call rpc.CallHeader) [][]byte {
		if n.Add(1) == 1 {
			return nil
		}
		return [][]byte{successReply(t, call.XID, xdr.Uint32(4))}
	})

	err := c.Call(context.Background(), 1, 1, nil, nil)
	require.True(t, errors.Is(err, rpc.ErrTimeout), "got %v", err)

	var result xdr.Uint32
	require.NoError(t, c.Call(context.Background(), 1, 1, nil, &result))
	assert.Equal(t, xdr.Uint32(4), result)
}

func TestTCPTimeoutMidRecordRetiresConnection(t *testing.T) {
	c, conn := newFakeTCPClient(t, nil)
	// Header announces a 32-byte last fragment; only 8 bytes follow.
	conn.raw = func(rpc.CallHeader) []byte {
		return []byte{0x80, 0, 0, 32, 1, 2, 3, 4, 5, 6, 7, 8}
	}

	err := c.Call(context.Background(), 1, 1, nil, nil)
	require.True(t, errors.Is(err, rpc.ErrTimeout), "got %v", err)

	writes := conn.writes
	err = c.Call(context.Background(), 1, 1, nil, nil)
	assert.True(t, errors.Is(err, rpc.ErrCannotSend), "got %v", err)
	assert.Equal(t, writes, conn.writes)
}

func TestTCPRefreshesRejectedShorthandOnce(t *testing.T) {
	c, conn := newFakeTCPClient(t, func(call rpc.CallHeader) [][]byte {
		if call.Cred.Flavor == rpc.AuthShort {
			return [][]byte{encodeReply(t, rpc.NewAuthErrorReply(call.XID, rpc.AuthRejectedCred), nil)}
		}
		return [][]byte{successReply(t, call.XID, nil)}
	})

	unix, err := auth.NewUnix("client", 1000, 1000, nil)
	require.NoError(t, err)
	require.NoError(t, unix.Validate(rpc.OpaqueAuth{Flavor: rpc.AuthShort, Body: []byte("token")}))
	stamp := unix.Stamp()
	c.SetAuth(unix)

	require.NoError(t, c.Call(context.Background(), 1, 1, nil, nil))

	require.Len(t, conn.calls, 2)
	assert.Equal(t, rpc.AuthShort, conn.calls[0].Cred.Flavor)
	assert.Equal(t, rpc.AuthUnix, conn.calls[1].Cred.Flavor)
	assert.Nil(t, unix.Shorthand())
	assert.Equal(t, stamp+1, unix.Stamp())
}

func TestTCPAuthErrorWithoutShorthandIsNotRetried(t *testing.T) {
	c, conn := newFakeTCPClient(t, func(call rpc.CallHeader) [][]byte {
		return [][]byte{encodeReply(t, rpc.NewAuthErrorReply(call.XID, rpc.AuthBadCred), nil)}
	})

	err := c.Call(context.Background(), 1, 1, nil, nil)
	assert.True(t, errors.Is(err, rpc.ErrAuth))
	assert.Len(t, conn.calls, 1)
}

func TestTCPCloseIdempotent(t *testing.T) {
	c, conn := newFakeTCPClient(t, nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, conn.closeCnt)

	assert.True(t, errors.Is(c.Call(context.Background(), 0, 1, nil, nil), rpc.ErrCannotSend))
	assert.True(t, errors.Is(c.BatchCall(context.Background(), 0, 1, nil, true), rpc.ErrCannotSend))
}

func TestTimeoutAndAuthAccessors(t *testing.T) {
	c, _ := newFakeTCPClient(t, nil)
	assert.Equal(t, time.Second, c.Timeout())
	c.SetTimeout(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.Timeout())
	c.SetTimeout(0)
	assert.Equal(t, 3*time.Second, c.Timeout())
	assert.Equal(t, uint32(testProgram), c.Program())

	c.SetAuth(nil)
	assert.Equal(t, rpc.AuthNone, c.currentAuth().Flavor())
}
