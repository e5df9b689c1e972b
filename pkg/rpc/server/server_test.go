package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/rpc/auth"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/pkg/rpc/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProgram = 200200

	procEcho     = 1
	procGarbage  = 2
	procPanic    = 3
	procFail     = 4
	procShutdown = 5
	procWhoAmI   = 6
)

// ============================================================================
// Test Helpers
// ============================================================================

type testHandler struct {
	srv      atomic.Pointer[Server]
	lastUID  atomic.Uint32
	lastAuth atomic.Uint32
}

func (h *testHandler) ServeRPC(call *Call) error {
	h.lastAuth.Store(uint32(call.Identity.Flavor))
	if call.Identity.Unix != nil {
		h.lastUID.Store(call.Identity.Unix.UID)
	}

	switch call.Header.Procedure {
	case 0:
		return nil
	case procEcho:
		var s xdr.String
		if err := call.DecodeArgs(&s); err != nil {
			return err
		}
		return call.Reply(xdr.String(strings.ToUpper(string(s))))
	case procGarbage:
		var v xdr.Uint32
		return call.DecodeArgs(&v)
	case procPanic:
		panic("boom")
	case procFail:
		return errors.New("backend unavailable")
	case procShutdown:
		h.srv.Load().Shutdown()
		return call.Reply(xdr.Bool(true))
	case procWhoAmI:
		return call.Reply(xdr.Uint32(call.Identity.Flavor))
	default:
		call.ReplyError(rpc.ProcUnavail)
		return nil
	}
}

func startServer(t *testing.T, mutate func(*Config)) (*Server, *testHandler) {
	t.Helper()

	h := &testHandler{}
	cfg := Config{
		Host:      "127.0.0.1",
		EnableTCP: true,
		EnableUDP: true,
		Programs: []ProgramVersion{
			{Program: testProgram, Version: 1},
			{Program: testProgram, Version: 3},
		},
		Handler: h,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	h.srv.Store(srv)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()

	select {
	case <-srv.WaitReady():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}

	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return srv, h
}

func dial(t *testing.T, srv *Server, protocol uint32, mutate func(*client.Config)) client.Client {
	t.Helper()
	cfg := client.Config{Program: testProgram, Version: 1, Timeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := client.New(context.Background(), "127.0.0.1", srv.Port(), protocol, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var transports = []struct {
	name  string
	proto uint32
}{
	{"udp", rpc.ProtoUDP},
	{"tcp", rpc.ProtoTCP},
}

// ============================================================================
// Construction
// ============================================================================

func TestNewValidatesConfig(t *testing.T) {
	h := HandlerFunc(func(*Call) error { return nil })
	progs := []ProgramVersion{{Program: testProgram, Version: 1}}

	_, err := New(Config{Handler: h, Programs: progs})
	assert.Error(t, err, "no transport")

	_, err = New(Config{EnableTCP: true, Programs: progs})
	assert.Error(t, err, "no handler")

	_, err = New(Config{EnableTCP: true, Handler: h})
	assert.Error(t, err, "no programs")

	_, err = New(Config{EnableTCP: true, Handler: h, Programs: progs, Charset: "bogus-charset"})
	assert.Error(t, err, "bad charset")
}

func TestListenSharesPortAcrossTransports(t *testing.T) {
	srv, _ := startServer(t, nil)

	_, tcpPort, err := net.SplitHostPort(srv.TCPAddr())
	require.NoError(t, err)
	_, udpPort, err := net.SplitHostPort(srv.UDPAddr())
	require.NoError(t, err)

	assert.Equal(t, tcpPort, udpPort)
	assert.NotZero(t, srv.Port())
}

// ============================================================================
// Dispatch
// ============================================================================

func TestDispatchOutcomes(t *testing.T) {
	srv, _ := startServer(t, nil)

	for _, tr := range transports {
		t.Run(tr.name, func(t *testing.T) {
			c := dial(t, srv, tr.proto, nil)
			ctx := context.Background()

			var out xdr.String
			require.NoError(t, c.Call(ctx, procEcho, 1, xdr.String("ping"), &out))
			assert.Equal(t, xdr.String("PING"), out)

			require.NoError(t, c.Call(ctx, 0, 3, nil, nil))

			err := c.Call(ctx, procGarbage, 1, nil, nil)
			assert.True(t, errors.Is(err, rpc.ErrGarbageArgs), "got %v", err)

			err = c.Call(ctx, procFail, 1, nil, nil)
			assert.True(t, errors.Is(err, rpc.ErrSystemErr), "got %v", err)

			err = c.Call(ctx, 99, 1, nil, nil)
			assert.True(t, errors.Is(err, rpc.ErrProcUnavail), "got %v", err)

			err = c.Call(ctx, 0, 2, nil, nil)
			var rpcErr *rpc.Error
			require.True(t, errors.As(err, &rpcErr), "got %v", err)
			assert.Equal(t, rpc.ErrCodeProgMismatch, rpcErr.Code)
			assert.Equal(t, uint32(1), rpcErr.Low)
			assert.Equal(t, uint32(3), rpcErr.High)
		})
	}
}

func TestDispatchUnknownProgram(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv, rpc.ProtoTCP, func(cfg *client.Config) { cfg.Program = testProgram + 1 })

	err := c.Call(context.Background(), 0, 1, nil, nil)
	assert.True(t, errors.Is(err, rpc.ErrProgUnavail), "got %v", err)
}

func TestDispatchSurvivesHandlerPanic(t *testing.T) {
	srv, _ := startServer(t, nil)

	for _, tr := range transports {
		t.Run(tr.name, func(t *testing.T) {
			c := dial(t, srv, tr.proto, nil)

			err := c.Call(context.Background(), procPanic, 1, nil, nil)
			assert.True(t, errors.Is(err, rpc.ErrSystemErr), "got %v", err)

			var out xdr.String
			require.NoError(t, c.Call(context.Background(), procEcho, 1, xdr.String("still here"), &out))
			assert.Equal(t, xdr.String("STILL HERE"), out)
		})
	}
}

func TestDispatchRPCVersionMismatch(t *testing.T) {
	srv, _ := startServer(t, nil)

	conn, err := net.Dial("udp", srv.UDPAddr())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	call, err := xdr.Marshal(rpc.CallHeader{
		XID:        0xabcd,
		RPCVersion: 3,
		Program:    testProgram,
		Version:    1,
		Cred:       rpc.NoAuth,
		Verf:       rpc.NoAuth,
	})
	require.NoError(t, err)
	_, err = conn.Write(call)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	var reply rpc.ReplyHeader
	require.NoError(t, xdr.Unmarshal(buf[:n], &reply))
	assert.Equal(t, uint32(0xabcd), reply.XID)
	assert.Equal(t, rpc.MsgDenied, reply.Stat)
	assert.Equal(t, rpc.RPCMismatch, reply.RejectStat)
	assert.Equal(t, uint32(2), reply.Low)
	assert.Equal(t, uint32(2), reply.High)
}

func TestDispatchDropsUndecodableMessages(t *testing.T) {
	srv, _ := startServer(t, nil)

	conn, err := net.Dial("tcp", srv.TCPAddr())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// A reply where a call is expected gets no answer; the connection keeps
	// serving the next request.
	bogus, err := xdr.Marshal(rpc.NewAcceptedReply(1, rpc.NoAuth, rpc.Success))
	require.NoError(t, err)
	require.NoError(t, rpc.WriteRecord(conn, bogus))

	c, err := client.NewTCPClientConn(conn, client.Config{Program: testProgram, Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, c.Call(context.Background(), 0, 1, nil, nil))
}

// ============================================================================
// Authentication
// ============================================================================

func TestDispatchRefusesWeakFlavor(t *testing.T) {
	v, err := auth.NewVerifier(auth.VerifierConfig{AcceptedFlavors: []rpc.AuthFlavor{rpc.AuthUnix, rpc.AuthShort}})
	require.NoError(t, err)
	srv, _ := startServer(t, func(cfg *Config) { cfg.Verifier = v })

	c := dial(t, srv, rpc.ProtoUDP, nil)
	err = c.Call(context.Background(), 0, 1, nil, nil)

	var rpcErr *rpc.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, rpc.ErrCodeAuth, rpcErr.Code)
	assert.Equal(t, rpc.AuthTooWeak, rpcErr.AuthStat)
}

func TestShorthandIssueAndRecovery(t *testing.T) {
	v, err := auth.NewVerifier(auth.VerifierConfig{IssueShorthand: true})
	require.NoError(t, err)
	srv, h := startServer(t, func(cfg *Config) { cfg.Verifier = v })

	unix, err := auth.NewUnix("test-host", 1234, 100, []uint32{100, 200})
	require.NoError(t, err)
	c := dial(t, srv, rpc.ProtoTCP, func(cfg *client.Config) { cfg.Auth = unix })
	ctx := context.Background()

	var flavor xdr.Uint32
	require.NoError(t, c.Call(ctx, procWhoAmI, 1, nil, &flavor))
	assert.Equal(t, xdr.Uint32(rpc.AuthUnix), flavor)
	require.NotNil(t, unix.Shorthand())
	assert.Equal(t, 1, v.Shorthands())

	require.NoError(t, c.Call(ctx, procWhoAmI, 1, nil, &flavor))
	assert.Equal(t, xdr.Uint32(rpc.AuthShort), flavor)
	assert.Equal(t, uint32(1234), h.lastUID.Load())

	// Forgetting every token forces one AUTH_REJECTEDCRED, a refresh and a
	// transparent retry with the full credential.
	v.Purge()
	require.NoError(t, c.Call(ctx, procWhoAmI, 1, nil, &flavor))
	assert.Equal(t, xdr.Uint32(rpc.AuthUnix), flavor)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestShutdownStillDeliversInFlightReply(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv, rpc.ProtoUDP, nil)

	var ok xdr.Bool
	require.NoError(t, c.Call(context.Background(), procShutdown, 1, nil, &ok))
	assert.True(t, bool(ok))

	srv.Stop()
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transports not released")
	}

	c.SetTimeout(300 * time.Millisecond)
	err := c.Call(context.Background(), 0, 1, nil, nil)
	assert.Error(t, err)
}

func TestStopIdempotent(t *testing.T) {
	srv, _ := startServer(t, nil)
	srv.Stop()
	srv.Stop()
	srv.Shutdown()
	<-srv.Done()
}

func TestServeContextCancelReleasesTransports(t *testing.T) {
	h := HandlerFunc(func(*Call) error { return nil })
	srv, err := New(Config{
		Host:      "127.0.0.1",
		EnableUDP: true,
		Programs:  []ProgramVersion{{Program: testProgram, Version: 1}},
		Handler:   h,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()
	<-srv.WaitReady()
	assert.Empty(t, srv.TCPAddr())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transports not released")
	}
}

func TestServeAfterStopReturnsImmediately(t *testing.T) {
	srv, err := New(Config{
		Host:      "127.0.0.1",
		EnableTCP: true,
		EnableUDP: true,
		Programs:  []ProgramVersion{{Program: testProgram, Version: 1}},
		Handler:   HandlerFunc(func(*Call) error { return nil }),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	srv.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	<-srv.Done()
}

func TestStopConcurrentWithServe(t *testing.T) {
	for i := 0; i < 20; i++ {
		srv, err := New(Config{
			Host:      "127.0.0.1",
			EnableUDP: true,
			Programs:  []ProgramVersion{{Program: testProgram, Version: 1}},
			Handler:   HandlerFunc(func(*Call) error { return nil }),
		})
		require.NoError(t, err)
		require.NoError(t, srv.Listen())

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(context.Background()) }()
		srv.Stop()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return")
		}
		<-srv.Done()
	}
}

func TestConnectionLimit(t *testing.T) {
	srv, _ := startServer(t, func(cfg *Config) { cfg.MaxTCPConns = 1 })

	first, err := net.Dial("tcp", srv.TCPAddr())
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	// Give the accept loop time to hand the slot to the first connection.
	time.Sleep(100 * time.Millisecond)

	second, err := net.Dial("tcp", srv.TCPAddr())
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf bytes.Buffer
	_, err = buf.ReadFrom(second)
	assert.NoError(t, err, "rejected connection is closed by the server")
	assert.Zero(t, buf.Len())
}
