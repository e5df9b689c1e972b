// Package server implements an ONC RPC server listening on TCP and UDP.
//
// TCP uses RPC record marking (4-byte fragment header) and supports
// connection reuse (multiple requests per connection). UDP treats each
// datagram as one complete RPC message.
//
// Both transports share one port. Loops observe shutdown between messages by
// polling with short read deadlines, so a reply being written when Shutdown
// is called still goes out.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/rpc/auth"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/pkg/bufpool"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"
)

const (
	// DefaultMaxTCPConns bounds concurrent TCP connections.
	DefaultMaxTCPConns = 64

	// DefaultIdleTimeout closes TCP connections idle for this long.
	DefaultIdleTimeout = 30 * time.Second

	// pollInterval is how often blocked loops wake up to check for shutdown.
	pollInterval = 250 * time.Millisecond

	// bindAttempts bounds the search for an ephemeral port free on both
	// transports.
	bindAttempts = 16
)

// ProgramVersion names one served (program, version) pair.
type ProgramVersion struct {
	Program uint32
	Version uint32
}

// Config configures a Server.
type Config struct {
	// Host is the address to bind. Empty binds all interfaces.
	Host string

	// Port is the port for both transports. Zero picks an ephemeral port.
	Port int

	// EnableTCP and EnableUDP select the transports. At least one must be set.
	EnableTCP bool
	EnableUDP bool

	// Programs lists the served (program, version) pairs.
	Programs []ProgramVersion

	// Handler serves every call that passes dispatch checks.
	Handler Handler

	// Verifier authenticates calls. Nil accepts AUTH_NONE, AUTH_UNIX and
	// AUTH_SHORT without issuing shorthands.
	Verifier *auth.Verifier

	// MaxTCPConns bounds concurrent TCP connections. Default: 64.
	MaxTCPConns int

	// MaxRecordSize bounds one TCP request record. Default: 1MB.
	MaxRecordSize uint32

	// IdleTimeout closes idle TCP connections. Default: 30s.
	IdleTimeout time.Duration

	// Charset is the IANA name of the string encoding. Empty means UTF-8.
	Charset string

	// Metrics receives dispatch observations. Nil disables collection.
	Metrics metrics.ServerMetrics

	// ProcedureName names procedures in logs. Nil logs the number.
	ProcedureName func(prog, proc uint32) string
}

// versionRange is the supported version span of one program.
type versionRange struct {
	low, high uint32
	versions  map[uint32]bool
}

// Server is an ONC RPC server.
type Server struct {
	config   Config
	programs map[uint32]*versionRange
	verifier *auth.Verifier
	charset  encoding.Encoding

	tcpListener *net.TCPListener
	udpConn     *net.UDPConn
	port        int

	listenerReady chan struct{}
	readyOnce     sync.Once
	shutdown      chan struct{}
	shutdownOnce  sync.Once
	done          chan struct{}
	releaseOnce   sync.Once
	serving       atomic.Bool

	// loopMu orders loop registration in Serve against Shutdown in Stop.
	loopMu        sync.Mutex
	loops         sync.WaitGroup
	connWG        sync.WaitGroup
	connSemaphore chan struct{}
	connMu        sync.Mutex
	conns         map[net.Conn]struct{}
	activeConns   atomic.Int32
}

// New validates cfg and creates a server. Call Listen and Serve to run it.
func New(cfg Config) (*Server, error) {
	if !cfg.EnableTCP && !cfg.EnableUDP {
		return nil, errors.New("rpc server: no transport enabled")
	}
	if cfg.Handler == nil {
		return nil, errors.New("rpc server: handler is required")
	}
	if len(cfg.Programs) == 0 {
		return nil, errors.New("rpc server: no programs registered")
	}
	if cfg.MaxTCPConns <= 0 {
		cfg.MaxTCPConns = DefaultMaxTCPConns
	}
	if cfg.MaxRecordSize == 0 {
		cfg.MaxRecordSize = rpc.DefaultMaxRecord
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	cs, err := xdr.LookupCharset(cfg.Charset)
	if err != nil {
		return nil, fmt.Errorf("rpc server: %w", err)
	}

	verifier := cfg.Verifier
	if verifier == nil {
		if verifier, err = auth.NewVerifier(auth.VerifierConfig{}); err != nil {
			return nil, err
		}
	}

	programs := make(map[uint32]*versionRange)
	for _, pv := range cfg.Programs {
		vr, ok := programs[pv.Program]
		if !ok {
			vr = &versionRange{low: pv.Version, high: pv.Version, versions: make(map[uint32]bool)}
			programs[pv.Program] = vr
		}
		vr.versions[pv.Version] = true
		vr.low = min(vr.low, pv.Version)
		vr.high = max(vr.high, pv.Version)
	}

	return &Server{
		config:        cfg,
		programs:      programs,
		verifier:      verifier,
		charset:       cs,
		listenerReady: make(chan struct{}),
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
		connSemaphore: make(chan struct{}, cfg.MaxTCPConns),
		conns:         make(map[net.Conn]struct{}),
	}, nil
}

// Listen binds the enabled transports on the configured port. With port 0
// the TCP listener picks an ephemeral port and UDP binds the same number,
// retrying with a new port when UDP finds it taken.
func (s *Server) Listen() error {
	if s.isListening() {
		return nil
	}

	var err error
	for attempt := 0; attempt < bindAttempts; attempt++ {
		err = s.bind(s.config.Port)
		if err == nil {
			s.readyOnce.Do(func() { close(s.listenerReady) })
			logger.Info("RPC server: listening",
				logger.KeyPort, s.port, "tcp", s.config.EnableTCP, "udp", s.config.EnableUDP)
			return nil
		}
		if s.config.Port != 0 {
			break
		}
	}
	return err
}

func (s *Server) bind(port int) error {
	host := s.config.Host

	if s.config.EnableTCP {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("resolve TCP address: %w", err)
		}
		l, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen TCP %s: %w", addr, err)
		}
		s.tcpListener = l
		port = l.Addr().(*net.TCPAddr).Port
	}

	if s.config.EnableUDP {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			s.closeListener()
			return fmt.Errorf("resolve UDP address: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			s.closeListener()
			return fmt.Errorf("listen UDP %s: %w", addr, err)
		}
		s.udpConn = conn
		port = conn.LocalAddr().(*net.UDPAddr).Port
	}

	s.port = port
	return nil
}

func (s *Server) closeListener() {
	if s.tcpListener != nil {
		_ = s.tcpListener.Close()
		s.tcpListener = nil
	}
}

func (s *Server) isListening() bool {
	select {
	case <-s.listenerReady:
		return true
	default:
		return false
	}
}

// Serve runs the transport loops until ctx is cancelled or Shutdown is
// called. It binds first when Listen has not been called.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("rpc server: already serving")
	}

	s.loopMu.Lock()
	if s.isShuttingDown() {
		s.loopMu.Unlock()
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	if s.tcpListener != nil {
		s.loops.Add(1)
		g.Go(func() error {
			defer s.loops.Done()
			return s.serveTCP(gctx)
		})
	}
	if s.udpConn != nil {
		s.loops.Add(1)
		g.Go(func() error {
			defer s.loops.Done()
			return s.serveUDP(gctx)
		})
	}
	s.loopMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdown:
		}
	}()

	return g.Wait()
}

// WaitReady returns a channel closed once the transports are bound.
func (s *Server) WaitReady() <-chan struct{} {
	return s.listenerReady
}

// Done returns a channel closed once the sockets have been released.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown asks the loops to exit after the message they are handling.
// Sockets stay open until Stop. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

func (s *Server) isShuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// Stop signals shutdown, waits for the loops and connection handlers, then
// releases the sockets. Safe to call more than once.
func (s *Server) Stop() {
	s.loopMu.Lock()
	s.Shutdown()
	s.loopMu.Unlock()
	s.loops.Wait()

	s.connMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()
	s.connWG.Wait()

	s.releaseOnce.Do(func() {
		if s.tcpListener != nil {
			_ = s.tcpListener.Close()
		}
		if s.udpConn != nil {
			_ = s.udpConn.Close()
		}
		close(s.done)
		logger.Debug("RPC server: transports released", logger.KeyPort, s.port)
	})
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	return s.port
}

// TCPAddr returns the TCP listener address, or "" when TCP is not bound.
func (s *Server) TCPAddr() string {
	if s.tcpListener != nil {
		return s.tcpListener.Addr().String()
	}
	return ""
}

// UDPAddr returns the UDP socket address, or "" when UDP is not bound.
func (s *Server) UDPAddr() string {
	if s.udpConn != nil {
		return s.udpConn.LocalAddr().String()
	}
	return ""
}

// Verifier returns the credential verifier.
func (s *Server) Verifier() *auth.Verifier {
	return s.verifier
}

// ============================================================================
// TCP
// ============================================================================

func (s *Server) serveTCP(ctx context.Context) error {
	for {
		if s.isShuttingDown() || ctx.Err() != nil {
			return nil
		}

		_ = s.tcpListener.SetDeadline(time.Now().Add(pollInterval))
		conn, err := s.tcpListener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.isShuttingDown() {
				return nil
			}
			return fmt.Errorf("accept TCP: %w", err)
		}

		select {
		case s.connSemaphore <- struct{}{}:
		default:
			logger.Debug("RPC server: TCP connection limit reached, rejecting",
				logger.ClientAddr(conn.RemoteAddr().String()))
			if s.config.Metrics != nil {
				s.config.Metrics.RecordConnectionRejected()
			}
			_ = conn.Close()
			continue
		}

		s.trackConn(conn, true)
		s.connWG.Add(1)
		go func(c net.Conn) {
			defer s.connWG.Done()
			defer func() { <-s.connSemaphore }()
			defer s.trackConn(c, false)
			s.handleTCPConn(ctx, c)
		}(conn)
	}
}

func (s *Server) trackConn(c net.Conn, add bool) {
	s.connMu.Lock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	s.connMu.Unlock()

	delta := int32(-1)
	if add {
		delta = 1
	}
	n := s.activeConns.Add(delta)
	if s.config.Metrics != nil {
		if add {
			s.config.Metrics.RecordConnectionAccepted()
		}
		s.config.Metrics.SetActiveConnections(n)
	}
}

// handleTCPConn serves one connection until EOF, an idle timeout, an error
// or shutdown. Each request is a complete record; its reply is written as
// one record before the next request is read.
//
// Shutdown is polled only while waiting for the first byte of a request.
// Once a record starts arriving it is read under the idle deadline, so a
// poll never cuts a record in half.
func (s *Server) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	remote := conn.RemoteAddr()
	clientAddr := remote.String()
	reader := bufio.NewReader(conn)
	idleSince := time.Now()

	for {
		if s.isShuttingDown() || ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		if _, err := reader.Peek(1); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if time.Since(idleSince) >= s.config.IdleTimeout {
					logger.Debug("RPC server: closing idle connection", logger.ClientAddr(clientAddr))
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("RPC server: read error", logger.ClientAddr(clientAddr), logger.Err(err))
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		record, err := rpc.ReadRecord(reader, s.config.MaxRecordSize)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Debug("RPC server: read record error", logger.ClientAddr(clientAddr), logger.Err(err))
			}
			return
		}
		idleSince = time.Now()

		reply := s.dispatch(ctx, record, remote, "tcp")
		if reply == nil {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(s.config.IdleTimeout))
		if err := rpc.WriteRecord(conn, reply); err != nil {
			logger.Debug("RPC server: write TCP reply error", logger.ClientAddr(clientAddr), logger.Err(err))
			return
		}
	}
}

// ============================================================================
// UDP
// ============================================================================

func (s *Server) serveUDP(ctx context.Context) error {
	buf := bufpool.Get(bufpool.DatagramSize)
	defer bufpool.Put(buf)

	for {
		if s.isShuttingDown() || ctx.Err() != nil {
			return nil
		}

		_ = s.udpConn.SetReadDeadline(time.Now().Add(pollInterval))
		n, clientAddr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.isShuttingDown() {
				return nil
			}
			logger.Debug("RPC server: UDP read error", logger.Err(err))
			continue
		}

		msg := bufpool.Get(n)
		copy(msg, buf[:n])

		reply := s.dispatch(ctx, msg, clientAddr, "udp")
		bufpool.Put(msg)
		if reply == nil {
			continue
		}
		if _, err := s.udpConn.WriteToUDP(reply, clientAddr); err != nil {
			logger.Debug("RPC server: write UDP reply error",
				logger.ClientAddr(clientAddr.String()), logger.Err(err))
		}
	}
}
