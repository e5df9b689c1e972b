package portmap

import (
	"context"

	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/portmap/handlers"
	"github.com/marmos91/dittorpc/pkg/portmap/types"
	"github.com/marmos91/dittorpc/pkg/rpc/server"
)

// ServerConfig configures a portmapper server.
type ServerConfig struct {
	// Host is the bind address. Empty binds all interfaces.
	Host string

	// Port serves both transports. Default 111; zero is not defaulted when
	// Ephemeral is set.
	Port int

	// Ephemeral binds an ephemeral port instead of defaulting Port to 111.
	Ephemeral bool

	// EnableTCP and EnableUDP select transports. Both default to true when
	// neither is set.
	EnableTCP bool
	EnableUDP bool

	// Registry is the mapping store. Nil creates an empty one.
	Registry *Registry

	// MaxTCPConns bounds concurrent TCP connections.
	MaxTCPConns int

	// MaxRecordSize bounds one TCP request record.
	MaxRecordSize uint32

	// AllowRemote accepts SET and UNSET from non-local callers. By default
	// they are refused.
	AllowRemote bool

	// Metrics receives dispatch observations. Nil disables collection.
	Metrics metrics.ServerMetrics
}

// Server serves a Registry as portmap version 2 over TCP and UDP.
type Server struct {
	registry  *Registry
	rpc       *server.Server
	protocols []uint32
}

// NewServer creates a portmapper server. Call Listen and Serve to run it.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Port == 0 && !cfg.Ephemeral {
		cfg.Port = types.DefaultPort
	}
	if !cfg.EnableTCP && !cfg.EnableUDP {
		cfg.EnableTCP, cfg.EnableUDP = true, true
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}

	srv, err := server.New(server.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		EnableTCP:     cfg.EnableTCP,
		EnableUDP:     cfg.EnableUDP,
		Programs:      []server.ProgramVersion{{Program: types.ProgramPortmap, Version: types.PortmapVersion2}},
		Handler:       &service{handler: handlers.NewHandler(cfg.Registry, cfg.AllowRemote)},
		MaxTCPConns:   cfg.MaxTCPConns,
		MaxRecordSize: cfg.MaxRecordSize,
		Metrics:       cfg.Metrics,
		ProcedureName: procedureName,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{registry: cfg.Registry, rpc: srv}
	if cfg.EnableTCP {
		s.protocols = append(s.protocols, types.ProtoTCP)
	}
	if cfg.EnableUDP {
		s.protocols = append(s.protocols, types.ProtoUDP)
	}
	return s, nil
}

// Listen binds the transports.
func (s *Server) Listen() error { return s.rpc.Listen() }

// Serve runs until ctx is cancelled or the server is stopped.
func (s *Server) Serve(ctx context.Context) error { return s.rpc.Serve(ctx) }

// Shutdown stops accepting work after in-flight replies; sockets stay bound
// until Stop.
func (s *Server) Shutdown() { s.rpc.Shutdown() }

// Stop shuts down and releases the sockets.
func (s *Server) Stop() { s.rpc.Stop() }

// WaitReady is closed once the transports are bound.
func (s *Server) WaitReady() <-chan struct{} { return s.rpc.WaitReady() }

// Done is closed once the sockets are released.
func (s *Server) Done() <-chan struct{} { return s.rpc.Done() }

// Port returns the bound port.
func (s *Server) Port() int { return s.rpc.Port() }

// Registry returns the served registry.
func (s *Server) Registry() *Registry { return s.registry }

// Protocols returns the transports served, as portmap protocol numbers.
func (s *Server) Protocols() []uint32 { return append([]uint32(nil), s.protocols...) }
