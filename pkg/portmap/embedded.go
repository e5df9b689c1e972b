package portmap

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/telemetry"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/portmap/types"
	"github.com/marmos91/dittorpc/pkg/rpc/client"
)

const (
	// DefaultProbeTimeout bounds the ping that looks for a running
	// portmapper.
	DefaultProbeTimeout = time.Second

	// DefaultSettleTime is how long an auto-stopping portmapper keeps its
	// sockets after the last UNSET, so the reply reaches the caller.
	DefaultSettleTime = time.Second
)

// State is the lifecycle state of an embedded portmapper.
type State int32

const (
	StateNotRunning State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateNotRunning:
		return "not_running"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EmbeddedConfig configures StartEmbedded.
type EmbeddedConfig struct {
	// Host is the bind address. The probe goes to loopback when it is
	// empty or unspecified.
	Host string

	// Port is the portmapper port. Default 111.
	Port int

	// Ephemeral binds an ephemeral port and skips the probe, since no
	// other portmapper can be expected there.
	Ephemeral bool

	// EnableTCP and EnableUDP select transports. Both default to true when
	// neither is set.
	EnableTCP bool
	EnableUDP bool

	// ProbeTimeout bounds the ping for an external portmapper. Default 1s.
	ProbeTimeout time.Duration

	// SettleTime is the delay between auto-stop and socket release.
	// Default 1s.
	SettleTime time.Duration

	MaxTCPConns   int
	MaxRecordSize uint32

	// AllowRemote accepts SET and UNSET from non-local callers. By default
	// they are refused.
	AllowRemote bool

	// Metrics receives lifecycle and registry observations.
	Metrics metrics.PortmapMetrics

	// ServerMetrics receives dispatch observations.
	ServerMetrics metrics.ServerMetrics
}

func (c *EmbeddedConfig) applyDefaults() {
	if c.Port == 0 && !c.Ephemeral {
		c.Port = types.DefaultPort
	}
	if !c.EnableTCP && !c.EnableUDP {
		c.EnableTCP, c.EnableUDP = true, true
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.SettleTime <= 0 {
		c.SettleTime = DefaultSettleTime
	}
}

// Embedded runs a portmapper for as long as some program other than the
// portmapper itself is registered with it.
//
// States move NotRunning -> Starting -> Running -> Stopping. Stopping is
// terminal: a stopped Embedded is not restarted, start a new one instead.
type Embedded struct {
	cfg      EmbeddedConfig
	registry *Registry
	srv      *Server
	state    atomic.Int32
	external bool
	port     int
	done     <-chan struct{}
}

// StartEmbedded probes for a running portmapper and, when none answers,
// starts one in its own goroutine. ctx bounds the probe and the lifetime of
// the started server.
func StartEmbedded(ctx context.Context, cfg EmbeddedConfig) (*Embedded, error) {
	cfg.applyDefaults()

	e := &Embedded{cfg: cfg, registry: NewRegistry()}
	e.observe(StateNotRunning)

	ctx, span := telemetry.StartPortmapSpan(ctx, "start", telemetry.PortmapPort(uint32(cfg.Port)))
	defer span.End()

	if !cfg.Ephemeral && e.probe(ctx) {
		e.external = true
		e.port = cfg.Port
		closed := make(chan struct{})
		close(closed)
		e.done = closed
		logger.InfoCtx(ctx, "Portmap: external portmapper detected", logger.Port(cfg.Port))
		return e, nil
	}

	e.transition(StateNotRunning, StateStarting)
	e.registry.SetMetrics(cfg.Metrics)

	srv, err := NewServer(ServerConfig{
		Host:          cfg.Host,
		Port:          cfg.Port,
		Ephemeral:     cfg.Ephemeral,
		EnableTCP:     cfg.EnableTCP,
		EnableUDP:     cfg.EnableUDP,
		Registry:      e.registry,
		MaxTCPConns:   cfg.MaxTCPConns,
		MaxRecordSize: cfg.MaxRecordSize,
		AllowRemote:   cfg.AllowRemote,
		Metrics:       cfg.ServerMetrics,
	})
	if err == nil {
		err = srv.Listen()
	}
	if err != nil {
		e.enterStopping()
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("portmap: start embedded: %w", err)
	}

	e.srv = srv
	e.done = srv.Done()
	e.port = srv.Port()
	e.registry.RegisterPortmapper(e.port, srv.Protocols()...)
	e.registry.setAfterUnset(e.checkIdle)

	go e.run(ctx)

	e.transition(StateStarting, StateRunning)
	logger.InfoCtx(ctx, "Portmap: embedded portmapper running", logger.Port(e.port))
	return e, nil
}

// run serves until the loops exit, then makes sure the sockets are released
// when nothing else initiated the stop.
func (e *Embedded) run(ctx context.Context) {
	if err := e.srv.Serve(ctx); err != nil {
		logger.Error("Portmap: embedded server failed", logger.Err(err))
	}
	if e.enterStopping() {
		e.srv.Stop()
	}
}

// probe reports whether a portmapper answers NULL on the configured port.
func (e *Embedded) probe(ctx context.Context) bool {
	host := e.cfg.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}

	c, err := NewClient(ctx, host, e.cfg.Port, rpc.ProtoUDP, client.Config{
		Timeout:            e.cfg.ProbeTimeout,
		RetransmitInterval: e.cfg.ProbeTimeout / 4,
	})
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	if err := c.Ping(ctx); err != nil {
		logger.DebugCtx(ctx, "Portmap: no portmapper answered probe", logger.Port(e.cfg.Port), logger.Err(err))
		return false
	}
	return true
}

// checkIdle runs after every successful UNSET. Once only the bootstrap
// entries remain the portmapper stops itself.
func (e *Embedded) checkIdle() {
	if e.State() != StateRunning || !e.registry.OnlyBootstrap() {
		return
	}
	if !e.enterStopping() {
		return
	}

	logger.Info("Portmap: last registration removed, stopping", logger.Port(e.port))
	e.srv.Shutdown()
	go func() {
		t := time.NewTimer(e.cfg.SettleTime)
		defer t.Stop()
		select {
		case <-t.C:
		case <-e.srv.Done():
		}
		e.srv.Stop()
	}()
}

// Shutdown stops the embedded portmapper immediately, whatever is still
// registered, and waits for its sockets to be released. Safe to call more
// than once and on an external instance.
func (e *Embedded) Shutdown() {
	if e.enterStopping() {
		logger.Info("Portmap: shutting down", logger.Port(e.port))
	}
	if e.srv != nil {
		e.srv.Stop()
	}
}

// Done is closed once the sockets are released. It is closed from the start
// when an external portmapper is in use.
func (e *Embedded) Done() <-chan struct{} {
	return e.done
}

// State returns the lifecycle state.
func (e *Embedded) State() State {
	return State(e.state.Load())
}

// External reports whether another portmapper answered the probe.
func (e *Embedded) External() bool {
	return e.external
}

// Port returns the portmapper port in use.
func (e *Embedded) Port() int {
	return e.port
}

// Registry returns the embedded registry. It stays empty when an external
// portmapper is in use.
func (e *Embedded) Registry() *Registry {
	return e.registry
}

func (e *Embedded) transition(from, to State) bool {
	if !e.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	e.observe(to)
	return true
}

// enterStopping moves any state to Stopping and reports whether this call
// made the transition.
func (e *Embedded) enterStopping() bool {
	for {
		cur := e.State()
		if cur == StateStopping {
			return false
		}
		if e.transition(cur, StateStopping) {
			return true
		}
	}
}

func (e *Embedded) observe(s State) {
	logger.Debug("Portmap: lifecycle", logger.State(s.String()))
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SetLifecycleState(s.String())
	}
}
