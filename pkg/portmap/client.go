package portmap

import (
	"context"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	protoxdr "github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/pkg/portmap/types"
	"github.com/marmos91/dittorpc/pkg/portmap/xdr"
	"github.com/marmos91/dittorpc/pkg/rpc/client"
)

// Client talks to a portmapper.
type Client struct {
	rpc client.Client
}

// NewClient connects to the portmapper at host:port over protocol
// (rpc.ProtoUDP or rpc.ProtoTCP). The program and version in cfg are
// overridden with the portmapper's.
func NewClient(ctx context.Context, host string, port int, protocol uint32, cfg client.Config) (*Client, error) {
	cfg.Program = types.ProgramPortmap
	cfg.Version = types.PortmapVersion2

	c, err := client.New(ctx, host, port, protocol, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: c}, nil
}

// Ping calls NULL.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, types.ProcNull, nil, nil)
}

// Set registers m and returns the portmapper's verdict.
func (c *Client) Set(ctx context.Context, m xdr.Mapping) (bool, error) {
	var ok protoxdr.Bool
	if err := c.call(ctx, types.ProcSet, m, &ok); err != nil {
		return false, err
	}
	return bool(ok), nil
}

// Unset removes every mapping of (prog, vers).
func (c *Client) Unset(ctx context.Context, prog, vers uint32) (bool, error) {
	var ok protoxdr.Bool
	if err := c.call(ctx, types.ProcUnset, xdr.Mapping{Prog: prog, Vers: vers}, &ok); err != nil {
		return false, err
	}
	return bool(ok), nil
}

// GetPort looks up the port of (prog, vers, prot). 0 means not registered.
func (c *Client) GetPort(ctx context.Context, prog, vers, prot uint32) (uint32, error) {
	var port protoxdr.Uint32
	if err := c.call(ctx, types.ProcGetport, xdr.Mapping{Prog: prog, Vers: vers, Prot: prot}, &port); err != nil {
		return 0, err
	}
	return uint32(port), nil
}

// Dump lists every registered mapping.
func (c *Client) Dump(ctx context.Context) ([]xdr.Mapping, error) {
	var list xdr.DumpList
	if err := c.call(ctx, types.ProcDump, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SetTimeout changes the per-call budget.
func (c *Client) SetTimeout(d time.Duration) { c.rpc.SetTimeout(d) }

// Close releases the transport.
func (c *Client) Close() error { return c.rpc.Close() }

func (c *Client) call(ctx context.Context, proc uint32, args protoxdr.XdrEncoder, result protoxdr.XdrDecoder) error {
	return c.rpc.Call(ctx, proc, types.PortmapVersion2, args, result)
}

// Dial resolves (prog, vers) over protocol through the portmapper at
// host:pmapPort and returns a client for it. An unregistered program yields
// an ErrCodeProgUnavail error.
func Dial(ctx context.Context, host string, pmapPort int, prog, vers, protocol uint32, cfg client.Config) (client.Client, error) {
	pm, err := NewClient(ctx, host, pmapPort, protocol, client.Config{
		Timeout:            cfg.Timeout,
		RetransmitInterval: cfg.RetransmitInterval,
		Metrics:            cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pm.Close() }()

	port, err := pm.GetPort(ctx, prog, vers, protocol)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		return nil, rpc.NewError(rpc.ErrCodeProgUnavail, "program %d version %d not registered for %s",
			prog, vers, rpc.ProtocolName(protocol))
	}
	logger.Debug("Portmap: resolved program",
		logger.Program(prog), logger.Version(vers), logger.Protocol(rpc.ProtocolName(protocol)), logger.Port(int(port)))

	cfg.Program = prog
	cfg.Version = vers
	return client.New(ctx, host, int(port), protocol, cfg)
}
