package handlers

import (
	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	protoxdr "github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/internal/telemetry"
	"github.com/marmos91/dittorpc/pkg/portmap/xdr"
	"github.com/marmos91/dittorpc/pkg/rpc/server"
)

// Set handles procedure 1.
//
// The argument is a full mapping. The result is true when the mapping was
// added or already present with the same port.
func (h *Handler) Set(call *server.Call) error {
	var m xdr.Mapping
	if err := call.DecodeArgs(&m); err != nil {
		return err
	}

	ctx, span := telemetry.StartPortmapSpan(call.Context(), "set",
		telemetry.RPCProgram(m.Prog), telemetry.RPCVersion(m.Vers),
		telemetry.PortmapProtocol(rpc.ProtocolName(m.Prot)), telemetry.PortmapPort(m.Port))
	defer span.End()

	if !h.mutationAllowed(call.RemoteAddr) {
		logger.WarnCtx(ctx, "Portmap: refusing remote SET", "mapping", m.String())
		return call.Reply(protoxdr.Bool(false))
	}

	ok := h.Registry.Set(m)
	logger.DebugCtx(ctx, "Portmap: SET", "mapping", m.String(), "ok", ok)
	return call.Reply(protoxdr.Bool(ok))
}
