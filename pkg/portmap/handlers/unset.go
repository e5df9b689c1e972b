package handlers

import (
	"github.com/marmos91/dittorpc/internal/logger"
	protoxdr "github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/internal/telemetry"
	"github.com/marmos91/dittorpc/pkg/portmap/xdr"
	"github.com/marmos91/dittorpc/pkg/rpc/server"
)

// Unset handles procedure 2.
//
// Only prog and vers of the argument are used; every protocol registered
// for that pair is removed. The result is true when anything was removed.
func (h *Handler) Unset(call *server.Call) error {
	var m xdr.Mapping
	if err := call.DecodeArgs(&m); err != nil {
		return err
	}

	ctx, span := telemetry.StartPortmapSpan(call.Context(), "unset",
		telemetry.RPCProgram(m.Prog), telemetry.RPCVersion(m.Vers))
	defer span.End()

	if !h.mutationAllowed(call.RemoteAddr) {
		logger.WarnCtx(ctx, "Portmap: refusing remote UNSET", logger.Program(m.Prog), logger.Version(m.Vers))
		return call.Reply(protoxdr.Bool(false))
	}

	ok := h.Registry.Unset(m.Prog, m.Vers)
	logger.DebugCtx(ctx, "Portmap: UNSET", logger.Program(m.Prog), logger.Version(m.Vers), "ok", ok)
	return call.Reply(protoxdr.Bool(ok))
}
