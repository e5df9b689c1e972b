package handlers

import (
	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/portmap/xdr"
	"github.com/marmos91/dittorpc/pkg/rpc/server"
)

// Dump handles procedure 4: every mapping, in registration order.
func (h *Handler) Dump(call *server.Call) error {
	list := xdr.DumpList(h.Registry.Dump())
	logger.DebugCtx(call.Context(), "Portmap: DUMP", logger.Entries(len(list)))
	return call.Reply(list)
}
