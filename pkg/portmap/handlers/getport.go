package handlers

import (
	protoxdr "github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/pkg/portmap/xdr"
	"github.com/marmos91/dittorpc/pkg/rpc/server"
)

// GetPort handles procedure 3. The port field of the argument is ignored;
// the result is the registered port or 0.
func (h *Handler) GetPort(call *server.Call) error {
	var m xdr.Mapping
	if err := call.DecodeArgs(&m); err != nil {
		return err
	}
	return call.Reply(protoxdr.Uint32(h.Registry.GetPort(m.Prog, m.Vers, m.Prot)))
}
