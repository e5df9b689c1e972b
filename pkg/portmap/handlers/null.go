package handlers

import "github.com/marmos91/dittorpc/pkg/rpc/server"

// Null handles procedure 0. It takes and returns nothing.
func (h *Handler) Null(call *server.Call) error {
	return call.Reply(nil)
}
