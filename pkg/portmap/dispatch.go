package portmap

import (
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/portmap/handlers"
	"github.com/marmos91/dittorpc/pkg/portmap/types"
	"github.com/marmos91/dittorpc/pkg/rpc/server"
)

// ProcedureHandler serves one portmap procedure.
type ProcedureHandler func(h *handlers.Handler, call *server.Call) error

// Procedure describes one dispatchable portmap procedure.
type Procedure struct {
	// Name is the procedure name used in logs, e.g. "GETPORT".
	Name string

	// Handler processes the call.
	Handler ProcedureHandler
}

// DispatchTable maps portmap procedure numbers to their handlers.
//
// CALLIT (5) is deliberately absent and answered with PROC_UNAVAIL: it
// forwards calls to other programs, which makes the portmapper a UDP
// amplifier.
var DispatchTable = map[uint32]*Procedure{
	types.ProcNull:    {Name: "NULL", Handler: (*handlers.Handler).Null},
	types.ProcSet:     {Name: "SET", Handler: (*handlers.Handler).Set},
	types.ProcUnset:   {Name: "UNSET", Handler: (*handlers.Handler).Unset},
	types.ProcGetport: {Name: "GETPORT", Handler: (*handlers.Handler).GetPort},
	types.ProcDump:    {Name: "DUMP", Handler: (*handlers.Handler).Dump},
}

// service adapts the dispatch table to server.Handler.
type service struct {
	handler *handlers.Handler
}

func (s *service) ServeRPC(call *server.Call) error {
	proc, ok := DispatchTable[call.Header.Procedure]
	if !ok {
		call.ReplyError(rpc.ProcUnavail)
		return nil
	}
	return proc.Handler(s.handler, call)
}

func procedureName(prog, proc uint32) string {
	if prog != types.ProgramPortmap {
		return "UNKNOWN"
	}
	if p, ok := DispatchTable[proc]; ok {
		return p.Name
	}
	return types.ProcedureName(proc)
}
