// Package types holds the portmapper protocol constants (RFC 1833 version 2,
// formerly RFC 1057 appendix A).
package types

import "github.com/marmos91/dittorpc/internal/protocol/rpc"

// ============================================================================
// Program and Version
// ============================================================================

const (
	// ProgramPortmap is the portmapper program number.
	ProgramPortmap uint32 = 100000

	// PortmapVersion2 is the only version served.
	PortmapVersion2 uint32 = 2

	// DefaultPort is the well-known portmapper port on both transports.
	DefaultPort = 111
)

// ============================================================================
// Procedures
// ============================================================================

const (
	// ProcNull does nothing. Used as a liveness probe.
	ProcNull uint32 = 0

	// ProcSet registers (prog, vers, prot) -> port. Returns a bool.
	ProcSet uint32 = 1

	// ProcUnset removes every mapping of (prog, vers). Returns a bool.
	ProcUnset uint32 = 2

	// ProcGetport looks up a port. Returns 0 when nothing matches.
	ProcGetport uint32 = 3

	// ProcDump lists every mapping as a has-next chain.
	ProcDump uint32 = 4

	// ProcCallit forwards a call to another program. Not served: it turns
	// the portmapper into a UDP amplifier.
	ProcCallit uint32 = 5
)

// Transport protocol numbers carried in mappings.
const (
	ProtoTCP = rpc.ProtoTCP
	ProtoUDP = rpc.ProtoUDP
)

// BootstrapEntries is the number of mappings the portmapper registers for
// itself when serving both transports, one per transport.
const BootstrapEntries = 2

// ProcedureName returns the conventional name of a portmap procedure.
func ProcedureName(proc uint32) string {
	switch proc {
	case ProcNull:
		return "NULL"
	case ProcSet:
		return "SET"
	case ProcUnset:
		return "UNSET"
	case ProcGetport:
		return "GETPORT"
	case ProcDump:
		return "DUMP"
	case ProcCallit:
		return "CALLIT"
	default:
		return "UNKNOWN"
	}
}
