// Package rpc implements ONC RPC version 2 message framing (RFC 1831):
// call and reply headers, opaque authentication blocks, record marking for
// stream transports and the typed errors surfaced to callers.
package rpc

import "fmt"

// RPCVersion is the only protocol version spoken by this package.
const RPCVersion uint32 = 2

// MaxAuthBytes bounds the body of a credential or verifier.
const MaxAuthBytes = 400

// ============================================================================
// Message discriminants
// ============================================================================

// MsgType distinguishes calls from replies.
type MsgType uint32

const (
	Call  MsgType = 0
	Reply MsgType = 1
)

// ReplyStat is the top-level reply discriminant.
type ReplyStat uint32

const (
	MsgAccepted ReplyStat = 0
	MsgDenied   ReplyStat = 1
)

// AcceptStat reports the outcome of an accepted call.
type AcceptStat uint32

const (
	Success      AcceptStat = 0
	ProgUnavail  AcceptStat = 1
	ProgMismatch AcceptStat = 2
	ProcUnavail  AcceptStat = 3
	GarbageArgs  AcceptStat = 4
	SystemErr    AcceptStat = 5
)

func (s AcceptStat) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case ProgUnavail:
		return "PROG_UNAVAIL"
	case ProgMismatch:
		return "PROG_MISMATCH"
	case ProcUnavail:
		return "PROC_UNAVAIL"
	case GarbageArgs:
		return "GARBAGE_ARGS"
	case SystemErr:
		return "SYSTEM_ERR"
	default:
		return fmt.Sprintf("ACCEPT_STAT(%d)", uint32(s))
	}
}

// RejectStat reports why a call was denied.
type RejectStat uint32

const (
	RPCMismatch RejectStat = 0
	AuthError   RejectStat = 1
)

// AuthStat details an authentication failure.
type AuthStat uint32

const (
	AuthOK           AuthStat = 0
	AuthBadCred      AuthStat = 1
	AuthRejectedCred AuthStat = 2
	AuthBadVerf      AuthStat = 3
	AuthRejectedVerf AuthStat = 4
	AuthTooWeak      AuthStat = 5
)

func (s AuthStat) String() string {
	switch s {
	case AuthOK:
		return "AUTH_OK"
	case AuthBadCred:
		return "AUTH_BADCRED"
	case AuthRejectedCred:
		return "AUTH_REJECTEDCRED"
	case AuthBadVerf:
		return "AUTH_BADVERF"
	case AuthRejectedVerf:
		return "AUTH_REJECTEDVERF"
	case AuthTooWeak:
		return "AUTH_TOOWEAK"
	default:
		return fmt.Sprintf("AUTH_STAT(%d)", uint32(s))
	}
}

// ============================================================================
// Authentication flavors
// ============================================================================

// AuthFlavor identifies a credential or verifier scheme.
type AuthFlavor uint32

const (
	AuthNone  AuthFlavor = 0
	AuthUnix  AuthFlavor = 1
	AuthShort AuthFlavor = 2
)

func (f AuthFlavor) String() string {
	switch f {
	case AuthNone:
		return "AUTH_NONE"
	case AuthUnix:
		return "AUTH_UNIX"
	case AuthShort:
		return "AUTH_SHORT"
	default:
		return fmt.Sprintf("AUTH_FLAVOR(%d)", uint32(f))
	}
}

// ============================================================================
// Transport protocols (IANA numbers, as used by the portmapper)
// ============================================================================

const (
	ProtoTCP uint32 = 6
	ProtoUDP uint32 = 17
)

// ProtocolName returns "tcp", "udp" or the numeric value.
func ProtocolName(prot uint32) string {
	switch prot {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", prot)
	}
}
