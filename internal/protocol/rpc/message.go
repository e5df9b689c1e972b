package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/dittorpc/internal/protocol/xdr"
)

// OpaqueAuth is a credential or verifier: a flavor and an opaque body of at
// most MaxAuthBytes.
type OpaqueAuth struct {
	Flavor AuthFlavor
	Body   []byte
}

// NoAuth is the AUTH_NONE credential/verifier with an empty body.
var NoAuth = OpaqueAuth{Flavor: AuthNone, Body: []byte{}}

func (a OpaqueAuth) Encode(e *xdr.Encoder) error {
	if len(a.Body) > MaxAuthBytes {
		return fmt.Errorf("auth body length %d exceeds %d", len(a.Body), MaxAuthBytes)
	}
	if err := e.Uint32(uint32(a.Flavor)); err != nil {
		return err
	}
	return e.Opaque(a.Body)
}

func (a *OpaqueAuth) Decode(d *xdr.Decoder) error {
	flavor, err := d.Uint32()
	if err != nil {
		return err
	}
	body, err := d.Opaque(MaxAuthBytes)
	if err != nil {
		return err
	}
	a.Flavor = AuthFlavor(flavor)
	a.Body = body
	return nil
}

// ============================================================================
// Call header
// ============================================================================

// CallHeader is the fixed part of a call message, preceding the arguments.
//
// Wire format:
//
//	xid, msgtype=0, rpcvers, prog, vers, proc, cred, verf
type CallHeader struct {
	XID        uint32
	RPCVersion uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Cred       OpaqueAuth
	Verf       OpaqueAuth
}

// Encode writes the header. A zero RPCVersion is written as RPCVersion.
func (h CallHeader) Encode(e *xdr.Encoder) error {
	vers := h.RPCVersion
	if vers == 0 {
		vers = RPCVersion
	}
	for _, v := range []uint32{h.XID, uint32(Call), vers, h.Program, h.Version, h.Procedure} {
		if err := e.Uint32(v); err != nil {
			return err
		}
	}
	if err := h.Cred.Encode(e); err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	if err := h.Verf.Encode(e); err != nil {
		return fmt.Errorf("verifier: %w", err)
	}
	return nil
}

// Decode reads a call header. A message that is not a call is reported as
// a protocol violation.
func (h *CallHeader) Decode(d *xdr.Decoder) error {
	var err error
	if h.XID, err = d.Uint32(); err != nil {
		return err
	}
	mtype, err := d.Uint32()
	if err != nil {
		return err
	}
	if MsgType(mtype) != Call {
		return fmt.Errorf("%w: message type %d is not a call", xdr.ErrProtocolViolation, mtype)
	}
	if h.RPCVersion, err = d.Uint32(); err != nil {
		return err
	}
	if h.Program, err = d.Uint32(); err != nil {
		return err
	}
	if h.Version, err = d.Uint32(); err != nil {
		return err
	}
	if h.Procedure, err = d.Uint32(); err != nil {
		return err
	}
	if err := h.Cred.Decode(d); err != nil {
		return err
	}
	return h.Verf.Decode(d)
}

// ============================================================================
// Reply header
// ============================================================================

// ReplyHeader is the fixed part of a reply message, preceding the results.
//
// Only the fields relevant to the (Stat, AcceptStat/RejectStat) arm are
// meaningful: Verf and AcceptStat for accepted replies, Low/High for
// ProgMismatch and RPCMismatch, AuthStat for AuthError.
type ReplyHeader struct {
	XID        uint32
	Stat       ReplyStat
	Verf       OpaqueAuth
	AcceptStat AcceptStat
	RejectStat RejectStat
	Low        uint32
	High       uint32
	AuthStat   AuthStat
}

// NewAcceptedReply builds an accepted reply header.
func NewAcceptedReply(xid uint32, verf OpaqueAuth, stat AcceptStat) ReplyHeader {
	return ReplyHeader{XID: xid, Stat: MsgAccepted, Verf: verf, AcceptStat: stat}
}

// NewProgMismatchReply builds an accepted PROG_MISMATCH reply.
func NewProgMismatchReply(xid uint32, low, high uint32) ReplyHeader {
	return ReplyHeader{XID: xid, Stat: MsgAccepted, Verf: NoAuth, AcceptStat: ProgMismatch, Low: low, High: high}
}

// NewRPCMismatchReply builds a denied RPC_MISMATCH reply.
func NewRPCMismatchReply(xid uint32) ReplyHeader {
	return ReplyHeader{XID: xid, Stat: MsgDenied, RejectStat: RPCMismatch, Low: RPCVersion, High: RPCVersion}
}

// NewAuthErrorReply builds a denied AUTH_ERROR reply.
func NewAuthErrorReply(xid uint32, stat AuthStat) ReplyHeader {
	return ReplyHeader{XID: xid, Stat: MsgDenied, RejectStat: AuthError, AuthStat: stat}
}

func (h ReplyHeader) Encode(e *xdr.Encoder) error {
	if err := e.Uint32(h.XID); err != nil {
		return err
	}
	if err := e.Uint32(uint32(Reply)); err != nil {
		return err
	}
	if err := e.Uint32(uint32(h.Stat)); err != nil {
		return err
	}

	switch h.Stat {
	case MsgAccepted:
		if err := h.Verf.Encode(e); err != nil {
			return err
		}
		if err := e.Uint32(uint32(h.AcceptStat)); err != nil {
			return err
		}
		if h.AcceptStat == ProgMismatch {
			if err := e.Uint32(h.Low); err != nil {
				return err
			}
			return e.Uint32(h.High)
		}
		return nil

	case MsgDenied:
		if err := e.Uint32(uint32(h.RejectStat)); err != nil {
			return err
		}
		switch h.RejectStat {
		case RPCMismatch:
			if err := e.Uint32(h.Low); err != nil {
				return err
			}
			return e.Uint32(h.High)
		case AuthError:
			return e.Uint32(uint32(h.AuthStat))
		default:
			return fmt.Errorf("invalid reject status %d", h.RejectStat)
		}

	default:
		return fmt.Errorf("invalid reply status %d", h.Stat)
	}
}

// Decode reads a reply header, rejecting unknown discriminants.
func (h *ReplyHeader) Decode(d *xdr.Decoder) error {
	var err error
	if h.XID, err = d.Uint32(); err != nil {
		return err
	}
	mtype, err := d.Uint32()
	if err != nil {
		return err
	}
	if MsgType(mtype) != Reply {
		return fmt.Errorf("%w: message type %d is not a reply", xdr.ErrProtocolViolation, mtype)
	}
	stat, err := d.Uint32()
	if err != nil {
		return err
	}
	h.Stat = ReplyStat(stat)

	switch h.Stat {
	case MsgAccepted:
		if err := h.Verf.Decode(d); err != nil {
			return err
		}
		as, err := d.Uint32()
		if err != nil {
			return err
		}
		h.AcceptStat = AcceptStat(as)
		switch h.AcceptStat {
		case Success, ProgUnavail, ProcUnavail, GarbageArgs, SystemErr:
			return nil
		case ProgMismatch:
			if h.Low, err = d.Uint32(); err != nil {
				return err
			}
			h.High, err = d.Uint32()
			return err
		default:
			return fmt.Errorf("%w: accept status %d", xdr.ErrProtocolViolation, as)
		}

	case MsgDenied:
		rs, err := d.Uint32()
		if err != nil {
			return err
		}
		h.RejectStat = RejectStat(rs)
		switch h.RejectStat {
		case RPCMismatch:
			if h.Low, err = d.Uint32(); err != nil {
				return err
			}
			h.High, err = d.Uint32()
			return err
		case AuthError:
			s, err := d.Uint32()
			h.AuthStat = AuthStat(s)
			return err
		default:
			return fmt.Errorf("%w: reject status %d", xdr.ErrProtocolViolation, rs)
		}

	default:
		return fmt.Errorf("%w: reply status %d", xdr.ErrProtocolViolation, stat)
	}
}

// Err converts a non-successful reply into a typed *Error. It returns nil for
// accepted SUCCESS replies.
func (h *ReplyHeader) Err() error {
	switch h.Stat {
	case MsgAccepted:
		switch h.AcceptStat {
		case Success:
			return nil
		case ProgUnavail:
			return &Error{Code: ErrCodeProgUnavail}
		case ProgMismatch:
			return &Error{Code: ErrCodeProgMismatch, Low: h.Low, High: h.High}
		case ProcUnavail:
			return &Error{Code: ErrCodeProcUnavail}
		case GarbageArgs:
			return &Error{Code: ErrCodeGarbageArgs}
		default:
			return &Error{Code: ErrCodeSystemErr}
		}
	case MsgDenied:
		if h.RejectStat == RPCMismatch {
			return &Error{Code: ErrCodeRPCMismatch, Low: h.Low, High: h.High}
		}
		return &Error{Code: ErrCodeAuth, AuthStat: h.AuthStat}
	default:
		return &Error{Code: ErrCodeProtocol, Msg: fmt.Sprintf("reply status %d", h.Stat)}
	}
}

// PeekXID returns the transaction id at the start of a message without
// decoding anything else.
func PeekXID(msg []byte) (uint32, bool) {
	if len(msg) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(msg[:4]), true
}
