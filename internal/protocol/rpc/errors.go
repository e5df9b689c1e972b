package rpc

import (
	"errors"
	"fmt"

	"github.com/marmos91/dittorpc/internal/protocol/xdr"
)

// ErrorCode classifies RPC failures.
type ErrorCode int

const (
	ErrCodeCannotSend ErrorCode = iota + 1
	ErrCodeCannotReceive
	ErrCodeProtocol
	ErrCodeAuth
	ErrCodeProgUnavail
	ErrCodeProgMismatch
	ErrCodeProcUnavail
	ErrCodeGarbageArgs
	ErrCodeSystemErr
	ErrCodeRPCMismatch
	ErrCodeTimeout
	ErrCodeUnknownProtocol
)

var codeNames = map[ErrorCode]string{
	ErrCodeCannotSend:      "cannot send",
	ErrCodeCannotReceive:   "cannot receive",
	ErrCodeProtocol:        "protocol error",
	ErrCodeAuth:            "authentication error",
	ErrCodeProgUnavail:     "program unavailable",
	ErrCodeProgMismatch:    "program version mismatch",
	ErrCodeProcUnavail:     "procedure unavailable",
	ErrCodeGarbageArgs:     "garbage arguments",
	ErrCodeSystemErr:       "system error",
	ErrCodeRPCMismatch:     "rpc version mismatch",
	ErrCodeTimeout:         "timed out",
	ErrCodeUnknownProtocol: "unknown transport protocol",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Error is the typed failure returned by RPC clients.
//
// Low and High carry the supported range for ErrCodeProgMismatch and
// ErrCodeRPCMismatch; AuthStat carries the server status for ErrCodeAuth.
type Error struct {
	Code     ErrorCode
	Low      uint32
	High     uint32
	AuthStat AuthStat
	Msg      string
	Err      error
}

// Sentinels usable with errors.Is. Matching compares codes only.
var (
	ErrCannotSend      = &Error{Code: ErrCodeCannotSend}
	ErrCannotReceive   = &Error{Code: ErrCodeCannotReceive}
	ErrProtocol        = &Error{Code: ErrCodeProtocol}
	ErrAuth            = &Error{Code: ErrCodeAuth}
	ErrProgUnavail     = &Error{Code: ErrCodeProgUnavail}
	ErrProgMismatch    = &Error{Code: ErrCodeProgMismatch}
	ErrProcUnavail     = &Error{Code: ErrCodeProcUnavail}
	ErrGarbageArgs     = &Error{Code: ErrCodeGarbageArgs}
	ErrSystemErr       = &Error{Code: ErrCodeSystemErr}
	ErrRPCMismatch     = &Error{Code: ErrCodeRPCMismatch}
	ErrTimeout         = &Error{Code: ErrCodeTimeout}
	ErrUnknownProtocol = &Error{Code: ErrCodeUnknownProtocol}
)

func (e *Error) Error() string {
	msg := "rpc: " + e.Code.String()
	switch e.Code {
	case ErrCodeProgMismatch, ErrCodeRPCMismatch:
		msg += fmt.Sprintf(" (supported %d-%d)", e.Low, e.High)
	case ErrCodeAuth:
		if e.AuthStat != AuthOK {
			msg += " (" + e.AuthStat.String() + ")"
		}
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError builds an *Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error around a cause.
func WrapError(code ErrorCode, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// DecodeError classifies a failure raised while decoding a reply: wire
// format violations become ErrCodeProtocol, anything else is a receive
// failure.
func DecodeError(err error, msg string) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, xdr.ErrProtocolViolation) {
		return WrapError(ErrCodeProtocol, err, msg)
	}
	return WrapError(ErrCodeCannotReceive, err, msg)
}

// CodeOf returns the ErrorCode carried by err, or 0 when err is not an
// RPC error.
func CodeOf(err error) ErrorCode {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}
