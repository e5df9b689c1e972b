package server

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/rpc/auth"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
)

// Handler serves the calls of every registered program.
//
// A handler decodes its arguments with Call.DecodeArgs and answers with
// Call.Reply, Call.ReplyError or Call.NoReply. Returning without answering
// sends an empty SUCCESS reply. A returned error is answered with
// GARBAGE_ARGS or PROC_UNAVAIL when it carries that rpc.Error code and with
// SYSTEM_ERR otherwise.
type Handler interface {
	ServeRPC(call *Call) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(call *Call) error

func (f HandlerFunc) ServeRPC(call *Call) error {
	return f(call)
}

// Call is one dispatched call. It is valid only for the duration of the
// handler invocation.
type Call struct {
	// Header is the decoded call header.
	Header rpc.CallHeader

	// Identity is the authenticated caller.
	Identity auth.Identity

	// RemoteAddr is the peer address.
	RemoteAddr net.Addr

	// Transport is "tcp" or "udp".
	Transport string

	ctx  context.Context
	args *xdr.Decoder

	enc     *xdr.Encoder
	result  bytes.Buffer
	stat    rpc.AcceptStat
	replied bool
	silent  bool
}

// Context returns the request context. It carries the request-scoped log
// context and the server span.
func (c *Call) Context() context.Context {
	return c.ctx
}

// DecodeArgs decodes the call arguments into v. A failure is returned as an
// ErrCodeGarbageArgs error; handlers usually return it unchanged.
func (c *Call) DecodeArgs(v xdr.XdrDecoder) error {
	if err := v.Decode(c.args); err != nil {
		return rpc.WrapError(rpc.ErrCodeGarbageArgs, err, "decode arguments")
	}
	return nil
}

// Reply answers the call with SUCCESS and the encoded result. result may be
// nil for void results.
func (c *Call) Reply(result xdr.XdrEncoder) error {
	if c.replied {
		return fmt.Errorf("call 0x%08x already answered", c.Header.XID)
	}
	c.result.Reset()
	if result != nil {
		if err := result.Encode(c.enc); err != nil {
			c.result.Reset()
			return fmt.Errorf("encode result: %w", err)
		}
	}
	c.stat = rpc.Success
	c.replied = true
	return nil
}

// ReplyError answers the call with a non-SUCCESS accept status, e.g.
// rpc.ProcUnavail for an unknown procedure.
func (c *Call) ReplyError(stat rpc.AcceptStat) {
	c.result.Reset()
	c.stat = stat
	c.replied = true
}

// NoReply suppresses the reply, as batched procedures require.
func (c *Call) NoReply() {
	c.silent = true
	c.replied = true
}

// NewCall builds a call for invoking a Handler in process, outside the
// transport loops. args holds the XDR-encoded arguments.
func NewCall(ctx context.Context, header rpc.CallHeader, remote net.Addr, transport string, args []byte) *Call {
	call := &Call{
		Header:     header,
		RemoteAddr: remote,
		Transport:  transport,
		ctx:        ctx,
		args:       xdr.NewDecoder(bytes.NewReader(args)),
	}
	call.enc = xdr.NewEncoder(&call.result)
	return call
}

// Result returns the accept status and encoded result the handler answered
// with. replied is false when the call was not answered or NoReply was used.
func (c *Call) Result() (stat rpc.AcceptStat, body []byte, replied bool) {
	if !c.replied || c.silent {
		return c.stat, nil, false
	}
	return c.stat, c.result.Bytes(), true
}
