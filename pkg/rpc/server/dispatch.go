package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/internal/telemetry"
)

// dispatch processes one request message and returns the encoded reply, or
// nil when no reply must be sent. A message whose header cannot be decoded
// is dropped: without a trustworthy xid there is nothing to answer.
func (s *Server) dispatch(ctx context.Context, msg []byte, remote net.Addr, transport string) []byte {
	start := time.Now()
	clientAddr := remote.String()

	dec := xdr.NewDecoder(bytes.NewReader(msg))
	dec.SetCharset(s.charset)
	dec.SetMaxOpaque(s.config.MaxRecordSize)

	var header rpc.CallHeader
	if err := header.Decode(dec); err != nil {
		logger.Debug("RPC server: dropping undecodable call", logger.ClientAddr(clientAddr), logger.Err(err))
		return nil
	}

	lc := logger.NewLogContext(clientAddr, transport).
		WithCall(header.XID, header.Program, header.Version, s.procedureName(&header)).
		WithAuth(uint32(header.Cred.Flavor))
	ctx, span := telemetry.StartServerCallSpan(ctx, transport, header.XID, header.Program, header.Version, header.Procedure,
		telemetry.ClientAddr(clientAddr), telemetry.RPCAuth(uint32(header.Cred.Flavor)))
	defer span.End()
	lc = lc.WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	if header.RPCVersion != rpc.RPCVersion {
		logger.DebugCtx(ctx, "RPC server: rpc version mismatch", "rpc_version", header.RPCVersion)
		s.recordDenied(transport, "rpc_mismatch")
		return s.encodeReply(ctx, rpc.NewRPCMismatchReply(header.XID), nil)
	}

	identity, verf, authStat := s.verifier.Verify(header.Cred, header.Verf)
	if authStat != rpc.AuthOK {
		logger.DebugCtx(ctx, "RPC server: authentication failed", logger.KeyAuthStat, authStat.String())
		s.recordDenied(transport, authStat.String())
		return s.encodeReply(ctx, rpc.NewAuthErrorReply(header.XID, authStat), nil)
	}

	vr, ok := s.programs[header.Program]
	if !ok {
		logger.DebugCtx(ctx, "RPC server: program unavailable")
		return s.finish(ctx, start, &header, transport, rpc.NewAcceptedReply(header.XID, verf, rpc.ProgUnavail), nil)
	}
	if !vr.versions[header.Version] {
		logger.DebugCtx(ctx, "RPC server: program version mismatch", "low", vr.low, "high", vr.high)
		reply := rpc.NewProgMismatchReply(header.XID, vr.low, vr.high)
		reply.Verf = verf
		return s.finish(ctx, start, &header, transport, reply, nil)
	}

	call := &Call{
		Header:     header,
		Identity:   identity,
		RemoteAddr: remote,
		Transport:  transport,
		ctx:        ctx,
		args:       dec,
	}
	call.enc = xdr.NewEncoder(&call.result)
	call.enc.SetCharset(s.charset)

	s.invoke(call)
	if call.silent {
		s.record(transport, &header, start, "no_reply")
		return nil
	}
	return s.finish(ctx, start, &header, transport, rpc.NewAcceptedReply(header.XID, verf, call.stat), call.result.Bytes())
}

// invoke runs the handler and turns its outcome into the call's reply
// state. A panic is recovered and answered with SYSTEM_ERR.
func (s *Server) invoke(call *Call) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(call.ctx, "RPC server: handler panic",
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			call.silent = false
			call.ReplyError(rpc.SystemErr)
		}
	}()

	err := s.config.Handler.ServeRPC(call)
	if err == nil {
		if !call.replied {
			call.stat = rpc.Success
			call.replied = true
		}
		return
	}

	stat := rpc.SystemErr
	switch rpc.CodeOf(err) {
	case rpc.ErrCodeGarbageArgs:
		stat = rpc.GarbageArgs
	case rpc.ErrCodeProcUnavail:
		stat = rpc.ProcUnavail
	}
	logger.DebugCtx(call.ctx, "RPC server: handler error", logger.AcceptStat(stat.String()), logger.Err(err))
	telemetry.RecordError(call.ctx, err)
	call.silent = false
	call.ReplyError(stat)
}

func (s *Server) finish(ctx context.Context, start time.Time, header *rpc.CallHeader, transport string, reply rpc.ReplyHeader, body []byte) []byte {
	s.record(transport, header, start, reply.AcceptStat.String())
	telemetry.SetAttributes(ctx, telemetry.RPCStatus(reply.AcceptStat.String()))
	if logger.IsDebug() {
		logger.DebugCtx(ctx, "RPC server: call complete",
			logger.AcceptStat(reply.AcceptStat.String()),
			logger.DurationMs(logger.Duration(start)))
	}
	return s.encodeReply(ctx, reply, body)
}

func (s *Server) encodeReply(ctx context.Context, reply rpc.ReplyHeader, body []byte) []byte {
	var buf bytes.Buffer
	if err := reply.Encode(xdr.NewEncoder(&buf)); err != nil {
		logger.ErrorCtx(ctx, "RPC server: encode reply header", logger.Err(err))
		return nil
	}
	buf.Write(body)
	return buf.Bytes()
}

func (s *Server) procedureName(header *rpc.CallHeader) string {
	if s.config.ProcedureName != nil {
		return s.config.ProcedureName(header.Program, header.Procedure)
	}
	return fmt.Sprint(header.Procedure)
}

func (s *Server) record(transport string, header *rpc.CallHeader, start time.Time, status string) {
	if s.config.Metrics != nil {
		s.config.Metrics.RecordRequest(transport, header.Program, header.Version, header.Procedure, time.Since(start), status)
	}
}

func (s *Server) recordDenied(transport, reason string) {
	if s.config.Metrics != nil {
		s.config.Metrics.RecordDenied(transport, reason)
	}
}
