package rpc

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, v xdr.XdrEncoder) []byte {
	t.Helper()
	data, err := xdr.Marshal(v)
	require.NoError(t, err)
	return data
}

// ============================================================================
// Call header
// ============================================================================

func TestCallHeaderWireFormat(t *testing.T) {
	h := CallHeader{
		XID:       0x01020304,
		Program:   100000,
		Version:   2,
		Procedure: 3,
		Cred:      NoAuth,
		Verf:      NoAuth,
	}
	data := encode(t, h)

	want := []byte{
		0x01, 0x02, 0x03, 0x04, // xid
		0, 0, 0, 0, // CALL
		0, 0, 0, 2, // rpcvers
		0, 0x01, 0x86, 0xa0, // prog 100000
		0, 0, 0, 2, // vers
		0, 0, 0, 3, // proc
		0, 0, 0, 0, 0, 0, 0, 0, // cred AUTH_NONE, len 0
		0, 0, 0, 0, 0, 0, 0, 0, // verf AUTH_NONE, len 0
	}
	assert.Equal(t, want, data)

	var got CallHeader
	require.NoError(t, xdr.Unmarshal(data, &got))
	assert.Equal(t, uint32(0x01020304), got.XID)
	assert.Equal(t, RPCVersion, got.RPCVersion)
	assert.Equal(t, uint32(100000), got.Program)
	assert.Equal(t, uint32(3), got.Procedure)
	assert.Equal(t, AuthNone, got.Cred.Flavor)
	assert.Empty(t, got.Cred.Body)
}

func TestCallHeaderRejectsReply(t *testing.T) {
	data := encode(t, NewAcceptedReply(7, NoAuth, Success))
	var h CallHeader
	err := xdr.Unmarshal(data, &h)
	assert.ErrorIs(t, err, xdr.ErrProtocolViolation)
}

func TestOpaqueAuthLimit(t *testing.T) {
	_, err := xdr.Marshal(OpaqueAuth{Flavor: AuthUnix, Body: make([]byte, MaxAuthBytes+1)})
	assert.Error(t, err)

	var buf bytes.Buffer
	enc := xdr.NewEncoder(&buf)
	require.NoError(t, enc.Uint32(uint32(AuthUnix)))
	require.NoError(t, enc.Opaque(make([]byte, MaxAuthBytes+4)))

	var a OpaqueAuth
	assert.ErrorIs(t, a.Decode(xdr.NewDecoder(&buf)), xdr.ErrProtocolViolation)
}

// ============================================================================
// Reply header
// ============================================================================

func TestReplyHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		h    ReplyHeader
		code ErrorCode
	}{
		{"success", NewAcceptedReply(1, NoAuth, Success), 0},
		{"prog unavail", NewAcceptedReply(2, NoAuth, ProgUnavail), ErrCodeProgUnavail},
		{"prog mismatch", NewProgMismatchReply(3, 2, 4), ErrCodeProgMismatch},
		{"proc unavail", NewAcceptedReply(4, NoAuth, ProcUnavail), ErrCodeProcUnavail},
		{"garbage args", NewAcceptedReply(5, NoAuth, GarbageArgs), ErrCodeGarbageArgs},
		{"system err", NewAcceptedReply(6, NoAuth, SystemErr), ErrCodeSystemErr},
		{"rpc mismatch", NewRPCMismatchReply(7), ErrCodeRPCMismatch},
		{"auth error", NewAuthErrorReply(8, AuthRejectedCred), ErrCodeAuth},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got ReplyHeader
			require.NoError(t, xdr.Unmarshal(encode(t, tc.h), &got))
			assert.Equal(t, tc.h.XID, got.XID)
			assert.Equal(t, tc.h.Stat, got.Stat)

			err := got.Err()
			if tc.code == 0 {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.code, CodeOf(err))
		})
	}
}

func TestReplyMismatchCarriesRange(t *testing.T) {
	var got ReplyHeader
	require.NoError(t, xdr.Unmarshal(encode(t, NewProgMismatchReply(3, 2, 4)), &got))

	var rpcErr *Error
	require.True(t, errors.As(got.Err(), &rpcErr))
	assert.Equal(t, uint32(2), rpcErr.Low)
	assert.Equal(t, uint32(4), rpcErr.High)
	assert.ErrorIs(t, rpcErr, ErrProgMismatch)
}

func TestReplyAuthErrorCarriesStatus(t *testing.T) {
	var got ReplyHeader
	require.NoError(t, xdr.Unmarshal(encode(t, NewAuthErrorReply(8, AuthTooWeak)), &got))

	var rpcErr *Error
	require.True(t, errors.As(got.Err(), &rpcErr))
	assert.Equal(t, AuthTooWeak, rpcErr.AuthStat)
	assert.Contains(t, rpcErr.Error(), "AUTH_TOOWEAK")
}

func TestReplyHeaderRejectsBadDiscriminants(t *testing.T) {
	// xid, REPLY, accepted, verf none, accept_stat 9
	data := []byte{0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9}
	var h ReplyHeader
	assert.ErrorIs(t, xdr.Unmarshal(data, &h), xdr.ErrProtocolViolation)

	// message type CALL
	data = []byte{0, 0, 0, 1, 0, 0, 0, 0}
	assert.ErrorIs(t, xdr.Unmarshal(data, &h), xdr.ErrProtocolViolation)
}

func TestPeekXID(t *testing.T) {
	xid, ok := PeekXID([]byte{0, 0, 1, 0, 9, 9})
	assert.True(t, ok)
	assert.Equal(t, uint32(256), xid)

	_, ok = PeekXID([]byte{1, 2})
	assert.False(t, ok)
}

// ============================================================================
// Errors
// ============================================================================

func TestDecodeErrorClassification(t *testing.T) {
	err := DecodeError(xdr.ErrProtocolViolation, "reply")
	assert.ErrorIs(t, err, ErrProtocol)

	err = DecodeError(io.ErrClosedPipe, "reply")
	assert.ErrorIs(t, err, ErrCannotReceive)
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	timeout := &Error{Code: ErrCodeTimeout}
	assert.Same(t, timeout, DecodeError(timeout, "reply"))
}

func TestXIDSourceIncrements(t *testing.T) {
	s := NewXIDSource()
	first := s.Next()
	assert.Equal(t, first+1, s.Next())
	assert.Equal(t, first+2, s.Next())
}
