// Package xdr implements the XDR (External Data Representation) wire codec
// used by ONC RPC messages and payloads.
//
// Key characteristics of XDR:
//   - Big-endian byte order for all multi-byte integers
//   - 4-byte alignment for all data types
//   - Variable-length data is preceded by a 4-byte length
//   - Strings and opaque data are padded to 4-byte boundaries
//
// Every payload exchanged through the RPC client and server implements
// XdrEncoder and XdrDecoder. Linked structures ("has-next" chains) are
// encoded and decoded iteratively through EncodeChain and DecodeChain.
//
// Reference: RFC 1832 - XDR: External Data Representation Standard
package xdr

import "errors"

// ErrProtocolViolation is returned when decoded data does not follow the
// wire format: out-of-range booleans or tags, oversized lengths or
// truncated input. The in-progress message must be abandoned.
var ErrProtocolViolation = errors.New("xdr: protocol violation")

const (
	// MaxOpaqueLength is the default upper bound for variable-length opaque
	// data and strings accepted by a Decoder.
	MaxOpaqueLength = 1024 * 1024

	// MaxVectorLength bounds the element count of decoded vectors and chains.
	MaxVectorLength = 1 << 16
)

// padding returns the number of zero bytes following n bytes of data.
func padding(n int) int {
	return (4 - n%4) % 4
}
