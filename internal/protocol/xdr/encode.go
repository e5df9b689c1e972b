package xdr

import (
	"encoding/binary"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
	"golang.org/x/text/encoding"
)

// ============================================================================
// Encoder - Go Types → Wire Format
// ============================================================================

var zeroPad [4]byte

// Encoder writes XDR primitives to an underlying writer.
//
// An Encoder is not safe for concurrent use. Callers usually encode into a
// bytes.Buffer and hand the finished message to the transport in one write.
type Encoder struct {
	w       io.Writer
	charset encoding.Encoding
	scratch [8]byte
}

// NewEncoder returns an Encoder writing to w. Strings are written as raw
// bytes until a charset is configured with SetCharset.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// SetCharset configures the character encoding applied to strings.
// A nil charset writes Go strings unchanged.
func (e *Encoder) SetCharset(cs encoding.Encoding) {
	e.charset = cs
}

// Charset returns the configured string encoding (nil for pass-through).
func (e *Encoder) Charset() encoding.Encoding {
	return e.charset
}

func (e *Encoder) write(p []byte) error {
	if _, err := e.w.Write(p); err != nil {
		return fmt.Errorf("xdr write: %w", err)
	}
	return nil
}

// Uint32 writes an unsigned 32-bit integer.
func (e *Encoder) Uint32(v uint32) error {
	binary.BigEndian.PutUint32(e.scratch[:4], v)
	return e.write(e.scratch[:4])
}

// Int32 writes a signed 32-bit integer.
func (e *Encoder) Int32(v int32) error {
	return e.Uint32(uint32(v))
}

// Uint64 writes an unsigned hyper integer.
func (e *Encoder) Uint64(v uint64) error {
	binary.BigEndian.PutUint64(e.scratch[:8], v)
	return e.write(e.scratch[:8])
}

// Int64 writes a signed hyper integer.
func (e *Encoder) Int64(v int64) error {
	return e.Uint64(uint64(v))
}

// Bool writes a boolean as 0 or 1.
func (e *Encoder) Bool(v bool) error {
	if v {
		return e.Uint32(1)
	}
	return e.Uint32(0)
}

// FixedOpaque writes data followed by zero padding up to the next 4-byte
// boundary. No length prefix is written; the reader must know the size.
func (e *Encoder) FixedOpaque(data []byte) error {
	if len(data) > 0 {
		if err := e.write(data); err != nil {
			return err
		}
	}
	if pad := padding(len(data)); pad > 0 {
		return e.write(zeroPad[:pad])
	}
	return nil
}

// Opaque writes variable-length opaque data: [length][data][padding].
func (e *Encoder) Opaque(data []byte) error {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return fmt.Errorf("xdr: opaque length %d overflows uint32", len(data))
	}
	if err := e.Uint32(uint32(len(data))); err != nil {
		return err
	}
	return e.FixedOpaque(data)
}

// String writes s encoded in the configured charset, framed like opaque data.
func (e *Encoder) String(s string) error {
	raw := []byte(s)
	if e.charset != nil {
		encoded, err := e.charset.NewEncoder().Bytes(raw)
		if err != nil {
			return fmt.Errorf("xdr: encode string: %w", err)
		}
		raw = encoded
	}
	return e.Opaque(raw)
}

// Reflect encodes v by reflection. It suits fixed-layout structs made only
// of XDR primitive fields.
func (e *Encoder) Reflect(v any) error {
	if _, err := xdr.Marshal(e.w, v); err != nil {
		return fmt.Errorf("xdr marshal %T: %w", v, err)
	}
	return nil
}
