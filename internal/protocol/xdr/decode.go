package xdr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
	"golang.org/x/text/encoding"
)

// ============================================================================
// Decoder - Wire Format → Go Types
// ============================================================================

// Decoder reads XDR primitives from an underlying reader.
//
// Truncated input is reported as ErrProtocolViolation: decoders always run
// over a complete message (a datagram or a reassembled record), so running
// out of bytes means the sender produced a malformed message.
type Decoder struct {
	r         io.Reader
	charset   encoding.Encoding
	maxOpaque uint32
	scratch   [8]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, maxOpaque: MaxOpaqueLength}
}

// SetCharset configures the character encoding used to decode strings.
func (d *Decoder) SetCharset(cs encoding.Encoding) {
	d.charset = cs
}

// SetMaxOpaque changes the default bound applied by Opaque and String when
// the caller passes a zero maximum.
func (d *Decoder) SetMaxOpaque(n uint32) {
	if n > 0 {
		d.maxOpaque = n
	}
}

func (d *Decoder) read(p []byte) error {
	if _, err := io.ReadFull(d.r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated input", ErrProtocolViolation)
		}
		return fmt.Errorf("xdr read: %w", err)
	}
	return nil
}

// Uint32 reads an unsigned 32-bit integer.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.read(d.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(d.scratch[:4]), nil
}

// Int32 reads a signed 32-bit integer.
func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// Uint64 reads an unsigned hyper integer.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.read(d.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(d.scratch[:8]), nil
}

// Int64 reads a signed hyper integer.
func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

// Bool reads a boolean. Values other than 0 and 1 are rejected.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: boolean value %d", ErrProtocolViolation, v)
	}
}

// FixedOpaque reads exactly n bytes of data and skips their padding.
func (d *Decoder) FixedOpaque(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative opaque size %d", ErrProtocolViolation, n)
	}
	data := make([]byte, n)
	if n > 0 {
		if err := d.read(data); err != nil {
			return nil, err
		}
	}
	if pad := padding(n); pad > 0 {
		if err := d.read(d.scratch[:pad]); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Opaque reads variable-length opaque data of at most max bytes. A zero max
// applies the decoder default. Empty data decodes as a non-nil empty slice.
func (d *Decoder) Opaque(max uint32) ([]byte, error) {
	if max == 0 {
		max = d.maxOpaque
	}
	length, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if length > max {
		return nil, fmt.Errorf("%w: opaque length %d exceeds maximum %d", ErrProtocolViolation, length, max)
	}
	return d.FixedOpaque(int(length))
}

// String reads a string of at most max encoded bytes.
func (d *Decoder) String(max uint32) (string, error) {
	raw, err := d.Opaque(max)
	if err != nil {
		return "", err
	}
	if d.charset != nil {
		decoded, err := d.charset.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("%w: decode string: %v", ErrProtocolViolation, err)
		}
		raw = decoded
	}
	return string(raw), nil
}

// Reflect decodes into v, which must be a pointer, by reflection.
func (d *Decoder) Reflect(v any) error {
	if _, err := xdr.Unmarshal(d.r, v); err != nil {
		return fmt.Errorf("%w: unmarshal %T: %v", ErrProtocolViolation, v, err)
	}
	return nil
}
