package xdr

import (
	"bytes"
	"fmt"
)

// ============================================================================
// Codec Contract
// ============================================================================

// XdrEncoder is implemented by payloads that can write themselves to the wire.
type XdrEncoder interface {
	Encode(e *Encoder) error
}

// XdrDecoder is implemented by payloads that can read themselves from the wire.
type XdrDecoder interface {
	Decode(d *Decoder) error
}

// Codec is a payload that can travel in both directions.
type Codec interface {
	XdrEncoder
	XdrDecoder
}

// Marshal encodes v into a freshly allocated byte slice.
func Marshal(v XdrEncoder) ([]byte, error) {
	var buf bytes.Buffer
	if err := v.Encode(NewEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v XdrDecoder) error {
	return v.Decode(NewDecoder(bytes.NewReader(data)))
}

// ============================================================================
// Vectors
// ============================================================================

// EncodeVector writes a counted array: [count][item]...
func EncodeVector[T XdrEncoder](e *Encoder, items []T) error {
	if err := e.Uint32(uint32(len(items))); err != nil {
		return err
	}
	for i := range items {
		if err := items[i].Encode(e); err != nil {
			return fmt.Errorf("vector item %d: %w", i, err)
		}
	}
	return nil
}

// DecodeVector reads a counted array of at most max elements (0 applies
// MaxVectorLength).
func DecodeVector[T any, PT interface {
	*T
	XdrDecoder
}](d *Decoder, max uint32) ([]T, error) {
	if max == 0 {
		max = MaxVectorLength
	}
	count, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if count > max {
		return nil, fmt.Errorf("%w: vector length %d exceeds maximum %d", ErrProtocolViolation, count, max)
	}
	items := make([]T, count)
	for i := range items {
		if err := PT(&items[i]).Decode(d); err != nil {
			return nil, fmt.Errorf("vector item %d: %w", i, err)
		}
	}
	return items, nil
}

// ============================================================================
// Optional-data chains
// ============================================================================

// EncodeChain writes items as an XDR linked list: every element is preceded
// by TRUE and the list is terminated by FALSE.
func EncodeChain[T XdrEncoder](e *Encoder, items []T) error {
	for i := range items {
		if err := e.Bool(true); err != nil {
			return err
		}
		if err := items[i].Encode(e); err != nil {
			return fmt.Errorf("chain item %d: %w", i, err)
		}
	}
	return e.Bool(false)
}

// DecodeChain reads an XDR linked list into an owned slice. It loops while
// the presence flag reads TRUE, so chain length never affects stack depth.
// A zero max applies MaxVectorLength.
func DecodeChain[T any, PT interface {
	*T
	XdrDecoder
}](d *Decoder, max int) ([]T, error) {
	if max <= 0 {
		max = MaxVectorLength
	}
	items := make([]T, 0)
	for {
		more, err := d.Bool()
		if err != nil {
			return nil, err
		}
		if !more {
			return items, nil
		}
		if len(items) == max {
			return nil, fmt.Errorf("%w: chain longer than %d", ErrProtocolViolation, max)
		}
		var item T
		if err := PT(&item).Decode(d); err != nil {
			return nil, fmt.Errorf("chain item %d: %w", len(items), err)
		}
		items = append(items, item)
	}
}

// ============================================================================
// Primitive payloads
// ============================================================================

// Void is the empty payload used by procedures without arguments or results.
type Void struct{}

func (Void) Encode(*Encoder) error  { return nil }
func (*Void) Decode(*Decoder) error { return nil }

// Int32 is a single signed integer payload.
type Int32 int32

func (v Int32) Encode(e *Encoder) error { return e.Int32(int32(v)) }

func (v *Int32) Decode(d *Decoder) error {
	n, err := d.Int32()
	*v = Int32(n)
	return err
}

// Uint32 is a single unsigned integer payload.
type Uint32 uint32

func (v Uint32) Encode(e *Encoder) error { return e.Uint32(uint32(v)) }

func (v *Uint32) Decode(d *Decoder) error {
	n, err := d.Uint32()
	*v = Uint32(n)
	return err
}

// Bool is a single boolean payload.
type Bool bool

func (v Bool) Encode(e *Encoder) error { return e.Bool(bool(v)) }

func (v *Bool) Decode(d *Decoder) error {
	b, err := d.Bool()
	*v = Bool(b)
	return err
}

// String is a variable-length string payload bounded by MaxOpaqueLength.
type String string

func (v String) Encode(e *Encoder) error { return e.String(string(v)) }

func (v *String) Decode(d *Decoder) error {
	s, err := d.String(0)
	*v = String(s)
	return err
}

// Opaque is a variable-length opaque payload bounded by MaxOpaqueLength.
type Opaque []byte

func (v Opaque) Encode(e *Encoder) error { return e.Opaque(v) }

func (v *Opaque) Decode(d *Decoder) error {
	b, err := d.Opaque(0)
	*v = b
	return err
}
