package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ============================================================================
// Record marking (RFC 1831 section 10)
// ============================================================================
//
// Stream transports split every message into fragments, each preceded by a
// 4-byte header: bit 31 marks the last fragment of the record and the low
// 31 bits carry the fragment length.

const (
	lastFragmentFlag  = 0x80000000
	fragmentSizeMask  = 0x7fffffff
	DefaultMaxRecord  = 1024 * 1024
	recordHeaderBytes = 4
)

// ErrRecordTooLarge is returned when a record exceeds the reader's limit.
var ErrRecordTooLarge = errors.New("rpc: record exceeds maximum size")

// ReadRecord reads one complete record, reassembling its fragments. A zero
// max applies DefaultMaxRecord. io.EOF is returned unchanged when the stream
// ends cleanly between records.
func ReadRecord(r io.Reader, max uint32) ([]byte, error) {
	if max == 0 {
		max = DefaultMaxRecord
	}

	var record []byte
	var header [recordHeaderBytes]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) && record != nil {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		h := binary.BigEndian.Uint32(header[:])
		size := h & fragmentSizeMask

		if uint64(len(record))+uint64(size) > uint64(max) {
			return nil, fmt.Errorf("%w: %d bytes > %d", ErrRecordTooLarge, uint64(len(record))+uint64(size), max)
		}

		start := len(record)
		if record == nil {
			record = make([]byte, 0, size)
		}
		record = append(record, make([]byte, size)...)
		if _, err := io.ReadFull(r, record[start:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if h&lastFragmentFlag != 0 {
			return record, nil
		}
	}
}

// WriteRecord writes msg as a single-fragment record in one Write call.
func WriteRecord(w io.Writer, msg []byte) error {
	rw := NewRecordWriter(w)
	rw.Append(msg)
	return rw.Flush()
}

// RecordWriter accumulates framed records and writes them with a single
// Write on Flush. It backs TCP call batching: batched calls are appended
// and leave the socket only when a flushing call arrives.
type RecordWriter struct {
	w       io.Writer
	buf     bytes.Buffer
	records int
}

// NewRecordWriter returns a RecordWriter over w.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

// Append frames msg as one last-fragment record and buffers it.
func (rw *RecordWriter) Append(msg []byte) {
	var header [recordHeaderBytes]byte
	binary.BigEndian.PutUint32(header[:], lastFragmentFlag|uint32(len(msg)))
	rw.buf.Write(header[:])
	rw.buf.Write(msg)
	rw.records++
}

// Pending returns the number of buffered, unflushed records.
func (rw *RecordWriter) Pending() int {
	return rw.records
}

// Flush writes every buffered record in a single Write. The buffer is
// cleared even when the write fails; the stream is unusable afterwards.
func (rw *RecordWriter) Flush() error {
	if rw.buf.Len() == 0 {
		return nil
	}
	defer rw.Reset()
	if _, err := rw.w.Write(rw.buf.Bytes()); err != nil {
		return err
	}
	return nil
}

// Reset drops buffered records.
func (rw *RecordWriter) Reset() {
	rw.buf.Reset()
	rw.records = 0
}
