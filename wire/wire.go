// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// headerLength is the fixed size of the frame header: a 4-byte
// big-endian payload length.
const headerLength = 4

// MaxFrameSize is the maximum allowed payload size. A peer declaring a
// larger frame is violating the protocol; the connection is closed
// without allocating the declared amount. 1 MB is generous for any
// privilege operation (the largest realistic message is an install
// request carrying a few hundred privilege names).
const MaxFrameSize = 1024 * 1024

// ErrFormat reports a malformed or oversized frame. Errors returned by
// [Decoder.Next] and the [Reader] field accessors wrap ErrFormat;
// callers match with errors.Is.
var ErrFormat = errors.New("wire: malformed frame")

// ErrIncomplete reports that a frame's bytes have not all arrived yet.
// This is a normal streaming outcome, not a failure: feed more bytes
// and call Next again.
var ErrIncomplete = errors.New("wire: incomplete frame")

// incompleteError wraps ErrIncomplete and records how many more bytes
// the decoder needs before the frame completes.
type incompleteError struct {
	need int
}

func (e *incompleteError) Error() string {
	return fmt.Sprintf("wire: incomplete frame: need %d more bytes", e.need)
}

func (e *incompleteError) Unwrap() error { return ErrIncomplete }

// Missing returns the number of bytes still outstanding when err wraps
// [ErrIncomplete], and 0 otherwise.
func Missing(err error) int {
	var incomplete *incompleteError
	if errors.As(err, &incomplete) {
		return incomplete.need
	}
	return 0
}

func formatErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// Buffer accumulates an ordered sequence of typed fields for one
// outgoing message. The zero value is ready to use. Buffer is not safe
// for concurrent use.
type Buffer struct {
	payload []byte
}

// PutUint8 appends a single byte field.
func (b *Buffer) PutUint8(v uint8) *Buffer {
	b.payload = append(b.payload, v)
	return b
}

// PutUint32 appends a 4-byte big-endian integer field.
func (b *Buffer) PutUint32(v uint32) *Buffer {
	b.payload = binary.BigEndian.AppendUint32(b.payload, v)
	return b
}

// PutUint64 appends an 8-byte big-endian integer field.
func (b *Buffer) PutUint64(v uint64) *Buffer {
	b.payload = binary.BigEndian.AppendUint64(b.payload, v)
	return b
}

// PutString appends a length-prefixed UTF-8 string field.
func (b *Buffer) PutString(s string) *Buffer {
	b.payload = binary.BigEndian.AppendUint32(b.payload, uint32(len(s)))
	b.payload = append(b.payload, s...)
	return b
}

// PutStringList appends a count-prefixed sequence of length-prefixed
// strings.
func (b *Buffer) PutStringList(values []string) *Buffer {
	b.payload = binary.BigEndian.AppendUint32(b.payload, uint32(len(values)))
	for _, v := range values {
		b.PutString(v)
	}
	return b
}

// Len returns the current payload size in bytes, excluding the frame
// header.
func (b *Buffer) Len() int { return len(b.payload) }

// Frame returns the complete framed message: the 4-byte length header
// followed by the payload. Returns an error wrapping [ErrFormat] if
// the payload exceeds [MaxFrameSize] — a message we would refuse to
// decode must never be sent either.
func (b *Buffer) Frame() ([]byte, error) {
	if len(b.payload) > MaxFrameSize {
		return nil, formatErrorf("payload length %d exceeds maximum %d", len(b.payload), MaxFrameSize)
	}
	frame := make([]byte, headerLength+len(b.payload))
	binary.BigEndian.PutUint32(frame[:headerLength], uint32(len(b.payload)))
	copy(frame[headerLength:], b.payload)
	return frame, nil
}

// Reader walks the typed fields of one complete frame payload. Every
// accessor checks the declared field length against the bytes
// remaining in the frame and fails with an error wrapping [ErrFormat]
// on inconsistency.
type Reader struct {
	data   []byte
	offset int
}

// NewReader returns a Reader over a complete frame payload. Used
// directly in tests; production code obtains Readers from
// [Decoder.Next].
func NewReader(payload []byte) *Reader {
	return &Reader{data: payload}
}

// Remaining returns the number of unread payload bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.offset }

func (r *Reader) take(n int, what string) ([]byte, error) {
	if r.Remaining() < n {
		return nil, formatErrorf("%s needs %d bytes, %d remain in frame", what, n, r.Remaining())
	}
	field := r.data[r.offset : r.offset+n]
	r.offset += n
	return field, nil
}

// Uint8 reads a single byte field.
func (r *Reader) Uint8() (uint8, error) {
	field, err := r.take(1, "uint8")
	if err != nil {
		return 0, err
	}
	return field[0], nil
}

// Uint32 reads a 4-byte big-endian integer field.
func (r *Reader) Uint32() (uint32, error) {
	field, err := r.take(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(field), nil
}

// Uint64 reads an 8-byte big-endian integer field.
func (r *Reader) Uint64() (uint64, error) {
	field, err := r.take(8, "uint64")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(field), nil
}

// String reads a length-prefixed UTF-8 string field.
func (r *Reader) String() (string, error) {
	length, err := r.Uint32()
	if err != nil {
		return "", err
	}
	if int64(length) > int64(r.Remaining()) {
		return "", formatErrorf("string length %d exceeds %d bytes remaining in frame", length, r.Remaining())
	}
	field, err := r.take(int(length), "string body")
	if err != nil {
		return "", err
	}
	if !utf8.Valid(field) {
		return "", formatErrorf("string field is not valid UTF-8")
	}
	return string(field), nil
}

// StringList reads a count-prefixed sequence of strings. The declared
// count is validated against the remaining frame size before any
// allocation (each element needs at least its 4-byte length prefix).
func (r *Reader) StringList() ([]string, error) {
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if int64(count)*4 > int64(r.Remaining()) {
		return nil, formatErrorf("sequence count %d exceeds %d bytes remaining in frame", count, r.Remaining())
	}
	values := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := r.String()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Decoder reassembles complete frames from an arbitrarily chunked byte
// stream. Feed appends newly read bytes; Next extracts at most one
// complete frame, leaving any trailing bytes (the start of the next
// frame) buffered for the following call.
//
// The zero value is ready to use. Decoder is not safe for concurrent
// use; each connection owns exactly one.
type Decoder struct {
	buffered []byte
}

// Feed appends bytes received from the stream. The slice is copied;
// the caller may reuse it.
func (d *Decoder) Feed(data []byte) {
	d.buffered = append(d.buffered, data...)
}

// Buffered returns the number of bytes held but not yet consumed by a
// complete frame.
func (d *Decoder) Buffered() int { return len(d.buffered) }

// Next extracts one complete frame and returns a Reader over its
// payload. If the buffered bytes do not yet contain a full frame, the
// returned error wraps [ErrIncomplete] and [Missing] reports the
// shortfall. If the frame header declares a payload larger than
// [MaxFrameSize], the error wraps [ErrFormat] and the connection must
// be closed: the stream cannot be resynchronized.
func (d *Decoder) Next() (*Reader, error) {
	if len(d.buffered) < headerLength {
		return nil, &incompleteError{need: headerLength - len(d.buffered)}
	}
	payloadLength := binary.BigEndian.Uint32(d.buffered[:headerLength])
	if payloadLength > MaxFrameSize {
		return nil, formatErrorf("declared payload length %d exceeds maximum %d", payloadLength, MaxFrameSize)
	}
	total := headerLength + int(payloadLength)
	if len(d.buffered) < total {
		return nil, &incompleteError{need: total - len(d.buffered)}
	}

	payload := make([]byte, payloadLength)
	copy(payload, d.buffered[headerLength:total])

	// Shift the trailing bytes down rather than re-slicing, so the
	// buffer does not pin the consumed frame's memory.
	trailing := copy(d.buffered, d.buffered[total:])
	d.buffered = d.buffered[:trailing]

	return NewReader(payload), nil
}
