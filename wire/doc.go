// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the length-delimited binary message format
// used on every privd IPC socket.
//
// A frame is a 4-byte big-endian payload length followed by the
// payload. The payload is an ordered sequence of typed fields:
// fixed-width integers, length-prefixed UTF-8 strings, and
// length-prefixed string sequences. There is no self-description
// beyond lengths; sender and receiver must agree on the field order,
// which is fixed per operation in package proto.
//
// Encoding goes through [Buffer]: append fields, then call
// [Buffer.Frame] to obtain the framed bytes. Decoding is two-layered:
// [Decoder] reassembles complete frames from an arbitrarily chunked
// byte stream (partial socket reads are the norm, not the exception),
// and [Reader] walks the fields of one complete payload with bounds
// checks on every access.
//
// Malformed input is reported through errors wrapping [ErrFormat]: a
// declared frame length above [MaxFrameSize], or a field length
// inconsistent with the bytes remaining in the frame. A frame whose
// bytes have not all arrived yet is reported through an error wrapping
// [ErrIncomplete]; [Missing] tells the caller how many bytes are still
// outstanding. No partial or corrupt payload is ever returned.
package wire
