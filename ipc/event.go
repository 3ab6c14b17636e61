// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import "fmt"

// ConnID is an opaque handle addressing one connection. The reactor
// allocates connection state in a slot table; the generation counter
// increments each time a slot is reused, so a handle kept past its
// connection's close resolves to nothing instead of to the slot's new
// occupant.
type ConnID struct {
	index      uint32
	generation uint32
}

func (id ConnID) String() string {
	return fmt.Sprintf("conn-%d.%d", id.index, id.generation)
}

// Credentials is the peer process identity captured from the kernel
// (SO_PEERCRED) at accept time. It is immutable for the connection's
// lifetime and is the sole trust input to privilege checks.
type Credentials struct {
	UID uint32
	GID uint32
	PID int32
}

// EventKind discriminates the events a worker receives for its
// connections.
type EventKind uint8

const (
	// KindAccept announces a new connection. Peer carries its
	// credentials. Always the first event for a ConnID.
	KindAccept EventKind = iota + 1

	// KindRead carries newly arrived bytes. Data ownership transfers
	// to the worker.
	KindRead

	// KindWriteDone reports that all previously queued response
	// frames for the connection have been flushed to the socket.
	KindWriteDone

	// KindClose is the last event for a ConnID. The worker must drop
	// its per-connection state and acknowledge so the reactor can
	// release the socket.
	KindClose
)

func (k EventKind) String() string {
	switch k {
	case KindAccept:
		return "accept"
	case KindRead:
		return "read"
	case KindWriteDone:
		return "write-done"
	case KindClose:
		return "close"
	}
	return fmt.Sprintf("event-%d", uint8(k))
}

// Event is one unit of work handed from the reactor to a worker
// queue. It is consumed exactly once.
type Event struct {
	Kind EventKind
	Conn ConnID

	// Peer is set for KindAccept events.
	Peer Credentials

	// Data is set for KindRead events.
	Data []byte
}
