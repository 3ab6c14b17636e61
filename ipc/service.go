// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"

	"github.com/privd-project/privd/wire"
)

// PeerPolicy is the minimum peer identity a service endpoint requires.
// Connections failing the check are closed before any byte is read.
type PeerPolicy uint8

const (
	// PeerAny admits every local process.
	PeerAny PeerPolicy = iota

	// PeerRoot admits only processes running as uid 0. The endpoint's
	// socket file is additionally created with mode 0600.
	PeerRoot
)

// Admits reports whether a peer with the given credentials may
// connect under this policy.
func (p PeerPolicy) Admits(peer Credentials) bool {
	if p == PeerRoot {
		return peer.UID == 0
	}
	return true
}

func (p PeerPolicy) String() string {
	if p == PeerRoot {
		return "root"
	}
	return "any"
}

// SocketKind selects the Unix socket type for an endpoint.
type SocketKind uint8

const (
	// Stream is a connection-oriented byte stream (SOCK_STREAM).
	Stream SocketKind = iota

	// Seqpacket preserves record boundaries (SOCK_SEQPACKET). Frames
	// still carry their own length header so the two kinds share one
	// codec.
	Seqpacket
)

// Description declares one listening endpoint of a service. A service
// may expose several endpoints; all feed the same worker queue.
type Description struct {
	Path string
	Peer PeerPolicy
	Kind SocketKind
}

// ConnContext identifies the connection a message arrived on. The
// credentials were captured at accept time and never change.
type ConnContext struct {
	ID   ConnID
	Peer Credentials
}

// Service is implemented by each concrete IPC service. Describe is
// called once at registration; HandleMessage is called from the
// service's single worker goroutine, one complete decoded frame at a
// time, in arrival order per connection.
//
// A nil response with a nil error means the request produces no
// reply. A non-nil error closes the connection; services that want to
// report a failure to the client encode it in the response instead.
type Service interface {
	Name() string
	Describe() []Description
	HandleMessage(ctx context.Context, conn *ConnContext, req *wire.Reader) (*wire.Buffer, error)
}
