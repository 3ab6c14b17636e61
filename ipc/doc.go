// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the daemon's socket service framework: a
// single-threaded epoll reactor that owns all raw socket I/O, plus one
// goroutine per registered service draining a FIFO event queue.
//
// The reactor accepts connections on each service's Unix socket
// endpoints, captures peer credentials at accept time, and forwards
// Accept/Read/WriteDone/Close events to the owning service's worker.
// Workers never touch sockets: they reassemble frames with the wire
// decoder, invoke the service's message handler, and hand encoded
// responses back to the reactor for writing.
//
// Events for one connection are delivered in the order the reactor
// observed them: Accept first, Reads in arrival order, Close last.
// A worker drains its queue strictly sequentially, so handler code
// needs no locks for per-connection state. Connections are addressed
// by ConnID handles whose generation counter makes handles to a
// closed-and-reused slot stale rather than ambiguous.
package ipc
