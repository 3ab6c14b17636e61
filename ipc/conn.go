// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// connState is the reactor-side state of one accepted connection. It
// is touched only from the reactor goroutine; workers address it
// exclusively through its ConnID.
type connState struct {
	id     ConnID
	fd     int
	worker *worker
	peer   Credentials

	// out is the queue of response frames not yet fully written.
	out [][]byte

	// wantWrite tracks whether EPOLLOUT is currently armed.
	wantWrite bool

	// closing is set once the fd has been removed from the epoll set
	// and a Close event emitted. The fd itself stays open until the
	// worker acknowledges, so an in-flight event can never race a
	// reused descriptor.
	closing bool

	lastActive time.Time
}

// connSlot is one arena entry. The generation increments on every
// reuse, invalidating handles to the previous occupant.
type connSlot struct {
	generation uint32
	conn       *connState
}

// allocConn places a newly accepted fd into the arena and returns its
// state with a fresh handle.
func (r *Reactor) allocConn(fd int, w *worker, peer Credentials) *connState {
	var index uint32
	if n := len(r.freeSlots); n > 0 {
		index = r.freeSlots[n-1]
		r.freeSlots = r.freeSlots[:n-1]
	} else {
		r.slots = append(r.slots, connSlot{})
		index = uint32(len(r.slots) - 1)
	}
	slot := &r.slots[index]
	c := &connState{
		id:         ConnID{index: index, generation: slot.generation},
		fd:         fd,
		worker:     w,
		peer:       peer,
		lastActive: r.clock.Now(),
	}
	slot.conn = c
	r.connByFD[fd] = c
	return c
}

// lookupConn resolves a handle, rejecting stale generations.
func (r *Reactor) lookupConn(id ConnID) *connState {
	if int(id.index) >= len(r.slots) {
		return nil
	}
	slot := &r.slots[id.index]
	if slot.conn == nil || slot.generation != id.generation {
		return nil
	}
	return slot.conn
}

// destroyConn closes the fd and recycles the slot. Called only after
// the owning worker has acknowledged the Close event (or during
// forced shutdown).
func (r *Reactor) destroyConn(c *connState) {
	delete(r.connByFD, c.fd)
	unix.Close(c.fd)
	slot := &r.slots[c.id.index]
	slot.conn = nil
	slot.generation++
	r.freeSlots = append(r.freeSlots, c.id.index)
}

// activeConns counts slots still holding a connection, closing ones
// included.
func (r *Reactor) activeConns() int {
	active := 0
	for i := range r.slots {
		if r.slots[i].conn != nil {
			active++
		}
	}
	return active
}

// listener is one bound endpoint feeding a worker.
type listener struct {
	fd     int
	desc   Description
	worker *worker
}

// listenBacklog bounds the kernel's pending-accept queue per endpoint.
const listenBacklog = 64

// openListener binds a non-blocking Unix socket at the described
// path, replacing any stale socket file from a previous run. The file
// mode restricts root-only endpoints before the credential check even
// runs.
func (r *Reactor) openListener(desc Description, w *worker) (*listener, error) {
	sotype := unix.SOCK_STREAM
	if desc.Kind == Seqpacket {
		sotype = unix.SOCK_SEQPACKET
	}
	fd, err := unix.Socket(unix.AF_UNIX, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket for %s: %w", desc.Path, err)
	}
	if err := os.Remove(desc.Path); err != nil && !os.IsNotExist(err) {
		unix.Close(fd)
		return nil, fmt.Errorf("removing stale socket %s: %w", desc.Path, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: desc.Path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding %s: %w", desc.Path, err)
	}
	mode := os.FileMode(0o666)
	if desc.Peer == PeerRoot {
		mode = 0o600
	}
	if err := os.Chmod(desc.Path, mode); err != nil {
		unix.Close(fd)
		os.Remove(desc.Path)
		return nil, fmt.Errorf("setting mode on %s: %w", desc.Path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		os.Remove(desc.Path)
		return nil, fmt.Errorf("listening on %s: %w", desc.Path, err)
	}
	return &listener{fd: fd, desc: desc, worker: w}, nil
}
