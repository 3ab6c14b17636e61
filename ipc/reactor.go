// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/privd-project/privd/lib/clock"
)

// readChunkSize bounds how much one connection may read per readiness
// notification, so a firehosing peer cannot starve the others. epoll
// is level-triggered; leftover data re-triggers immediately.
const readChunkSize = 4096

// controlBacklog is the capacity of the worker-to-reactor control
// channel. The reactor drains it every loop iteration, so it only
// needs to absorb one iteration's worth of responses.
const controlBacklog = 1024

// Options configures a Reactor. Logger is required; the zero value of
// everything else selects a sensible default.
type Options struct {
	Logger *slog.Logger

	// QueueDepth is the per-service event queue capacity. A
	// connection whose worker queue is full when an event arrives is
	// closed rather than allowed to block the reactor.
	QueueDepth int

	// IdleTimeout closes connections with no inbound traffic for the
	// given period. Zero disables the timeout.
	IdleTimeout time.Duration

	// ShutdownGrace bounds how long Run waits for workers to drain
	// their queues after cancellation before forcing sockets closed.
	ShutdownGrace time.Duration

	// Clock defaults to the real clock. Injected by tests.
	Clock clock.Clock
}

// controlKind discriminates worker-to-reactor control messages.
type controlKind uint8

const (
	ctlSend controlKind = iota
	ctlClose
	ctlRelease
)

type control struct {
	kind  controlKind
	id    ConnID
	frame []byte
}

// Reactor multiplexes all listening and accepted sockets on a single
// goroutine. Register services, then call Run. All fields below are
// owned by the Run goroutine except the control channel and wake fd,
// which workers post to.
type Reactor struct {
	logger        *slog.Logger
	clock         clock.Clock
	queueDepth    int
	idleTimeout   time.Duration
	shutdownGrace time.Duration

	workers   []*worker
	listeners map[int]*listener

	slots     []connSlot
	freeSlots []uint32
	connByFD  map[int]*connState

	// pendingClose holds connections whose Close event did not fit in
	// the worker queue; retried every loop iteration.
	pendingClose []ConnID

	control chan control
	epollFD int
	wakeFD  int
}

// New creates a reactor with no services registered.
func New(opts Options) *Reactor {
	if opts.Logger == nil {
		panic("ipc.New: Options.Logger is required")
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Reactor{
		logger:        opts.Logger,
		clock:         opts.Clock,
		queueDepth:    opts.QueueDepth,
		idleTimeout:   opts.IdleTimeout,
		shutdownGrace: opts.ShutdownGrace,
		listeners:     make(map[int]*listener),
		connByFD:      make(map[int]*connState),
		control:       make(chan control, controlBacklog),
		epollFD:       -1,
		wakeFD:        -1,
	}
}

// Register adds a service. Must be called before Run.
func (r *Reactor) Register(service Service) {
	r.workers = append(r.workers, newWorker(service, r, r.queueDepth, r.logger))
}

// Run binds every registered endpoint, starts the worker goroutines,
// and multiplexes socket readiness until ctx is cancelled. It returns
// a non-nil error only for startup failures; cancellation drains and
// returns nil.
func (r *Reactor) Run(ctx context.Context) error {
	if len(r.workers) == 0 {
		return errors.New("ipc: no services registered")
	}

	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("creating epoll instance: %w", err)
	}
	r.epollFD = epollFD

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFD)
		r.epollFD = -1
		return fmt.Errorf("creating wake eventfd: %w", err)
	}
	r.wakeFD = wakeFD
	defer func() {
		unix.Close(r.wakeFD)
		r.wakeFD = -1
		unix.Close(r.epollFD)
		r.epollFD = -1
	}()
	if err := r.watch(wakeFD, unix.EPOLLIN); err != nil {
		return err
	}

	for _, w := range r.workers {
		for _, desc := range w.service.Describe() {
			l, err := r.openListener(desc, w)
			if err != nil {
				r.closeListeners()
				return fmt.Errorf("registering service %s: %w", w.service.Name(), err)
			}
			if err := r.watch(l.fd, unix.EPOLLIN); err != nil {
				unix.Close(l.fd)
				os.Remove(desc.Path)
				r.closeListeners()
				return err
			}
			r.listeners[l.fd] = l
			r.logger.Info("service endpoint listening",
				"service", w.service.Name(),
				"path", desc.Path,
				"peer", desc.Peer,
			)
		}
	}

	// Handlers keep a context detached from cancellation so requests
	// already queued at shutdown still complete during the drain.
	handlerCtx := context.WithoutCancel(ctx)
	for _, w := range r.workers {
		go w.run(handlerCtx)
	}

	// Unblock the epoll wait when the context is cancelled. The
	// watcher is joined before the deferred fd teardown runs so it
	// never writes to a recycled descriptor.
	stopWatcher := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			r.wake()
		case <-stopWatcher:
		}
	}()
	defer func() {
		close(stopWatcher)
		<-watcherDone
	}()

	var events [64]unix.EpollEvent
	for ctx.Err() == nil {
		n, err := unix.EpollWait(r.epollFD, events[:], r.waitTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.shutdown()
			return fmt.Errorf("epoll wait: %w", err)
		}
		for i := 0; i < n; i++ {
			r.dispatch(&events[i])
		}
		r.drainControl()
		r.retryPendingClose()
		r.expireIdle()
	}

	r.shutdown()
	return nil
}

func (r *Reactor) watch(fd int, eventMask uint32) error {
	ev := unix.EpollEvent{Events: eventMask, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("adding fd to epoll set: %w", err)
	}
	return nil
}

// waitTimeout picks the epoll wait bound: short while Close events
// await a queue slot, the nearest idle deadline otherwise, unbounded
// when nothing is pending.
func (r *Reactor) waitTimeout() int {
	if len(r.pendingClose) > 0 {
		return 10
	}
	if r.idleTimeout <= 0 {
		return -1
	}
	now := r.clock.Now()
	timeout := -1
	for i := range r.slots {
		c := r.slots[i].conn
		if c == nil || c.closing {
			continue
		}
		ms := int((r.idleTimeout - now.Sub(c.lastActive)) / time.Millisecond)
		if ms < 1 {
			ms = 1
		}
		if timeout == -1 || ms < timeout {
			timeout = ms
		}
	}
	return timeout
}

func (r *Reactor) dispatch(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == r.wakeFD {
		r.drainWake()
		return
	}
	if l, ok := r.listeners[fd]; ok {
		r.accept(l)
		return
	}
	c, ok := r.connByFD[fd]
	if !ok || c.closing {
		return
	}
	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.beginClose(c)
		return
	}
	if ev.Events&unix.EPOLLIN != 0 {
		r.readReady(c)
	}
	if ev.Events&unix.EPOLLOUT != 0 && !c.closing {
		r.flush(c)
	}
}

// accept drains the listener's pending-accept queue. Peers failing
// the endpoint's credential policy are closed before any read.
func (r *Reactor) accept(l *listener) {
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			r.logger.Error("accept failed", "path", l.desc.Path, "error", err)
			return
		}
		ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			r.logger.Error("reading peer credentials failed", "path", l.desc.Path, "error", err)
			unix.Close(fd)
			continue
		}
		peer := Credentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}
		if !l.desc.Peer.Admits(peer) {
			r.logger.Warn("rejecting connection below required peer privilege",
				"path", l.desc.Path,
				"peer_uid", peer.UID,
				"peer_pid", peer.PID,
			)
			unix.Close(fd)
			continue
		}

		c := r.allocConn(fd, l.worker, peer)
		if err := r.watch(fd, unix.EPOLLIN); err != nil {
			r.logger.Error("watching accepted connection failed", "error", err)
			r.destroyConn(c)
			continue
		}
		if !r.emit(c.worker, Event{Kind: KindAccept, Conn: c.id, Peer: peer}) {
			r.logger.Warn("worker queue full, refusing connection",
				"service", c.worker.service.Name(),
			)
			unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
			r.destroyConn(c)
			continue
		}
		r.logger.Debug("connection accepted",
			"conn", c.id,
			"path", l.desc.Path,
			"peer_uid", peer.UID,
			"peer_pid", peer.PID,
		)
	}
}

// readReady moves at most one chunk from the socket into a Read
// event. A zero-length read is the peer's half of an orderly close.
func (r *Reactor) readReady(c *connState) {
	buf := make([]byte, readChunkSize)
	n, err := unix.Read(c.fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil {
		r.logger.Debug("read failed", "conn", c.id, "error", err)
		r.beginClose(c)
		return
	}
	if n == 0 {
		r.beginClose(c)
		return
	}
	c.lastActive = r.clock.Now()
	if !r.emit(c.worker, Event{Kind: KindRead, Conn: c.id, Data: buf[:n]}) {
		r.logger.Warn("worker queue full, closing connection",
			"conn", c.id,
			"service", c.worker.service.Name(),
		)
		r.beginClose(c)
	}
}

// flush writes queued response frames until the queue empties or the
// socket stops accepting, arming EPOLLOUT across the gap.
func (r *Reactor) flush(c *connState) {
	if len(c.out) == 0 {
		return
	}
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out[0])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			r.armWrite(c, true)
			return
		}
		if err != nil {
			r.logger.Debug("write failed", "conn", c.id, "error", err)
			r.beginClose(c)
			return
		}
		if n < len(c.out[0]) {
			c.out[0] = c.out[0][n:]
			continue
		}
		c.out = c.out[1:]
	}
	c.out = nil
	r.armWrite(c, false)
	if !r.emit(c.worker, Event{Kind: KindWriteDone, Conn: c.id}) {
		r.beginClose(c)
	}
}

func (r *Reactor) armWrite(c *connState, on bool) {
	if c.wantWrite == on {
		return
	}
	c.wantWrite = on
	mask := uint32(unix.EPOLLIN)
	if on {
		mask |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(c.fd)}
	if err := unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_MOD, c.fd, &ev); err != nil {
		r.logger.Error("modifying epoll interest failed", "conn", c.id, "error", err)
	}
}

// beginClose removes the connection from the epoll set and emits its
// final Close event. The fd and slot are released only once the
// worker acknowledges, so no in-flight event can touch a reused
// descriptor. Since the worker sees no further Reads, Close stays the
// last event even when its delivery is retried.
func (r *Reactor) beginClose(c *connState) {
	if c.closing {
		return
	}
	c.closing = true
	c.out = nil
	unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_DEL, c.fd, nil)
	if !r.emit(c.worker, Event{Kind: KindClose, Conn: c.id}) {
		r.pendingClose = append(r.pendingClose, c.id)
	}
}

func (r *Reactor) retryPendingClose() {
	if len(r.pendingClose) == 0 {
		return
	}
	remaining := r.pendingClose[:0]
	for _, id := range r.pendingClose {
		c := r.lookupConn(id)
		if c == nil {
			continue
		}
		if !r.emit(c.worker, Event{Kind: KindClose, Conn: c.id}) {
			remaining = append(remaining, id)
		}
	}
	r.pendingClose = remaining
}

func (r *Reactor) expireIdle() {
	if r.idleTimeout <= 0 {
		return
	}
	now := r.clock.Now()
	for i := range r.slots {
		c := r.slots[i].conn
		if c == nil || c.closing {
			continue
		}
		if now.Sub(c.lastActive) >= r.idleTimeout {
			r.logger.Debug("closing idle connection", "conn", c.id, "peer_pid", c.peer.PID)
			r.beginClose(c)
		}
	}
}

// emit is a non-blocking queue handoff. The reactor never waits on a
// worker; a full queue is handled by the caller (refuse or close).
func (r *Reactor) emit(w *worker, ev Event) bool {
	select {
	case w.queue <- ev:
		return true
	default:
		return false
	}
}

// send, closeConn, and release implement the sender interface workers
// post through. Each enqueues a control message and wakes the epoll
// wait.
func (r *Reactor) send(id ConnID, frame []byte) {
	r.post(control{kind: ctlSend, id: id, frame: frame})
}

func (r *Reactor) closeConn(id ConnID) {
	r.post(control{kind: ctlClose, id: id})
}

func (r *Reactor) release(id ConnID) {
	r.post(control{kind: ctlRelease, id: id})
}

func (r *Reactor) post(msg control) {
	r.control <- msg
	r.wake()
}

func (r *Reactor) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(r.wakeFD, buf[:])
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

// drainControl applies every queued worker message. Stale handles
// (connection already closed and slot reused) resolve to nil and are
// dropped.
func (r *Reactor) drainControl() {
	for {
		select {
		case msg := <-r.control:
			c := r.lookupConn(msg.id)
			switch msg.kind {
			case ctlSend:
				if c == nil || c.closing {
					continue
				}
				c.out = append(c.out, msg.frame)
				r.flush(c)
			case ctlClose:
				if c == nil {
					continue
				}
				r.beginClose(c)
			case ctlRelease:
				if c == nil {
					continue
				}
				r.destroyConn(c)
			}
		default:
			return
		}
	}
}

func (r *Reactor) closeListeners() {
	for fd, l := range r.listeners {
		unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
		unix.Close(fd)
		os.Remove(l.desc.Path)
		delete(r.listeners, fd)
	}
}

// shutdown stops accepting, closes every connection, and waits up to
// the grace period for workers to drain before forcing the rest.
func (r *Reactor) shutdown() {
	r.closeListeners()
	for i := range r.slots {
		if c := r.slots[i].conn; c != nil {
			r.beginClose(c)
		}
	}

	deadline := r.clock.Now().Add(r.shutdownGrace)
	var events [16]unix.EpollEvent
	for r.activeConns() > 0 && r.clock.Now().Before(deadline) {
		n, err := unix.EpollWait(r.epollFD, events[:], 10)
		if err != nil && err != unix.EINTR {
			break
		}
		for i := 0; i < n; i++ {
			if int(events[i].Fd) == r.wakeFD {
				r.drainWake()
			}
		}
		r.drainControl()
		r.retryPendingClose()
	}

	forced := 0
	for i := range r.slots {
		if c := r.slots[i].conn; c != nil {
			r.destroyConn(c)
			forced++
		}
	}
	if forced > 0 {
		r.logger.Warn("shutdown grace elapsed, forced connections closed", "count", forced)
	}

	for _, w := range r.workers {
		close(w.queue)
	}
	for _, w := range r.workers {
		<-w.done
	}
	r.logger.Info("reactor stopped")
}
