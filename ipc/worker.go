// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/privd-project/privd/wire"
)

// sender is the worker's view of the reactor: queue a response frame,
// ask for a connection to be closed, or acknowledge a Close event so
// the reactor may release the socket. All three are asynchronous and
// safe to call from the worker goroutine.
type sender interface {
	send(id ConnID, frame []byte)
	closeConn(id ConnID)
	release(id ConnID)
}

// workerConn is the protocol-side state for one connection: its
// identity and the resumable decode state frames are reassembled in.
type workerConn struct {
	ctx     ConnContext
	decoder wire.Decoder

	// closing is set once the worker has asked the reactor to close
	// the connection; further reads for it are discarded.
	closing bool
}

// worker drains one service's event queue on a dedicated goroutine.
type worker struct {
	service Service
	out     sender
	logger  *slog.Logger
	queue   chan Event
	done    chan struct{}
}

func newWorker(service Service, out sender, depth int, logger *slog.Logger) *worker {
	return &worker{
		service: service,
		out:     out,
		logger:  logger.With("service", service.Name()),
		queue:   make(chan Event, depth),
		done:    make(chan struct{}),
	}
}

// run consumes the queue until it is closed. ctx is the base context
// handlers observe; the caller detaches it from shutdown cancellation
// so queued requests still complete during the drain.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	conns := make(map[ConnID]*workerConn)
	for ev := range w.queue {
		switch ev.Kind {
		case KindAccept:
			conns[ev.Conn] = &workerConn{
				ctx: ConnContext{ID: ev.Conn, Peer: ev.Peer},
			}
		case KindRead:
			wc := conns[ev.Conn]
			if wc == nil || wc.closing {
				continue
			}
			wc.decoder.Feed(ev.Data)
			w.drainFrames(ctx, wc)
		case KindWriteDone:
			// Responses are queued eagerly; nothing is deferred
			// until the flush notification.
		case KindClose:
			delete(conns, ev.Conn)
			w.out.release(ev.Conn)
		}
	}
}

// drainFrames decodes every complete frame buffered for the
// connection and dispatches each to the service handler.
func (w *worker) drainFrames(ctx context.Context, wc *workerConn) {
	for {
		req, err := wc.decoder.Next()
		if errors.Is(err, wire.ErrIncomplete) {
			return
		}
		if err != nil {
			w.logger.Warn("malformed frame, closing connection",
				"conn", wc.ctx.ID,
				"peer_pid", wc.ctx.Peer.PID,
				"error", err,
			)
			w.abort(wc)
			return
		}

		resp, err := w.service.HandleMessage(ctx, &wc.ctx, req)
		if err != nil {
			w.logger.Warn("handler failed, closing connection",
				"conn", wc.ctx.ID,
				"error", err,
			)
			w.abort(wc)
			return
		}
		if resp == nil {
			continue
		}
		frame, err := resp.Frame()
		if err != nil {
			w.logger.Error("response exceeds frame cap, closing connection",
				"conn", wc.ctx.ID,
				"error", err,
			)
			w.abort(wc)
			return
		}
		w.out.send(wc.ctx.ID, frame)
	}
}

// abort requests a reactor-side close. Per-connection state stays in
// the map until the Close event arrives, preserving the event order
// contract.
func (w *worker) abort(wc *workerConn) {
	wc.closing = true
	w.out.closeConn(wc.ctx.ID)
}
