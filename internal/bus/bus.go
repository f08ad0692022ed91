/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gravwell/workerd/internal/log"
)

// ErrUnknownDestination is returned by Send when dest names neither the
// parent, a broadcast, nor any connection currently registered with
// this bus.
var ErrUnknownDestination = errors.New("bus: unknown destination")

// Handler processes one delivered message. from is the Origin recorded
// in the frame, which for a worker is always either Parent or the peer
// worker that the parent relayed the message from.
type Handler func(from Destination, h Header, payload []byte) error

// Bus is one endpoint's view of the message bus: either a worker's
// single connection up to the parent, or the parent's fan-out table of
// one connection per worker slot. Handlers are invoked synchronously
// from Serve's read loop, matching the single-threaded, cooperatively
// scheduled model of spec.md §5 — a handler must not block.
type Bus struct {
	self Destination

	mtx   sync.RWMutex
	conns map[Destination]*Conn

	hmtx     sync.RWMutex
	handlers map[MessageID]Handler

	lg *log.Logger
}

// New creates a bus endpoint identifying itself as self (a WorkerID for
// a worker process, or bus.Parent for the supervisor).
func New(self Destination, lg *log.Logger) *Bus {
	return &Bus{
		self:     self,
		conns:    make(map[Destination]*Conn),
		handlers: make(map[MessageID]Handler),
		lg:       lg,
	}
}

// AddConn registers a connection to peer. A worker registers exactly
// one, to Parent; the supervisor registers one per worker slot plus the
// key-manager and ACME siblings.
func (b *Bus) AddConn(peer Destination, c *Conn) {
	b.mtx.Lock()
	b.conns[peer] = c
	b.mtx.Unlock()
}

// RemoveConn drops a connection, used when the supervisor permanently
// retires a slot (the pid is gone and the parent closes its end, per
// spec.md §5).
func (b *Bus) RemoveConn(peer Destination) {
	b.mtx.Lock()
	c, ok := b.conns[peer]
	delete(b.conns, peer)
	b.mtx.Unlock()
	if ok {
		c.Close()
	}
}

// Register installs h as the handler for messages of kind id. Only one
// handler may be registered per id; a later call replaces the former.
func (b *Bus) Register(id MessageID, h Handler) {
	b.hmtx.Lock()
	b.handlers[id] = h
	b.hmtx.Unlock()
}

func (b *Bus) handler(id MessageID) (Handler, bool) {
	b.hmtx.RLock()
	defer b.hmtx.RUnlock()
	h, ok := b.handlers[id]
	return h, ok
}

// Send addresses a message to dest with a fresh correlation id and
// returns it so the caller can match a later response.
func (b *Bus) Send(dest Destination, id MessageID, payload []byte) (corr uuid.UUID, err error) {
	c := NewCorrelation()
	err = b.SendCorrelated(dest, id, c, payload)
	return c, err
}

// SendCorrelated addresses a message to dest carrying an
// already-established correlation id, used for a response that must
// pair with an earlier request.
func (b *Bus) SendCorrelated(dest Destination, id MessageID, corr uuid.UUID, payload []byte) error {
	h := Header{ID: id, Origin: b.self, Dest: dest, Correlation: corr}
	if dest == Broadcast {
		return b.broadcast(h, payload)
	}
	b.mtx.RLock()
	c, ok := b.conns[dest]
	b.mtx.RUnlock()
	if !ok {
		// a worker has no direct connection to another worker; it always
		// relays through its parent connection, which the parent fans out.
		b.mtx.RLock()
		up, hasParent := b.conns[Parent]
		b.mtx.RUnlock()
		if !hasParent {
			return ErrUnknownDestination
		}
		return up.SendPayload(h, payload)
	}
	return c.SendPayload(h, payload)
}

// broadcast fans a message out to every connection but the originator
// concurrently: MSG_ACCEPT_AVAILABLE, CRL and the ACME challenge messages
// go to every worker slot, and a large pool should not wait on one slow peer's
// socket write before starting the next.
func (b *Bus) broadcast(h Header, payload []byte) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	var g errgroup.Group
	for peer, c := range b.conns {
		if peer == h.Origin {
			continue
		}
		c := c
		g.Go(func() error {
			return c.SendPayload(h, payload)
		})
	}
	return g.Wait()
}

// Serve reads frames from the connection to peer until ctx is done or
// the connection errors, dispatching each to its registered handler. On
// the parent side, a frame whose Dest is not Parent is relayed to that
// destination with its original Origin rather than dispatched, so the
// recipient can answer the sending worker and a relayed broadcast skips
// its sender. This implements the parent-mediated
// point-to-point delivery of spec.md §4.G.
func (b *Bus) Serve(ctx context.Context, peer Destination) error {
	b.mtx.RLock()
	c, ok := b.conns[peer]
	b.mtx.RUnlock()
	if !ok {
		return ErrUnknownDestination
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h, payload, err := c.Recv()
		if err != nil {
			return err
		}
		if b.self == Parent && h.Dest != Parent {
			// relay the frame with its Origin intact
			var rerr error
			if h.Dest == Broadcast {
				rerr = b.broadcast(h, payload)
			} else {
				b.mtx.RLock()
				dc, ok := b.conns[h.Dest]
				b.mtx.RUnlock()
				if ok {
					rerr = dc.SendPayload(h, payload)
				} else {
					rerr = ErrUnknownDestination
				}
			}
			if rerr != nil {
				b.lg.Warn("bus relay failed", log.KV("dest", int32(h.Dest)), log.KVErr(rerr))
			}
			continue
		}
		handler, ok := b.handler(h.ID)
		if !ok {
			continue
		}
		if err := handler(h.Origin, h, payload); err != nil {
			b.lg.Warn("bus handler failed", log.KV("message", h.ID.String()), log.KVErr(err))
		}
	}
}
