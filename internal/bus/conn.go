/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrShortWrite is returned when a socketpair write does not
	// complete in full; spec.md §5 calls a short IPC write a bug.
	ErrShortWrite = errors.New("bus: short write on control socket")
	// ErrPayloadTooLarge is returned when a frame's declared length
	// exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("bus: payload exceeds maximum frame size")
)

// Conn wraps one end of a control socketpair with the bus's framing.
// Each process wraps its own end with NewConnFromFD, and net.FileConn
// puts the descriptor it adopts in non-blocking mode, so both ends are
// non-blocking; Conn itself only adds the length-prefixed protocol and
// serializes concurrent writers.
type Conn struct {
	peer Destination // the worker id (or Parent) on the other end, for logging
	nc   net.Conn
	wmtx sync.Mutex
}

// NewConnFromFD adopts an inherited control-socket file descriptor as a
// Conn, taking ownership of it: net.FileConn duplicates fd, and the
// original fd is closed before NewConnFromFD returns, on success or error.
func NewConnFromFD(peer Destination, fd int) (*Conn, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("bus-%d", peer))
	defer f.Close()
	nc, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	return &Conn{peer: peer, nc: nc}, nil
}

// Peer returns the id of the process on the other end of this conn.
func (c *Conn) Peer() Destination {
	return c.peer
}

// Send writes one framed message: header then payload, under a mutex so
// concurrent senders never interleave frames on the wire.
func (c *Conn) Send(h Header) error {
	return c.send(h, nil)
}

// SendPayload writes one framed message carrying payload, filling in
// h.Length from len(payload).
func (c *Conn) SendPayload(h Header, payload []byte) error {
	h.Length = uint32(len(payload))
	return c.send(h, payload)
}

func (c *Conn) send(h Header, payload []byte) error {
	if int(h.Length) != len(payload) {
		h.Length = uint32(len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(h.ID)
	binary.BigEndian.PutUint32(buf[1:5], uint32(h.Origin))
	binary.BigEndian.PutUint32(buf[5:9], uint32(h.Dest))
	binary.BigEndian.PutUint32(buf[9:13], h.Length)
	copy(buf[13:29], h.Correlation[:])
	copy(buf[headerSize:], payload)

	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	n, err := c.nc.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrShortWrite
	}
	return nil
}

// Recv blocks for exactly one frame and returns its header and payload.
func (c *Conn) Recv() (Header, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(c.nc, hdr); err != nil {
		return Header{}, nil, err
	}
	var h Header
	h.ID = MessageID(hdr[0])
	h.Origin = Destination(int32(binary.BigEndian.Uint32(hdr[1:5])))
	h.Dest = Destination(int32(binary.BigEndian.Uint32(hdr[5:9])))
	h.Length = binary.BigEndian.Uint32(hdr[9:13])
	copy(h.Correlation[:], hdr[13:29])

	if h.Length > MaxPayload {
		return h, nil, ErrPayloadTooLarge
	}
	if h.Length == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// NewCorrelation returns a fresh correlation id for a request message.
func NewCorrelation() uuid.UUID {
	return uuid.New()
}
