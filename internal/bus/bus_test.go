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
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gravwell/workerd/internal/log"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fds[0], fds[1]
}

func TestConnSendRecv(t *testing.T) {
	a, b := socketpair(t)
	ca, err := NewConnFromFD(1, a)
	if err != nil {
		t.Fatal(err)
	}
	defer ca.Close()
	cb, err := NewConnFromFD(Parent, b)
	if err != nil {
		t.Fatal(err)
	}
	defer cb.Close()

	corr := NewCorrelation()
	if err := ca.SendPayload(Header{ID: MsgCertificateReq, Origin: 1, Dest: Parent, Correlation: corr}, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	h, payload, err := cb.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if h.ID != MsgCertificateReq || h.Origin != 1 || h.Dest != Parent || h.Correlation != corr {
		t.Fatalf("unexpected header: %+v", h)
	}
	if string(payload) != "hello" {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

func TestBusRelayBetweenWorkers(t *testing.T) {
	lg := log.NewDiscardLogger()

	// worker 1 <-> parent
	w1parent, parentW1 := socketpair(t)
	w1Conn, err := NewConnFromFD(Parent, w1parent)
	if err != nil {
		t.Fatal(err)
	}
	parentConnToW1, err := NewConnFromFD(1, parentW1)
	if err != nil {
		t.Fatal(err)
	}

	// worker 2 <-> parent
	w2parent, parentW2 := socketpair(t)
	w2Conn, err := NewConnFromFD(Parent, w2parent)
	if err != nil {
		t.Fatal(err)
	}
	parentConnToW2, err := NewConnFromFD(2, parentW2)
	if err != nil {
		t.Fatal(err)
	}

	parentBus := New(Parent, lg)
	parentBus.AddConn(1, parentConnToW1)
	parentBus.AddConn(2, parentConnToW2)

	w1Bus := New(1, lg)
	w1Bus.AddConn(Parent, w1Conn)

	w2Bus := New(2, lg)
	w2Bus.AddConn(Parent, w2Conn)

	received := make(chan string, 1)
	w2Bus.Register(MsgAcceptAvailable, func(from Destination, h Header, payload []byte) error {
		received <- string(payload)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go parentBus.Serve(ctx, 1)
	go parentBus.Serve(ctx, 2)
	go w2Bus.Serve(ctx, Parent)

	// worker 1 broadcasts ACCEPT_AVAILABLE; the parent must relay it to
	// worker 2 without worker 1 ever holding a direct connection to it.
	if _, err := w1Bus.Send(Broadcast, MsgAcceptAvailable, []byte("lock-free")); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got != "lock-free" {
			t.Fatalf("unexpected relayed payload: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed broadcast")
	}
}
