/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/gravwell/workerd/internal/bus"
	"github.com/gravwell/workerd/internal/log"
	"github.com/gravwell/workerd/internal/shm"
)

func TestRequestCertificatesSendsOnePerDomain(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	workerSide, err := bus.NewConnFromFD(bus.Parent, fds[0])
	if err != nil {
		t.Fatal(err)
	}
	defer workerSide.Close()
	parentSide, err := bus.NewConnFromFD(shm.WorkerID(1), fds[1])
	if err != nil {
		t.Fatal(err)
	}
	defer parentSide.Close()

	lg := log.NewDiscardLogger()
	b := bus.New(shm.WorkerID(1), lg)
	b.AddConn(bus.Parent, workerSide)

	requestCertificates(b, []string{"a.example.com", "b.example.com"}, lg)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		h, payload, err := parentSide.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if h.ID != bus.MsgCertificateReq {
			t.Fatalf("expected CERTIFICATE_REQ, got %s", h.ID)
		}
		if h.Dest != shm.WorkerKeyManager {
			t.Fatalf("expected the request addressed to the key manager, got %d", h.Dest)
		}
		domain, data, err := bus.ValidateCertPayload(payload)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != 0 {
			t.Fatalf("expected an empty data field on a request, got %d bytes", len(data))
		}
		seen[domain] = true
	}
	if !seen["a.example.com"] || !seen["b.example.com"] {
		t.Fatalf("expected a request for every configured domain, got %v", seen)
	}
}

func TestRequestCertificatesNoDomainsSendsNothing(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	// NewConnFromFD closes the fd it adopts, so keep a duplicate of the
	// parent end to peek at the socket with.
	peek, err := unix.Dup(fds[1])
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(peek)
	workerSide, err := bus.NewConnFromFD(bus.Parent, fds[0])
	if err != nil {
		t.Fatal(err)
	}
	defer workerSide.Close()
	parentSide, err := bus.NewConnFromFD(shm.WorkerID(1), fds[1])
	if err != nil {
		t.Fatal(err)
	}
	defer parentSide.Close()

	lg := log.NewDiscardLogger()
	b := bus.New(shm.WorkerID(1), lg)
	b.AddConn(bus.Parent, workerSide)

	requestCertificates(b, nil, lg)

	if err := unix.SetNonblock(peek, true); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if n, err := unix.Read(peek, buf); n > 0 || err == nil {
		t.Fatal("expected no bytes sent when no domains are configured")
	}
}
