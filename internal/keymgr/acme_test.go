/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package keymgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gravwell/workerd/internal/bus"
	"github.com/gravwell/workerd/internal/log"
	"github.com/gravwell/workerd/internal/shm"
)

type fakeChallenger struct {
	cert []byte
	err  error
}

func (f *fakeChallenger) Obtain(ctx context.Context, domain string) ([]byte, error) {
	return f.cert, f.err
}

func wireUpACME(t *testing.T, c Challenger) (workerBus *bus.Bus, stop func()) {
	t.Helper()
	lg := log.NewDiscardLogger()

	acmeEnd, workerEnd := socketpair(t)
	acmeConn, err := bus.NewConnFromFD(bus.Parent, acmeEnd)
	if err != nil {
		t.Fatal(err)
	}
	workerConn, err := bus.NewConnFromFD(1, workerEnd)
	if err != nil {
		t.Fatal(err)
	}

	acmeBus := bus.New(shm.WorkerACME, lg)
	acmeBus.AddConn(1, workerConn)
	NewACMESibling(acmeBus, c, lg)

	workerBus = bus.New(1, lg)
	workerBus.AddConn(bus.Parent, acmeConn)

	ctx, cancel := context.WithCancel(context.Background())
	go acmeBus.Serve(ctx, 1)

	return workerBus, cancel
}

func TestACMECertificateRequestBroadcastsChallenge(t *testing.T) {
	cert := []byte("challenge-cert")
	workerBus, stop := wireUpACME(t, &fakeChallenger{cert: cert})
	defer stop()

	setCh := make(chan []byte, 1)
	certCh := make(chan []byte, 1)
	workerBus.Register(bus.MsgACMEChallengeSetCert, func(from bus.Destination, h bus.Header, payload []byte) error {
		setCh <- payload
		return nil
	})
	workerBus.Register(bus.MsgCertificate, func(from bus.Destination, h bus.Header, payload []byte) error {
		certCh <- payload
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go workerBus.Serve(ctx, bus.Parent)

	reqPayload, err := bus.EncodeCertPayload("challenge.test", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := workerBus.Send(bus.Parent, bus.MsgCertificateReq, reqPayload); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(2 * time.Second)
	var gotSet, gotCert bool
	for !gotSet || !gotCert {
		select {
		case p := <-setCh:
			domain, data, err := bus.ValidateCertPayload(p)
			if err != nil || domain != "challenge.test" || string(data) != string(cert) {
				t.Fatalf("unexpected challenge broadcast: domain=%q data=%q err=%v", domain, data, err)
			}
			gotSet = true
		case p := <-certCh:
			_, data, err := bus.ValidateCertPayload(p)
			if err != nil || string(data) != string(cert) {
				t.Fatalf("unexpected certificate response: data=%q err=%v", data, err)
			}
			gotCert = true
		case <-timeout:
			t.Fatal("timed out waiting for challenge set and certificate response")
		}
	}
}

func TestACMECertificateRequestChallengerError(t *testing.T) {
	wantErr := errors.New("ca unreachable")
	acmeBus := bus.New(shm.WorkerACME, log.NewDiscardLogger())
	a := NewACMESibling(acmeBus, &fakeChallenger{err: wantErr}, log.NewDiscardLogger())

	payload, err := bus.EncodeCertPayload("fails.test", nil)
	if err != nil {
		t.Fatal(err)
	}
	err = a.handleCertificateReq(1, bus.Header{ID: bus.MsgCertificateReq, Origin: 1, Dest: bus.Parent}, payload)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the challenger's error to propagate, got %v", err)
	}
}

func TestACMEClearChallengeBroadcasts(t *testing.T) {
	workerBus, stop := wireUpACMEForClear(t)
	defer stop()

	received := make(chan []byte, 1)
	workerBus.Register(bus.MsgACMEChallengeClearCert, func(from bus.Destination, h bus.Header, payload []byte) error {
		received <- payload
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go workerBus.Serve(ctx, bus.Parent)

	select {
	case got := <-received:
		domain, _, err := bus.ValidateCertPayload(got)
		if err != nil || domain != "done.test" {
			t.Fatalf("unexpected clear-challenge payload: domain=%q err=%v", domain, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for clear-challenge broadcast")
	}
}

// wireUpACMEForClear wires up an ACMESibling and immediately calls
// ClearChallenge on it before returning, exercising the broadcast path
// ClearChallenge takes on its own, with no CERTIFICATE_REQ behind it.
func wireUpACMEForClear(t *testing.T) (workerBus *bus.Bus, stop func()) {
	t.Helper()
	lg := log.NewDiscardLogger()

	acmeEnd, workerEnd := socketpair(t)
	acmeConn, err := bus.NewConnFromFD(bus.Parent, acmeEnd)
	if err != nil {
		t.Fatal(err)
	}
	workerConn, err := bus.NewConnFromFD(1, workerEnd)
	if err != nil {
		t.Fatal(err)
	}

	acmeBus := bus.New(shm.WorkerACME, lg)
	acmeBus.AddConn(1, workerConn)
	a := NewACMESibling(acmeBus, &fakeChallenger{}, lg)

	workerBus = bus.New(1, lg)
	workerBus.AddConn(bus.Parent, acmeConn)

	ctx, cancel := context.WithCancel(context.Background())
	go acmeBus.Serve(ctx, 1)

	if err := a.ClearChallenge("done.test"); err != nil {
		t.Fatal(err)
	}

	return workerBus, cancel
}
