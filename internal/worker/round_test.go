/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package worker

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gravwell/workerd/internal/bus"
	"github.com/gravwell/workerd/internal/log"
	"github.com/gravwell/workerd/internal/shm"
)

type fakeEventSource struct {
	ready ReadySet
	err   error
	calls int
}

func (f *fakeEventSource) Wait(timeout time.Duration) (ReadySet, error) {
	f.calls++
	return f.ready, f.err
}

func newTestRuntime(t *testing.T, poolSize int, hasListeners bool) (*Runtime, *fakeEventSource) {
	t.Helper()
	region, err := shm.NewRegion(1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { region.Close() })

	lg := log.NewDiscardLogger()
	b := bus.New(1, lg)
	src := &fakeEventSource{}
	r := NewRuntime(1, region.Worker(0), region.Lock(), b, src, nil, lg)
	r.PoolSize = poolSize
	r.HasListeners = hasListeners
	r.MaxConnections = 10
	r.HTTPLimit = 10
	return r, src
}

func TestSoloPoolAlwaysHoldsLock(t *testing.T) {
	r, src := newTestRuntime(t, 3, true)
	cont, err := r.Round(context.Background(), time.Now())
	if err != nil || !cont {
		t.Fatalf("unexpected round result: cont=%v err=%v", cont, err)
	}
	if !r.Record.HasLock() {
		t.Fatal("expected solo pool worker to hold the lock unconditionally")
	}
	if src.calls != 1 {
		t.Fatalf("expected exactly one Wait call, got %d", src.calls)
	}
}

func TestNoListenersAlwaysHoldsLock(t *testing.T) {
	r, _ := newTestRuntime(t, 8, false)
	if _, err := r.Round(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if !r.Record.HasLock() {
		t.Fatal("expected listener-less worker to hold the lock unconditionally")
	}
	// saturate it and confirm release is never attempted
	r.Hooks.ActiveConns = func() int { return r.MaxConnections }
	if _, err := r.Round(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if !r.Record.HasLock() {
		t.Fatal("expected listener-less worker to retain the lock even when saturated")
	}
}

func TestLargePoolAcquiresOnStartup(t *testing.T) {
	r, _ := newTestRuntime(t, 8, true)
	if _, err := r.Round(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if !r.Record.HasLock() {
		t.Fatal("expected a freshly constructed worker to try and acquire the free lock on its first round")
	}
}

func TestLargePoolDeclinesWithoutAcceptAvail(t *testing.T) {
	r, _ := newTestRuntime(t, 8, true)
	r.acceptAvail = 0
	if _, err := r.Round(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if r.Record.HasLock() {
		t.Fatal("expected a contending worker to not acquire the lock without accept_avail set")
	}
}

func TestLargePoolAcquiresOnAcceptAvail(t *testing.T) {
	r, _ := newTestRuntime(t, 8, true)
	r.acceptAvail = 0
	r.acceptAvail = 1
	if _, err := r.Round(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if !r.Record.HasLock() {
		t.Fatal("expected the worker to acquire the free lock")
	}
}

func TestReleaseOnSaturation(t *testing.T) {
	r, _ := newTestRuntime(t, 8, true)
	r.acceptAvail = 1
	if _, err := r.Round(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if !r.Record.HasLock() {
		t.Fatal("expected the worker to acquire the lock")
	}
	r.Hooks.ActiveConns = func() int { return r.MaxConnections }
	if _, err := r.Round(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if r.Record.HasLock() {
		t.Fatal("expected the worker to release the lock once saturated")
	}
}

func TestQuitOnShutdownMessage(t *testing.T) {
	r, _ := newTestRuntime(t, 8, true)
	r.quit = true
	cont, err := r.Round(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if cont {
		t.Fatal("expected the round loop to stop once quit is set")
	}
}

func TestComputeNetwaitClampsToSignalPending(t *testing.T) {
	r, _ := newTestRuntime(t, 8, true)
	r.signal = make(chan os.Signal, 1)
	r.signal <- syscall.SIGHUP
	d := r.computeNetwait()
	if d != 10*time.Millisecond {
		t.Fatalf("expected 10ms clamp for pending signal, got %v", d)
	}
}

func TestComputeNetwaitClampsToHTTPInFlight(t *testing.T) {
	r, _ := newTestRuntime(t, 8, true)
	r.Hooks.InFlightHTTP = func() int { return 1 }
	d := r.computeNetwait()
	if d != 100*time.Millisecond {
		t.Fatalf("expected 100ms clamp for in-flight HTTP work, got %v", d)
	}
}

func TestComputeNetwaitUnboundedByDefault(t *testing.T) {
	r, _ := newTestRuntime(t, 8, true)
	if d := r.computeNetwait(); d != noDeadline {
		t.Fatalf("expected no deadline with nothing pending, got %v", d)
	}
}
