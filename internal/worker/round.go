/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package worker implements the per-process main loop a network worker
// runs after privilege drop: the twelve-step round of spec.md §4.D,
// the accept-lock acquire/release policy, and ACCEPT_AVAILABLE handling.
package worker

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gravwell/workerd/internal/bus"
	"github.com/gravwell/workerd/internal/log"
	"github.com/gravwell/workerd/internal/shm"
)

const (
	sigHUP  = syscall.SIGHUP
	sigINT  = syscall.SIGINT
	sigTERM = syscall.SIGTERM
	sigQUIT = syscall.SIGQUIT
	sigCHLD = syscall.SIGCHLD
)

// ReadySet reports which event classes became ready during a Wait call.
// A real implementation backs this with epoll/kqueue readiness; tests
// use a fake that returns a fixed set.
type ReadySet struct {
	SignalPending    bool
	HTTPInFlight     bool
	CooperativeReady bool
	TimerExpired     bool
}

// EventSource is the worker runtime's external network/timer
// collaborator, named but left unimplemented by spec.md §1's Out of
// scope (it presumes an existing event loop and HTTP pipeline).
type EventSource interface {
	Wait(timeout time.Duration) (ReadySet, error)
}

// Hooks lets the embedding program plug in the actual work a round
// performs once lock/signal/quit bookkeeping is resolved; every hook is
// optional.
type Hooks struct {
	ReloadModules      func()
	RunExpiredWork     func(now time.Time)
	SweepIdle          func(now time.Time)
	PruneConns         func()
	Teardown           func()
	ActiveConns        func() int
	InFlightHTTP       func() int
	ListenerAccept     func(enabled bool)
	ReapChildren       func()
	CooperativeRunnable func() bool
	NextTimerDeadline  func(now time.Time) (time.Time, bool)
	SeedEntropy        func(seed []byte)
}

// Runtime is one network worker's round loop state.
type Runtime struct {
	ID      shm.WorkerID
	Record  *shm.WorkerRecord
	Lock    *shm.LockRegion
	Bus     *bus.Bus
	Source  EventSource
	Hooks   Hooks
	Domains *DomainTable
	lg      *log.Logger

	PoolSize       int
	HasListeners   bool
	MaxConnections int
	HTTPLimit      int
	ReseedInterval time.Duration

	acceptAvail int32 // atomic bool, seeded true at startup and by the ACCEPT_AVAILABLE handler
	acceptOn    bool  // listener accept readiness as of the last round
	lastSeed    time.Time
	lastSweep   time.Time
	quit        bool
	signal      chan os.Signal
}

// NewRuntime builds a Runtime, seeds acceptAvail so the first round is
// willing to try the accept lock, and registers handlers for every
// message a network worker observes per spec.md §4.D/§4.F: ACCEPT_AVAILABLE,
// SHUTDOWN, and the CERTIFICATE/CRL/ENTROPY_RESP/ACME_CHALLENGE_SET_CERT/
// ACME_CHALLENGE_CLEAR_CERT responses from the key-manager and ACME
// siblings. sig is the worker's combined signal channel (SIGHUP/SIGINT/
// SIGTERM/SIGQUIT/SIGCHLD), drained in step 8.
func NewRuntime(id shm.WorkerID, rec *shm.WorkerRecord, lockRegion *shm.LockRegion, b *bus.Bus, src EventSource, sig chan os.Signal, lg *log.Logger) *Runtime {
	r := &Runtime{
		ID:      id,
		Record:  rec,
		Lock:    lockRegion,
		Bus:     b,
		Source:  src,
		Domains: newDomainTable(),
		signal:  sig,
		lg:      lg,
	}
	// The lock starts out unheld by anyone at process startup (no worker
	// has had a chance to acquire it yet), so every worker must be willing
	// to try it on its first round rather than waiting for an
	// ACCEPT_AVAILABLE broadcast that will never come until someone
	// already held and released the lock once.
	r.acceptAvail = 1
	b.Register(bus.MsgAcceptAvailable, func(from bus.Destination, h bus.Header, payload []byte) error {
		atomic.StoreInt32(&r.acceptAvail, 1)
		return nil
	})
	b.Register(bus.MsgShutdown, func(from bus.Destination, h bus.Header, payload []byte) error {
		r.quit = true
		return nil
	})
	b.Register(bus.MsgCertificate, func(from bus.Destination, h bus.Header, payload []byte) error {
		domain, data, err := bus.ValidateCertPayload(payload)
		if err != nil {
			r.lg.Warn(err.Error())
			return nil
		}
		r.Domains.SetCertificate(domain, data)
		return nil
	})
	b.Register(bus.MsgCRL, func(from bus.Destination, h bus.Header, payload []byte) error {
		domain, data, err := bus.ValidateCertPayload(payload)
		if err != nil {
			r.lg.Warn(err.Error())
			return nil
		}
		r.Domains.SetCRL(domain, data)
		return nil
	})
	b.Register(bus.MsgACMEChallengeSetCert, func(from bus.Destination, h bus.Header, payload []byte) error {
		domain, data, err := bus.ValidateCertPayload(payload)
		if err != nil {
			r.lg.Warn(err.Error())
			return nil
		}
		r.Domains.SetAcmeChallenge(domain, data)
		return nil
	})
	b.Register(bus.MsgACMEChallengeClearCert, func(from bus.Destination, h bus.Header, payload []byte) error {
		domain, _, err := bus.ValidateCertPayload(payload)
		if err != nil {
			r.lg.Warn(err.Error())
			return nil
		}
		r.Domains.ClearAcmeChallenge(domain)
		return nil
	})
	b.Register(bus.MsgEntropyResp, func(from bus.Destination, h bus.Header, payload []byte) error {
		seed, err := bus.ValidateEntropyPayload(payload)
		if err != nil {
			r.lg.Warn(err.Error())
			return nil
		}
		if r.Hooks.SeedEntropy != nil {
			r.Hooks.SeedEntropy(seed)
		}
		return nil
	})
	return r
}

// soloMode reports whether the pool is small enough to skip lock
// arbitration entirely, per spec.md §4.D "Accept-lock acquire policy".
func (r *Runtime) soloMode() bool {
	return r.PoolSize <= soloThreshold
}

const soloThreshold = 3 // mirrors config.WorkerSoloCount; kept local to avoid an import cycle

// saturated implements the saturation half of the acquire-policy
// exclusions of spec.md §4.D: a worker already at either ceiling
// declines to contend for the lock this round.
func (r *Runtime) saturated() bool {
	if r.Hooks.ActiveConns != nil && r.Hooks.ActiveConns() >= r.MaxConnections {
		return true
	}
	if r.Hooks.InFlightHTTP != nil && r.Hooks.InFlightHTTP() >= r.HTTPLimit {
		return true
	}
	return false
}

// shouldRelease implements spec.md §4.D's release policy: either
// ceiling being reached forces a release.
func (r *Runtime) shouldRelease() bool {
	return r.saturated()
}

func (r *Runtime) enableAccept() {
	if !r.acceptOn && r.Hooks.ListenerAccept != nil {
		r.Hooks.ListenerAccept(true)
		r.acceptOn = true
	}
}

// MakeBusy is the voluntary release hook spec.md §4.D names: upstream
// code calls it before starting a long-running operation.
func (r *Runtime) MakeBusy() {
	if !r.HasListeners || r.soloMode() {
		return
	}
	if r.Record.HasLock() {
		r.releaseLock()
	}
}

func (r *Runtime) releaseLock() {
	if !r.HasListeners {
		// listener-less workers never actually release; see Round's step 3.
		return
	}
	if r.soloMode() {
		return
	}
	if !r.Lock.Release(int32(os.Getpid())) {
		r.lg.Warn("accept lock release failed CAS, already free", log.KV("worker", int32(r.ID)))
	}
	r.Record.SetHasLock(false)
	if _, err := r.Bus.Send(bus.Broadcast, bus.MsgAcceptAvailable, nil); err != nil {
		r.lg.Warn("accept_available broadcast failed", log.KVErr(err))
	}
}

// Round runs exactly one iteration of the twelve-step loop, returning
// true if the worker should continue looping.
func (r *Runtime) Round(ctx context.Context, now time.Time) (bool, error) {
	// step 2: periodic entropy reseed request
	if r.ReseedInterval > 0 && (r.lastSeed.IsZero() || now.Sub(r.lastSeed) >= r.ReseedInterval) {
		if _, err := r.Bus.Send(shm.WorkerKeyManager, bus.MsgEntropyReq, nil); err != nil {
			r.lg.Warn("entropy request failed", log.KVErr(err))
		}
		r.lastSeed = now
	}

	// step 3: attempt acquisition if eligible. No-listener and solo-pool
	// workers skip arbitration entirely and hold the lock unconditionally
	// (Open Question #2, implemented as documented rather than "fixed").
	if !r.HasListeners || r.soloMode() {
		if !r.Record.HasLock() {
			r.Record.SetHasLock(true)
			r.enableAccept()
		}
	} else if !r.Record.HasLock() && atomic.LoadInt32(&r.acceptAvail) != 0 && !r.saturated() {
		if r.Lock.TryAcquire(int32(os.Getpid())) {
			r.Record.SetHasLock(true)
			atomic.StoreInt32(&r.acceptAvail, 0)
			r.enableAccept()
		}
	}

	// step 4: compute netwait
	netwait := r.computeNetwait()

	// step 5: wait for events
	ready, err := r.Source.Wait(netwait)
	if err != nil {
		return false, err
	}
	now = time.Now()

	// step 6: evaluate release conditions
	if r.Record.HasLock() && r.shouldRelease() {
		r.releaseLock()
	}

	// step 7: disable accept readiness if lock lost
	if !r.Record.HasLock() && r.acceptOn {
		if r.Hooks.ListenerAccept != nil {
			r.Hooks.ListenerAccept(false)
		}
		r.acceptOn = false
	}

	// step 8: drain signal flag
	if ready.SignalPending {
		r.drainSignals()
	}

	// step 9: quit check
	if r.quit {
		return false, nil
	}

	// step 10: run expired work
	if r.Hooks.RunExpiredWork != nil {
		r.Hooks.RunExpiredWork(now)
	}

	// step 11: idle sweep, at most every 500ms
	if now.Sub(r.lastSweep) >= 500*time.Millisecond {
		if r.Hooks.SweepIdle != nil {
			r.Hooks.SweepIdle(now)
		}
		r.lastSweep = now
	}

	// step 12: prune disconnected connections
	if r.Hooks.PruneConns != nil {
		r.Hooks.PruneConns()
	}

	return true, nil
}

// noDeadline is returned by computeNetwait when nothing bounds the
// wait; the EventSource blocks until an actual event arrives.
const noDeadline = -1 * time.Millisecond

// computeNetwait implements spec.md §4.D step 4: the wait timeout is
// the time until the next timer fires, clamped downward by pending
// signals, in-flight HTTP work, or a runnable cooperative task, in that
// order of precedence, or unbounded if none apply.
func (r *Runtime) computeNetwait() time.Duration {
	wait := noDeadline
	if r.Hooks.NextTimerDeadline != nil {
		if when, ok := r.Hooks.NextTimerDeadline(time.Now()); ok {
			if d := time.Until(when); d > 0 {
				wait = d
			} else {
				wait = 0
			}
		}
	}

	clamp := func(d time.Duration) {
		if wait == noDeadline || d < wait {
			wait = d
		}
	}
	if r.signal != nil && len(r.signal) > 0 {
		clamp(10 * time.Millisecond)
	}
	if r.Hooks.InFlightHTTP != nil && r.Hooks.InFlightHTTP() > 0 {
		clamp(100 * time.Millisecond)
	}
	if r.Hooks.CooperativeRunnable != nil && r.Hooks.CooperativeRunnable() {
		clamp(10 * time.Millisecond)
	}
	return wait
}

func (r *Runtime) drainSignals() {
	if r.signal == nil {
		return
	}
	for {
		select {
		case sig := <-r.signal:
			r.handleSignal(sig)
		default:
			return
		}
	}
}

func (r *Runtime) handleSignal(sig os.Signal) {
	switch sig {
	case sigHUP:
		if r.Hooks.ReloadModules != nil {
			r.Hooks.ReloadModules()
		}
	case sigINT, sigTERM, sigQUIT:
		r.quit = true
	case sigCHLD:
		if r.Hooks.ReapChildren != nil {
			r.Hooks.ReapChildren()
		}
	}
}

// Run drives rounds until the context is cancelled, quit is requested,
// or a round returns an error. On exit it runs teardown, notifies the
// parent, and returns.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.teardown()
			return ctx.Err()
		default:
		}
		cont, err := r.Round(ctx, time.Now())
		if err != nil {
			r.teardown()
			return err
		}
		if !cont {
			break
		}
	}
	r.teardown()
	return nil
}

func (r *Runtime) teardown() {
	if r.Hooks.Teardown != nil {
		r.Hooks.Teardown()
	}
	if _, err := r.Bus.Send(bus.Parent, bus.MsgShutdown, nil); err != nil {
		r.lg.Warn("shutdown notification to parent failed", log.KVErr(err))
	}
}
