/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"os"
	"time"

	"github.com/gravwell/workerd/internal/worker"
)

// pollInterval caps how long a single Wait blocks, whatever the timeout,
// so a signal that arrives after it started blocking is noticed within
// this interval.
const pollInterval = 50 * time.Millisecond

// signalWaitSource is the default worker.EventSource: it blocks up to
// the round's computed netwait (at most pollInterval), reporting
// SignalPending once a signal is
// queued. It only peeks at sig's length rather than receiving from it,
// since Runtime.drainSignals is the channel's sole consumer — Wait
// consuming a signal itself would discard the value drainSignals needs
// to dispatch on. The real per-platform epoll/kqueue readiness that
// would also report HTTPInFlight/CooperativeReady/TimerExpired is the
// seam spec.md §1 explicitly leaves out of scope; this is enough to make
// the round loop's signal handling (reload, quit, reap) work end to end.
type signalWaitSource struct {
	sig chan os.Signal
}

func newSignalWaitSource(sig chan os.Signal) *signalWaitSource {
	return &signalWaitSource{sig: sig}
}

func (s *signalWaitSource) Wait(timeout time.Duration) (worker.ReadySet, error) {
	if len(s.sig) > 0 {
		return worker.ReadySet{SignalPending: true}, nil
	}
	wait := timeout
	if wait < 0 || wait > pollInterval {
		wait = pollInterval
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	<-t.C
	return worker.ReadySet{SignalPending: len(s.sig) > 0}, nil
}
