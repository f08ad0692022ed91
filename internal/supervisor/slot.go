/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package supervisor implements the privileged parent process:
// allocating the shared accept-lock region, spawning network workers and
// the key-manager/ACME siblings across it, reaping and restarting them
// per policy, and tearing the pool down on shutdown. A Go process cannot
// safely keep running its runtime in a forked child, so each child is
// started by re-executing the same binary with role, slot and fd
// environment variables (the Env* constants) in place of a bare fork, and
// the shared region crosses exec as an inherited memfd.
package supervisor

import (
	"github.com/gravwell/workerd/internal/shm"
)

// Slot tracks one entry of the worker record table alongside the
// bookkeeping the supervisor alone needs to respawn it in place.
type Slot struct {
	ID      shm.WorkerID
	SlotIdx int // position in the shared region's worker record table, not s.slots
	CPU     int32
	Record  *shm.WorkerRecord
	Pid     int32
}

// IsSibling reports whether this slot is the key-manager or ACME
// sibling rather than a network worker.
func (s *Slot) IsSibling() bool {
	return s.ID.IsSibling()
}
