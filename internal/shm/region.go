/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package shm implements the cross-process shared-memory region the
// supervisor and its workers use for accept-lock arbitration and the
// worker record table. The mapping is backed by a memfd (an anonymous,
// unlinked file living only in kernel memory) rather than a bare
// MAP_ANON mapping: spec.md's "fork" model assumes a classic POSIX
// fork() where anonymous MAP_SHARED pages are inherited automatically,
// but this module spawns workers by re-executing the binary (see
// internal/supervisor), which replaces the process image and would
// drop a MAP_ANON mapping entirely. A memfd survives across exec as
// long as its file descriptor is passed down (internal/supervisor does
// this via os/exec's ExtraFiles), so the child re-mmaps the same
// physical pages by fd instead of relying on inheritance of the
// mapping itself. The typed-view design otherwise follows the
// mmap-based shared memory pattern used elsewhere in the retrieved
// corpus (kernel/threads/sab.SharedMemoryProvider), adapted from a
// byte-addressed provider to two strongly-typed views per spec.md §9:
// a LockRegion and a WorkerRecord array.
package shm

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// WorkerID identifies a slot in the worker record table. Network workers
// are numbered starting at 1; two negative values are reserved for the
// privileged siblings so the supervisor can branch on id alone.
type WorkerID int32

const (
	// WorkerKeyManager is the reserved id of the key-manager sibling.
	WorkerKeyManager WorkerID = -2
	// WorkerACME is the reserved id of the ACME sibling.
	WorkerACME WorkerID = -1
)

// IsSibling reports whether id names a privileged, non-restartable
// sibling rather than a network worker.
func (id WorkerID) IsSibling() bool {
	return id == WorkerKeyManager || id == WorkerACME
}

// LockRegion is the mutual-exclusion accept lock, mapped at offset 0 of
// the shared region. Word is the CAS target: 0 means free, 1 means held.
// Current is the pid of the holder, kept for forensic and forced-release
// purposes. Both fields are word-sized and safe to read across process
// boundaries per spec.md §5.
type LockRegion struct {
	Word    uint32
	Current int32
}

// TryAcquire performs an atomic CAS of the lock word from 0 to 1. On
// success it records pid as the holder and returns true; on failure it
// returns false without any side effect.
func (l *LockRegion) TryAcquire(pid int32) bool {
	if !atomic.CompareAndSwapUint32(&l.Word, 0, 1) {
		return false
	}
	atomic.StoreInt32(&l.Current, pid)
	return true
}

// Release clears the holder pid and then CASes the word from 1 to 0. A
// failed CAS (the word was already 0) is a soft error: it means the
// supervisor forcibly released this lock out from under a dying worker.
// Release reports whether its own CAS actually flipped the word, so the
// caller can decide whether to log the soft-error case.
func (l *LockRegion) Release(pid int32) bool {
	atomic.StoreInt32(&l.Current, 0)
	return atomic.CompareAndSwapUint32(&l.Word, 1, 0)
}

// ForceRelease unconditionally zeroes the lock, used by the supervisor
// after reaping a worker that died while holding it. It does not check
// the previous holder's pid: by the time the supervisor acts, the dying
// process can no longer contend for the word.
func (l *LockRegion) ForceRelease() {
	atomic.StoreInt32(&l.Current, 0)
	atomic.StoreUint32(&l.Word, 0)
}

// Held reports the current lock word and holder pid.
func (l *LockRegion) Held() (held bool, pid int32) {
	return atomic.LoadUint32(&l.Word) == 1, atomic.LoadInt32(&l.Current)
}

// WorkerRecord is one entry of the worker record table. Per spec.md §4.B
// the supervisor is the only writer of ID, CPU, Pid, Running, Restarted;
// the owning process is the only writer of HasLock and the debug fields.
type WorkerRecord struct {
	ID          WorkerID
	CPU         int32
	Pid         int32
	flags       uint32 // bit 0: running, bit 1: restarted, bit 2: has_lock
	LastHandler [64]byte
	LogBufOff   uint32
}

const (
	flagRunning = 1 << iota
	flagRestarted
	flagHasLock
)

func (r *WorkerRecord) setFlag(mask uint32, v bool) {
	for {
		old := atomic.LoadUint32(&r.flags)
		var n uint32
		if v {
			n = old | mask
		} else {
			n = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&r.flags, old, n) {
			return
		}
	}
}

func (r *WorkerRecord) getFlag(mask uint32) bool {
	return atomic.LoadUint32(&r.flags)&mask != 0
}

// Running, SetRunning: supervisor-owned liveness flag.
func (r *WorkerRecord) Running() bool         { return r.getFlag(flagRunning) }
func (r *WorkerRecord) SetRunning(v bool)     { r.setFlag(flagRunning, v) }

// Restarted, SetRestarted: supervisor-owned re-spawn marker, read by the
// new worker process on startup to decide whether to request a fresh
// certificate immediately.
func (r *WorkerRecord) Restarted() bool       { return r.getFlag(flagRestarted) }
func (r *WorkerRecord) SetRestarted(v bool)   { r.setFlag(flagRestarted, v) }

// HasLock, SetHasLock: owning-process-only advisory mirror of lock
// ownership; authority always lives in LockRegion, never here.
func (r *WorkerRecord) HasLock() bool         { return r.getFlag(flagHasLock) }
func (r *WorkerRecord) SetHasLock(v bool)     { r.setFlag(flagHasLock, v) }

// SetLastHandler records the name of the request handler currently
// executing, for post-mortem crash diagnostics. Process-local only: a
// crash can leave stale bytes here, which is an accepted soft failure
// mode per spec.md §3 invariant 7.
func (r *WorkerRecord) SetLastHandler(name string) {
	var buf [64]byte
	n := copy(buf[:len(buf)-1], name)
	_ = n
	r.LastHandler = buf
}

// LastHandlerString returns the NUL-terminated handler name as a string.
func (r *WorkerRecord) LastHandlerString() string {
	n := 0
	for n < len(r.LastHandler) && r.LastHandler[n] != 0 {
		n++
	}
	return string(r.LastHandler[:n])
}

var (
	// ErrAlreadyClosed is returned by Region methods called after Close.
	ErrAlreadyClosed = errors.New("shm: region already closed")
	// ErrInvalidSlotCount is returned when NewRegion is asked to size a
	// region with zero or negative slots.
	ErrInvalidSlotCount = errors.New("shm: slot count must be > 0")
)

// Region is the mapped shared-memory block containing the LockRegion
// followed by a WorkerRecord array. The supervisor creates it once via
// NewRegion before spawning any worker; each worker process re-attaches
// to the same physical pages via OpenRegion using the memfd it inherited
// across exec. All cross-process access goes through the typed
// accessors here rather than raw pointer arithmetic elsewhere.
type Region struct {
	fd     int
	data   []byte
	slots  int
	closed bool
}

func recordOffset(i int) int {
	return int(unsafe.Sizeof(LockRegion{})) + i*int(unsafe.Sizeof(WorkerRecord{}))
}

func regionSize(slots int) int {
	sz := recordOffset(slots)
	const pageSize = 4096
	if rem := sz % pageSize; rem != 0 {
		sz += pageSize - rem
	}
	return sz
}

// NewRegion creates a memfd-backed shared mapping large enough to hold
// a LockRegion plus slots WorkerRecords, zeroed. slots must already
// include the two reserved sibling slots per spec.md §4.B. The returned
// Region's Fd is stable across fork and, so long as it is passed down
// as an inherited descriptor, across exec as well.
func NewRegion(slots int) (*Region, error) {
	if slots <= 0 {
		return nil, ErrInvalidSlotCount
	}
	sz := regionSize(slots)
	fd, err := unix.MemfdCreate("workerd-shm", 0)
	if err != nil {
		return nil, err
	}
	if err = unix.Ftruncate(fd, int64(sz)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return mapRegion(fd, slots, sz)
}

// OpenRegion re-attaches to an existing memfd inherited as fd, mapping
// the same physical pages the supervisor allocated. Used by a worker
// process immediately after exec, before privilege.Drop runs.
func OpenRegion(fd, slots int) (*Region, error) {
	if slots <= 0 {
		return nil, ErrInvalidSlotCount
	}
	return mapRegion(fd, slots, regionSize(slots))
}

func mapRegion(fd, slots, sz int) (*Region, error) {
	data, err := unix.Mmap(fd, 0, sz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Region{fd: fd, data: data, slots: slots}, nil
}

// Fd returns the memfd backing this mapping, to be passed to a child
// process via os/exec's ExtraFiles.
func (r *Region) Fd() int {
	return r.fd
}

// Close unmaps the region and closes its memfd. It must only be called
// once every worker slot has reached running=false, per spec.md §3's
// lifecycle rule, and only by the process that owns this *Region value
// (a worker's OpenRegion'd handle should simply be dropped, not closed,
// since the supervisor remains the authoritative owner of the memfd).
func (r *Region) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return unix.Close(r.fd)
}

// Lock returns a pointer to the embedded accept-lock region.
func (r *Region) Lock() *LockRegion {
	return (*LockRegion)(unsafe.Pointer(&r.data[0]))
}

// Slots returns the number of worker record slots in the region.
func (r *Region) Slots() int {
	return r.slots
}

// Worker returns a pointer to the i'th worker record, i in [0, Slots()).
// The pointer is into the shared mapping; writes through it are visible
// to every process mapping this region.
func (r *Region) Worker(i int) *WorkerRecord {
	off := recordOffset(i)
	return (*WorkerRecord)(unsafe.Pointer(&r.data[off]))
}
