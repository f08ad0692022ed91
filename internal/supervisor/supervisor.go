/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v4/cpu"
	"golang.org/x/sys/unix"

	"github.com/gravwell/workerd/internal/bus"
	"github.com/gravwell/workerd/internal/config"
	"github.com/gravwell/workerd/internal/log"
	"github.com/gravwell/workerd/internal/shm"
)

// role/slot/cpu/shmfd/restarted are the environment variables the
// re-exec'd child inspects on startup to decide it is a worker rather
// than a fresh supervisor invocation, and which slot and memfd it owns.
const (
	EnvRole      = `WORKERD_ROLE`
	EnvSlot      = `WORKERD_SLOT`
	EnvID        = `WORKERD_ID`
	EnvCPU       = `WORKERD_CPU`
	EnvShmFD     = `WORKERD_SHM_FD`
	EnvSlots     = `WORKERD_SLOTS`
	EnvRestarted = `WORKERD_RESTARTED`
	EnvCtrlFD    = `WORKERD_CTRL_FD`
	// EnvConfigFile carries the path the child re-reads with
	// config.Load, since a re-exec'd process starts with an empty
	// environment of Go state and must reconstruct its own config.Config
	// from disk rather than inheriting the supervisor's in-memory copy.
	EnvConfigFile = `WORKERD_CONFIG_FILE`

	RoleWorker    = `worker`
	RoleKeyMgr    = `keymgr`
	RoleACME      = `acme`
)

var ErrNotInitialized = errors.New("supervisor: not initialized")

// Supervisor is the privileged parent process: it owns the shared
// accept-lock region, the worker record table, and every child's pid
// and control connection, per spec.md §4.C.
type Supervisor struct {
	cfg     config.Config
	cfgPath string
	lg      *log.Logger
	region  *shm.Region
	shmFile *os.File // long-lived wrapper of region.Fd(), reused across every spawn so its finalizer never fires mid-lifetime
	bin     string

	mtx   sync.Mutex
	slots []*Slot
	cmds  map[shm.WorkerID]*exec.Cmd

	ctrlBus *bus.Bus

	// spawnWorkerFn defaults to s.spawnWorker; tests override it to avoid
	// actually re-exec'ing a binary while still exercising handleExit's
	// restart-vs-terminate branching.
	spawnWorkerFn func(slotIdx int, id shm.WorkerID, cpuIdx int32, restarted bool) error
}

// New constructs a Supervisor. bin is the path to re-exec for each
// worker, normally os.Args[0] resolved to an absolute path.
func New(cfg config.Config, lg *log.Logger, bin string) *Supervisor {
	s := &Supervisor{
		cfg:  cfg,
		lg:   lg,
		bin:  bin,
		cmds: make(map[shm.WorkerID]*exec.Cmd),
	}
	s.spawnWorkerFn = s.spawnWorker
	return s
}

// SetConfigPath records the on-disk config file path to pass down to
// every re-exec'd child via EnvConfigFile.
func (s *Supervisor) SetConfigPath(p string) {
	s.cfgPath = p
}

// poolSize resolves the configured worker_count, falling back to the
// detected logical CPU count when it is zero, per spec.md §4.C.
func (s *Supervisor) poolSize() (int, error) {
	if s.cfg.Global.Worker_Count > 0 {
		return s.cfg.Global.Worker_Count, nil
	}
	n, err := cpu.Counts(true)
	if err != nil {
		return 0, fmt.Errorf("detect cpu count: %w", err)
	}
	if n <= 0 {
		n = 1
	}
	return n, nil
}

// Initialize allocates the shared region, then spawns the key-manager
// and ACME siblings (if enabled) and every network worker, round-robin
// across detected CPUs, per spec.md §4.C.
func (s *Supervisor) Initialize() error {
	pool, err := s.poolSize()
	if err != nil {
		return err
	}
	// two reserved slots for key-manager and ACME regardless of whether
	// ACME is enabled, per spec.md §4.B.
	region, err := shm.NewRegion(pool + 2)
	if err != nil {
		return fmt.Errorf("allocate shared region: %w", err)
	}
	s.region = region
	s.shmFile = os.NewFile(uintptr(region.Fd()), "workerd-shm")
	s.ctrlBus = bus.New(bus.Parent, s.lg)

	ncpu, err := cpu.Counts(true)
	if err != nil || ncpu <= 0 {
		ncpu = 1
	}

	// ACME first (so the key-manager can talk to it), then key-manager,
	// both pinned to cpu 0 per spec.md §4.C.
	if s.cfg.Global.ACME_Enabled {
		if err := s.spawnSibling(shm.WorkerACME, RoleACME, 0); err != nil {
			return fmt.Errorf("spawn acme sibling: %w", err)
		}
	}
	if s.cfg.Global.Keymgr_Enabled {
		if err := s.spawnSibling(shm.WorkerKeyManager, RoleKeyMgr, 0); err != nil {
			return fmt.Errorf("spawn key-manager sibling: %w", err)
		}
	}

	for i := 0; i < pool; i++ {
		id := shm.WorkerID(i + 1)
		cpuIdx := int32(i % ncpu)
		if err := s.spawnWorker(i+2, id, cpuIdx, false); err != nil {
			return fmt.Errorf("spawn worker %d: %w", id, err)
		}
	}
	return nil
}

func (s *Supervisor) spawnSibling(id shm.WorkerID, role string, cpuIdx int32) error {
	slotIdx := 0
	if id == shm.WorkerKeyManager {
		slotIdx = 1
	}
	return s.spawn(slotIdx, id, cpuIdx, role, false)
}

func (s *Supervisor) spawnWorker(slotIdx int, id shm.WorkerID, cpuIdx int32, restarted bool) error {
	return s.spawn(slotIdx, id, cpuIdx, RoleWorker, restarted)
}

// spawn creates a control socketpair, re-execs the supervisor binary
// with environment describing the role/slot/cpu/shm fd, and records the
// resulting pid in the worker record table. The child's early startup
// path (cmd/workerd) recognizes EnvRole and calls into worker_entry
// instead of running the supervisor, the Go-idiomatic substitute for
// spec.md's "fork; the child calls worker_entry and never returns".
func (s *Supervisor) spawn(slotIdx int, id shm.WorkerID, cpuIdx int32, role string, restarted bool) error {
	if s.region == nil {
		return ErrNotInitialized
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socketpair: %w", err)
	}
	childEnd := os.NewFile(uintptr(fds[1]), fmt.Sprintf("ctrl-child-%d", id))
	defer childEnd.Close()

	cmd := &exec.Cmd{
		Path:       s.bin,
		Args:       []string{s.bin},
		ExtraFiles: []*os.File{childEnd, s.shmFile},
		Env: append(os.Environ(),
			EnvRole+`=`+role,
			EnvSlot+`=`+itoa(slotIdx),
			EnvID+`=`+itoa(int(id)),
			EnvCPU+`=`+itoa(int(cpuIdx)),
			EnvCtrlFD+`=`+itoa(3), // ExtraFiles[0]: childEnd
			EnvShmFD+`=`+itoa(4),  // ExtraFiles[1]: shmFile
			EnvSlots+`=`+itoa(s.region.Slots()),
			EnvRestarted+`=`+boolStr(restarted),
			EnvConfigFile+`=`+s.cfgPath,
		),
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
	}
	if err := cmd.Start(); err != nil {
		unix.Close(fds[0])
		return fmt.Errorf("start worker process: %w", err)
	}

	rec := s.region.Worker(slotIdx)
	rec.ID = id
	rec.CPU = cpuIdx
	rec.Pid = int32(cmd.Process.Pid)
	rec.SetRunning(true)
	rec.SetRestarted(restarted)

	conn, err := bus.NewConnFromFD(id, fds[0])
	if err != nil {
		return fmt.Errorf("wrap control connection: %w", err)
	}
	s.ctrlBus.AddConn(id, conn)
	// relay this child's frames until its conn is closed by RemoveConn
	go s.ctrlBus.Serve(context.Background(), id)

	s.mtx.Lock()
	s.cmds[id] = cmd
	if existing := s.findSlotLocked(id); existing != nil {
		// re-spawn of an existing slot (restart): update in place rather
		// than appending, or s.slots would grow one stale duplicate per
		// crash even though every duplicate shares the same underlying
		// WorkerRecord.
		existing.SlotIdx = slotIdx
		existing.CPU = cpuIdx
		existing.Pid = rec.Pid
	} else {
		s.slots = append(s.slots, &Slot{ID: id, SlotIdx: slotIdx, CPU: cpuIdx, Record: rec, Pid: rec.Pid})
	}
	s.mtx.Unlock()

	s.lg.Info("spawned worker", log.KV("id", int32(id)), log.KV("pid", rec.Pid), log.KV("cpu", cpuIdx), log.KV("role", role))
	return nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

func boolStr(b bool) string {
	if b {
		return `1`
	}
	return `0`
}

// DispatchSignal delivers sig to every worker's pid; failures are
// logged, not fatal, per spec.md §4.C.
func (s *Supervisor) DispatchSignal(sig syscall.Signal) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, slot := range s.slots {
		pid := int(slot.Record.Pid)
		if pid <= 0 {
			continue
		}
		if err := syscall.Kill(pid, sig); err != nil {
			s.lg.Warn("signal delivery failed", log.KV("pid", pid), log.KV("signal", sig.String()), log.KVErr(err))
		}
	}
}

// Reap performs one non-blocking reap pass, matching spec.md §4.C's
// reap() loop. It returns true if self-termination was requested (a
// sibling died, or policy is terminate and a network worker died).
func (s *Supervisor) Reap() (selfTerminate bool, err error) {
	for {
		var ws syscall.WaitStatus
		pid, werr := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if werr != nil {
			if errors.Is(werr, syscall.ECHILD) {
				return selfTerminate, nil
			}
			return selfTerminate, werr
		}
		if pid <= 0 {
			return selfTerminate, nil
		}
		if term := s.handleExit(int32(pid), ws); term {
			selfTerminate = true
		}
	}
}

func (s *Supervisor) handleExit(pid int32, ws syscall.WaitStatus) (selfTerminate bool) {
	s.mtx.Lock()
	var slot *Slot
	for _, sl := range s.slots {
		if sl.Record.Pid == pid {
			slot = sl
			break
		}
	}
	s.mtx.Unlock()
	if slot == nil {
		return false
	}

	slot.Record.SetRunning(false)
	clean := ws.Exited() && ws.ExitStatus() == 0
	s.lg.Info("worker exited", log.KV("id", int32(slot.ID)), log.KV("pid", pid), log.KV("clean", clean))

	if clean {
		return false
	}

	if slot.IsSibling() {
		s.lg.Error("sibling process died, terminating server", log.KV("id", int32(slot.ID)))
		s.raiseSelf(syscall.SIGTERM)
		return true
	}

	if s.cfg.Global.Worker_Policy == config.RestartPolicyTerminate {
		s.lg.Error("worker died under terminate policy, terminating server", log.KV("id", int32(slot.ID)))
		s.raiseSelf(syscall.SIGTERM)
		return true
	}

	// restart policy: release the lock if this pid held it, then re-spawn
	// the same slot with the same id and cpu immediately. spec.md §7 class
	// 4 is explicit that the supervisor does not dampen restart storms: a
	// slot that crashes right after restart is restarted again right away.
	if held, holder := s.region.Lock().Held(); held && holder == pid {
		s.region.Lock().ForceRelease()
		s.lg.Warn("forced accept lock release for dead holder", log.KV("pid", pid))
	}
	slot.Record.SetRestarted(true)
	s.ctrlBus.RemoveConn(slot.ID)

	slotIdx := s.slotIndex(slot.ID)
	if err := s.spawnWorkerFn(slotIdx, slot.ID, slot.CPU, true); err != nil {
		s.lg.Error("failed to respawn worker", log.KV("id", int32(slot.ID)), log.KVErr(err))
	}
	return false
}

// raiseSelf delivers sig to the supervisor's own pid, the literal
// "raise SIGTERM on self" of spec.md §4.C, so the ordinary signal-wait
// loop in cmd/workerd drives the ensuing shutdown the same way an
// operator-sent SIGTERM would.
func (s *Supervisor) raiseSelf(sig syscall.Signal) {
	if err := syscall.Kill(os.Getpid(), sig); err != nil {
		s.lg.Error("failed to signal self", log.KVErr(err))
	}
}

// slotIndex returns the shared region's worker record table index for
// id, i.e. the value to pass back into spawn when respawning it. This is
// NOT the position of the Slot within s.slots, which only coincidentally
// matches when ACME and the key-manager are both enabled.
func (s *Supervisor) slotIndex(id shm.WorkerID) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if sl := s.findSlotLocked(id); sl != nil {
		return sl.SlotIdx
	}
	return -1
}

// findSlotLocked returns the existing Slot tracking id, if any. Callers
// must hold s.mtx.
func (s *Supervisor) findSlotLocked(id shm.WorkerID) *Slot {
	for _, sl := range s.slots {
		if sl.ID == id {
			return sl
		}
	}
	return nil
}

// Shutdown blocks waiting for every worker to exit, then releases the
// shared region, per spec.md §4.C.
func (s *Supervisor) Shutdown() error {
	s.DispatchSignal(syscall.SIGTERM)
	s.mtx.Lock()
	pids := make([]int32, 0, len(s.slots))
	for _, sl := range s.slots {
		pids = append(pids, sl.Record.Pid)
	}
	s.mtx.Unlock()

	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		var ws syscall.WaitStatus
		if _, err := syscall.Wait4(int(pid), &ws, 0, nil); err != nil && !errors.Is(err, syscall.ECHILD) {
			s.lg.Warn("wait for worker exit failed", log.KV("pid", pid), log.KVErr(err))
		}
	}
	if s.region != nil {
		return s.region.Close()
	}
	return nil
}
