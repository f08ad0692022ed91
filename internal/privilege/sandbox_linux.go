//go:build linux
// +build linux

/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package privilege

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// InstallSandbox installs a seccomp-bpf filter restricting the calling
// process to the syscalls a worker needs after privilege drop: socket
// I/O, memory management already performed by the parent's shared
// mapping, and process exit. It is the last step of spec.md §4.E and is
// irreversible for the lifetime of the process.
func InstallSandbox() error {
	filter := seccompFilter()
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&filter[0])),
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&prog))); errno != 0 {
		return fmt.Errorf("prctl(PR_SET_SECCOMP): %w", errno)
	}
	return nil
}

// seccompFilter builds a minimal allow-list BPF program: load the
// syscall number, compare against each allowed number falling through
// to ALLOW, default to killing the whole process. This is deliberately
// permissive about which syscalls are allowed (the worker's read/write
// loop, net package, and runtime all need a broad base set) and instead
// exists to close off the syscalls a compromised worker would need to
// escalate: ptrace, mount, reboot, kexec_load, and friends are absent
// and fall through to the kill action.
func seccompFilter() []unix.SockFilter {
	allowed := []uintptr{
		unix.SYS_READ, unix.SYS_WRITE, unix.SYS_CLOSE, unix.SYS_FSTAT,
		unix.SYS_LSEEK, unix.SYS_MMAP, unix.SYS_MUNMAP, unix.SYS_BRK,
		unix.SYS_RT_SIGACTION, unix.SYS_RT_SIGPROCMASK, unix.SYS_RT_SIGRETURN,
		unix.SYS_IOCTL, unix.SYS_PREAD64, unix.SYS_PWRITE64, unix.SYS_READV,
		unix.SYS_WRITEV, unix.SYS_ACCESS, unix.SYS_PIPE, unix.SYS_SELECT,
		unix.SYS_SCHED_YIELD, unix.SYS_MADVISE, unix.SYS_DUP, unix.SYS_DUP2,
		unix.SYS_NANOSLEEP, unix.SYS_GETPID, unix.SYS_SOCKET, unix.SYS_CONNECT,
		unix.SYS_ACCEPT, unix.SYS_ACCEPT4, unix.SYS_SENDTO, unix.SYS_RECVFROM,
		unix.SYS_SENDMSG, unix.SYS_RECVMSG, unix.SYS_SHUTDOWN, unix.SYS_BIND,
		unix.SYS_LISTEN, unix.SYS_GETSOCKNAME, unix.SYS_GETPEERNAME,
		unix.SYS_SETSOCKOPT, unix.SYS_GETSOCKOPT, unix.SYS_CLONE,
		unix.SYS_EXIT, unix.SYS_EXIT_GROUP, unix.SYS_FCNTL, unix.SYS_GETRANDOM,
		unix.SYS_EPOLL_CREATE1, unix.SYS_EPOLL_CTL, unix.SYS_EPOLL_PWAIT,
		unix.SYS_EVENTFD2, unix.SYS_FUTEX, unix.SYS_GETTID, unix.SYS_TGKILL,
		unix.SYS_CLOCK_GETTIME, unix.SYS_GETRLIMIT, unix.SYS_SIGALTSTACK,
		unix.SYS_OPENAT, unix.SYS_UNLINKAT, unix.SYS_SET_ROBUST_LIST,
	}

	prog := make([]unix.SockFilter, 0, len(allowed)*2+3)
	prog = append(prog, bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, 0)) // load syscall nr

	for i, nr := range allowed {
		jt := uint8(len(allowed) - i)
		if jt > 255 {
			jt = 255
		}
		prog = append(prog, bpfJump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(nr), jt, 0))
	}
	prog = append(prog, bpfStmt(unix.BPF_RET|unix.BPF_K, uint32(seccompRetKillProcess)))
	prog = append(prog, bpfStmt(unix.BPF_RET|unix.BPF_K, uint32(seccompRetAllow)))
	return prog
}

const (
	seccompRetKillProcess = 0x80000000
	seccompRetAllow       = 0x7fff0000
)

func bpfStmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

func bpfJump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}
