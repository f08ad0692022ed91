/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package privilege implements the privilege partitioner of spec.md
// §4.E: the fixed, load-bearing sequence every worker and sibling
// process runs immediately after fork, before doing anything with
// untrusted input. It uses golang.org/x/sys/unix directly rather than
// the standard library's syscall package, following the convention the
// rest of this module's domain stack uses for privileged operations
// (internal/shm's mmap, this package's chroot/setuid/setrlimit/seccomp).
package privilege

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/gravwell/workerd/internal/log"
)

// Config names the target identity and filesystem root a process
// partitions itself into. It mirrors the runas_user/root_path options
// of spec.md §6.
type Config struct {
	User         string
	SkipUser     bool
	Root         string
	SkipChroot   bool
	RlimitNofile uint64
}

// Drop runs the six-step privilege-drop sequence of spec.md §4.E, in
// order: resolve user, chroot+chdir, compute and raise RLIMIT_NOFILE,
// setgroups+setuid/setgid, and install the platform sandbox. Any
// failure here is class 1 (initialization-fatal) except the rlimit
// raise, which is logged and continued per spec.md §7 class 3.
func Drop(cfg Config, lg *log.Logger) error {
	var uid, gid int
	var err error

	if !cfg.SkipUser {
		if uid, gid, err = resolveUser(cfg.User); err != nil {
			return fmt.Errorf("resolve user %q: %w", cfg.User, err)
		}
	}

	if !cfg.SkipChroot {
		if err = unix.Chroot(cfg.Root); err != nil {
			return fmt.Errorf("chroot %q: %w", cfg.Root, err)
		}
		if err = unix.Chdir(`/`); err != nil {
			return fmt.Errorf("chdir / after chroot: %w", err)
		}
	} else if cfg.Root != `` {
		if err = unix.Chdir(cfg.Root); err != nil {
			return fmt.Errorf("chdir %q: %w", cfg.Root, err)
		}
	}

	if err = raiseNofileLimit(cfg.RlimitNofile, lg); err != nil {
		lg.Warn("rlimit_nofile raise refused by kernel", log.KVErr(err))
	}

	if !cfg.SkipUser {
		if err = dropToUser(uid, gid); err != nil {
			return fmt.Errorf("drop privileges to uid=%d gid=%d: %w", uid, gid, err)
		}
	}

	if err = InstallSandbox(); err != nil {
		return fmt.Errorf("install sandbox: %w", err)
	}
	return nil
}

func resolveUser(name string) (uid, gid int, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	if uid, err = strconv.Atoi(u.Uid); err != nil {
		return 0, 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	if gid, err = strconv.Atoi(u.Gid); err != nil {
		return 0, 0, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return uid, gid, nil
}

// raiseNofileLimit reads the current soft NOFILE limit, scans open
// descriptors up to it, and raises the new limit by the count of still
// open ones so inherited descriptors (the control socketpair, listener
// fds) survive the tightening, per spec.md §4.E step 3.
func raiseNofileLimit(base uint64, lg *log.Logger) error {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return err
	}
	open := countOpenDescriptors(rl.Cur)
	want := base + open
	if want < rl.Cur {
		want = rl.Cur
	}
	if want > rl.Max {
		want = rl.Max
	}
	nrl := unix.Rlimit{Cur: want, Max: rl.Max}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &nrl)
}

func countOpenDescriptors(limit uint64) uint64 {
	var n uint64
	var stat unix.Stat_t
	for fd := uint64(0); fd < limit; fd++ {
		if unix.Fstat(int(fd), &stat) == nil {
			n++
		}
	}
	return n
}

// dropToUser sets the supplementary group list to gid alone, then the
// real/effective/saved uid and gid to the target values, gid first so
// the process never runs with an elevated gid and a dropped uid.
func dropToUser(uid, gid int) error {
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}
