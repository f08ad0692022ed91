/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command workerd is both the privileged supervisor and, re-exec'd with
// WORKERD_ROLE set, every worker/key-manager/ACME child it spawns: see
// internal/supervisor's package doc for why re-exec stands in for
// spec.md's fork-based model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/gravwell/workerd/internal/config"
	"github.com/gravwell/workerd/internal/log"
	"github.com/gravwell/workerd/internal/log/rotate"
	"github.com/gravwell/workerd/internal/sigutil"
	"github.com/gravwell/workerd/internal/supervisor"
	"github.com/gravwell/workerd/internal/version"
)

const defConfigLoc = `/opt/workerd/etc/workerd.cfg`

var (
	cfgFlag     = flag.String(`config-override`, ``, `Override config file path`)
	versionFlag = flag.Bool(`version`, false, `Print version and exit`)
)

func main() {
	flag.Parse()
	if *versionFlag {
		version.PrintVersion(os.Stdout)
		return
	}

	if role := os.Getenv(supervisor.EnvRole); role != `` {
		if err := runChild(role); err != nil {
			fmt.Fprintln(os.Stderr, "workerd child failed:", err)
			os.Exit(1)
		}
		return
	}

	cfgFile := defConfigLoc
	if *cfgFlag != `` {
		cfgFile = *cfgFlag
	}
	if err := runSupervisor(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "workerd:", err)
		os.Exit(1)
	}
}

// runSupervisor loads configuration, builds the logger, and drives the
// supervisor through Initialize/reap-until-shutdown/Shutdown, the same
// config -> logger -> run -> wait-for-quit -> close shape as the
// teacher's manager/main.go.
func runSupervisor(cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgFile, err)
	}

	lg, err := buildLogger(cfg.Global)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer lg.Close()

	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	if cfg.Global.Pid_File != `` {
		if err := writePidFile(cfg.Global.Pid_File); err != nil {
			lg.Warn("failed to write pid file", log.KVErr(err))
		} else {
			defer os.Remove(cfg.Global.Pid_File)
		}
	}

	sv := supervisor.New(cfg, lg, bin)
	sv.SetConfigPath(cfgFile)
	if err := sv.Initialize(); err != nil {
		return fmt.Errorf("initialize worker pool: %w", err)
	}
	lg.Info("worker pool initialized", log.KV("worker_count", cfg.Global.Worker_Count))

	childSig := sigutil.GetChildChannel()
	defer sigutil.Stop(childSig)
	quitSig := sigutil.GetQuitChannel()
	defer sigutil.Stop(quitSig)
	reloadSig := sigutil.GetReloadChannel()
	defer sigutil.Stop(reloadSig)

	for {
		select {
		case sig := <-quitSig:
			lg.Info("received shutdown signal", log.KV("signal", sig.String()))
			return sv.Shutdown()
		case <-reloadSig:
			lg.Info("received reload signal, forwarding SIGHUP to workers")
			sv.DispatchSignal(syscall.SIGHUP)
		case <-childSig:
			term, err := sv.Reap()
			if err != nil {
				lg.Warn("reap failed", log.KVErr(err))
				continue
			}
			if term {
				lg.Info("a privileged sibling or policy=terminate worker died, shutting down")
				return sv.Shutdown()
			}
		}
	}
}

func writePidFile(p string) error {
	return os.WriteFile(p, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// buildLogger wires internal/log to a rotated file when log_file and
// log_max_size_mb are both set, a plain append-mode file when only
// log_file is set, or stderr otherwise, following manager/config.go's
// Global.Log_File/Global.Log_Level pattern.
func buildLogger(g config.Global) (*log.Logger, error) {
	var lg *log.Logger
	var err error
	switch {
	case g.Log_File == ``:
		lg, err = log.NewStderrLogger(``)
	case g.Log_Max_Size_MB > 0:
		lg, err = newRotatedLogger(g.Log_File, g.Log_Max_Size_MB, g.Log_Max_History)
	default:
		lg, err = log.NewFile(g.Log_File)
	}
	if err != nil {
		return nil, err
	}
	if err := lg.SetLevelString(g.Log_Level); err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", g.Log_Level, err)
	}
	return lg, nil
}

func newRotatedLogger(path string, maxSizeMB, maxHistory int) (*log.Logger, error) {
	history := maxHistory
	if history <= 0 {
		history = 1
	}
	fr, err := rotate.OpenEx(path, 0640, int64(maxSizeMB)*1024*1024, uint(history), true)
	if err != nil {
		return nil, err
	}
	return log.New(fr), nil
}

// runChild dispatches into the worker, key-manager, or ACME entrypoint
// based on WORKERD_ROLE, after re-attaching to the inherited shared
// memory region and control socket and running privilege.Drop.
func runChild(role string) error {
	ctx := context.Background()
	switch role {
	case supervisor.RoleWorker:
		return runWorkerChild(ctx)
	case supervisor.RoleKeyMgr:
		return runKeyManagerChild(ctx)
	case supervisor.RoleACME:
		return runACMEChild(ctx)
	default:
		return fmt.Errorf("unknown %s value %q", supervisor.EnvRole, role)
	}
}
