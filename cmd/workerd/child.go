/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/gravwell/workerd/internal/bus"
	"github.com/gravwell/workerd/internal/config"
	"github.com/gravwell/workerd/internal/keymgr"
	"github.com/gravwell/workerd/internal/log"
	"github.com/gravwell/workerd/internal/privilege"
	"github.com/gravwell/workerd/internal/shm"
	"github.com/gravwell/workerd/internal/sigutil"
	"github.com/gravwell/workerd/internal/supervisor"
	"github.com/gravwell/workerd/internal/worker"
)

// childEnv is the re-exec'd process's view of the environment the
// supervisor's spawn set up: its shared-memory slot, control socket, and
// the config path it must reload for itself per EnvConfigFile's doc.
type childEnv struct {
	slotIdx   int
	id        shm.WorkerID
	slots     int
	ctrlFD    int
	shmFD     int
	restarted bool
	cfgPath   string
}

func readChildEnv() (childEnv, error) {
	var e childEnv
	var err error
	if e.slotIdx, err = envInt(supervisor.EnvSlot); err != nil {
		return e, err
	}
	idInt, err := envInt(supervisor.EnvID)
	if err != nil {
		return e, err
	}
	e.id = shm.WorkerID(idInt)
	if e.slots, err = envInt(supervisor.EnvSlots); err != nil {
		return e, err
	}
	if e.ctrlFD, err = envInt(supervisor.EnvCtrlFD); err != nil {
		return e, err
	}
	if e.shmFD, err = envInt(supervisor.EnvShmFD); err != nil {
		return e, err
	}
	e.restarted, _ = strconv.ParseBool(os.Getenv(supervisor.EnvRestarted))
	e.cfgPath = os.Getenv(supervisor.EnvConfigFile)
	if e.cfgPath == `` {
		return e, fmt.Errorf("%s not set", supervisor.EnvConfigFile)
	}
	return e, nil
}

func envInt(name string) (int, error) {
	v := os.Getenv(name)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", name, v, err)
	}
	return n, nil
}

// attachChild reloads configuration, builds a logger, re-attaches to the
// memfd-backed shared memory region inherited across exec, wraps the
// inherited control socket in a bus.Bus, and drops privileges. Every
// child role (worker, key-manager, ACME) shares this setup, only
// diverging in what it runs afterward.
func attachChild(e childEnv) (cfg config.Config, lg *log.Logger, region *shm.Region, b *bus.Bus, err error) {
	cfg, err = config.Load(e.cfgPath)
	if err != nil {
		err = fmt.Errorf("reload config %s: %w", e.cfgPath, err)
		return
	}
	lg, err = buildLogger(cfg.Global)
	if err != nil {
		err = fmt.Errorf("build logger: %w", err)
		return
	}
	region, err = shm.OpenRegion(e.shmFD, e.slots)
	if err != nil {
		err = fmt.Errorf("attach shared region: %w", err)
		return
	}
	conn, err := bus.NewConnFromFD(bus.Parent, e.ctrlFD)
	if err != nil {
		err = fmt.Errorf("wrap control socket: %w", err)
		return
	}
	b = bus.New(e.id, lg)
	b.AddConn(bus.Parent, conn)

	pcfg := privilege.Config{
		User:         cfg.Global.Runas_User,
		SkipUser:     cfg.Global.Runas_User_Skip,
		Root:         cfg.Global.Root_Path,
		SkipChroot:   cfg.Global.Root_Path_Skip,
		RlimitNofile: uint64(cfg.Global.Worker_Rlimit_Nofiles),
	}
	if err = privilege.Drop(pcfg, lg); err != nil {
		err = fmt.Errorf("drop privileges: %w", err)
		return
	}
	return
}

// runWorkerChild attaches to shared memory and the bus, builds a network
// worker's round-loop Runtime, and runs it until a quit signal or a
// MSG_SHUTDOWN message sets its quit flag. The
// region's total slot count includes the two reserved sibling slots
// (key-manager, ACME), so PoolSize subtracts them to get the number of
// worker peers participating in accept-lock arbitration.
func runWorkerChild(ctx context.Context) error {
	e, err := readChildEnv()
	if err != nil {
		return err
	}
	cfg, lg, region, b, err := attachChild(e)
	if err != nil {
		return err
	}
	defer lg.Close()

	sig := sigutil.GetWorkerChannel()
	defer sigutil.Stop(sig)

	rt := worker.NewRuntime(e.id, region.Worker(e.slotIdx), region.Lock(), b, newSignalWaitSource(sig), sig, lg)
	rt.PoolSize = e.slots - 2
	rt.HasListeners = true
	rt.MaxConnections = cfg.Global.Worker_Max_Connections
	rt.HTTPLimit = cfg.Global.HTTP_Request_Limit
	rt.ReseedInterval = cfg.Global.ReseedInterval()

	go b.Serve(ctx, bus.Parent)

	lg.Info("worker starting", log.KV("id", int(e.id)), log.KV("restarted", e.restarted))
	if e.restarted {
		requestCertificates(b, cfg.Global.Worker_Domain, lg)
	}
	return rt.Run(ctx)
}

// requestCertificates sends a CERTIFICATE_REQ to the key-manager for every
// domain this worker serves, per spec.md §4.C: a restarted worker's TLS
// contexts are gone with the old process, so it must repopulate them from
// scratch before it starts accepting connections again.
func requestCertificates(b *bus.Bus, domains []string, lg *log.Logger) {
	for _, domain := range domains {
		payload, err := bus.EncodeCertPayload(domain, nil)
		if err != nil {
			lg.Warn("failed to encode certificate request", log.KV("domain", domain), log.KVErr(err))
			continue
		}
		if _, err := b.Send(shm.WorkerKeyManager, bus.MsgCertificateReq, payload); err != nil {
			lg.Warn("failed to send certificate request", log.KV("domain", domain), log.KVErr(err))
		}
	}
}

// runKeyManagerChild attaches to the bus and answers CERTIFICATE_REQ and
// ENTROPY_REQ from workers for the lifetime of the process; death of this
// role is always fatal to the whole supervisor per spec.md §4.C, so Run
// returning is expected to bring the process down.
func runKeyManagerChild(ctx context.Context) error {
	e, err := readChildEnv()
	if err != nil {
		return err
	}
	_, lg, _, b, err := attachChild(e)
	if err != nil {
		return err
	}
	defer lg.Close()

	km := keymgr.NewKeyManager(b, keymgr.NewStore(), lg)
	go b.Serve(ctx, bus.Parent)

	lg.Info("key manager starting")
	return km.Run(ctx)
}

// runACMEChild attaches to the bus and runs the ACME sibling, which
// answers CERTIFICATE_REQ by obtaining a certificate through a
// Challenger and broadcasting ACME_CHALLENGE_SET_CERT/CLEAR_CERT around
// it. The real CA round-trip (spec.md's Non-goals) is out of scope, so
// the wired Challenger is a stub that reports the CA unreachable rather
// than fabricating a certificate.
func runACMEChild(ctx context.Context) error {
	e, err := readChildEnv()
	if err != nil {
		return err
	}
	_, lg, _, b, err := attachChild(e)
	if err != nil {
		return err
	}
	defer lg.Close()

	a := keymgr.NewACMESibling(b, noopChallenger{}, lg)
	go b.Serve(ctx, bus.Parent)

	lg.Info("acme sibling starting")
	return a.Run(ctx)
}

// noopChallenger is the Challenger seam's default wiring: spec.md
// explicitly excludes the real ACME CA protocol from scope, so it always
// fails rather than silently returning a fake certificate.
type noopChallenger struct{}

func (noopChallenger) Obtain(ctx context.Context, domain string) ([]byte, error) {
	return nil, fmt.Errorf("acme: no Challenger wired, cannot obtain certificate for %s", domain)
}
