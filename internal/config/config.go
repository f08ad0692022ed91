/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads and validates the on-disk configuration for the
// worker supervisor: pool sizing, accept-lock thresholds, privilege-drop
// parameters, and the ambient logging options.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// RestartPolicyRestart re-spawns a crashed network worker slot in place.
	RestartPolicyRestart = `restart`
	// RestartPolicyTerminate tears down the whole server on the first
	// network worker crash.
	RestartPolicyTerminate = `terminate`

	// WorkerSoloCount is the pool size at or below which lock arbitration
	// is skipped entirely; every worker behaves as if it always holds the
	// accept lock.
	WorkerSoloCount = 3

	defaultMaxConnections  = 512
	defaultRlimitNofiles   = 768
	defaultAcceptThreshold = 16
	defaultLogLevel        = `WARN`

	envSecretSuffix = `_FILE`
)

var (
	ErrInvalidWorkerCount      = errors.New("worker_count must be >= 0")
	ErrInvalidMaxConnections   = errors.New("worker_max_connections must be > 0")
	ErrInvalidRlimitNofiles    = errors.New("worker_rlimit_nofiles must be > 0")
	ErrInvalidAcceptThreshold  = errors.New("worker_accept_threshold must be > 0")
	ErrInvalidRestartPolicy    = errors.New("worker_policy must be 'restart' or 'terminate'")
	ErrMissingRunAsUser        = errors.New("runas_user is required unless runas_user_skip is set")
	ErrMissingRootPath         = errors.New("root_path is required unless root_path_skip is set")
	ErrInvalidLogLevel         = errors.New("invalid log level")
	ErrACMERequiresKeyManager  = errors.New("acme_enabled requires keymgr_enabled")
	ErrInvalidReseedInterval   = errors.New("keymgr_reseed_interval must be > 0")
)

// Global holds options recognized directly by the supervisor core, as
// read out of the [Global] section of the config file.
type Global struct {
	Worker_Count            int
	Worker_Set_Affinity     bool
	Worker_Max_Connections  int
	Worker_Rlimit_Nofiles   int
	Worker_Accept_Threshold int
	Worker_Policy           string
	Worker_Domain           []string
	HTTP_Request_Limit      int

	Runas_User      string
	Runas_User_Skip bool
	Root_Path       string
	Root_Path_Skip  bool

	Keymgr_Enabled         bool
	ACME_Enabled           bool
	Keymgr_Reseed_Interval string

	Log_File        string
	Log_Level       string
	Log_Max_Size_MB int
	Log_Max_History int

	Pid_File string
}

// Config is the top-level structure read via gcfg from the on-disk file.
type Config struct {
	Global Global
}

// Load reads and validates the configuration file at p.
func Load(p string) (c Config, err error) {
	if err = LoadConfigFile(&c, p); err != nil {
		return
	}
	err = c.Validate()
	return
}

// Validate fills in defaults and checks the loaded configuration for
// consistency, matching the options table in SPEC_FULL.md section 6.
func (c *Config) Validate() error {
	g := &c.Global
	if g.Worker_Count < 0 {
		return ErrInvalidWorkerCount
	}
	if g.Worker_Max_Connections == 0 {
		g.Worker_Max_Connections = defaultMaxConnections
	} else if g.Worker_Max_Connections < 0 {
		return ErrInvalidMaxConnections
	}
	if g.Worker_Rlimit_Nofiles == 0 {
		g.Worker_Rlimit_Nofiles = defaultRlimitNofiles
	} else if g.Worker_Rlimit_Nofiles < 0 {
		return ErrInvalidRlimitNofiles
	}
	if g.Worker_Accept_Threshold == 0 {
		g.Worker_Accept_Threshold = defaultAcceptThreshold
	} else if g.Worker_Accept_Threshold < 0 {
		return ErrInvalidAcceptThreshold
	}
	if g.Worker_Policy == `` {
		g.Worker_Policy = RestartPolicyRestart
	}
	switch g.Worker_Policy {
	case RestartPolicyRestart, RestartPolicyTerminate:
	default:
		return ErrInvalidRestartPolicy
	}
	if !g.Runas_User_Skip && strings.TrimSpace(g.Runas_User) == `` {
		return ErrMissingRunAsUser
	}
	if !g.Root_Path_Skip && strings.TrimSpace(g.Root_Path) == `` {
		return ErrMissingRootPath
	}
	if g.ACME_Enabled && !g.Keymgr_Enabled {
		return ErrACMERequiresKeyManager
	}
	if g.Log_Level == `` {
		g.Log_Level = defaultLogLevel
	}
	g.Log_Level = strings.ToUpper(strings.TrimSpace(g.Log_Level))
	if _, err := reseedIntervalOrDefault(g.Keymgr_Reseed_Interval); err != nil {
		return err
	}
	if g.Log_File != `` {
		if err := ensureDir(filepath.Dir(g.Log_File)); err != nil {
			return err
		}
	}
	return nil
}

// ReseedInterval returns the configured entropy-reseed period, defaulting
// to five minutes when unset.
func (g Global) ReseedInterval() time.Duration {
	d, _ := reseedIntervalOrDefault(g.Keymgr_Reseed_Interval)
	return d
}

func reseedIntervalOrDefault(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == `` {
		return 5 * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, ErrInvalidReseedInterval
	}
	return d, nil
}

func ensureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0700)
		}
		return err
	} else if !fi.IsDir() {
		return errors.New(dir + " is not a directory")
	}
	return nil
}
