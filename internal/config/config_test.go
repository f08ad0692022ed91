/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	c := Config{Global: Global{Runas_User_Skip: true, Root_Path_Skip: true}}
	require.NoError(t, c.Validate())
	require.Equal(t, defaultMaxConnections, c.Global.Worker_Max_Connections)
	require.Equal(t, RestartPolicyRestart, c.Global.Worker_Policy)
	require.Greater(t, c.Global.ReseedInterval(), time.Duration(0))
}

func TestValidateRequiresRunAsUser(t *testing.T) {
	c := Config{Global: Global{Root_Path_Skip: true}}
	require.ErrorIs(t, c.Validate(), ErrMissingRunAsUser)
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	c := Config{Global: Global{Runas_User_Skip: true, Root_Path_Skip: true, Worker_Policy: `explode`}}
	require.ErrorIs(t, c.Validate(), ErrInvalidRestartPolicy)
}

func TestValidateACMERequiresKeymgr(t *testing.T) {
	c := Config{Global: Global{Runas_User_Skip: true, Root_Path_Skip: true, ACME_Enabled: true}}
	require.ErrorIs(t, c.Validate(), ErrACMERequiresKeyManager)
}

func TestValidateNegativeWorkerCount(t *testing.T) {
	c := Config{Global: Global{Runas_User_Skip: true, Root_Path_Skip: true, Worker_Count: -1}}
	require.ErrorIs(t, c.Validate(), ErrInvalidWorkerCount)
}
