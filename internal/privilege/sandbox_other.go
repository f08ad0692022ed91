//go:build !linux
// +build !linux

/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package privilege

// InstallSandbox is a no-op outside Linux; spec.md §4.E step 6 names
// seccomp specifically as a Linux mechanism and leaves other platforms
// without an equivalent syscall filter.
func InstallSandbox() error {
	return nil
}
