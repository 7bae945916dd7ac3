// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package rootfs

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// fuseSuperMagic is the f_type reported by statfs for FUSE
// filesystems ("FUSE" in little-endian).
const fuseSuperMagic = 0x65735546

const (
	fuseMountPollInterval = 10 * time.Millisecond
	fuseMountWaitTimeout  = 5 * time.Second
)

// validateOverlayPath rejects paths that would corrupt the
// fuse-overlayfs -o option string. Commas separate options and
// backslashes escape, so a path containing either would be parsed as
// something other than the intended directory.
func validateOverlayPath(path, role string) error {
	if strings.ContainsAny(path, ",\\") {
		return fmt.Errorf("%s directory path %q contains characters unsafe for mount options", role, path)
	}
	return nil
}

// waitForFUSEMount polls until path reports a FUSE filesystem.
// fuse-overlayfs daemonizes before the kernel registers the mount, so
// the process exiting successfully does not mean the mountpoint is
// live yet.
func waitForFUSEMount(path string) error {
	deadline := time.Now().Add(fuseMountWaitTimeout)
	for {
		var stat unix.Statfs_t
		err := unix.Statfs(path, &stat)
		if err == nil && stat.Type == fuseSuperMagic {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("mount not visible after %v: %w", fuseMountWaitTimeout, err)
			}
			return fmt.Errorf("mount not visible after %v: filesystem type %#x", fuseMountWaitTimeout, stat.Type)
		}
		time.Sleep(fuseMountPollInterval)
	}
}
