// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// Mounter performs mount and unmount operations. The production
// implementation is [RealMounter]; tests substitute a recorder so
// assembler and shutdown sequences run unprivileged.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

// RealMounter calls the mount syscalls directly.
type RealMounter struct{}

func (RealMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mounting %s on %s (type %s): %w", source, target, fstype, err)
	}
	return nil
}

func (RealMounter) Unmount(target string, flags int) error {
	if err := unix.Unmount(target, flags); err != nil {
		return fmt.Errorf("unmounting %s: %w", target, err)
	}
	return nil
}

// SyncDisks flushes all dirty pages to durable storage.
func SyncDisks() { unix.Sync() }

// BulletproofUnmount flushes durable storage and then detaches the
// mountpoint even if it is busy. Past this point there is no undo:
// the caller logs failures and keeps going.
func BulletproofUnmount(mounter Mounter, path string) error {
	SyncDisks()
	return mounter.Unmount(path, unix.MNT_FORCE|unix.MNT_DETACH)
}

// IsMountpoint reports whether path currently appears in the mount
// table.
func IsMountpoint(path string) (bool, error) {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return false, fmt.Errorf("reading mount table: %w", err)
	}
	cleaned := strings.TrimSuffix(path, "/")
	for _, partition := range partitions {
		if strings.TrimSuffix(partition.Mountpoint, "/") == cleaned {
			return true, nil
		}
	}
	return false, nil
}

// MountsUnder returns every mountpoint at or below prefix, leaf-most
// first, which is the order they must be unmounted in. Used by
// teardown and by tests verifying that teardown left nothing behind.
func MountsUnder(prefix string) ([]string, error) {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	cleaned := strings.TrimSuffix(prefix, "/")
	var mounts []string
	for _, partition := range partitions {
		mountpoint := strings.TrimSuffix(partition.Mountpoint, "/")
		if mountpoint == cleaned || strings.HasPrefix(mountpoint+"/", cleaned+"/") {
			mounts = append(mounts, partition.Mountpoint)
		}
	}
	// Deepest paths first.
	for i := 0; i < len(mounts); i++ {
		for j := i + 1; j < len(mounts); j++ {
			if strings.Count(mounts[j], "/") > strings.Count(mounts[i], "/") {
				mounts[i], mounts[j] = mounts[j], mounts[i]
			}
		}
	}
	return mounts, nil
}
