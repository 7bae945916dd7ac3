// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package rootfs

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"

	"github.com/slateos/slate-init/lib/clock"
	"github.com/slateos/slate-init/lib/signing"
	"github.com/slateos/slate-init/lib/system"
)

// MountBaseFilesystems mounts the pseudo-filesystems the pre-chroot
// environment needs before anything else can run. Called once at the
// very start of stage 1. A target the kernel already mounted is
// skipped; devtmpfs in particular may be automounted before PID 1
// starts.
func MountBaseFilesystems(mounter system.Mounter) error {
	base := []struct {
		fstype string
		target string
		data   string
	}{
		{"proc", "/proc", ""},
		{"sysfs", "/sys", ""},
		{"devtmpfs", "/dev", ""},
		{"devpts", "/dev/pts", ""},
		{"tmpfs", "/tmp", ""},
		{"tmpfs", "/run", ""},
	}
	for _, mount := range base {
		if err := os.MkdirAll(mount.target, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", mount.target, err)
		}
		if mounted, err := system.IsMountpoint(mount.target); err == nil && mounted {
			continue
		}
		if err := mounter.Mount(mount.fstype, mount.target, mount.fstype, 0, mount.data); err != nil {
			return fmt.Errorf("mounting %s on %s: %w", mount.fstype, mount.target, err)
		}
	}
	return nil
}

// Partition names a block device and where to mount it.
type Partition struct {
	Device     string
	Mountpoint string
}

// MountBasePartitions waits for the boot and data block devices to
// appear, then mounts them read-write. Device nodes show up
// asynchronously as the kernel probes storage, so each mount is
// preceded by an indefinite poll; a device that never appears is a
// hardware fault no software timeout improves.
func MountBasePartitions(ctx context.Context, clk clock.Clock, mounter system.Mounter, partitions []Partition) error {
	for _, partition := range partitions {
		if err := system.WaitForPath(ctx, clk, partition.Device); err != nil {
			return fmt.Errorf("waiting for %s: %w", partition.Device, err)
		}
		if err := os.MkdirAll(partition.Mountpoint, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", partition.Mountpoint, err)
		}
		if err := mounter.Mount(partition.Device, partition.Mountpoint, "ext4", 0, ""); err != nil {
			return fmt.Errorf("mounting %s on %s: %w", partition.Device, partition.Mountpoint, err)
		}
	}
	return nil
}

// FirmwarePaths locates the firmware archive and its mount targets.
type FirmwarePaths struct {
	// ArchivePath is the signed firmware squashfs on the boot
	// partition.
	ArchivePath string
	// FirmwareDir is where the archive is mounted.
	FirmwareDir string
	// WaveformDir receives a small tmpfs for the display waveform
	// the panel driver extracts at runtime.
	WaveformDir string
	// WaveformSize is the tmpfs size option, for example "32M".
	WaveformSize string
}

// MountFirmware verifies and mounts the device firmware archive and
// prepares the waveform scratch tmpfs. A missing or invalid signature
// is an error; the caller decides whether to continue degraded, since
// the display works without fresh firmware, just worse.
func MountFirmware(publicKey *rsa.PublicKey, run system.CommandFunc, mounter system.Mounter, paths FirmwarePaths, logger *slog.Logger) error {
	ok, err := signing.Verify(publicKey, paths.ArchivePath)
	if err != nil {
		return fmt.Errorf("verifying firmware archive: %w", err)
	}
	if !ok {
		return fmt.Errorf("firmware archive %s: signature missing or invalid", paths.ArchivePath)
	}

	if err := os.MkdirAll(paths.FirmwareDir, 0755); err != nil {
		return fmt.Errorf("creating firmware directory: %w", err)
	}
	if err := run("/bin/mount", "-o", "ro", paths.ArchivePath, paths.FirmwareDir); err != nil {
		return fmt.Errorf("mounting firmware archive: %w", err)
	}

	if err := os.MkdirAll(paths.WaveformDir, 0755); err != nil {
		return fmt.Errorf("creating waveform directory: %w", err)
	}
	if err := mounter.Mount("tmpfs", paths.WaveformDir, "tmpfs", 0, "size="+paths.WaveformSize); err != nil {
		return fmt.Errorf("mounting waveform tmpfs: %w", err)
	}

	logger.Info("firmware mounted", "archive", paths.ArchivePath)
	return nil
}

// MountModules mounts the kernel module archive read-only so modprobe
// works both before and, via the auxiliary bind, after the chroot.
func MountModules(run system.CommandFunc, archivePath, modulesDir string) error {
	if err := os.MkdirAll(modulesDir, 0755); err != nil {
		return fmt.Errorf("creating modules directory: %w", err)
	}
	if err := run("/bin/mount", "-o", "ro", archivePath, modulesDir); err != nil {
		return fmt.Errorf("mounting module archive: %w", err)
	}
	return nil
}
