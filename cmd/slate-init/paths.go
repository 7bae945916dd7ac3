// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/slateos/slate-init/lib/rootfs"

// Fixed locations on the device. The boot partition carries the
// signed artifacts; the data partition carries everything that must
// survive a reboot.
const (
	bootPartitionDevice = "/dev/mmcblk0p1"
	dataPartitionDevice = "/dev/mmcblk0p2"

	bootMountpoint = "/boot-part"
	dataMountpoint = "/data"

	rootfsImagePath     = bootMountpoint + "/rootfs.squashfs"
	modulesArchivePath  = bootMountpoint + "/modules.squashfs"
	firmwareArchivePath = bootMountpoint + "/firmware.squashfs"

	// publicKeyPath is baked into the initramfs alongside the
	// binary; artifacts on the unencrypted boot partition are gated
	// on it.
	publicKeyPath = "/etc/slate/signing-public.pem"

	modulesDir   = "/lib/modules"
	firmwareDir  = "/lib/firmware"
	waveformDir  = "/run/waveform"
	waveformSize = "32M"

	scratchDir         = "/.rootfs"
	overlayTarget      = "/overlay"
	persistentUpperDir = dataMountpoint + "/overlay/write"
	persistentWorkDir  = dataMountpoint + "/overlay/work"
	homeSourceDir      = dataMountpoint + "/home"

	// initPath is the real init inside the assembled tree; stage 1
	// replaces itself with it after the handoff.
	initPath = "/sbin/init"

	handoffSocketPath = "/run/slate-init-handoff.sock"
	// serviceSocketRel is the service socket location relative to
	// the overlay target; inside the chroot it resolves as
	// /run/slate-init.sock.
	serviceSocketRel = "run/slate-init.sock"

	reportDir = dataMountpoint + "/boot-reports"

	debugStateDir    = dataMountpoint + "/debug"
	loginScriptPath  = debugStateDir + "/login.sh"
	dhcpOverridePath = debugStateDir + "/udhcpd.conf"
)

// assemblyPaths fixes the overlay layout for this device.
func assemblyPaths() rootfs.Paths {
	return rootfs.Paths{
		ImagePath:          rootfsImagePath,
		ScratchDir:         scratchDir,
		TargetDir:          overlayTarget,
		PersistentUpperDir: persistentUpperDir,
		PersistentWorkDir:  persistentWorkDir,
		AuxBinds: []rootfs.Bind{
			{Source: modulesDir, TargetRel: "lib/modules"},
			{Source: firmwareDir, TargetRel: "lib/firmware"},
			{Source: bootMountpoint, TargetRel: "boot"},
			{Source: homeSourceDir, TargetRel: "home", Optional: true},
		},
	}
}
