// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package shutdown

import "fmt"

// BootCommand is the closed set of requests the presentation layer
// and service socket send to the orchestrator loop.
type BootCommand int

const (
	// NormalBoot continues the ordinary boot sequence.
	NormalBoot BootCommand = iota
	// BootFinished reports that the in-chroot system is fully up.
	BootFinished
	// CommandPowerOff powers off from the pre-chroot namespace.
	CommandPowerOff
	// CommandPowerOffFromRootfs delegates power-off to the service
	// manager inside the assembled tree.
	CommandPowerOffFromRootfs
	// CommandReboot reboots from the pre-chroot namespace.
	CommandReboot
	// CommandRebootFromRootfs delegates reboot to the service
	// manager inside the assembled tree.
	CommandRebootFromRootfs
)

func (c BootCommand) String() string {
	switch c {
	case NormalBoot:
		return "normal-boot"
	case BootFinished:
		return "boot-finished"
	case CommandPowerOff:
		return "power-off"
	case CommandPowerOffFromRootfs:
		return "power-off-from-rootfs"
	case CommandReboot:
		return "reboot"
	case CommandRebootFromRootfs:
		return "reboot-from-rootfs"
	default:
		return fmt.Sprintf("boot-command(%d)", int(c))
	}
}

// Terminal reports whether the command ends in a power transition.
func (c BootCommand) Terminal() bool {
	_, _, terminal := c.Transition()
	return terminal
}

// Transition maps a terminal command onto its kind and mode. The
// boolean is false for the non-terminal commands.
func (c BootCommand) Transition() (Kind, Mode, bool) {
	switch c {
	case CommandPowerOff:
		return PowerOff, Direct, true
	case CommandPowerOffFromRootfs:
		return PowerOff, ViaChroot, true
	case CommandReboot:
		return Reboot, Direct, true
	case CommandRebootFromRootfs:
		return Reboot, ViaChroot, true
	default:
		return 0, 0, false
	}
}

// Request pairs a command with the optional gate holding back its
// destructive step.
type Request struct {
	Command BootCommand
	Gate    *Gate
}
