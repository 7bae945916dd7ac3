// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package shutdown performs the terminal power transitions: power-off
// and reboot, either directly from the pre-chroot namespace or by
// delegating to a command inside the assembled tree.
//
// A destructive action can be held back by a [Gate] so a dependent
// task, normally the shutdown splash, finishes first. The gate is the
// only cancellation primitive in the boot process and it only gates
// the final destructive step.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slateos/slate-init/lib/clock"
	"github.com/slateos/slate-init/lib/system"
)

// Kind is the terminal transition being performed.
type Kind int

const (
	PowerOff Kind = iota
	Reboot
)

func (k Kind) String() string {
	switch k {
	case PowerOff:
		return "power-off"
	case Reboot:
		return "reboot"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Mode selects which namespace performs the power primitive.
type Mode int

const (
	// Direct acts from the pre-chroot namespace: flush, unmount the
	// durable partitions, invoke the platform power primitive.
	Direct Mode = iota
	// ViaChroot delegates to the service manager inside the
	// assembled tree, which runs its own orderly shutdown.
	ViaChroot
)

func (m Mode) String() string {
	switch m {
	case Direct:
		return "direct"
	case ViaChroot:
		return "via-chroot"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Gate is a one-shot readiness flag polled before a destructive
// action. Typically raised by a background task once the shutdown
// splash has settled on screen.
type Gate struct {
	raised atomic.Bool
}

// Raise marks the gated action safe to proceed.
func (g *Gate) Raise() { g.raised.Store(true) }

// IsRaised reports the flag without consuming it.
func (g *Gate) IsRaised() bool { return g.raised.Load() }

// Consume atomically takes the flag, so exactly one waiter proceeds
// per raise.
func (g *Gate) Consume() bool { return g.raised.CompareAndSwap(true, false) }

// gatePollInterval is how often a waiter re-checks the gate.
const gatePollInterval = 100 * time.Millisecond

// RaiseAfter raises the gate once the settle delay has elapsed and
// the final refresh callback has run. Intended to run in its own
// goroutine while the caller blocks in [Coordinator.Execute].
func RaiseAfter(clk clock.Clock, gate *Gate, settle time.Duration, refresh func()) {
	clk.Sleep(settle)
	if refresh != nil {
		refresh()
	}
	gate.Raise()
}

// Options configures a Coordinator. Zero-value Clock, Mounter,
// ChrootRun, and Reboot select the production implementations.
type Options struct {
	// Partitions are the durable mountpoints unmounted in direct
	// mode, in unmount order.
	Partitions []string

	// Root is the assembled tree that via-chroot mode delegates
	// into.
	Root string

	Clock     clock.Clock
	Mounter   system.Mounter
	ChrootRun func(root string, argv ...string) error
	Reboot    func(command int) error
	Logger    *slog.Logger
}

// Coordinator executes terminal power transitions.
type Coordinator struct {
	partitions []string
	root       string
	clock      clock.Clock
	mounter    system.Mounter
	chrootRun  func(root string, argv ...string) error
	reboot     func(command int) error
	logger     *slog.Logger
}

func New(options Options) *Coordinator {
	coordinator := &Coordinator{
		partitions: options.Partitions,
		root:       options.Root,
		clock:      options.Clock,
		mounter:    options.Mounter,
		chrootRun:  options.ChrootRun,
		reboot:     options.Reboot,
		logger:     options.Logger,
	}
	if coordinator.clock == nil {
		coordinator.clock = clock.Real()
	}
	if coordinator.mounter == nil {
		coordinator.mounter = system.RealMounter{}
	}
	if coordinator.chrootRun == nil {
		run := system.Run(options.Logger)
		coordinator.chrootRun = func(root string, argv ...string) error {
			return system.ChrootRun(run, root, argv...)
		}
	}
	if coordinator.reboot == nil {
		coordinator.reboot = unix.Reboot
	}
	if coordinator.logger == nil {
		coordinator.logger = slog.New(slog.DiscardHandler)
	}
	return coordinator
}

// Execute performs the transition. A non-nil gate blocks the
// destructive step until the gate is raised; a nil gate proceeds
// immediately. In direct mode, once unmounting begins, errors are
// logged only since nothing can be undone past that point.
//
// On success, direct mode does not return: the kernel takes over.
func (c *Coordinator) Execute(ctx context.Context, kind Kind, mode Mode, gate *Gate) error {
	if gate != nil {
		for !gate.Consume() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(gatePollInterval):
			}
		}
	}
	c.logger.Info("executing terminal transition", "kind", kind.String(), "mode", mode.String())

	switch mode {
	case ViaChroot:
		// The service manager inside the tree runs its own orderly
		// shutdown; no force flag, units get to stop.
		argv := []string{"/sbin/poweroff"}
		if kind == Reboot {
			argv = []string{"/sbin/reboot"}
		}
		if err := c.chrootRun(c.root, argv...); err != nil {
			return fmt.Errorf("delegating %s into chroot: %w", kind, err)
		}
		return nil
	case Direct:
		system.SyncDisks()
		for _, partition := range c.partitions {
			if err := system.BulletproofUnmount(c.mounter, partition); err != nil {
				c.logger.Warn("unmount during shutdown failed", "partition", partition, "error", err)
			}
		}
		command := unix.LINUX_REBOOT_CMD_POWER_OFF
		if kind == Reboot {
			command = unix.LINUX_REBOOT_CMD_RESTART
		}
		if err := c.reboot(command); err != nil {
			return fmt.Errorf("invoking power primitive: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown shutdown mode %v", mode)
	}
}
