// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/slateos/slate-init/lib/clock"
	"github.com/slateos/slate-init/lib/debugfw"
	"github.com/slateos/slate-init/lib/ipc"
	"github.com/slateos/slate-init/lib/rootfs"
	"github.com/slateos/slate-init/lib/system"
	"github.com/slateos/slate-init/lib/version"
)

// abortWindow is how long stage 1 watches the console for a
// keypress before committing to the normal boot.
const abortWindow = 3 * time.Second

// Injectable so the terminal transition is testable. The production
// values replace this process with the real init.
var (
	execFunction   = syscall.Exec
	chrootFunction = unix.Chroot
	chdirFunction  = os.Chdir
)

// runStage1 is PID 1 before the chroot: mount the base filesystems
// and partitions, spawn the boot-work process, block on the handoff
// socket, then perform the terminal transition into the assembled
// tree. On success it never returns.
func runStage1(logger *slog.Logger) error {
	mounter := system.RealMounter{}
	if err := rootfs.MountBaseFilesystems(mounter); err != nil {
		return fmt.Errorf("mounting base filesystems: %w", err)
	}

	recovery, err := system.CmdlineBool("slate.recovery")
	if err != nil {
		logger.Warn("reading kernel command line failed", "error", err)
	}
	fmt.Println(version.Collect(debugfw.Enabled, recovery).Banner())

	fmt.Print("Hit any key to stop auto-boot ... ")
	if waitForAbortKey(abortWindow) {
		logger.Info("boot aborted from console, dropping to shell")
		return dropToShell()
	}
	fmt.Println()

	ctx := context.Background()
	clk := clock.Real()
	partitions := []rootfs.Partition{
		{Device: bootPartitionDevice, Mountpoint: bootMountpoint},
		{Device: dataPartitionDevice, Mountpoint: dataMountpoint},
	}
	if err := rootfs.MountBasePartitions(ctx, clk, mounter, partitions); err != nil {
		return fmt.Errorf("mounting base partitions: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own binary: %w", err)
	}
	stage2 := exec.Command(self, "-stage", "2")
	stage2.Stdout = os.Stdout
	stage2.Stderr = os.Stderr
	if err := stage2.Start(); err != nil {
		return fmt.Errorf("spawning boot-work process: %w", err)
	}
	logger.Info("boot-work process spawned", "pid", stage2.Process.Pid)

	// Happens-before edge: nothing past this line runs until the
	// boot-work process reports the overlay assembled.
	if err := ipc.AwaitHandoff(ctx, handoffSocketPath); err != nil {
		return fmt.Errorf("waiting for boot-work readiness: %w", err)
	}
	logger.Info("readiness received, entering assembled tree")

	return enterTarget(overlayTarget)
}

// enterTarget chroots into the assembled tree and replaces this
// process with the real init. Irreversible; returns only on failure.
func enterTarget(target string) error {
	if err := chrootFunction(target); err != nil {
		return fmt.Errorf("changing root to %s: %w", target, err)
	}
	if err := chdirFunction("/"); err != nil {
		return fmt.Errorf("entering new root: %w", err)
	}
	if err := execFunction(initPath, []string{initPath}, os.Environ()); err != nil {
		return fmt.Errorf("replacing process image with %s: %w", initPath, err)
	}
	return nil
}

// waitForAbortKey reports whether a key was pressed on the console
// within the window. The console is put in raw mode so a single
// keystroke suffices.
func waitForAbortKey(window time.Duration) bool {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return false
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return false
	}
	defer term.Restore(fd, oldState)

	pressed := make(chan struct{}, 1)
	go func() {
		buffer := make([]byte, 1)
		if _, err := os.Stdin.Read(buffer); err == nil {
			pressed <- struct{}{}
		}
	}()
	select {
	case <-pressed:
		return true
	case <-time.After(window):
		return false
	}
}

// dropToShell replaces this process with an interactive shell.
func dropToShell() error {
	if err := execFunction("/bin/sh", []string{"/bin/sh"}, os.Environ()); err != nil {
		return fmt.Errorf("starting recovery shell: %w", err)
	}
	return nil
}
