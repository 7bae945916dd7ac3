// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package system wraps the external commands, mount syscalls, and
// kernel command line access shared by the assembler, the shutdown
// coordinator, and the debug framework.
//
// Everything that touches the machine is behind an injectable type
// ([CommandFunc], [Mounter]) so package tests exercise the full call
// sequences without privileges.
package system

import (
	"fmt"
	"log/slog"
	"os/exec"
)

// CommandFunc runs an external command to completion. The production
// implementation is [Run]; tests substitute a recorder.
type CommandFunc func(name string, args ...string) error

// Run executes a command and waits for it. The combined output is
// folded into the error on failure — during early boot there is no
// other place for a child's diagnostics to go.
func Run(logger *slog.Logger) CommandFunc {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(name string, args ...string) error {
		logger.Debug("running command", "command", name, "args", args)
		output, err := exec.Command(name, args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("command %s %v: %w\noutput: %s", name, args, err, output)
		}
		return nil
	}
}

// Modprobe loads a kernel module with optional parameters.
func Modprobe(run CommandFunc, args ...string) error {
	if err := run("/sbin/modprobe", args...); err != nil {
		return fmt.Errorf("loading module (modprobe %v): %w", args, err)
	}
	return nil
}

// ChrootRun executes argv inside the assembled tree at root via the
// chroot binary. Used for via-chroot shutdown primitives and first
// boot setup commands.
func ChrootRun(run CommandFunc, root string, argv ...string) error {
	combined := append([]string{root}, argv...)
	return run("/usr/sbin/chroot", combined...)
}
