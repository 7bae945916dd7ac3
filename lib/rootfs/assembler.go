// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package rootfs assembles the writable overlay the rest of the
// system runs from: a signature-verified squashfs image as the
// read-only lower layer, upper/work directories that are either
// memory-backed (ephemeral) or durable (persistent), composited with
// exactly one overlay technology, then populated with auxiliary bind
// mounts and pseudo-filesystems until the tree is self-sufficient for
// a chroot.
//
// Assembly is a one-way state machine. Any failing step aborts with
// no automatic rollback; a caller that wants a clean retry must call
// TearDown first. Boot-time mount failure is rare enough that a full
// reboot is the accepted recovery path.
package rootfs

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/slateos/slate-init/lib/bootconfig"
	"github.com/slateos/slate-init/lib/signing"
	"github.com/slateos/slate-init/lib/system"
)

// State tracks how far assembly has progressed. TearDown unwinds from
// whatever state was reached.
type State int

const (
	StateUnverified State = iota
	StateVerified
	StateLowerMounted
	StateUpperPrepared
	StateOverlayComposited
	StateAuxMountsBound
	StateReady
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateVerified:
		return "verified"
	case StateLowerMounted:
		return "lower-mounted"
	case StateUpperPrepared:
		return "upper-prepared"
	case StateOverlayComposited:
		return "overlay-composited"
	case StateAuxMountsBound:
		return "aux-mounts-bound"
	case StateReady:
		return "ready"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Bind names one auxiliary read-only resource bound under the target
// so the assembled tree is self-sufficient.
type Bind struct {
	// Source is the path in the pre-chroot namespace.
	Source string
	// TargetRel is the destination relative to the overlay target.
	TargetRel string
	// Optional binds are skipped silently when the source is absent
	// (for example, the persistent home on a factory-fresh device).
	Optional bool
}

// Paths fixes every location the assembler touches.
type Paths struct {
	// ImagePath is the rootfs squashfs on the boot partition.
	ImagePath string

	// ScratchDir hosts the tmpfs scratch area: the lower mountpoint
	// and, in ephemeral mode, the upper write/work directories.
	ScratchDir string

	// TargetDir is the final merged mountpoint.
	TargetDir string

	// PersistentUpperDir and PersistentWorkDir are the durable
	// upper/work locations used in persistent mode. Created if
	// absent, never truncated.
	PersistentUpperDir string
	PersistentWorkDir  string

	// AuxBinds are bound read-only under the target after
	// compositing.
	AuxBinds []Bind
}

// LowerDir returns the read-only lower mountpoint inside the scratch
// area.
func (p Paths) LowerDir() string { return filepath.Join(p.ScratchDir, "read") }

// Options configures an Assembler. Zero-value Mounter, Run, and
// FUSEReady select the production implementations.
type Options struct {
	Paths   Paths
	Overlay bootconfig.OverlayKind

	Mounter system.Mounter
	Run     system.CommandFunc

	// FUSEReady blocks until a freshly created FUSE mount is
	// registered at the given path. Defaults to a statfs poll.
	FUSEReady func(path string) error

	// Mounts enumerates the mount table at or below a prefix, used
	// after teardown to confirm nothing still references the target.
	// Defaults to [system.MountsUnder].
	Mounts func(prefix string) ([]string, error)

	Logger *slog.Logger
}

// Assembler builds and tears down the overlay. Not safe for
// concurrent use; the orchestrator owns it.
type Assembler struct {
	paths     Paths
	overlay   bootconfig.OverlayKind
	mounter   system.Mounter
	run       system.CommandFunc
	fuseReady func(path string) error
	mounts    func(prefix string) ([]string, error)
	logger    *slog.Logger

	state State

	// mounted records every mountpoint created, in mount order.
	// TearDown walks it backwards.
	mounted []string
}

// New creates an Assembler in StateUnverified.
func New(options Options) *Assembler {
	assembler := &Assembler{
		paths:     options.Paths,
		overlay:   options.Overlay,
		mounter:   options.Mounter,
		run:       options.Run,
		fuseReady: options.FUSEReady,
		mounts:    options.Mounts,
		logger:    options.Logger,
	}
	if assembler.mounter == nil {
		assembler.mounter = system.RealMounter{}
	}
	if assembler.run == nil {
		assembler.run = system.Run(options.Logger)
	}
	if assembler.fuseReady == nil {
		assembler.fuseReady = waitForFUSEMount
	}
	if assembler.mounts == nil {
		assembler.mounts = system.MountsUnder
	}
	if assembler.logger == nil {
		assembler.logger = slog.New(slog.DiscardHandler)
	}
	return assembler
}

// State returns the current assembly state.
func (a *Assembler) State() State { return a.state }

// Target returns the final merged mountpoint.
func (a *Assembler) Target() string { return a.paths.TargetDir }

// Assemble verifies the rootfs image and builds the overlay tree.
// persistent selects durable upper/work directories; otherwise the
// upper layer is memory-backed and writes vanish on reboot, which is
// the deliberate default.
//
// On error the assembler stays in the state it reached. There is no
// rollback; call TearDown before retrying.
func (a *Assembler) Assemble(publicKey *rsa.PublicKey, persistent bool) error {
	if a.state != StateUnverified {
		return fmt.Errorf("assemble from state %s: assembler is single-use, tear down first", a.state)
	}

	a.logger.Info("verifying rootfs image", "path", a.paths.ImagePath)
	ok, err := signing.Verify(publicKey, a.paths.ImagePath)
	if err != nil {
		return fmt.Errorf("verifying rootfs image: %w", err)
	}
	if !ok {
		return fmt.Errorf("rootfs image %s: signature missing or invalid", a.paths.ImagePath)
	}
	a.state = StateVerified

	if err := a.mountLower(); err != nil {
		return err
	}
	a.state = StateLowerMounted

	upperDir, workDir, err := a.prepareUpper(persistent)
	if err != nil {
		return err
	}
	a.state = StateUpperPrepared

	if err := a.composite(upperDir, workDir); err != nil {
		return err
	}
	a.state = StateOverlayComposited

	if err := a.bindAuxiliary(); err != nil {
		return err
	}
	a.state = StateAuxMountsBound

	if err := a.mountPseudo(); err != nil {
		return err
	}
	a.state = StateReady

	a.logger.Info("root filesystem assembled",
		"target", a.paths.TargetDir,
		"persistent", persistent,
		"overlay", string(a.overlay),
	)
	return nil
}

// mountLower creates the tmpfs scratch area and loop-mounts the
// verified image read-only at the lower mountpoint. The scratch tmpfs
// also makes free-space checks work inside the chroot (package
// managers statfs the overlay's backing directories).
func (a *Assembler) mountLower() error {
	if err := os.MkdirAll(a.paths.ScratchDir, 0755); err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	if err := a.mounter.Mount("tmpfs", a.paths.ScratchDir, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("mounting scratch tmpfs: %w", err)
	}
	a.mounted = append(a.mounted, a.paths.ScratchDir)

	lower := a.paths.LowerDir()
	if err := os.MkdirAll(lower, 0755); err != nil {
		return fmt.Errorf("creating lower mountpoint: %w", err)
	}

	// The mount binary handles loop device setup for the squashfs.
	if err := a.run("/bin/mount", "-o", "ro", a.paths.ImagePath, lower); err != nil {
		return fmt.Errorf("mounting rootfs image: %w", err)
	}
	a.mounted = append(a.mounted, lower)
	return nil
}

// prepareUpper resolves and creates the upper write/work directories.
// Persistent mode uses the fixed durable paths, created but never
// truncated so user data survives.
func (a *Assembler) prepareUpper(persistent bool) (upperDir, workDir string, err error) {
	if persistent {
		upperDir = a.paths.PersistentUpperDir
		workDir = a.paths.PersistentWorkDir
	} else {
		upperDir = filepath.Join(a.paths.ScratchDir, "write")
		workDir = filepath.Join(a.paths.ScratchDir, "work")
	}
	for _, dir := range []string{upperDir, workDir, a.paths.TargetDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", "", fmt.Errorf("creating overlay directory %s: %w", dir, err)
		}
	}
	return upperDir, workDir, nil
}

// composite merges lower+upper+work into the target with the one
// overlay technology fixed at deployment time. There is no fallback
// chain between the two: a half-failed fallback would leave mount
// state that neither path knows how to unwind.
func (a *Assembler) composite(upperDir, workDir string) error {
	lower := a.paths.LowerDir()
	target := a.paths.TargetDir

	switch a.overlay {
	case bootconfig.OverlayKernel:
		data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upperDir, workDir)
		if err := a.mounter.Mount("overlay", target, "overlay", 0, data); err != nil {
			return fmt.Errorf("compositing kernel overlay: %w", err)
		}
	case bootconfig.OverlayFUSE:
		for _, pair := range [][2]string{{"lower", lower}, {"upper", upperDir}, {"work", workDir}} {
			if err := validateOverlayPath(pair[1], pair[0]); err != nil {
				return err
			}
		}
		options := fmt.Sprintf("allow_other,lowerdir=%s,upperdir=%s,workdir=%s", lower, upperDir, workDir)
		if err := a.run("/usr/bin/fuse-overlayfs", "-o", options, target); err != nil {
			return fmt.Errorf("compositing fuse overlay: %w", err)
		}
		if err := a.fuseReady(target); err != nil {
			return fmt.Errorf("waiting for fuse overlay: %w", err)
		}
	default:
		return fmt.Errorf("unknown overlay technology %q", a.overlay)
	}

	a.mounted = append(a.mounted, target)
	return nil
}

// bindAuxiliary recursively bind-mounts the read-only resources the
// assembled tree needs: kernel modules, firmware, boot-partition
// content, persistent home.
func (a *Assembler) bindAuxiliary() error {
	for _, bind := range a.paths.AuxBinds {
		if _, err := os.Stat(bind.Source); err != nil {
			if bind.Optional && os.IsNotExist(err) {
				a.logger.Info("skipping optional bind, source absent", "source", bind.Source)
				continue
			}
			return fmt.Errorf("bind source %s: %w", bind.Source, err)
		}
		destination := filepath.Join(a.paths.TargetDir, bind.TargetRel)
		if err := os.MkdirAll(destination, 0755); err != nil {
			return fmt.Errorf("creating bind mountpoint %s: %w", destination, err)
		}
		if err := a.mounter.Mount(bind.Source, destination, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("binding %s: %w", bind.Source, err)
		}
		a.mounted = append(a.mounted, destination)
	}
	return nil
}

// mountPseudo mounts the pseudo-filesystems under the target.
func (a *Assembler) mountPseudo() error {
	pseudo := []struct {
		fstype    string
		targetRel string
	}{
		{"proc", "proc"},
		{"sysfs", "sys"},
		{"devtmpfs", "dev"},
		{"tmpfs", "tmp"},
		{"tmpfs", "run"},
	}
	for _, mount := range pseudo {
		destination := filepath.Join(a.paths.TargetDir, mount.targetRel)
		if err := os.MkdirAll(destination, 0755); err != nil {
			return fmt.Errorf("creating %s mountpoint: %w", mount.fstype, err)
		}
		if err := a.mounter.Mount(mount.fstype, destination, mount.fstype, 0, ""); err != nil {
			return fmt.Errorf("mounting %s on %s: %w", mount.fstype, destination, err)
		}
		a.mounted = append(a.mounted, destination)
	}
	return nil
}

// TearDown unwinds every mount in reverse order with a bulletproof
// unmount (sync, then force-detach even if busy) and removes the
// now-empty scratch and target directories. Errors are logged only:
// past the first unmount there is no recovery, so teardown always
// runs to the end.
func (a *Assembler) TearDown() {
	for index := len(a.mounted) - 1; index >= 0; index-- {
		target := a.mounted[index]
		if err := system.BulletproofUnmount(a.mounter, target); err != nil {
			a.logger.Warn("teardown unmount failed", "target", target, "error", err)
		}
	}
	a.mounted = nil

	// Confirm against the mount table: a lingering mount here means a
	// later reassembly would composite over live state.
	if leftover, err := a.mounts(a.paths.TargetDir); err != nil {
		a.logger.Warn("enumerating mount table after teardown failed", "error", err)
	} else if len(leftover) > 0 {
		a.logger.Warn("mounts still reference the target after teardown", "mounts", leftover)
	}

	for _, dir := range []string{a.paths.TargetDir, a.paths.ScratchDir} {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("teardown directory removal failed", "dir", dir, "error", err)
		}
	}
	a.state = StateTornDown
}
