// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/slateos/slate-init/lib/bootconfig"
	"github.com/slateos/slate-init/lib/clock"
	"github.com/slateos/slate-init/lib/debugfw"
	"github.com/slateos/slate-init/lib/diag"
	"github.com/slateos/slate-init/lib/ipc"
	"github.com/slateos/slate-init/lib/readiness"
	"github.com/slateos/slate-init/lib/rootfs"
	"github.com/slateos/slate-init/lib/shutdown"
	"github.com/slateos/slate-init/lib/signing"
	"github.com/slateos/slate-init/lib/system"
)

// splashSettleDelay is how long a shutdown splash is given to settle
// on the panel before its gate is raised. E-ink refreshes are slow;
// raising the gate early would tear the final frame.
const splashSettleDelay = 2 * time.Second

// tailLines is how many recent log lines a fatal-error report keeps
// from each source.
const tailLines = 200

// orchestrator sequences the boot-work process. It is the only
// component aware of overall boot order, and the sole owner of the
// configuration handle and the assembler.
type orchestrator struct {
	logger    *slog.Logger
	logBuffer *diag.LogBuffer
	bootID    string

	clock   clock.Clock
	mounter system.Mounter
	run     system.CommandFunc

	publicKey *rsa.PublicKey
	store     *bootconfig.Store
	handle    *bootconfig.Handle
	assembler *rootfs.Assembler

	// boundary is the channel surface shared with the presentation
	// loop: progress and notices out, boot commands in, splash
	// requests out. The readiness tracker and the service socket
	// both feed it.
	boundary *boundary
}

// runStage2 performs the boot work: read configuration, bring up the
// degradable subsystems, assemble the overlay, open the service
// socket, hand off to stage 1, then run the command loop until a
// terminal transition.
func runStage2(logger *slog.Logger, logBuffer *diag.LogBuffer) error {
	bootID, err := diag.NewBootID()
	if err != nil {
		return err
	}
	logger = logger.With("boot_id", bootID)

	o := &orchestrator{
		logger:    logger,
		logBuffer: logBuffer,
		bootID:    bootID,
		clock:     clock.Real(),
		mounter:   system.RealMounter{},
		run:       system.Run(logger),
		boundary:  newBoundary(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go presentationLoop(ctx, o.boundary, o.clock, logger)

	o.publicKey, err = signing.ReadPublicKey(publicKeyPath)
	if err != nil {
		if signing.Enforcing {
			return o.fatal(fmt.Errorf("loading signing key: %w", err))
		}
		o.degraded("signing key unavailable on bypass build", err)
	}

	o.store = bootconfig.NewStore(bootMountpoint, logger)
	config, valid, err := o.store.Read()
	if err != nil {
		return o.fatal(fmt.Errorf("reading boot configuration: %w", err))
	}
	if !valid {
		o.degraded("boot configuration was corrupt, continuing with recovered defaults", nil)
	}
	o.handle = bootconfig.NewHandle(config)
	snapshot := o.handle.Snapshot()

	// Degradable subsystems: the device boots without fresh
	// firmware, kernel modules, or developer access, just worse.
	if err := rootfs.MountModules(o.run, modulesArchivePath, modulesDir); err != nil {
		o.degraded("kernel modules unavailable", err)
	}
	if err := rootfs.MountFirmware(o.publicKey, o.run, o.mounter, rootfs.FirmwarePaths{
		ArchivePath:  firmwareArchivePath,
		FirmwareDir:  firmwareDir,
		WaveformDir:  waveformDir,
		WaveformSize: waveformSize,
	}, logger); err != nil {
		o.degraded("firmware unavailable", err)
	}
	if debugfw.Enabled {
		if err := debugfw.Start(debugfw.Options{
			Config:           o.handle,
			PublicKey:        o.publicKey,
			Run:              o.run,
			StateDir:         debugStateDir,
			LoginScriptPath:  loginScriptPath,
			DHCPOverridePath: dhcpOverridePath,
			Logger:           logger,
		}); err != nil {
			o.degraded("debug framework unavailable", err)
		}
	}

	// The centerpiece. Failure here is fatal to the boot: no
	// automatic rollback, no silent reboot loop.
	o.assembler = rootfs.New(rootfs.Options{
		Paths:   assemblyPaths(),
		Overlay: snapshot.RootFS.Overlay,
		Mounter: o.mounter,
		Run:     o.run,
		Logger:  logger,
	})
	if err := o.assembler.Assemble(o.publicKey, snapshot.RootFS.PersistentStorage); err != nil {
		return o.fatal(fmt.Errorf("assembling root filesystem: %w", err))
	}

	server := ipc.NewServer(
		filepath.Join(o.assembler.Target(), serviceSocketRel),
		o.serviceHooks(),
		o.clock,
		logger,
	)
	go func() {
		if err := server.Serve(ctx); err != nil {
			logger.Error("service socket failed", "error", err)
		}
	}()

	go o.trackReadiness(ctx)

	// Assembly fully succeeded; release stage 1 into the tree.
	if err := ipc.SignalReady(handoffSocketPath); err != nil {
		return o.fatal(fmt.Errorf("signaling stage handoff: %w", err))
	}
	logger.Info("stage handoff signaled")

	return o.commandLoop(ctx)
}

// degraded records a subsystem running in reduced form: logged, and
// surfaced to the presentation loop as a notice.
func (o *orchestrator) degraded(message string, err error) {
	if err != nil {
		o.logger.Warn(message, "error", err)
	} else {
		o.logger.Warn(message)
	}
	o.boundary.notify(message)
}

// serviceHooks wires the in-chroot service socket to the
// orchestrator.
func (o *orchestrator) serviceHooks() ipc.Hooks {
	return ipc.Hooks{
		Credentials: &ipc.CredentialCache{},
		TriggerSplash: func(kind shutdown.Kind) (*shutdown.Gate, error) {
			// Forward the kind to the presentation loop and wait for
			// the splash-drawn signal before handing the gate back;
			// the socket handler then polls the gate, so the client
			// stays blocked until the splash has settled on screen.
			request := splashRequest{
				kind:  kind,
				gate:  &shutdown.Gate{},
				drawn: make(chan struct{}),
			}
			o.boundary.splash <- request
			<-request.drawn
			return request.gate, nil
		},
		SwitchToLoginPage: func() {
			o.boundary.notify("switch to login page requested")
		},
		FatalError: func(reason string) {
			o.reportFatal(errors.New(reason))
		},
	}
}

// trackReadiness runs the learning or tracking pass and then reports
// boot completion into the command loop.
func (o *orchestrator) trackReadiness(ctx context.Context) {
	defer func() {
		o.boundary.commands <- shutdown.Request{Command: shutdown.BootFinished}
	}()

	tracker := readiness.New(readiness.Options{Clock: o.clock, Logger: o.logger})
	snapshot := o.handle.Snapshot()
	total, err := readiness.CachedTotal(&snapshot, rootfsImagePath)
	if errors.Is(err, readiness.ErrUnavailable) {
		o.learnTargets(ctx, tracker)
		return
	}
	if err != nil {
		o.logger.Warn("readiness tracking unavailable", "error", err)
		return
	}

	// Tracking pass, with a concurrent recount to detect drift. The
	// observed startup sequence is not perfectly reproducible across
	// boots, so a changed count is an expected case, not a defect.
	recount := make(chan int, 1)
	go func() {
		defer close(recount)
		count, err := tracker.CountTargets(ctx)
		if err != nil {
			o.logger.Warn("target recount failed", "error", err)
			return
		}
		recount <- count
	}()
	if err := tracker.WaitForTargets(ctx, total, o.boundary.reportProgress); err != nil {
		o.logger.Warn("readiness tracking failed, progress indeterminate", "error", err)
		return
	}
	// Both passes stream until the startup-finished marker, so the
	// recount lands moments after the foreground wait returns. Wait
	// for it: a drifted count must overwrite the stored total.
	select {
	case counted, ok := <-recount:
		if ok && counted != total {
			o.logger.Info("target count drifted", "recorded", total, "counted", counted)
			o.recordTargetTotal(counted)
		}
	case <-ctx.Done():
	}
}

// learnTargets runs the first-boot learning pass. A pending default
// record marks learning as in progress; it is deleted by the next
// committed write.
func (o *orchestrator) learnTargets(ctx context.Context, tracker *readiness.Tracker) {
	snapshot := o.handle.Snapshot()
	if err := o.store.Write(&snapshot, true); err != nil {
		o.logger.Warn("writing pending learning record failed", "error", err)
	}
	o.logger.Info("no usable target count, learning this boot")
	// Without a recorded total there is no denominator; the progress
	// view shows complete for the learning boot.
	o.boundary.reportProgress(1.0)

	count, err := tracker.CountTargets(ctx)
	if err != nil {
		o.logger.Warn("learning pass failed, progress indeterminate", "error", err)
		return
	}
	o.recordTargetTotal(count)
}

// recordTargetTotal stores a freshly observed target count keyed to
// the current rootfs image.
func (o *orchestrator) recordTargetTotal(count int) {
	timestamp, err := readiness.Fingerprint(rootfsImagePath)
	if err != nil {
		o.logger.Warn("fingerprinting rootfs image failed", "error", err)
		return
	}
	o.handle.Update(func(config *bootconfig.Config) {
		config.RootFS.SystemdTargetsTotal = &count
		config.RootFS.Timestamp = timestamp
	})
}

// commandLoop sequences boot commands until a terminal transition.
// Direct transitions do not return on success.
func (o *orchestrator) commandLoop(ctx context.Context) error {
	coordinator := shutdown.New(shutdown.Options{
		Partitions: []string{dataMountpoint, bootMountpoint},
		Root:       o.assembler.Target(),
		Clock:      o.clock,
		Mounter:    o.mounter,
		Logger:     o.logger,
	})

	for request := range o.boundary.commands {
		switch request.Command {
		case shutdown.NormalBoot:
			continue
		case shutdown.BootFinished:
			o.handle.Update(func(config *bootconfig.Config) {
				config.Flags.FirstBootDone = true
			})
			if err := o.handle.Commit(o.store); err != nil {
				o.logger.Error("committing boot configuration", "error", err)
			}
			o.logger.Info("boot finished")
		default:
			kind, mode, terminal := request.Command.Transition()
			if !terminal {
				o.logger.Warn("ignoring unknown boot command", "command", request.Command.String())
				continue
			}
			if err := o.handle.Commit(o.store); err != nil {
				o.logger.Error("committing boot configuration before transition", "error", err)
			}
			if mode == shutdown.Direct {
				o.assembler.TearDown()
			}
			if err := coordinator.Execute(ctx, kind, mode, request.Gate); err != nil {
				o.logger.Error("terminal transition failed", "kind", kind.String(), "mode", mode.String(), "error", err)
			}
		}
	}
	return nil
}

// reportFatal archives a diagnostic report for a failure reported
// from inside the chroot.
func (o *orchestrator) reportFatal(cause error) {
	report := o.buildReport(cause)
	if path, err := report.Archive(reportDir); err != nil {
		o.logger.Error("archiving fatal report failed", "error", err)
	} else {
		o.logger.Error("fatal error archived", "reason", cause.Error(), "report", path)
	}
}

// fatal builds and archives a diagnostic report for a
// fatal-to-boot error, then returns the error for the caller to
// propagate. The presentation layer renders the report and its
// visual-code payload on the dedicated error view.
func (o *orchestrator) fatal(cause error) error {
	report := o.buildReport(cause)
	if path, err := report.Archive(reportDir); err != nil {
		o.logger.Error("archiving fatal report failed", "error", err)
	} else {
		o.logger.Info("fatal report archived", "report", path)
	}
	if payload, err := report.Payload(); err != nil {
		o.logger.Error("building visual-code payload failed", "error", err)
	} else {
		o.logger.Info("visual-code payload ready", "bytes", len(payload))
	}
	return cause
}

func (o *orchestrator) buildReport(cause error) diag.Report {
	kernelTail, err := diag.ReadKernelLogTail("/dev/kmsg", tailLines)
	if err != nil {
		o.logger.Warn("reading kernel log tail failed", "error", err)
	}
	return diag.NewReport(o.bootID, cause, o.logBuffer.Tail(tailLines), kernelTail)
}
