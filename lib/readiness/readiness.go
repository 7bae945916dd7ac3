// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package readiness estimates boot progress by watching the kernel
// log for the in-chroot init system's milestone lines.
//
// The first boot of a given rootfs image runs in learning mode: the
// tracker counts how many targets the image reaches and the count is
// recorded alongside the image's modification time. Later boots
// replay that expectation into a progress fraction for the splash
// screen. Reported progress is an estimate for humans, not a
// synchronization primitive; it only ever moves forward and the final
// report is always exactly 1.0.
package readiness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/slateos/slate-init/lib/bootconfig"
	"github.com/slateos/slate-init/lib/clock"
)

const (
	// targetMarker is printed by the in-chroot init system each time
	// a unit target is reached.
	targetMarker = "systemd[1]: Reached target"
	// finishedMarker terminates both learning and tracking. The
	// target count can drift between boots (hardware probing,
	// condition units), so seen==expected is never the exit
	// condition.
	finishedMarker = "systemd[1]: Startup finished in"
)

// BaselineProgress is reported before any target has been reached, so
// the splash bar visibly starts moving as soon as tracking begins.
const BaselineProgress = 0.1

const progressPollInterval = 100 * time.Millisecond

// kmsgPath is the kernel log device. Reads block until more log lines
// arrive, which is exactly the streaming behavior tracking needs.
const kmsgPath = "/dev/kmsg"

// ErrUnavailable means no usable recorded target count exists and a
// learning pass is required.
var ErrUnavailable = errors.New("no recorded target count for this rootfs image")

// Tracker reads the kernel log and reports boot progress.
type Tracker struct {
	open   func() (io.ReadCloser, error)
	clock  clock.Clock
	logger *slog.Logger
}

// Options configures a Tracker. Zero values select the kernel log
// device and the real clock.
type Options struct {
	// Open returns the log stream to scan. Defaults to opening
	// /dev/kmsg.
	Open   func() (io.ReadCloser, error)
	Clock  clock.Clock
	Logger *slog.Logger
}

func New(options Options) *Tracker {
	tracker := &Tracker{
		open:   options.Open,
		clock:  options.Clock,
		logger: options.Logger,
	}
	if tracker.open == nil {
		tracker.open = func() (io.ReadCloser, error) { return os.Open(kmsgPath) }
	}
	if tracker.clock == nil {
		tracker.clock = clock.Real()
	}
	if tracker.logger == nil {
		tracker.logger = slog.New(slog.DiscardHandler)
	}
	return tracker
}

// Progress maps a seen/expected target ratio into the reported
// fraction. Clamped to [BaselineProgress, 1.0]; an expected count of
// zero pins the bar at the baseline until startup finishes.
func Progress(seen, expected int) float64 {
	if expected <= 0 {
		return BaselineProgress
	}
	fraction := BaselineProgress + (float64(seen)/float64(expected))*(1.0-BaselineProgress)
	if fraction > 1.0 {
		return 1.0
	}
	if fraction < BaselineProgress {
		return BaselineProgress
	}
	return fraction
}

// CountTargets runs a learning pass: it scans the kernel log counting
// reached targets until the startup-finished line appears and returns
// the count.
func (t *Tracker) CountTargets(ctx context.Context) (int, error) {
	stream, err := t.open()
	if err != nil {
		return 0, fmt.Errorf("opening kernel log: %w", err)
	}
	defer stream.Close()
	// Closing the stream is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	count := 0
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, targetMarker) {
			count++
		}
		if strings.Contains(line, finishedMarker) {
			t.logger.Info("learning pass complete", "targets", count)
			return count, nil
		}
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading kernel log: %w", err)
	}
	return 0, errors.New("kernel log ended before startup finished")
}

// WaitForTargets runs a tracking pass: it scans the kernel log in the
// background while periodically reporting progress through report,
// and returns once the startup-finished line has been seen. The final
// report is always exactly 1.0 and reports never decrease.
func (t *Tracker) WaitForTargets(ctx context.Context, expected int, report func(float64)) error {
	stream, err := t.open()
	if err != nil {
		return fmt.Errorf("opening kernel log: %w", err)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	var seen atomic.Int64
	var finished atomic.Bool
	scanDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stream)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(line, targetMarker) {
				seen.Add(1)
			}
			if strings.Contains(line, finishedMarker) {
				finished.Store(true)
				scanDone <- nil
				return
			}
		}
		scanDone <- scanner.Err()
	}()

	report(BaselineProgress)
	last := BaselineProgress
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanDone:
			if finished.Load() {
				report(1.0)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				return fmt.Errorf("reading kernel log: %w", err)
			}
			return errors.New("kernel log ended before startup finished")
		case <-t.clock.After(progressPollInterval):
		}
		if fraction := Progress(int(seen.Load()), expected); fraction > last {
			last = fraction
			report(fraction)
		}
	}
}

// Fingerprint returns the rootfs image's modification time in Unix
// seconds, the identity a recorded target count is keyed on.
func Fingerprint(imagePath string) (int64, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return 0, fmt.Errorf("fingerprinting rootfs image: %w", err)
	}
	return info.ModTime().Unix(), nil
}

// CachedTotal returns the recorded target count if it was learned
// against the rootfs image currently deployed. A missing record or a
// timestamp mismatch (the image was swapped since the learning pass)
// returns ErrUnavailable, which sends the caller back into learning
// mode.
func CachedTotal(config *bootconfig.Config, imagePath string) (int, error) {
	if config.RootFS.SystemdTargetsTotal == nil {
		return 0, ErrUnavailable
	}
	timestamp, err := Fingerprint(imagePath)
	if err != nil {
		return 0, err
	}
	if timestamp != config.RootFS.Timestamp {
		return 0, fmt.Errorf("%w: rootfs image changed since the recorded count", ErrUnavailable)
	}
	return *config.RootFS.SystemdTargetsTotal, nil
}
