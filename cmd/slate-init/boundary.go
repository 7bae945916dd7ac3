// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/slateos/slate-init/lib/clock"
	"github.com/slateos/slate-init/lib/shutdown"
)

// boundary is the channel surface between the orchestrator and the
// presentation loop. The loop runs its own single-threaded cadence,
// polling every few hundred milliseconds, so the outbound sends never
// block: a slow consumer sees the newest progress fraction and may
// miss intermediate ones.
type boundary struct {
	// progress carries boot progress fractions in [0, 1].
	progress chan float64
	// notices carries operator-readable degraded-mode notices.
	notices chan string
	// commands carries boot commands into the orchestrator's command
	// loop.
	commands chan shutdown.Request
	// splash carries shutdown-splash requests out to the presentation
	// loop; the drawn-signal and gate ride inside the request.
	splash chan splashRequest
}

// splashRequest asks the presentation loop to draw a shutdown splash.
// The loop closes drawn once the frame is on the panel, raises the
// gate after the settle delay, and submits the matching boot command
// carrying the same gate.
type splashRequest struct {
	kind  shutdown.Kind
	gate  *shutdown.Gate
	drawn chan struct{}
}

func newBoundary() *boundary {
	return &boundary{
		progress: make(chan float64, 1),
		notices:  make(chan string, 16),
		commands: make(chan shutdown.Request, 8),
		splash:   make(chan splashRequest),
	}
}

// reportProgress publishes a fraction, displacing an unconsumed older
// one rather than blocking the readiness tracker behind the
// presentation loop.
func (b *boundary) reportProgress(fraction float64) {
	for {
		select {
		case b.progress <- fraction:
			return
		default:
		}
		select {
		case <-b.progress:
		default:
		}
	}
}

// notify publishes a degraded-mode notice. Notices are advisory; one
// is dropped when the buffer is full rather than stalling the boot.
func (b *boundary) notify(notice string) {
	select {
	case b.notices <- notice:
	default:
	}
}

// presentationLoop stands in for the graphical frontend, consuming
// the boundary the way the frontend would. Progress and notices are
// surfaced to the console log. A splash request is acknowledged as
// drawn right away, since this build has no panel to paint; the gate
// is still raised only after the settle delay, and the matching boot
// command is submitted so the command loop carries out the
// transition.
func presentationLoop(ctx context.Context, b *boundary, clk clock.Clock, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case fraction := <-b.progress:
			logger.Debug("boot progress", "progress", fraction)
		case notice := <-b.notices:
			logger.Info("boot notice", "notice", notice)
		case request := <-b.splash:
			logger.Info("shutdown splash requested", "kind", request.kind.String())
			close(request.drawn)
			go shutdown.RaiseAfter(clk, request.gate, splashSettleDelay, nil)

			command := shutdown.CommandPowerOffFromRootfs
			if request.kind == shutdown.Reboot {
				command = shutdown.CommandRebootFromRootfs
			}
			select {
			case b.commands <- shutdown.Request{Command: command, Gate: request.gate}:
			case <-ctx.Done():
				return
			}
		}
	}
}
