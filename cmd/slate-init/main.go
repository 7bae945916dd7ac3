// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// slate-init is the boot orchestrator: one binary, two run modes.
// Stage 1 is the thin pre-chroot wrapper running as PID 1; stage 2 is
// the boot-work process that assembles the root filesystem, serves
// the in-chroot command channel, and coordinates shutdown. The two
// meet exactly once, at the stage-handoff socket.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/slateos/slate-init/lib/diag"
	"github.com/slateos/slate-init/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		stage       int
		showVersion bool
	)
	flag.IntVar(&stage, "stage", 1, "boot stage to run (1 = pre-chroot wrapper, 2 = boot work)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Collect(false, false).Banner())
		return nil
	}

	// The log stream is teed into a ring buffer so a fatal-error
	// report can include the recent tail.
	logBuffer := diag.NewLogBuffer(diag.DefaultLogBufferSize)
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stderr, logBuffer), &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	logger = logger.With("stage", stage)

	switch stage {
	case 1:
		return runStage1(logger)
	case 2:
		return runStage2(logger, logBuffer)
	default:
		return fmt.Errorf("unknown stage %d (want 1 or 2)", stage)
	}
}
