// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// slate-init-notify reports a fatal error to the boot orchestrator's
// service socket. Run by in-chroot units (for example as a systemd
// OnFailure handler) when something unrecoverable happens after the
// handoff.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/slateos/slate-init/lib/ipc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := pflag.String("socket", "/run/slate-init.sock", "service socket path")
	pflag.Parse()

	reason := strings.Join(pflag.Args(), " ")
	if reason == "" {
		return fmt.Errorf("usage: %s [--socket path] <reason...>", os.Args[0])
	}
	return ipc.NotifyFatalError(*socketPath, reason)
}
