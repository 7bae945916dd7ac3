// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// slate-init-socket exercises the boot orchestrator's service socket
// from the command line: fetch or submit cached login credentials,
// trigger a shutdown splash, switch to the login page, or stop the
// listener. Developer tooling, not shipped on release images.
package main

import (
	"fmt"
	"os"

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
	var (
		socketPath = pflag.String("socket", "/run/slate-init.sock", "service socket path")
		username   = pflag.String("username", "", "username for submit-login")
		password   = pflag.String("password", "", "password for submit-login")
		splash     = pflag.String("splash", ipc.SplashPowerOff, "splash kind for trigger-splash (power_off or reboot)")
	)
	pflag.Parse()

	if pflag.NArg() != 1 {
		return fmt.Errorf("usage: %s [flags] <get-login|submit-login|trigger-splash|switch-to-login|stop>", os.Args[0])
	}

	switch command := pflag.Arg(0); command {
	case "get-login":
		answer, err := ipc.GetLoginCredentials(*socketPath)
		if err != nil {
			return err
		}
		if !answer.Available {
			fmt.Println("no cached credentials")
			return nil
		}
		fmt.Printf("username: %s\n", answer.Username)
		return nil
	case "submit-login":
		return ipc.SubmitLoginCredentials(*socketPath, *username, *password)
	case "trigger-splash":
		fmt.Printf("requesting %s splash, waiting for it to settle...\n", *splash)
		if err := ipc.TriggerSplash(*socketPath, *splash); err != nil {
			return err
		}
		fmt.Println("splash acknowledged")
		return nil
	case "switch-to-login":
		return ipc.TriggerSwitchToLoginPage(*socketPath)
	case "stop":
		return ipc.StopListening(*socketPath)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
