// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

//go:build debugfw

package debugfw

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/slateos/slate-init/lib/signing"
	"github.com/slateos/slate-init/lib/system"
)

// Enabled reports whether this binary carries the debug framework.
const Enabled = true

// defaultDHCPConfig serves one address to the USB host. The
// interface name matches the gadget driver's default.
const defaultDHCPConfig = `start 10.11.99.2
end 10.11.99.2
interface usb0
max_leases 1
option subnet 255.255.255.0
option router 10.11.99.1
`

// Start brings the developer access path up: gadget network, DHCP
// server, SSH daemon, optional signed login script. Any failure is
// returned for the caller to log; the boot continues degraded.
func Start(options Options) error {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	run := options.Run
	if run == nil {
		run = system.Run(logger)
	}

	host, device, changed, err := gadgetMACs(options.Config)
	if err != nil {
		return fmt.Errorf("resolving gadget MAC addresses: %w", err)
	}
	if changed {
		logger.Info("generated usb gadget MAC pair", "host", host, "device", device)
	}

	if err := system.Modprobe(run, "g_ether", "host_addr="+host, "dev_addr="+device); err != nil {
		return fmt.Errorf("loading gadget network driver: %w", err)
	}
	if err := run("/sbin/ifconfig", "usb0", "10.11.99.1", "netmask", "255.255.255.0", "up"); err != nil {
		return fmt.Errorf("configuring gadget interface: %w", err)
	}

	if err := os.MkdirAll(options.StateDir, 0700); err != nil {
		return fmt.Errorf("creating debug state directory: %w", err)
	}
	if err := startDHCP(options, run, logger); err != nil {
		return err
	}
	if err := startSSH(options, run); err != nil {
		return err
	}
	runLoginScript(options, run, logger)
	return nil
}

// startDHCP renders the DHCP configuration and launches the server.
// A user-supplied override is honored only with a valid signature;
// everything else falls back to the built-in configuration.
func startDHCP(options Options, run system.CommandFunc, logger *slog.Logger) error {
	configText := defaultDHCPConfig
	if options.DHCPOverridePath != "" {
		if _, err := os.Stat(options.DHCPOverridePath); err == nil {
			ok, err := signing.Verify(options.PublicKey, options.DHCPOverridePath)
			if err != nil {
				return fmt.Errorf("verifying DHCP override: %w", err)
			}
			if ok {
				override, err := os.ReadFile(options.DHCPOverridePath)
				if err != nil {
					return fmt.Errorf("reading DHCP override: %w", err)
				}
				configText = string(override)
				logger.Info("using signed DHCP override", "path", options.DHCPOverridePath)
			} else {
				logger.Warn("ignoring DHCP override with missing or invalid signature", "path", options.DHCPOverridePath)
			}
		}
	}

	configPath := filepath.Join(options.StateDir, "udhcpd.conf")
	if err := os.WriteFile(configPath, []byte(configText), 0644); err != nil {
		return fmt.Errorf("writing DHCP configuration: %w", err)
	}
	if err := run("/usr/sbin/udhcpd", configPath); err != nil {
		return fmt.Errorf("starting DHCP server: %w", err)
	}
	return nil
}

// startSSH ensures a host key exists and launches the daemon. The
// key persists in the debug state directory so host fingerprints
// stay stable across reboots.
func startSSH(options Options, run system.CommandFunc) error {
	keyPath := filepath.Join(options.StateDir, "ssh_host_ed25519_key")
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := generateHostKey(keyPath); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("checking SSH host key: %w", err)
	}
	if err := run("/usr/sbin/sshd", "-h", keyPath); err != nil {
		return fmt.Errorf("starting SSH daemon: %w", err)
	}
	return nil
}

func generateHostKey(path string) error {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating SSH host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(private, "slate-init debug host key")
	if err != nil {
		return fmt.Errorf("encoding SSH host key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("writing SSH host key: %w", err)
	}
	return nil
}

// runLoginScript executes the user's login script when present and
// validly signed. Failures never block the boot.
func runLoginScript(options Options, run system.CommandFunc, logger *slog.Logger) {
	if options.LoginScriptPath == "" {
		return
	}
	if _, err := os.Stat(options.LoginScriptPath); err != nil {
		return
	}
	ok, err := signing.Verify(options.PublicKey, options.LoginScriptPath)
	if err != nil {
		logger.Warn("verifying login script failed", "path", options.LoginScriptPath, "error", err)
		return
	}
	if !ok {
		logger.Warn("ignoring login script with missing or invalid signature", "path", options.LoginScriptPath)
		return
	}
	if err := run("/bin/sh", options.LoginScriptPath); err != nil {
		logger.Warn("login script failed", "path", options.LoginScriptPath, "error", err)
	}
}
