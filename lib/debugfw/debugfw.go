// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package debugfw brings up the developer access path on debug
// builds: a USB gadget network interface with a DHCP server and an
// SSH daemon, plus an optional signed login script.
//
// The framework exists only in binaries built with the debugfw tag;
// release builds compile the no-op variant and carry none of the
// setup code. This is a compile-time posture, never a runtime toggle.
package debugfw

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"

	"github.com/slateos/slate-init/lib/bootconfig"
	"github.com/slateos/slate-init/lib/system"
)

// Options configures framework startup.
type Options struct {
	// Config persists the gadget MAC address pair so the host sees
	// a stable interface across reboots.
	Config *bootconfig.Handle

	// PublicKey gates the user-supplied DHCP override and login
	// script. Both fail closed on a bad signature.
	PublicKey *rsa.PublicKey

	Run system.CommandFunc

	// StateDir holds the SSH host key and the rendered DHCP
	// configuration. Durable storage.
	StateDir string

	// LoginScriptPath is an optional user-supplied script run after
	// the framework is up. Must carry a valid detached signature.
	LoginScriptPath string

	// DHCPOverridePath is an optional user-supplied DHCP server
	// configuration. Must carry a valid detached signature.
	DHCPOverridePath string

	Logger *slog.Logger
}

// randomMAC returns a random locally-administered unicast address.
func randomMAC() (string, error) {
	address := make(net.HardwareAddr, 6)
	if _, err := rand.Read(address); err != nil {
		return "", fmt.Errorf("generating MAC address: %w", err)
	}
	address[0] = (address[0] | 0x02) &^ 0x01
	return address.String(), nil
}

// gadgetMACs returns the persisted host/device MAC pair, generating
// and committing a fresh pair on first use.
func gadgetMACs(handle *bootconfig.Handle) (host, device string, changed bool, err error) {
	snapshot := handle.Snapshot()
	if snapshot.Debug.USBNetHostMAC != nil && snapshot.Debug.USBNetDeviceMAC != nil {
		return *snapshot.Debug.USBNetHostMAC, *snapshot.Debug.USBNetDeviceMAC, false, nil
	}
	host, err = randomMAC()
	if err != nil {
		return "", "", false, err
	}
	device, err = randomMAC()
	if err != nil {
		return "", "", false, err
	}
	handle.Update(func(config *bootconfig.Config) {
		config.Debug.USBNetHostMAC = &host
		config.Debug.USBNetDeviceMAC = &device
	})
	return host, device, true, nil
}
