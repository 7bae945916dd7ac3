// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc carries the two socket protocols of the boot process:
// the one-shot stage-handoff socket between the thin wrapper and the
// boot-work process, and the long-lived in-chroot service socket that
// processes inside the assembled tree use to fetch login credentials,
// request shutdown splashes, or report fatal errors.
//
// Both speak CBOR: one self-delimiting value per direction per
// connection, no additional framing.
package ipc

import "github.com/slateos/slate-init/lib/codec"

// Service socket action names. Every request is a CBOR map with an
// "action" field plus action-specific fields.
const (
	// ActionGetLoginCredentials returns the cached credentials, if
	// any, so the session manager can auto-login after a runtime
	// restart.
	ActionGetLoginCredentials = "get_login_credentials"

	// ActionSubmitLoginCredentials publishes credentials into the
	// cache. Submitting an empty form clears it (logout).
	ActionSubmitLoginCredentials = "submit_login_credentials"

	// ActionTriggerSplash asks for a shutdown splash and blocks
	// until the splash is fully on screen before the response is
	// written.
	ActionTriggerSplash = "trigger_splash"

	// ActionTriggerSwitchToLoginPage asks the presentation layer to
	// switch back to the login page. No meaningful reply.
	ActionTriggerSwitchToLoginPage = "trigger_switch_to_login_page"

	// ActionStopListening shuts the service socket down.
	ActionStopListening = "stop_listening"

	// ActionFatalError reports an unrecoverable failure from inside
	// the chroot. One-shot, no reply awaited.
	ActionFatalError = "fatal_error"
)

// Splash kinds for ActionTriggerSplash.
const (
	SplashPowerOff = "power_off"
	SplashReboot   = "reboot"
)

// SplashRequest asks for a shutdown splash.
type SplashRequest struct {
	Action string `cbor:"action"`
	Splash string `cbor:"splash"`
}

// LoginRequest submits credentials to the cache.
type LoginRequest struct {
	Action   string `cbor:"action"`
	Username string `cbor:"username"`
	Password string `cbor:"password"`
}

// FatalErrorRequest reports an unrecoverable failure.
type FatalErrorRequest struct {
	Action string `cbor:"action"`
	Reason string `cbor:"reason"`
}

// LoginAnswer is the data payload for ActionGetLoginCredentials.
// Available is false when nothing is cached; the other fields are
// then empty.
type LoginAnswer struct {
	Available bool   `cbor:"available"`
	Username  string `cbor:"username,omitempty"`
	Password  string `cbor:"password,omitempty"`
}

// Response is the wire envelope for every service socket reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}
