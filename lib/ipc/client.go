// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/slateos/slate-init/lib/codec"
)

// dialTimeout bounds the connection attempt to the service socket.
const dialTimeout = 5 * time.Second

// Call sends one request to the service socket and decodes the
// enveloped reply. An in-protocol failure ({ok:false}) is returned as
// an error carrying the server's message.
func Call(socketPath string, request any) (*Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing service socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if !response.OK {
		return nil, fmt.Errorf("request failed: %s", response.Error)
	}
	return &response, nil
}

// GetLoginCredentials fetches the cached credentials.
func GetLoginCredentials(socketPath string) (*LoginAnswer, error) {
	response, err := Call(socketPath, map[string]string{"action": ActionGetLoginCredentials})
	if err != nil {
		return nil, err
	}
	var answer LoginAnswer
	if err := codec.Unmarshal(response.Data, &answer); err != nil {
		return nil, fmt.Errorf("decoding login answer: %w", err)
	}
	return &answer, nil
}

// SubmitLoginCredentials publishes credentials into the cache. Empty
// username and password clear it.
func SubmitLoginCredentials(socketPath, username, password string) error {
	_, err := Call(socketPath, LoginRequest{
		Action:   ActionSubmitLoginCredentials,
		Username: username,
		Password: password,
	})
	return err
}

// TriggerSplash requests a shutdown splash and blocks until the
// server acknowledges that it is fully drawn.
func TriggerSplash(socketPath, kind string) error {
	_, err := Call(socketPath, SplashRequest{Action: ActionTriggerSplash, Splash: kind})
	return err
}

// TriggerSwitchToLoginPage asks the presentation layer to show the
// login page.
func TriggerSwitchToLoginPage(socketPath string) error {
	_, err := Call(socketPath, map[string]string{"action": ActionTriggerSwitchToLoginPage})
	return err
}

// StopListening shuts the service socket down.
func StopListening(socketPath string) error {
	_, err := Call(socketPath, map[string]string{"action": ActionStopListening})
	return err
}

// NotifyFatalError reports an unrecoverable failure. Fire-and-forget:
// no reply is awaited, and a dead socket is reported as an error for
// the caller to log.
func NotifyFatalError(socketPath, reason string) error {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return fmt.Errorf("dialing service socket %s: %w", socketPath, err)
	}
	defer conn.Close()
	if err := codec.NewEncoder(conn).Encode(FatalErrorRequest{
		Action: ActionFatalError,
		Reason: reason,
	}); err != nil {
		return fmt.Errorf("sending fatal error report: %w", err)
	}
	return nil
}
