// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/slateos/slate-init/lib/codec"
)

// handoffReady is the single message the boot-work process sends
// once assembly has fully succeeded.
const handoffReady = "ready"

// handoffMessage is the one-shot stage-handoff payload.
type handoffMessage struct {
	Status string `cbor:"status"`
}

// AwaitHandoff blocks until the boot-work process signals readiness
// on the handoff socket at path, then deletes the socket. This is the
// happens-before edge of the whole boot: the caller chroots and
// replaces itself with the real init only after this returns.
//
// The socket is a trust boundary, not a proof: any process able to
// connect can send the message, and the caller proceeds on its word.
// Everything that can reach the socket at this point in boot is
// already fully privileged.
func AwaitHandoff(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale handoff socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on handoff socket %s: %w", path, err)
	}
	defer func() {
		listener.Close()
		os.Remove(path)
	}()
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accepting handoff connection: %w", err)
		}

		var message handoffMessage
		err = codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&message)
		conn.Close()
		if err != nil {
			// A malformed sender terminates only its own attempt.
			continue
		}
		if message.Status != handoffReady {
			continue
		}
		return nil
	}
}

// SignalReady sends the one-shot readiness message to the handoff
// socket. Called by the boot-work process after assembly completes.
func SignalReady(path string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("dialing handoff socket %s: %w", path, err)
	}
	defer conn.Close()
	if err := codec.NewEncoder(conn).Encode(handoffMessage{Status: handoffReady}); err != nil {
		return fmt.Errorf("sending readiness message: %w", err)
	}
	return nil
}
