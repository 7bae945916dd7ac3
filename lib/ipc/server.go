// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/slateos/slate-init/lib/clock"
	"github.com/slateos/slate-init/lib/codec"
	"github.com/slateos/slate-init/lib/shutdown"
)

// readTimeout bounds how long a connected client may stall before
// sending its request.
const readTimeout = 30 * time.Second

// writeTimeout bounds the response write.
const writeTimeout = 10 * time.Second

// maxRequestSize caps a single CBOR request. Requests are a handful
// of short strings; 1 MB is beyond generous.
const maxRequestSize = 1024 * 1024

// splashGatePollInterval is how often a blocked splash handler
// re-checks its readiness gate.
const splashGatePollInterval = 100 * time.Millisecond

// Hooks connect the service socket to the rest of the boot process.
// All callbacks may be invoked concurrently.
type Hooks struct {
	// Credentials backs the get/submit login actions.
	Credentials *CredentialCache

	// TriggerSplash asks for a shutdown splash and returns the gate
	// that is raised once the splash has settled on screen. The
	// handler polls the gate before acknowledging, guaranteeing the
	// splash is fully drawn when the client proceeds.
	TriggerSplash func(kind shutdown.Kind) (*shutdown.Gate, error)

	// SwitchToLoginPage asks the presentation layer to show the
	// login page.
	SwitchToLoginPage func()

	// FatalError reports an unrecoverable failure from inside the
	// chroot.
	FatalError func(reason string)
}

// Server is the long-lived in-chroot service socket. It binds at a
// path that only resolves once the overlay is assembled; legitimate
// clients are processes running inside the chroot. Each connection
// carries one request and at most one reply.
type Server struct {
	socketPath string
	hooks      Hooks
	clock      clock.Clock
	logger     *slog.Logger

	// active tracks in-flight handlers so Serve can drain before
	// returning.
	active sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer creates a service socket server. Serve must be called to
// start it.
func NewServer(socketPath string, hooks Hooks, clk clock.Clock, logger *slog.Logger) *Server {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		socketPath: socketPath,
		hooks:      hooks,
		clock:      clk,
		logger:     logger,
		stopped:    make(chan struct{}),
	}
}

// Stop makes Serve return after draining in-flight handlers. Also
// triggered by the stop_listening action.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Serve accepts connections until the context is cancelled or Stop
// is called. The socket file is removed on return. A malformed
// request terminates only its own connection.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept on cancellation or Stop.
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		listener.Close()
	}()

	s.logger.Info("service socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isStopped() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// handleConnection processes one request-response cycle.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	switch header.Action {
	case ActionGetLoginCredentials:
		s.handleGetLogin(conn)
	case ActionSubmitLoginCredentials:
		s.handleSubmitLogin(conn, raw)
	case ActionTriggerSplash:
		s.handleTriggerSplash(ctx, conn, raw)
	case ActionTriggerSwitchToLoginPage:
		if s.hooks.SwitchToLoginPage != nil {
			s.hooks.SwitchToLoginPage()
		}
		s.writeSuccess(conn, nil)
	case ActionStopListening:
		s.writeSuccess(conn, nil)
		s.Stop()
	case ActionFatalError:
		s.handleFatalError(raw)
	case "":
		s.writeError(conn, "missing required field: action")
	default:
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
	}
}

func (s *Server) handleGetLogin(conn net.Conn) {
	answer := LoginAnswer{}
	if s.hooks.Credentials != nil {
		if username, password, ok := s.hooks.Credentials.Snapshot(); ok {
			answer = LoginAnswer{Available: true, Username: username, Password: password}
		}
	}
	s.writeSuccess(conn, answer)
}

func (s *Server) handleSubmitLogin(conn net.Conn, raw codec.RawMessage) {
	var request LoginRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if s.hooks.Credentials == nil {
		s.writeError(conn, "no credential cache")
		return
	}
	if err := s.hooks.Credentials.Publish(request.Username, request.Password); err != nil {
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, nil)
}

// handleTriggerSplash requests the splash and holds the response
// until the splash's readiness gate is raised, so the client knows
// the screen is fully drawn before it continues tearing the system
// down.
func (s *Server) handleTriggerSplash(ctx context.Context, conn net.Conn, raw codec.RawMessage) {
	var request SplashRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	var kind shutdown.Kind
	switch request.Splash {
	case SplashPowerOff:
		kind = shutdown.PowerOff
	case SplashReboot:
		kind = shutdown.Reboot
	default:
		s.writeError(conn, fmt.Sprintf("unknown splash kind %q", request.Splash))
		return
	}
	if s.hooks.TriggerSplash == nil {
		s.writeError(conn, "no splash handler")
		return
	}

	gate, err := s.hooks.TriggerSplash(kind)
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}
	if gate != nil {
		for !gate.Consume() {
			select {
			case <-ctx.Done():
				s.writeError(conn, "shutting down")
				return
			case <-s.clock.After(splashGatePollInterval):
			}
		}
	}
	s.writeSuccess(conn, nil)
}

func (s *Server) handleFatalError(raw codec.RawMessage) {
	var request FatalErrorRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		s.logger.Error("malformed fatal error report", "error", err)
		return
	}
	s.logger.Error("fatal error reported from chroot", "reason", request.Reason)
	if s.hooks.FatalError != nil {
		s.hooks.FatalError(request.Reason)
	}
}

func (s *Server) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{OK: false, Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
