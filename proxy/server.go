// Copyright 2024 The Relaygate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lumen-net/relaygate/tunnel"
)

// Server accepts client connections and hands each to the tunnel engine in
// its own goroutine. The admission gate bounds how many run at once; when the
// ceiling is reached the accept loop itself waits, so excess clients queue in
// the kernel backlog instead of being turned away.
type Server struct {
	cfg    Config
	log    *slog.Logger
	engine *tunnel.Engine
	gate   *tunnel.Gate

	mu       sync.Mutex
	listener net.Listener

	handlers sync.WaitGroup
}

// NewServer creates a Server from cfg. The logger may be nil, in which case
// [slog.Default] is used.
func NewServer(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	engine := tunnel.NewEngine(tunnel.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeadBytes:   cfg.MaxHeadBytes,
		MaxTunnelBytes: cfg.MaxTunnelBytes,
		VPNContext:     cfg.VPNContext,
		Logger:         log,
	})
	return &Server{
		cfg:    cfg,
		log:    log,
		engine: engine,
		gate:   tunnel.NewGate(cfg.MaxConnections),
	}
}

// Stats returns the traffic counters of the underlying engine.
func (s *Server) Stats() *tunnel.Stats {
	return s.engine.Stats()
}

// Address returns the address the server is listening on, or "" before
// ListenAndServe has bound the listener.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ListenAndServe binds the configured address and serves until ctx is
// canceled. It returns nil on a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %v: %w", s.cfg.ListenAddress(), err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is canceled. It takes
// ownership of the listener and closes it on the way out, then waits for
// in-flight connections to finish.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("proxy listening",
		"address", listener.Addr(),
		"max_connections", s.cfg.MaxConnections)

	// Closing the listener is what breaks the accept loop out of a blocking
	// Accept when the context is canceled.
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()
	defer listener.Close()

	err := s.acceptLoop(ctx, listener)

	s.handlers.Wait()
	s.logSummary()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		// Take a slot before accepting so a full proxy stops pulling
		// connections off the backlog instead of accepting and stalling them.
		release, err := s.gate.Acquire(ctx)
		if err != nil {
			return nil // context canceled
		}

		client, err := listener.Accept()
		if err != nil {
			release()
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Warn("transient accept failure", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer release()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("connection handler panicked",
						"client", client.RemoteAddr(), "panic", r)
					client.Close()
				}
			}()
			// Shutdown must not wait out long-lived tunnels; canceling the
			// context closes the client socket, which unwinds the relay.
			stopConn := context.AfterFunc(ctx, func() {
				client.Close()
			})
			defer stopConn()
			s.engine.HandleConn(ctx, client)
		}()
	}
}

func (s *Server) logSummary() {
	snap := s.engine.Stats().Snapshot()
	s.log.Info("proxy stopped",
		"connections", snap.Accepted,
		"tunnels", snap.Tunnels,
		"tls_failures", snap.TLSFailures,
		"bytes_up", snap.BytesUp,
		"bytes_down", snap.BytesDown)
}
