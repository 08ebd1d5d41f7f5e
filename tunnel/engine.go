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

// Package tunnel implements the per-connection engine of the proxy: it
// parses the request head off the client socket, resolves the destination,
// dials it, and relays bytes in both directions under byte and idle limits.
// Transport and TLS failures are classified into diagnoses on the way out.
package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/lumen-net/relaygate/httphead"
	"github.com/lumen-net/relaygate/tlsdiag"
)

// DefaultConnectTimeout bounds the time from accepting a client connection
// to having a parsed request and an established upstream connection.
const DefaultConnectTimeout = 10 * time.Second

const (
	responseConnectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	responseBadRequest            = "HTTP/1.1 400 Bad Request\r\n\r\n"
	responseBadGateway            = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

// Phase is where a connection currently is in its lifecycle. It only moves
// forward; ErrorClosed is reachable from every non-terminal phase.
type Phase int

const (
	PhaseAccepted Phase = iota
	PhaseParsingRequest
	PhaseResolvingTarget
	PhaseConnecting
	PhaseTunnelingHTTP
	PhaseTunnelingConnect
	PhaseClosed
	PhaseErrorClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAccepted:
		return "accepted"
	case PhaseParsingRequest:
		return "parsing-request"
	case PhaseResolvingTarget:
		return "resolving-target"
	case PhaseConnecting:
		return "connecting"
	case PhaseTunnelingHTTP:
		return "tunneling-http"
	case PhaseTunnelingConnect:
		return "tunneling-connect"
	case PhaseClosed:
		return "closed"
	case PhaseErrorClosed:
		return "error-closed"
	default:
		return "unknown"
	}
}

// Dialer establishes upstream connections. *net.Dialer implements it; tests
// substitute their own.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures an Engine. The zero value uses the defaults below.
type Options struct {
	// Dialer used to reach upstream servers. Defaults to a plain
	// *net.Dialer.
	Dialer Dialer

	// ConnectTimeout bounds accept-to-upstream-established. Defaults to
	// [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// IdleTimeout closes a tunnel with no traffic in either direction.
	// Defaults to [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// MaxHeadBytes bounds the request head size. Defaults to
	// [httphead.DefaultMaxHeadBytes].
	MaxHeadBytes int

	// MaxTunnelBytes caps the bytes relayed per direction. Defaults to
	// [DefaultMaxTunnelBytes].
	MaxTunnelBytes int64

	// VPNContext marks platforms where VPN-mediated TLS interception is
	// plausible; diagnoses then carry a context note.
	VPNContext bool

	// Logger receives structured connection and diagnostic events.
	// Defaults to [slog.Default].
	Logger *slog.Logger

	// Stats receives traffic counters. Optional.
	Stats *Stats
}

// Engine runs accepted client connections through their lifecycle. It is
// safe for concurrent use; each connection is handled independently and no
// state is shared between connections beyond the counters in Stats.
type Engine struct {
	dialer         Dialer
	connectTimeout time.Duration
	idleTimeout    time.Duration
	maxHeadBytes   int
	maxTunnelBytes int64
	vpnContext     bool
	log            *slog.Logger
	stats          *Stats
}

// NewEngine creates an Engine with the given options.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		dialer:         opts.Dialer,
		connectTimeout: opts.ConnectTimeout,
		idleTimeout:    opts.IdleTimeout,
		maxHeadBytes:   opts.MaxHeadBytes,
		maxTunnelBytes: opts.MaxTunnelBytes,
		vpnContext:     opts.VPNContext,
		log:            opts.Logger,
		stats:          opts.Stats,
	}
	if e.dialer == nil {
		e.dialer = &net.Dialer{}
	}
	if e.connectTimeout <= 0 {
		e.connectTimeout = DefaultConnectTimeout
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.stats == nil {
		e.stats = &Stats{}
	}
	return e
}

// Stats returns the engine's traffic counters.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// conn is the state owned by one connection's goroutine. It is never shared.
type conn struct {
	client   net.Conn
	phase    Phase
	target   httphead.Target
	openedAt time.Time
	log      *slog.Logger
}

// HandleConn owns client for its whole lifecycle: it parses, resolves,
// dials, relays, and always closes the socket before returning. Errors never
// propagate beyond a log record; a failed connection must not affect any
// other connection.
func (e *Engine) HandleConn(ctx context.Context, client net.Conn) {
	e.stats.connOpened()
	defer e.stats.connClosed()
	defer client.Close()

	c := &conn{
		client:   client,
		phase:    PhaseAccepted,
		openedAt: time.Now(),
		log:      e.log.With("client", client.RemoteAddr()),
	}
	setNoDelay(client)

	head, rest, err := e.readHead(c)
	if err != nil {
		if errors.Is(err, httphead.ErrHeadTooLarge) || errors.Is(err, httphead.ErrMalformed) {
			e.failHTTP(c, err)
		} else {
			// The client went away mid-request; nobody is listening for
			// an error response.
			c.phase = PhaseErrorClosed
		}
		return
	}
	if head == nil {
		// Client connected and went away without sending anything.
		c.phase = PhaseClosed
		return
	}

	c.phase = PhaseResolvingTarget
	target, err := httphead.ResolveTarget(head)
	if err != nil {
		if head.IsConnect() {
			// No usable response can be tunneled; just close.
			c.log.Debug("unresolvable CONNECT target", "error", err)
			c.phase = PhaseErrorClosed
		} else {
			e.failHTTP(c, err)
		}
		return
	}
	c.target = target
	c.log = c.log.With("target", target.Address())

	upstream, err := e.dialUpstream(ctx, c)
	if err != nil {
		e.diagnose(c, err)
		_, _ = client.Write([]byte(responseBadGateway))
		c.phase = PhaseErrorClosed
		return
	}
	defer upstream.Close()
	setNoDelay(upstream)

	if target.IsConnect {
		err = e.runConnectTunnel(c, upstream, rest)
	} else {
		err = e.runHTTPTunnel(c, upstream, head, rest)
	}
	e.finish(c, err)
}

// readHead accumulates client bytes until a complete request head is found,
// the head grows past the limit, or the initial-connect timeout elapses.
// A nil head with nil error means the client closed without sending data.
func (e *Engine) readHead(c *conn) (*httphead.Head, []byte, error) {
	c.phase = PhaseParsingRequest
	deadline := c.openedAt.Add(e.connectTimeout)
	if err := c.client.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	// Reset once the head is in; the relay manages its own deadlines.
	defer c.client.SetReadDeadline(time.Time{})

	scanner := httphead.NewScanner(e.maxHeadBytes)
	buf := make([]byte, 4096)
	for scanner.End() < 0 {
		n, err := c.client.Read(buf)
		if n > 0 {
			if _, werr := scanner.Write(buf[:n]); werr != nil {
				c.log.Debug("request head rejected", "error", werr, "bytes", scanner.Len())
				return nil, nil, werr
			}
		}
		if err != nil {
			if scanner.Len() == 0 {
				return nil, nil, nil
			}
			c.log.Debug("client went away before completing request head", "error", err)
			return nil, nil, err
		}
	}

	head, err := httphead.Parse(scanner.Head())
	if err != nil {
		return nil, nil, err
	}
	return head, scanner.Rest(), nil
}

func (e *Engine) dialUpstream(ctx context.Context, c *conn) (net.Conn, error) {
	c.phase = PhaseConnecting
	// The connect timeout covers parse+resolve+dial from the moment the
	// client was accepted.
	dialCtx, cancel := context.WithDeadline(ctx, c.openedAt.Add(e.connectTimeout))
	defer cancel()
	return e.dialer.DialContext(dialCtx, "tcp", c.target.Address())
}

func (e *Engine) runConnectTunnel(c *conn, upstream net.Conn, rest []byte) error {
	c.phase = PhaseTunnelingConnect
	if _, err := c.client.Write([]byte(responseConnectionEstablished)); err != nil {
		return err
	}
	if len(rest) > 0 {
		// Bytes the client sent right behind the head, e.g. an eager TLS
		// ClientHello. Forward them before relaying.
		if _, err := upstream.Write(rest); err != nil {
			return err
		}
	}
	c.log.Info("CONNECT tunnel established")
	e.stats.tunnelEstablished()
	return e.relay(c, upstream)
}

func (e *Engine) runHTTPTunnel(c *conn, upstream net.Conn, head *httphead.Head, rest []byte) error {
	c.phase = PhaseTunnelingHTTP
	origin, err := head.OriginForm()
	if err != nil {
		return err
	}
	if _, err := upstream.Write(origin); err != nil {
		return err
	}
	if len(rest) > 0 {
		if _, err := upstream.Write(rest); err != nil {
			return err
		}
	}
	c.log.Info("HTTP request forwarded", "method", head.Method)
	e.stats.tunnelEstablished()
	return e.relay(c, upstream)
}

func (e *Engine) relay(c *conn, upstream net.Conn) error {
	up, down, err := Relay(c.client, upstream, e.idleTimeout, e.maxTunnelBytes)
	e.stats.addTraffic(up, down)
	c.log.Debug("relay finished", "up_bytes", up, "down_bytes", down,
		"duration", time.Since(c.openedAt).Round(time.Millisecond))
	return err
}

// finish maps the relay outcome to a terminal phase. Idle timeouts are a
// normal way for a tunnel to end, not a failure.
func (e *Engine) finish(c *conn, err error) {
	switch {
	case err == nil:
		c.phase = PhaseClosed
	case errors.Is(err, ErrIdle):
		c.log.Debug("tunnel closed after idle timeout")
		c.phase = PhaseClosed
	case errors.Is(err, ErrByteLimit):
		c.log.Warn("tunnel byte limit exceeded")
		c.phase = PhaseErrorClosed
	default:
		e.diagnose(c, err)
		c.phase = PhaseErrorClosed
	}
}

// failHTTP answers a malformed plain-HTTP request with a 400 and closes.
func (e *Engine) failHTTP(c *conn, err error) {
	c.log.Debug("rejecting malformed request", "error", err)
	_ = c.client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = c.client.Write([]byte(responseBadRequest))
	c.phase = PhaseErrorClosed
}

// diagnose runs the classifier over a dial or relay failure. The same lookup
// serves both phases, so the diagnosis for a given error text does not
// depend on when it surfaced.
func (e *Engine) diagnose(c *conn, err error) {
	diag := tlsdiag.Classify(err.Error(), e.vpnContext)
	if !diag.TLSRelated() {
		c.log.Debug("transport failure", "phase", c.phase, "error", err)
		return
	}
	e.stats.tlsFailure()
	attrs := []any{
		"phase", c.phase,
		"error", err,
		"cause", diag.Cause,
		"action", diag.Action,
	}
	if diag.VPNNote != "" {
		attrs = append(attrs, "note", diag.VPNNote)
	}
	c.log.Warn("TLS failure detected", attrs...)
}

func setNoDelay(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}
