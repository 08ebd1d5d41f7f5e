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

package tunnel

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumen-net/relaygate/internal/idletimer"
)

const (
	// chunkSize is the read size for each relay direction.
	chunkSize = 64 * 1024

	// DefaultIdleTimeout closes a tunnel once no bytes have moved in
	// either direction for this long.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultMaxTunnelBytes caps the bytes relayed per direction.
	DefaultMaxTunnelBytes = 1 << 30 // 1 GiB
)

var (
	// ErrByteLimit is returned by Relay when a direction would exceed the
	// byte cap. The violating chunk is never written.
	ErrByteLimit = errors.New("tunnel byte limit exceeded")

	// ErrIdle is returned by Relay when the idle timeout elapses with no
	// traffic in either direction. Callers treat it as a normal close, not
	// a transport failure.
	ErrIdle = errors.New("tunnel idle timeout")
)

// closeWriter is the half-close capability of TCP connections, used to
// propagate EOF to the peer as a final flush.
type closeWriter interface {
	CloseWrite() error
}

type relay struct {
	client   net.Conn
	upstream net.Conn
	idle     time.Duration
	maxBytes int64

	timer     *idletimer.Timer
	idleFired atomic.Bool
	done      atomic.Bool
}

// Relay copies bytes between client and upstream concurrently in both
// directions until either direction ends. Within a direction, bytes are
// written in the order read; the two directions interleave freely.
//
// The tunnel ends when either peer stops sending (half-close is not
// preserved beyond a final flush), when no bytes move in either direction
// for idleTimeout ([ErrIdle]), when a direction would exceed maxBytes
// ([ErrByteLimit]), or on the first read/write error. Relay reports the
// bytes moved client-to-upstream (up) and upstream-to-client (down); it does
// not close either connection.
func Relay(client, upstream net.Conn, idleTimeout time.Duration, maxBytes int64) (up, down int64, err error) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTunnelBytes
	}
	rl := &relay{
		client:   client,
		upstream: upstream,
		idle:     idleTimeout,
		maxBytes: maxBytes,
		timer:    idletimer.New(),
	}
	defer rl.timer.Stop()
	rl.timer.Set(time.Now().Add(idleTimeout))

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-rl.timer.Expired():
			rl.idleFired.Store(true)
			rl.unblock()
		case <-watchdogDone:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		n, err := rl.copyOneWay(upstream, client)
		up = n
		return err
	})
	g.Go(func() error {
		n, err := rl.copyOneWay(client, upstream)
		down = n
		return err
	})
	err = g.Wait()
	return up, down, err
}

// unblock forces both connections out of any pending Read or Write. Once
// one direction finishes, the whole tunnel is over.
func (rl *relay) unblock() {
	rl.done.Store(true)
	now := time.Now()
	rl.client.SetDeadline(now)
	rl.upstream.SetDeadline(now)
}

func (rl *relay) copyOneWay(dst, src net.Conn) (int64, error) {
	defer rl.unblock()

	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			// Enforced before the write so the cap is never exceeded,
			// and without truncating mid-chunk.
			if total+int64(n) > rl.maxBytes {
				return total, ErrByteLimit
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if rl.done.Load() {
					return total, nil
				}
				return total, werr
			}
			total += int64(n)
			rl.timer.Set(time.Now().Add(rl.idle))
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// Final flush: tell the peer we are done writing, then
				// let Relay tear the tunnel down.
				if cw, ok := dst.(closeWriter); ok {
					_ = cw.CloseWrite()
				}
				return total, nil
			case rl.idleFired.Load():
				return total, ErrIdle
			case rl.done.Load():
				// The other direction ended; this read was forced out.
				return total, nil
			default:
				return total, err
			}
		}
	}
}
