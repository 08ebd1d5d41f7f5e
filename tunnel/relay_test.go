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
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

// tcpPair returns two connected TCP loopback connections. Real TCP gives the
// relay the EOF and half-close semantics it sees in production.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server, err = listener.Accept()
	}()
	client, dialErr := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, dialErr)
	<-done
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestRelayBothDirections(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	upstreamSide, upstreamPeer := tcpPair(t)

	result := make(chan error, 1)
	var up, down int64
	go func() {
		var err error
		up, down, err = Relay(clientPeer, upstreamPeer, time.Second, 0)
		result <- err
	}()

	_, err := clientSide.Write([]byte("request bytes"))
	require.NoError(t, err)

	got := make([]byte, 13)
	_, err = io.ReadFull(upstreamSide, got)
	require.NoError(t, err)
	require.Equal(t, "request bytes", string(got))

	_, err = upstreamSide.Write([]byte("response"))
	require.NoError(t, err)
	resp := make([]byte, 8)
	_, err = io.ReadFull(clientSide, resp)
	require.NoError(t, err)
	require.Equal(t, "response", string(resp))

	// Closing one side ends the whole tunnel.
	clientSide.Close()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after one side closed")
	}
	assert.EqualValues(t, 13, up)
	assert.EqualValues(t, 8, down)
}

func TestRelayEndsWhenUpstreamCloses(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	upstreamSide, upstreamPeer := tcpPair(t)

	result := make(chan error, 1)
	go func() {
		_, _, err := Relay(clientPeer, upstreamPeer, time.Second, 0)
		result <- err
	}()

	upstreamSide.Close()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after upstream closed")
	}
	_ = clientSide
}

func TestRelayByteCapAbortsBeforeExceeding(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	_, upstreamPeer := tcpPair(t)

	const limit = 1024
	result := make(chan error, 1)
	var up int64
	go func() {
		var err error
		up, _, err = Relay(clientPeer, upstreamPeer, time.Second, limit)
		result <- err
	}()

	// Feed well past the cap.
	payload := bytes.Repeat([]byte("x"), 8*1024)
	_, _ = clientSide.Write(payload)

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrByteLimit)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not enforce the byte cap")
	}
	assert.LessOrEqual(t, up, int64(limit), "relayed bytes must never exceed the cap")
}

func TestRelayIdleTimeout(t *testing.T) {
	_, clientPeer := tcpPair(t)
	_, upstreamPeer := tcpPair(t)

	start := time.Now()
	result := make(chan error, 1)
	go func() {
		_, _, err := Relay(clientPeer, upstreamPeer, 100*time.Millisecond, 0)
		result <- err
	}()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrIdle)
		require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not time out while idle")
	}
}

// Traffic in one direction keeps the whole tunnel alive: the idle timer is
// shared, not per direction.
func TestRelayIdleTimerSharedAcrossDirections(t *testing.T) {
	clientSide, clientPeer := tcpPair(t)
	upstreamSide, upstreamPeer := tcpPair(t)

	result := make(chan error, 1)
	go func() {
		_, _, err := Relay(clientPeer, upstreamPeer, 150*time.Millisecond, 0)
		result <- err
	}()

	// Only the upstream->client direction carries traffic, at a cadence
	// slower than nothing but faster than the idle timeout.
	go func() {
		buf := make([]byte, 1)
		for i := 0; i < 5; i++ {
			time.Sleep(80 * time.Millisecond)
			if _, err := upstreamSide.Write([]byte("k")); err != nil {
				return
			}
			if _, err := io.ReadFull(clientSide, buf); err != nil {
				return
			}
		}
		clientSide.Close()
	}()

	select {
	case err := <-result:
		require.NoError(t, err, "keepalive traffic in one direction must hold the tunnel open")
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not finish")
	}
}
