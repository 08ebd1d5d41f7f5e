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
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startOrigin runs a one-connection origin server that records the request
// head it receives and answers with response.
func startOrigin(t *testing.T, response string) (addr string, gotRequest <-chan string) {
	t.Helper()
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	requests := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := make([]byte, 0, 4096)
		buf := make([]byte, 1024)
		for !strings.Contains(string(scanner), "\r\n\r\n") {
			n, err := conn.Read(buf)
			if n > 0 {
				scanner = append(scanner, buf[:n]...)
			}
			if err != nil {
				break
			}
		}
		requests <- string(scanner)
		_, _ = conn.Write([]byte(response))
	}()
	return listener.Addr().String(), requests
}

// handle runs one client connection through a fresh engine and returns the
// client side of the socket.
func handle(t *testing.T, opts Options) net.Conn {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	engine := NewEngine(opts)
	clientSide, proxySide := tcpPair(t)
	go engine.HandleConn(context.Background(), proxySide)
	return clientSide
}

func TestEngineForwardsHTTPInOriginForm(t *testing.T) {
	origin, gotRequest := startOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")

	client := handle(t, Options{})
	_, err := client.Write([]byte("GET http://" + origin + "/index.html HTTP/1.1\r\n" +
		"Host: " + origin + "\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"\r\n"))
	require.NoError(t, err)

	select {
	case request := <-gotRequest:
		require.True(t, strings.HasPrefix(request, "GET /index.html HTTP/1.1\r\n"),
			"request must be rewritten to origin form, got %q", request)
		require.NotContains(t, request, "Proxy-Connection")
		require.Contains(t, request, "Host: "+origin)
	case <-time.After(2 * time.Second):
		t.Fatal("origin never received the request")
	}

	response, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi", string(response),
		"response bytes must be relayed back unchanged")
}

func TestEngineConnectTunnel(t *testing.T) {
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer listener.Close()

	// Echo server standing in for a TLS origin: bytes after the CONNECT
	// handshake are opaque to the proxy.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	stats := &Stats{}
	client := handle(t, Options{Stats: stats})
	_, err = client.Write([]byte("CONNECT " + listener.Addr().String() + " HTTP/1.1\r\n" +
		"Host: " + listener.Addr().String() + "\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)
	blank, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\r\n", blank)

	_, err = client.Write([]byte("opaque bytes \x16\x03\x01"))
	require.NoError(t, err)
	echo := make([]byte, 16)
	_, err = io.ReadFull(reader, echo)
	require.NoError(t, err)
	require.Equal(t, "opaque bytes \x16\x03\x01", string(echo))

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		return stats.Snapshot().Active == 0
	}, 2*time.Second, 10*time.Millisecond, "connection must be torn down after the client closes")
	require.EqualValues(t, 1, stats.Snapshot().Tunnels)
}

// Bytes the client sends right behind the CONNECT head must reach the
// upstream rather than being dropped with the scanner.
func TestEngineConnectForwardsEagerBytes(t *testing.T) {
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err == nil {
			received <- string(buf)
		}
	}()

	client := handle(t, Options{})
	_, err = client.Write([]byte("CONNECT " + listener.Addr().String() + " HTTP/1.1\r\n\r\nhello"))
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("eager bytes never reached the upstream")
	}
}

func TestEngineDialFailureAnswers502(t *testing.T) {
	refused := errors.New("connect: connection refused")
	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, refused
	})

	stats := &Stats{}
	client := handle(t, Options{Dialer: dialer, Stats: stats})
	_, err := client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	response, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 502 Bad Gateway\r\n\r\n", string(response))
	// "connection refused" matches no TLS pattern, so no TLS failure is
	// recorded.
	require.EqualValues(t, 0, stats.Snapshot().TLSFailures)
}

func TestEngineDialTLSFailureIsCounted(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("certificate verify failed: unable to get local issuer certificate")
	})

	stats := &Stats{}
	client := handle(t, Options{Dialer: dialer, Stats: stats, VPNContext: true})
	_, err := client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	response, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 502 Bad Gateway\r\n\r\n", string(response))
	require.EqualValues(t, 1, stats.Snapshot().TLSFailures)
}

// failingReadConn delivers a canned error on the first read, standing in for
// an upstream that aborts the stream mid-tunnel.
type failingReadConn struct {
	net.Conn
	err error
}

func (c *failingReadConn) Read(p []byte) (int, error) { return 0, c.err }

func TestEngineMidRelayTLSFailureIsClassified(t *testing.T) {
	upstreamErr := errors.New("read: sslv3 alert bad certificate")
	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		local, peer := tcpPair(t)
		_ = peer
		return &failingReadConn{Conn: local, err: upstreamErr}, nil
	})

	stats := &Stats{}
	client := handle(t, Options{Dialer: dialer, Stats: stats})
	_, err := client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	// The tunnel opens normally; the failure surfaces only during the relay.
	reader := bufio.NewReader(client)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)

	require.Eventually(t, func() bool {
		return stats.Snapshot().TLSFailures == 1
	}, 2*time.Second, 10*time.Millisecond,
		"a TLS-looking relay error must be classified just like a dial error")
}

func TestEngineMalformedRequestAnswers400(t *testing.T) {
	for _, raw := range []string{
		"GARBAGE\r\n\r\n",
		"GET /path HTTP/1.1\r\nAccept: */*\r\n\r\n", // no Host header, no absolute URI
	} {
		client := handle(t, Options{})
		_, err := client.Write([]byte(raw))
		require.NoError(t, err)
		response, err := io.ReadAll(client)
		require.NoError(t, err)
		assert.Equal(t, "HTTP/1.1 400 Bad Request\r\n\r\n", string(response), "input %q", raw)
	}
}

func TestEngineMalformedConnectClosesSilently(t *testing.T) {
	client := handle(t, Options{})
	_, err := client.Write([]byte("CONNECT example.com HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	response, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Empty(t, response, "a bad CONNECT authority gets a closed socket, not a response")
}

func TestEngineOversizedHeadAnswers400(t *testing.T) {
	client := handle(t, Options{MaxHeadBytes: 128})
	_, err := client.Write([]byte("GET / HTTP/1.1\r\nX-Filler: " + strings.Repeat("a", 256) + "\r\n\r\n"))
	require.NoError(t, err)
	response, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 400 Bad Request\r\n\r\n", string(response))
}

func TestEngineInitialTimeoutClosesConnection(t *testing.T) {
	stats := &Stats{}
	client := handle(t, Options{ConnectTimeout: 100 * time.Millisecond, Stats: stats})
	// Send an incomplete head and stall.
	_, err := client.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(make([]byte, 1))
	require.Error(t, err, "the proxy must drop the connection after the initial-connect timeout")
	require.Eventually(t, func() bool {
		return stats.Snapshot().Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}
