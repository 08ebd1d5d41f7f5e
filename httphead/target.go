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

package httphead

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Target identifies where the proxy should connect on behalf of the client.
type Target struct {
	Host      string
	Port      int
	IsConnect bool
}

// Address returns the target in dialable "host:port" form.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Hop-by-hop fields that are meaningful to the proxy only and must not be
// forwarded to the origin server.
var proxyFields = []string{"Proxy-Connection", "Proxy-Authorization", "Proxy-Authenticate"}

// ResolveTarget determines the destination host and port for a parsed
// request head:
//
//   - CONNECT: the authority form "host:port", with the port mandatory. A
//     missing or non-numeric port is a hard failure, never a silent default.
//   - Absolute URI (e.g. "GET http://host/path"): host from the URI, port
//     from the URI or the scheme default (80 for http, 443 for https).
//   - Origin form ("GET /path"): host and optional port from the Host
//     header, defaulting to port 80.
//
// All failures wrap [ErrMalformed].
func ResolveTarget(h *Head) (Target, error) {
	if h.IsConnect() {
		host, portStr, err := net.SplitHostPort(h.Target)
		if err != nil || host == "" {
			return Target{}, fmt.Errorf("%w: CONNECT authority %q must be host:port", ErrMalformed, h.Target)
		}
		port, err := parsePort(portStr)
		if err != nil {
			return Target{}, fmt.Errorf("%w: CONNECT authority %q: %v", ErrMalformed, h.Target, err)
		}
		return Target{Host: host, Port: port, IsConnect: true}, nil
	}

	if strings.Contains(h.Target, "://") {
		u, err := url.Parse(h.Target)
		if err != nil || u.Hostname() == "" {
			return Target{}, fmt.Errorf("%w: absolute URI %q has no usable host", ErrMalformed, h.Target)
		}
		port := 0
		if p := u.Port(); p != "" {
			if port, err = parsePort(p); err != nil {
				return Target{}, fmt.Errorf("%w: absolute URI %q: %v", ErrMalformed, h.Target, err)
			}
		} else {
			switch u.Scheme {
			case "http":
				port = 80
			case "https":
				port = 443
			default:
				return Target{}, fmt.Errorf("%w: unsupported scheme %q", ErrMalformed, u.Scheme)
			}
		}
		return Target{Host: u.Hostname(), Port: port}, nil
	}

	if hostHeader := h.Get("Host"); hostHeader != "" {
		host, portStr, err := net.SplitHostPort(hostHeader)
		if err != nil {
			// No port in the Host header; the whole value is the host.
			return Target{Host: hostHeader, Port: 80}, nil
		}
		port, err := parsePort(portStr)
		if err != nil {
			return Target{}, fmt.Errorf("%w: Host header %q: %v", ErrMalformed, hostHeader, err)
		}
		return Target{Host: host, Port: port}, nil
	}

	return Target{}, fmt.Errorf("%w: no CONNECT authority, absolute URI or Host header", ErrMalformed)
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

// OriginForm re-encodes the request head for forwarding to the origin
// server: an absolute-URI target is rewritten to its origin-form equivalent
// (path plus query), and hop-by-hop Proxy-* fields are dropped. Header order
// and duplicates are otherwise preserved.
func (h *Head) OriginForm() ([]byte, error) {
	target := h.Target
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("%w: absolute URI %q", ErrMalformed, target)
		}
		target = u.RequestURI()
	}

	var b strings.Builder
	b.WriteString(h.Method)
	b.WriteByte(' ')
	b.WriteString(target)
	b.WriteByte(' ')
	b.WriteString(h.Proto)
	b.WriteString("\r\n")
fields:
	for _, f := range h.Fields {
		for _, skip := range proxyFields {
			if strings.EqualFold(f.Name, skip) {
				continue fields
			}
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}
