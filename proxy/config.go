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

// Package proxy ties the listener, admission gate, and tunnel engine together
// into a runnable forward proxy.
package proxy

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/lumen-net/relaygate/httphead"
	"github.com/lumen-net/relaygate/tunnel"
)

// Config is the full configuration of the proxy. Fields left zero fall back
// to the defaults from [DefaultConfig].
type Config struct {
	// Host is the address the listener binds to.
	Host string `yaml:"host"`

	// Port is the TCP port the listener binds to.
	Port int `yaml:"port"`

	// MaxConnections is the ceiling of concurrently handled connections.
	// Further clients queue in the accept loop until a slot frees.
	MaxConnections int `yaml:"max_connections"`

	// ConnectTimeout bounds the time from accept to an established
	// upstream connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// IdleTimeout closes tunnels with no traffic in either direction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxHeadBytes bounds the size of a client request head.
	MaxHeadBytes int `yaml:"max_head_bytes"`

	// MaxTunnelBytes caps the bytes relayed per direction per tunnel.
	MaxTunnelBytes int64 `yaml:"max_tunnel_bytes"`

	// VPNContext annotates TLS diagnoses with a VPN interception note.
	VPNContext bool `yaml:"vpn_context"`
}

// DefaultConfig returns the configuration the proxy runs with when nothing
// else is specified. VPNContext defaults on for Windows, where the proxy
// typically runs alongside a VPN client.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           3129,
		MaxConnections: tunnel.DefaultMaxConnections,
		ConnectTimeout: tunnel.DefaultConnectTimeout,
		IdleTimeout:    tunnel.DefaultIdleTimeout,
		MaxHeadBytes:   httphead.DefaultMaxHeadBytes,
		MaxTunnelBytes: tunnel.DefaultMaxTunnelBytes,
		VPNContext:     runtime.GOOS == "windows",
	}
}

// LoadConfig reads a YAML file and overlays it on the defaults. Keys absent
// from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid field, if any.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.ConnectTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxHeadBytes < 0 || c.MaxTunnelBytes < 0 {
		return fmt.Errorf("size limits must not be negative")
	}
	return nil
}

// ListenAddress returns the host:port string the listener binds to.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
