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

// Relaygate is a forward HTTP/HTTPS proxy with TLS failure diagnostics,
// built for sharing one machine's network path (typically a VPN) with other
// devices on the local network.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/lmittmann/tint"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/term"

	"github.com/lumen-net/relaygate/proxy"
	"github.com/lumen-net/relaygate/sysnet"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...]\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	defaults := proxy.DefaultConfig()
	configFlag := flag.String("config", "", "Path to a YAML config file")
	hostFlag := flag.String("host", defaults.Host, "Address to listen on")
	portFlag := flag.Int("port", defaults.Port, "TCP port to listen on")
	maxConnsFlag := flag.Int("max-connections", defaults.MaxConnections, "Maximum concurrent client connections")
	connectTimeoutFlag := flag.Duration("connect-timeout", defaults.ConnectTimeout, "Timeout from accept to an established upstream connection")
	idleTimeoutFlag := flag.Duration("idle-timeout", defaults.IdleTimeout, "Close tunnels idle in both directions for this long")
	vpnFlag := flag.Bool("vpn-context", defaults.VPNContext, "Annotate TLS diagnostics with VPN interception notes")
	skipSetupFlag := flag.Bool("skip-system-setup", false, "Skip firewall and power-management setup")
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	))
	slog.SetDefault(log)

	cfg := defaults
	if *configFlag != "" {
		var err error
		cfg, err = proxy.LoadConfig(*configFlag)
		if err != nil {
			log.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}
	// Flags set on the command line win over both defaults and the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *hostFlag
		case "port":
			cfg.Port = *portFlag
		case "max-connections":
			cfg.MaxConnections = *maxConnsFlag
		case "connect-timeout":
			cfg.ConnectTimeout = *connectTimeoutFlag
		case "idle-timeout":
			cfg.IdleTimeout = *idleTimeoutFlag
		case "vpn-context":
			cfg.VPNContext = *vpnFlag
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if !*skipSetupFlag {
		sysnet.Prepare(log, cfg.Port)
		defer sysnet.Cleanup(log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := proxy.NewServer(cfg, log)
	if err := server.ListenAndServe(ctx); err != nil {
		log.Error("proxy failed", "error", err)
		os.Exit(1)
	}
}
