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

//go:build windows

package sysnet

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
)

const firewallRuleName = "Relaygate Proxy"

// Prepare opens port in Windows Firewall, sets the network profile to
// Private, and disables sleep-on-lid-close. Each step is independent; a
// failed step is logged and the rest still run.
func Prepare(log *slog.Logger, port int) {
	if err := allowInboundPort(port); err != nil {
		log.Warn("failed to add firewall rule; remote clients may be blocked", "error", err)
	} else {
		log.Info("firewall rule added", "rule", firewallRuleName, "port", port)
	}
	if err := setNetworkPrivate(); err != nil {
		log.Warn("failed to set network profile to Private", "error", err)
	}
	if err := disableLidSleep(); err != nil {
		log.Warn("failed to disable sleep on lid close", "error", err)
	}
}

// Cleanup removes the firewall rule added by [Prepare].
func Cleanup(log *slog.Logger) {
	out, err := exec.Command("netsh", "advfirewall", "firewall", "delete", "rule",
		"name="+firewallRuleName).CombinedOutput()
	if err != nil {
		log.Debug("failed to delete firewall rule", "error", err, "output", string(out))
	}
}

func allowInboundPort(port int) error {
	// Delete any stale rule from a previous run first; a missing rule is
	// not an error.
	_ = exec.Command("netsh", "advfirewall", "firewall", "delete", "rule",
		"name="+firewallRuleName).Run()

	out, err := exec.Command("netsh", "advfirewall", "firewall", "add", "rule",
		"name="+firewallRuleName,
		"dir=in", "action=allow", "protocol=TCP",
		"localport="+strconv.Itoa(port)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("netsh add rule: %w (%s)", err, out)
	}
	return nil
}

func setNetworkPrivate() error {
	// Windows Firewall blocks inbound connections on Public networks
	// regardless of the rule above.
	out, err := exec.Command("powershell", "-NoProfile", "-Command",
		"Get-NetConnectionProfile | Set-NetConnectionProfile -NetworkCategory Private").CombinedOutput()
	if err == nil {
		return nil
	}
	// PowerShell may be restricted by policy; netsh can flip the profile of
	// the default "Network" connection on older setups.
	fallbackOut, fallbackErr := exec.Command("netsh", "advfirewall", "set",
		"currentprofile", "state", "on").CombinedOutput()
	if fallbackErr != nil {
		return fmt.Errorf("powershell: %w (%s); netsh: %v (%s)", err, out, fallbackErr, fallbackOut)
	}
	return nil
}

func disableLidSleep() error {
	// 0 means "do nothing" for the lid-close action, on AC and on battery.
	for _, flag := range []string{"-setacvalueindex", "-setdcvalueindex"} {
		out, err := exec.Command("powercfg", flag,
			"SCHEME_CURRENT", "SUB_BUTTONS", "LIDACTION", "0").CombinedOutput()
		if err != nil {
			return fmt.Errorf("powercfg %s: %w (%s)", flag, err, out)
		}
	}
	out, err := exec.Command("powercfg", "-setactive", "SCHEME_CURRENT").CombinedOutput()
	if err != nil {
		return fmt.Errorf("powercfg -setactive: %w (%s)", err, out)
	}
	return nil
}
