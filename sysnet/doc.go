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

/*
Package sysnet prepares the host so that other machines on the local network
can actually reach the proxy.

# Platform Support

On Windows, [Prepare] opens the listen port in Windows Firewall, marks the
active network connection as Private so the firewall rule applies, and keeps
the machine awake with the lid closed. On every other platform it does
nothing; firewall and power management are left to the administrator.

All steps are best effort. Failures are logged and never stop the proxy from
starting, since the proxy still works for local clients without them.
*/
package sysnet
