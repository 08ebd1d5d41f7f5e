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

import "sync/atomic"

// Stats aggregates traffic counters across all connections. The zero value
// is ready to use, and all methods are safe for concurrent use.
type Stats struct {
	accepted    atomic.Int64
	active      atomic.Int64
	tunnels     atomic.Int64
	tlsFailures atomic.Int64
	bytesUp     atomic.Int64
	bytesDown   atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Accepted    int64 // connections accepted
	Active      int64 // connections currently being handled
	Tunnels     int64 // tunnels that reached the relaying state
	TLSFailures int64 // failures the classifier matched to a TLS pattern
	BytesUp     int64 // client-to-upstream bytes relayed
	BytesDown   int64 // upstream-to-client bytes relayed
}

func (s *Stats) connOpened() {
	s.accepted.Add(1)
	s.active.Add(1)
}

func (s *Stats) connClosed() {
	s.active.Add(-1)
}

func (s *Stats) tunnelEstablished() {
	s.tunnels.Add(1)
}

func (s *Stats) tlsFailure() {
	s.tlsFailures.Add(1)
}

func (s *Stats) addTraffic(up, down int64) {
	s.bytesUp.Add(up)
	s.bytesDown.Add(down)
}

// Snapshot returns a copy of the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Accepted:    s.accepted.Load(),
		Active:      s.active.Load(),
		Tunnels:     s.tunnels.Load(),
		TLSFailures: s.tlsFailures.Load(),
		BytesUp:     s.bytesUp.Load(),
		BytesDown:   s.bytesDown.Load(),
	}
}
