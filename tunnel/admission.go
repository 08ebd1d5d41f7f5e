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
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConnections is the default ceiling on concurrently handled
// connections.
const DefaultMaxConnections = 10000

// Gate enforces a global ceiling on the number of connections being handled
// at once. Connections beyond the ceiling wait in Acquire rather than being
// rejected, providing backpressure at the accept loop.
type Gate struct {
	sem         *semaphore.Weighted
	outstanding atomic.Int64
}

// NewGate creates a Gate admitting at most maxConnections concurrent
// connections. A non-positive value means [DefaultMaxConnections].
func NewGate(maxConnections int) *Gate {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	return &Gate{sem: semaphore.NewWeighted(int64(maxConnections))}
}

// Acquire blocks until a slot is free or ctx is done, then leases one slot.
//
// The returned release function must be called when the connection ends,
// however it ends. It is idempotent: the slot is returned exactly once no
// matter how many times it is invoked, so callers can safely both defer it
// and call it early.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.outstanding.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.outstanding.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

// Outstanding returns the number of slots currently leased.
func (g *Gate) Outstanding() int64 {
	return g.outstanding.Load()
}
