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
Package idletimer provides a resettable [Timer] used to detect tunnels that
have gone quiet. Every byte moved through the tunnel pushes the deadline
out; if the deadline is ever reached, the Expired channel unblocks:

	t := idletimer.New()
	defer t.Stop() // to prevent resource leaks
	t.Set(time.Now().Add(idleTimeout))
	<-t.Expired()  // unblocks once the timeout elapses
	// Set may be called from other goroutines while waiting
*/
package idletimer

import (
	"sync"
	"time"
)

// Timer is a deadline timer whose deadline can be moved at any time, from
// any goroutine, including while another goroutine waits on Expired. It is
// more flexible than [time.After] because the deadline can be updated, and
// more flexible than [time.Timer] because multiple waiters can listen on the
// expiry channel.
//
// Timer is safe for concurrent use by multiple goroutines.
type Timer struct {
	mu sync.Mutex

	deadline time.Time
	t        *time.Timer
	c        chan struct{}
}

// New creates an unarmed Timer. It does not expire until Set is called.
func New() *Timer {
	return &Timer{
		c: make(chan struct{}),
	}
}

// Expired returns a channel that is closed once the deadline set by Set has
// passed. Multiple goroutines may receive from it.
func (t *Timer) Expired() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

// Set arms the timer to expire at deadline d, replacing any previous
// deadline. A zero value disarms the timer.
//
// Set is like [time.Timer]'s Reset, without its restrictions.
func (t *Timer) Set(d time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Stop the pending expiry. If the AfterFunc already fired and closed
	// the channel, waiters have been released; start a fresh channel.
	if t.t != nil && !t.t.Stop() {
		t.c = make(chan struct{})
	}
	t.t = nil

	// A past deadline closes t.c synchronously below; a later Set must not
	// reuse that closed channel.
	select {
	case <-t.c:
		t.c = make(chan struct{})
	default:
	}

	t.deadline = d

	if d.IsZero() {
		return
	}

	timeout := time.Until(d)
	if timeout <= 0 {
		close(t.c)
		return
	}

	// Copy t.c so the AfterFunc closure cannot race with a later Set
	// replacing the channel.
	ch := t.c
	t.t = time.AfterFunc(timeout, func() {
		close(ch)
	})
}

// Stop disarms the timer. It is equivalent to Set(time.Time{}).
func (t *Timer) Stop() {
	t.Set(time.Time{})
}

// Deadline returns the current deadline, or a zero value if the timer is
// disarmed.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}
