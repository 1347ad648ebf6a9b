// Copyright 2025 The Outline Authors
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
Package ddltimer provides [DeadlineTimer], a resettable deadline whose expiry is observed by
closing a channel. Fibers park on that channel to sleep:

	t := ddltimer.New()
	defer t.Stop()
	t.SetDeadline(wakeAt)
	<-t.Timeout() // closed no earlier than wakeAt
*/
package ddltimer

import (
	"sync"
	"time"
)

// DeadlineTimer closes its Timeout channel once the deadline passes. Unlike [time.Timer], the
// deadline can be moved at any time and any number of goroutines may wait on the channel.
//
// DeadlineTimer is safe for concurrent use by multiple goroutines.
type DeadlineTimer struct {
	mu sync.Mutex

	ddl time.Time
	t   *time.Timer
	c   chan struct{}
}

// New returns a timer with no deadline.
func New() *DeadlineTimer {
	return &DeadlineTimer{c: make(chan struct{})}
}

// Timeout returns the channel that is closed when the current deadline passes. Waiters that
// subscribed before a deadline change observe the new deadline.
func (d *DeadlineTimer) Timeout() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c
}

// SetDeadline moves the deadline to t. The zero time disarms the timer. A deadline in the past
// closes the Timeout channel right away.
func (d *DeadlineTimer) SetDeadline(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// If the pending callback already started, it owns the old channel.
	if d.t != nil && !d.t.Stop() {
		d.c = make(chan struct{})
	}
	d.t = nil

	// A past deadline closed the channel without starting a timer.
	select {
	case <-d.c:
		d.c = make(chan struct{})
	default:
	}

	d.ddl = t
	if t.IsZero() {
		return
	}

	wait := time.Until(t)
	if wait <= 0 {
		close(d.c)
		return
	}
	// Capture the channel so a later SetDeadline can replace d.c without racing the close.
	ch := d.c
	d.t = time.AfterFunc(wait, func() {
		close(ch)
	})
}

// SetTimeout sets the deadline to now plus timeout. A non-positive timeout disarms the timer.
func (d *DeadlineTimer) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		d.Stop()
		return
	}
	d.SetDeadline(time.Now().Add(timeout))
}

// Stop disarms the timer.
func (d *DeadlineTimer) Stop() {
	d.SetDeadline(time.Time{})
}

// Deadline returns the current deadline, or the zero time when disarmed.
func (d *DeadlineTimer) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ddl
}

// Expired reports whether the Timeout channel is closed.
func (d *DeadlineTimer) Expired() bool {
	select {
	case <-d.Timeout():
		return true
	default:
		return false
	}
}
