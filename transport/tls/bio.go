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

package tls

import (
	"io"
	"net"
	"sync"
	"time"
)

// memConn is the in-memory transport under the TLS state machine. Ciphertext from the network
// is pushed in with feed and ciphertext produced by the state machine accumulates in out.
// A Read that finds no input blocks and signals starved, which the engine reports as
// StatusWantRead.
type memConn struct {
	mu   sync.Mutex
	cond *sync.Cond

	in           []byte
	inEOF        bool
	eofDelivered bool
	closed       bool
	waiting      bool
	starved      chan struct{}

	out      []byte
	produced uint64
	consumed uint64
}

var _ net.Conn = (*memConn)(nil)

func newMemConn() *memConn {
	c := &memConn{starved: make(chan struct{}, 1)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *memConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.in) == 0 && !c.inEOF && !c.closed {
		c.waiting = true
		select {
		case c.starved <- struct{}{}:
		default:
		}
		c.cond.Wait()
	}
	c.waiting = false
	if c.closed {
		return 0, net.ErrClosed
	}
	if len(c.in) == 0 {
		c.eofDelivered = true
		return 0, io.EOF
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.out = append(c.out, p...)
	c.produced += uint64(len(p))
	return len(p), nil
}

func (c *memConn) feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		c.in = c.in[:0]
	}
	c.in = append(c.in, p...)
	c.cond.Broadcast()
}

func (c *memConn) feedEOF() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inEOF = true
	c.cond.Broadcast()
}

// isStarved reports whether a reader is blocked with nothing left to consume.
func (c *memConn) isStarved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting && len(c.in) == 0 && !c.inEOF && !c.closed
}

func (c *memConn) sawEOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eofDelivered
}

func (c *memConn) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

// output returns a view of the pending ciphertext. Appends never touch the viewed bytes.
func (c *memConn) output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out[:len(c.out):len(c.out)]
}

func (c *memConn) consume(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.out) {
		panic("tls: consumed more ciphertext than pending")
	}
	if n == len(c.out) {
		c.out = nil
	} else {
		c.out = c.out[n:]
	}
	c.consumed += uint64(n)
}

func (c *memConn) counters() (produced, consumed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.produced, c.consumed
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

func (c *memConn) LocalAddr() net.Addr  { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr { return memAddr{} }

// Deadlines are meaningless in memory. crypto/tls sets one around close_notify.
func (c *memConn) SetDeadline(time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "memory" }
func (memAddr) String() string  { return "memory" }
