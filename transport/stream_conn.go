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

package transport

import (
	"context"
	"io"
	"net"
	"time"
)

type socketConn struct {
	ctx context.Context
	s   Socket
}

var _ StreamConn = (*socketConn)(nil)

// AsStreamConn exposes s as a [StreamConn]. Blocking calls use ctx, so a conn created with a
// fiber context must only be used by that fiber.
//
// A [Socket] has a single timeout; the read and write deadlines of the conn both set it.
func AsStreamConn(ctx context.Context, s Socket) StreamConn {
	return &socketConn{ctx: ctx, s: s}
}

func (c *socketConn) Read(b []byte) (int, error) {
	return c.s.Recv(c.ctx, b)
}

func (c *socketConn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := c.s.WriteSome(c.ctx, [][]byte{b[written:]})
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func (c *socketConn) Close() error {
	return c.s.Close()
}

func (c *socketConn) CloseRead() error {
	return c.s.Shutdown(c.ctx, ShutdownRead)
}

func (c *socketConn) CloseWrite() error {
	return c.s.Shutdown(c.ctx, ShutdownWrite)
}

func (c *socketConn) LocalAddr() net.Addr {
	return c.s.LocalAddr()
}

func (c *socketConn) RemoteAddr() net.Addr {
	return c.s.RemoteAddr()
}

func (c *socketConn) SetDeadline(t time.Time) error {
	if t.IsZero() {
		c.s.SetTimeout(0)
		return nil
	}
	// A deadline in the past must still fail the next operation.
	c.s.SetTimeout(max(time.Until(t), time.Nanosecond))
	return nil
}

func (c *socketConn) SetReadDeadline(t time.Time) error {
	return c.SetDeadline(t)
}

func (c *socketConn) SetWriteDeadline(t time.Time) error {
	return c.SetDeadline(t)
}
