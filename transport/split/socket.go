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

// Package split provides a [transport.Socket] wrapper that limits how many bytes each write
// call may place, to exercise code that must cope with partial writes.
package split

import (
	"context"
	"sync/atomic"

	"github.com/ssuchichen/helio/transport"
)

// Socket caps the progress of every WriteSome and AsyncWriteSome call on the wrapped socket.
type Socket struct {
	transport.Socket
	limit  int
	writes atomic.Int64
	short  atomic.Int64
}

var _ transport.Socket = (*Socket)(nil)

// NewSocket wraps inner so that a single write places at most limit bytes. A non-positive
// limit disables the cap.
func NewSocket(inner transport.Socket, limit int) *Socket {
	return &Socket{Socket: inner, limit: limit}
}

// Writes returns the number of write calls issued to the wrapped socket.
func (s *Socket) Writes() int64 {
	return s.writes.Load()
}

// ShortWrites returns the number of write calls that were truncated by the cap.
func (s *Socket) ShortWrites() int64 {
	return s.short.Load()
}

// truncate returns the prefix of bufs holding at most limit bytes.
func (s *Socket) truncate(bufs [][]byte) [][]byte {
	if s.limit <= 0 || transport.BuffersLen(bufs) <= s.limit {
		return bufs
	}
	s.short.Add(1)
	out := make([][]byte, 0, len(bufs))
	left := s.limit
	for _, b := range bufs {
		if left == 0 {
			break
		}
		if len(b) > left {
			b = b[:left]
		}
		out = append(out, b)
		left -= len(b)
	}
	return out
}

func (s *Socket) WriteSome(ctx context.Context, bufs [][]byte) (int, error) {
	s.writes.Add(1)
	return s.Socket.WriteSome(ctx, s.truncate(bufs))
}

func (s *Socket) AsyncWriteSome(ctx context.Context, bufs [][]byte, cb transport.WriteCallback) {
	s.writes.Add(1)
	s.Socket.AsyncWriteSome(ctx, s.truncate(bufs), cb)
}

// Accept wraps the accepted socket with the same cap.
func (s *Socket) Accept(ctx context.Context) (transport.Socket, error) {
	conn, err := s.Socket.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return NewSocket(conn, s.limit), nil
}
