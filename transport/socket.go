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
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ShutdownHow selects the directions closed by [Socket.Shutdown].
type ShutdownHow int

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

func (h ShutdownHow) String() string {
	switch h {
	case ShutdownRead:
		return "read"
	case ShutdownWrite:
		return "write"
	case ShutdownBoth:
		return "both"
	default:
		return fmt.Sprintf("ShutdownHow(%d)", int(h))
	}
}

// ErrNotConnected is returned by I/O on a socket that has no connection.
var ErrNotConnected = errors.New("transport: socket is not connected")

// WriteCallback receives the outcome of [Socket.AsyncWriteSome].
type WriteCallback func(n int, err error)

// Socket is an asynchronous byte-stream socket. Operations that may block take the context of
// the calling fiber and suspend only that fiber.
//
// Reads and writes may make partial progress: Recv returns at least one byte unless the
// peer has finished sending, in which case it returns 0 and [io.EOF]. WriteSome reports how
// many bytes were placed and never retries internally.
type Socket interface {
	// Connect connects to addr. preConnect, if not nil, receives the raw descriptor before
	// the connection is attempted.
	Connect(ctx context.Context, addr string, preConnect func(fd uintptr)) error
	// Accept returns a connected socket.
	Accept(ctx context.Context) (Socket, error)
	// Listen binds and listens on a stream address.
	Listen(ctx context.Context, network, addr string) error
	// ListenUDS listens on a Unix domain socket created at path with the given permissions.
	ListenUDS(ctx context.Context, path string, perm os.FileMode) error

	Recv(ctx context.Context, buf []byte) (int, error)
	// RecvMsg is Recv scattering into bufs.
	RecvMsg(ctx context.Context, bufs [][]byte) (int, error)
	WriteSome(ctx context.Context, bufs [][]byte) (int, error)
	// AsyncWriteSome starts a write and returns. cb is called exactly once.
	AsyncWriteSome(ctx context.Context, bufs [][]byte, cb WriteCallback)

	Shutdown(ctx context.Context, how ShutdownHow) error
	// Close releases the socket. It is safe to call in any state and more than once.
	Close() error
	IsOpen() bool

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// SetTimeout sets a deadline applied to every subsequent blocking operation. Zero disables it.
	SetTimeout(d time.Duration)
	Timeout() time.Duration
	NativeHandle() (uintptr, error)
	IsUDS() bool

	// RegisterOnErrorCb registers cb to be called at most once when the connection fails
	// while no operation is observing it. It replaces any previous callback.
	RegisterOnErrorCb(cb func(error))
	// CancelOnErrorCb unregisters the callback. It is idempotent.
	CancelOnErrorCb()
}

// BuffersLen returns the total length of bufs.
func BuffersLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// ScatterCopy copies src into bufs in order and returns the number of bytes copied.
func ScatterCopy(bufs [][]byte, src []byte) int {
	n := 0
	for _, b := range bufs {
		if len(src) == 0 {
			break
		}
		c := copy(b, src)
		src = src[c:]
		n += c
	}
	return n
}
