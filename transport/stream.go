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
	"net"
)

// StreamConn is a [net.Conn] that allows for closing only the reader or writer end of it,
// supporting half-open state.
type StreamConn interface {
	net.Conn
	// Closes the Read end of the connection, allowing for the release of resources.
	// No more reads should happen.
	CloseRead() error
	// Closes the Write end of the connection. An EOF or FIN signal may be
	// sent to the connection target.
	CloseWrite() error
}

// StreamEndpoint represents an endpoint that can be used to establish stream connections
// (like TCP) to a fixed destination.
type StreamEndpoint interface {
	// Connect establishes a connection with the endpoint, returning the connection.
	Connect(ctx context.Context) (StreamConn, error)
}

// StreamDialer provides a way to dial a destination and establish stream connections.
type StreamDialer interface {
	// Dial connects to `raddr`.
	// `raddr` has the form `host:port`, where `host` can be a domain name or IP address.
	Dial(ctx context.Context, raddr string) (StreamConn, error)
}

// SocketFactory creates the [Socket] used for a new connection.
type SocketFactory func() Socket

// SocketDialer is a [StreamDialer] that connects a fresh [Socket] and exposes it as a
// [StreamConn].
type SocketDialer struct {
	// NewSocket creates the socket to connect. Nil means [NewNetSocket] with no options.
	NewSocket SocketFactory
	// PreConnect is passed to [Socket.Connect].
	PreConnect func(fd uintptr)
}

var _ StreamDialer = (*SocketDialer)(nil)

func (d *SocketDialer) Dial(ctx context.Context, raddr string) (StreamConn, error) {
	var s Socket
	if d.NewSocket != nil {
		s = d.NewSocket()
	} else {
		s = NewNetSocket()
	}
	if err := s.Connect(ctx, raddr, d.PreConnect); err != nil {
		s.Close()
		return nil, err
	}
	return AsStreamConn(ctx, s), nil
}

// DialerEndpoint is a [StreamEndpoint] that dials a fixed address.
type DialerEndpoint struct {
	Dialer  StreamDialer
	Address string
}

var _ StreamEndpoint = (*DialerEndpoint)(nil)

func (e *DialerEndpoint) Connect(ctx context.Context) (StreamConn, error) {
	return e.Dialer.Dial(ctx, e.Address)
}
