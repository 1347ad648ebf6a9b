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

package split

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ssuchichen/helio/transport"
	"github.com/stretchr/testify/require"
)

// collectSocket records every write and accepts all of it.
type collectSocket struct {
	transport.Socket
	writes [][]byte
}

func (s *collectSocket) WriteSome(ctx context.Context, bufs [][]byte) (int, error) {
	var joined []byte
	for _, b := range bufs {
		joined = append(joined, b...)
	}
	s.writes = append(s.writes, joined)
	return len(joined), nil
}

func (s *collectSocket) AsyncWriteSome(ctx context.Context, bufs [][]byte, cb transport.WriteCallback) {
	cb(s.WriteSome(ctx, bufs))
}

func TestSocket_Split(t *testing.T) {
	var inner collectSocket
	s := NewSocket(&inner, 3)
	n, err := s.WriteSome(context.Background(), [][]byte{[]byte("Req"), []byte("uest")})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	n, err = s.WriteSome(context.Background(), [][]byte{[]byte("R"), []byte("equest")})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, [][]byte{[]byte("Req"), []byte("Req")}, inner.writes)
	require.Equal(t, int64(2), s.Writes())
	require.Equal(t, int64(2), s.ShortWrites())
}

func TestSocket_ShortWrite(t *testing.T) {
	var inner collectSocket
	s := NewSocket(&inner, 10)
	n, err := s.WriteSome(context.Background(), [][]byte{[]byte("Request")})
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, int64(0), s.ShortWrites())
}

func TestSocket_Zero(t *testing.T) {
	var inner collectSocket
	s := NewSocket(&inner, 0)
	n, err := s.WriteSome(context.Background(), [][]byte{[]byte("Request")})
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, [][]byte{[]byte("Request")}, inner.writes)
}

func TestSocket_Async(t *testing.T) {
	var inner collectSocket
	s := NewSocket(&inner, 2)
	var got int
	var gotErr error
	s.AsyncWriteSome(context.Background(), [][]byte{[]byte("Request")}, func(n int, err error) {
		got, gotErr = n, err
	})
	require.NoError(t, gotErr)
	require.Equal(t, 2, got)
	require.Equal(t, [][]byte{[]byte("Re")}, inner.writes)
}

func TestSocket_OverNetwork(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	client := NewSocket(transport.NewNetSocket(), 4)
	defer client.Close()
	require.NoError(t, client.Connect(context.Background(), listener.Addr().String(), nil))
	conn, err := listener.Accept()
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("partial writes everywhere")
	written := 0
	for written < len(payload) {
		n, err := client.WriteSome(context.Background(), [][]byte{payload[written:]})
		require.NoError(t, err)
		require.LessOrEqual(t, n, 4)
		written += n
	}
	require.Equal(t, int64((len(payload)+3)/4), client.Writes())

	got := make([]byte, len(payload))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

