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
	"errors"

	"github.com/ssuchichen/helio/transport"
)

var (
	// ErrClosed is returned by I/O after Close or Shutdown. It wraps [net.ErrClosed].
	ErrClosed = transport.ErrClosed
	// ErrTruncated is returned when the peer closes the connection without a close_notify alert.
	ErrTruncated = errors.New("tls: connection truncated without close_notify")
	// ErrHandshakeFailed is returned by I/O on a socket whose handshake has failed.
	ErrHandshakeFailed = errors.New("tls: handshake failed")
	// ErrNotInitialized is returned when a socket is used before [Socket.Init].
	ErrNotInitialized = errors.New("tls: socket is not initialized")
	// ErrAlreadyInitialized is returned by a second call to [Socket.Init].
	ErrAlreadyInitialized = errors.New("tls: socket is already initialized")
	// ErrHandshakeIncomplete is returned by engine data operations before the handshake completes.
	ErrHandshakeIncomplete = errors.New("tls: handshake has not completed")
)

// ProtocolError is a failure of the TLS protocol itself, such as a bad certificate or a
// corrupted record. The connection cannot be used again and the operation must not be retried.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return "tls: " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
