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
	"context"
	"crypto/tls"
)

type contextKey struct{}

// HandshakeTrace is a set of hooks run around the handshake of a [Socket].
type HandshakeTrace struct {
	HandshakeStart func(server bool)
	HandshakeDone  func(state tls.ConnectionState, err error)
}

var handshakeTraceKey = contextKey{}

// WithHandshakeTrace adds handshake trace information to the context.
func WithHandshakeTrace(ctx context.Context, trace *HandshakeTrace) context.Context {
	return context.WithValue(ctx, handshakeTraceKey, trace)
}

// GetHandshakeTrace retrieves the handshake trace information from the context, if available.
func GetHandshakeTrace(ctx context.Context) *HandshakeTrace {
	if trace, ok := ctx.Value(handshakeTraceKey).(*HandshakeTrace); ok {
		return trace
	}
	return nil
}
