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
Package tls secures any [transport.Socket] with TLS.

A [Socket] owns an underlying socket and an [Engine]. The engine runs the TLS state machine
entirely in memory: ciphertext read from the network is fed to it, and the ciphertext it
produces is written out by the socket. Because the underlying socket may accept only part of
a write, ciphertext stays queued in the engine until the socket reports it as written, and only
the unwritten remainder is retried.

A client:

	s := tls.New(transport.NewNetSocket())
	if err := s.Init(tls.NewClientConfig("example.com", tls.WithALPN([]string{"h2"})), nil); err != nil {
		return err
	}
	if err := s.Connect(ctx, "example.com:443", nil); err != nil {
		return err
	}

A server that has already read the start of the connection, for instance to pick a certificate
with [record.Sniff], hands those bytes to [Socket.Init] as the prefix.

Clean closure by the peer is reported by Recv as [io.EOF]. Closure without close_notify is
reported as [ErrTruncated].
*/
package tls
