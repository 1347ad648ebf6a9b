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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/ssuchichen/helio/transport/tls/record"
)

// Status is the outcome of an [Engine] step.
type Status int

const (
	// StatusOK means the step completed.
	StatusOK Status = iota
	// StatusWantRead means the engine needs ciphertext from the peer. See [Engine.Feed].
	StatusWantRead
	// StatusWantWrite means ciphertext is pending. See [Engine.Output].
	StatusWantWrite
	// StatusEOF means the peer closed the session with close_notify.
	StatusEOF
	// StatusError means the step failed. The error is returned alongside.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWantRead:
		return "want-read"
	case StatusWantWrite:
		return "want-write"
	case StatusEOF:
		return "eof"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// stateMachine is the subset of [tls.Conn] shared by the standard and uTLS connections.
type stateMachine interface {
	Handshake() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
}

type operation struct {
	done chan struct{}
	n    int
	err  error
}

func startOperation(fn func() (int, error)) *operation {
	op := &operation{done: make(chan struct{})}
	go func() {
		op.n, op.err = fn()
		close(op.done)
	}()
	return op
}

// Engine is a TLS state machine that never touches the network. Ciphertext received from
// the peer is given to [Engine.Feed]; ciphertext to send is taken from [Engine.Output] and
// committed with [Engine.Consume].
//
// Read and the Feed calls that satisfy it must come from one goroutine at a time, as must
// Output and Consume. Write may be called concurrently with Read.
type Engine struct {
	conn  *memConn
	sm    stateMachine
	state func() tls.ConnectionState

	hs         *operation
	handshaken bool
	hsErr      error

	rd    *operation
	rdBuf []byte
	plain []byte
}

func newEngine(conn *memConn, sm stateMachine, state func() tls.ConnectionState) *Engine {
	return &Engine{
		conn:  conn,
		sm:    sm,
		state: state,
		rdBuf: make([]byte, record.MaxPlaintextLen),
	}
}

// NewClientEngine creates an engine for the client side of a session.
func NewClientEngine(cfg *Config) (*Engine, error) {
	if cfg == nil || cfg.TLS == nil {
		return nil, errors.New("tls: missing configuration")
	}
	conn := newMemConn()
	if cfg.Fingerprint != "" {
		uc, err := newUClient(conn, cfg.TLS, cfg.Fingerprint)
		if err != nil {
			return nil, err
		}
		return newEngine(conn, uc, func() tls.ConnectionState { return fromUTLSState(uc.ConnectionState()) }), nil
	}
	tc := tls.Client(conn, cfg.TLS)
	return newEngine(conn, tc, tc.ConnectionState), nil
}

// NewServerEngine creates an engine for the server side of a session.
func NewServerEngine(cfg *Config) (*Engine, error) {
	if cfg == nil || cfg.TLS == nil {
		return nil, errors.New("tls: missing configuration")
	}
	conn := newMemConn()
	tc := tls.Server(conn, cfg.TLS)
	return newEngine(conn, tc, tc.ConnectionState), nil
}

// settle waits until op finishes or the state machine is blocked on missing input. It
// reports whether op finished.
func (e *Engine) settle(op *operation) bool {
	for {
		select {
		case <-op.done:
			return true
		default:
		}
		if e.conn.isStarved() {
			return false
		}
		select {
		case <-op.done:
			return true
		case <-e.conn.starved:
		}
	}
}

// Handshake advances the handshake. It returns StatusOK once the handshake is complete.
func (e *Engine) Handshake() (Status, error) {
	if e.handshaken {
		return StatusOK, nil
	}
	if e.hs == nil {
		e.hs = startOperation(func() (int, error) {
			return 0, e.sm.Handshake()
		})
	}
	finished := e.settle(e.hs)
	if e.conn.pending() > 0 {
		return StatusWantWrite, nil
	}
	if !finished {
		return StatusWantRead, nil
	}
	if err := e.hs.err; err != nil {
		if e.hsErr == nil {
			e.hsErr = handshakeError(err)
		}
		return StatusError, e.hsErr
	}
	e.handshaken = true
	return StatusOK, nil
}

func handshakeError(err error) error {
	switch {
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &ProtocolError{Op: "handshake", Err: io.ErrUnexpectedEOF}
	default:
		return &ProtocolError{Op: "handshake", Err: err}
	}
}

// Feed hands ciphertext received from the peer to the engine.
func (e *Engine) Feed(p []byte) {
	e.conn.feed(p)
}

// FeedEOF tells the engine that the peer will send no more ciphertext.
func (e *Engine) FeedEOF() {
	e.conn.feedEOF()
}

// Output returns the pending ciphertext. The view is valid until the next call to Consume.
func (e *Engine) Output() []byte {
	return e.conn.output()
}

// Consume commits the first n bytes of [Engine.Output] as sent.
func (e *Engine) Consume(n int) {
	e.conn.consume(n)
}

// Produced returns the number of ciphertext bytes produced over the life of the engine.
func (e *Engine) Produced() uint64 {
	p, _ := e.conn.counters()
	return p
}

// Consumed returns the number of ciphertext bytes committed with [Engine.Consume].
func (e *Engine) Consumed() uint64 {
	_, c := e.conn.counters()
	return c
}

// Buffered returns the number of decrypted bytes that Read returns without new input.
func (e *Engine) Buffered() int {
	return len(e.plain)
}

// Read decrypts application data into p. A zero count with StatusOK means the engine made
// progress without producing data and Read should be called again.
func (e *Engine) Read(p []byte) (int, Status, error) {
	if !e.handshaken {
		return 0, StatusError, ErrHandshakeIncomplete
	}
	if len(e.plain) > 0 {
		n := copy(p, e.plain)
		e.plain = e.plain[n:]
		return n, StatusOK, nil
	}
	if len(p) == 0 {
		return 0, StatusOK, nil
	}
	if e.rd == nil {
		buf := e.rdBuf
		e.rd = startOperation(func() (int, error) {
			return e.sm.Read(buf)
		})
	}
	if !e.settle(e.rd) {
		if e.conn.pending() > 0 {
			return 0, StatusWantWrite, nil
		}
		return 0, StatusWantRead, nil
	}
	op := e.rd
	e.rd = nil
	if op.n > 0 {
		// A sticky error that came with the data is seen again by the next Read.
		e.plain = e.rdBuf[:op.n]
		n := copy(p, e.plain)
		e.plain = e.plain[n:]
		return n, StatusOK, nil
	}
	if op.err == nil {
		return 0, StatusOK, nil
	}
	st, err := e.readStatus(op.err)
	return 0, st, err
}

func (e *Engine) readStatus(err error) (Status, error) {
	switch {
	case errors.Is(err, net.ErrClosed):
		return StatusError, ErrClosed
	case errors.Is(err, io.EOF) && !e.conn.sawEOF():
		// The state machine returns io.EOF on close_notify without touching the input.
		return StatusEOF, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return StatusError, ErrTruncated
	default:
		return StatusError, &ProtocolError{Op: "read", Err: err}
	}
}

// Write encrypts p into the pending output. It always consumes all of p on success.
func (e *Engine) Write(p []byte) (int, Status, error) {
	if !e.handshaken {
		return 0, StatusError, ErrHandshakeIncomplete
	}
	n, err := e.sm.Write(p)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return n, StatusError, ErrClosed
		}
		return n, StatusError, &ProtocolError{Op: "write", Err: err}
	}
	if e.conn.pending() > 0 {
		return n, StatusWantWrite, nil
	}
	return n, StatusOK, nil
}

// Shutdown produces a close_notify alert. Later calls produce nothing. Before the handshake
// completes there is no session to close and Shutdown returns StatusOK.
func (e *Engine) Shutdown() (Status, error) {
	if !e.handshaken {
		return StatusOK, nil
	}
	before := e.Produced()
	if err := e.sm.CloseWrite(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return StatusError, ErrClosed
		}
		return StatusError, &ProtocolError{Op: "shutdown", Err: err}
	}
	if e.Produced() > before {
		return StatusWantWrite, nil
	}
	return StatusOK, nil
}

// ConnectionState returns the negotiated session parameters.
func (e *Engine) ConnectionState() tls.ConnectionState {
	return e.state()
}

// Close releases the engine. Pending operations fail with [ErrClosed]. No alert is produced.
func (e *Engine) Close() error {
	return e.conn.Close()
}
