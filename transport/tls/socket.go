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
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/ssuchichen/helio/fibers"
	"github.com/ssuchichen/helio/transport"
	"github.com/ssuchichen/helio/transport/tls/record"
)

// Option configures a [Socket].
type Option func(*Socket)

// WithLogger sets the logger of the socket. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Socket) {
		s.logger = logger
	}
}

// Socket is a [transport.Socket] that secures an underlying socket with TLS. The underlying
// socket is owned by the Socket and closed with it.
//
// Reads and writes may run at the same time on different fibers. Reads are serialized among
// themselves, and so is the flushing of ciphertext. Shutdown is exclusive: a concurrent
// second call waits for the first one and produces no second alert.
type Socket struct {
	next   transport.Socket
	logger *slog.Logger

	readMu  fibers.Mutex
	flushMu fibers.Mutex
	// rbuf receives ciphertext. Used by the handshake and then under readMu.
	rbuf []byte

	mu                 sync.Mutex
	cfg                *Config
	prefix             []byte
	engine             *Engine
	server             bool
	writeInProgress    int
	readInProgress     bool
	shutdownInProgress bool
	shutdownDone       bool
	shutdownCh         chan struct{}
	handshakeDone      bool
	handshakeFailed    bool
	closed             bool
	errCb              func(error)

	// cbMu is held while the error callback runs.
	cbMu sync.Mutex
}

var _ transport.Socket = (*Socket)(nil)

// New wraps next, which may be open or not. The socket must be initialized with
// [Socket.Init] before Connect or Accept.
func New(next transport.Socket, opts ...Option) *Socket {
	s := &Socket{
		next:   next,
		logger: slog.Default(),
		rbuf:   make([]byte, record.HeaderLen+record.MaxCiphertextLen),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init binds the protocol configuration. prefix holds bytes already read from the
// underlying socket, such as a sniffed ClientHello. They are handed to the engine before the
// first network read.
func (s *Socket) Init(cfg *Config, prefix []byte) error {
	if cfg == nil || cfg.TLS == nil {
		return errors.New("tls: missing configuration")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg != nil {
		return ErrAlreadyInitialized
	}
	s.cfg = cfg
	s.prefix = slices.Clone(prefix)
	return nil
}

// Next returns the underlying socket.
func (s *Socket) Next() transport.Socket {
	return s.next
}

// ConnectionState returns the parameters of the session. It is the zero value before the
// handshake completes.
func (s *Socket) ConnectionState() tls.ConnectionState {
	s.mu.Lock()
	eng, done := s.engine, s.handshakeDone
	s.mu.Unlock()
	if !done {
		return tls.ConnectionState{}
	}
	return eng.ConnectionState()
}

// Connect connects the underlying socket if it is not open yet and runs the client handshake.
func (s *Socket) Connect(ctx context.Context, addr string, preConnect func(fd uintptr)) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg == nil {
		return ErrNotInitialized
	}
	if !s.next.IsOpen() {
		if err := s.next.Connect(ctx, addr, preConnect); err != nil {
			return err
		}
	}
	eng, err := NewClientEngine(cfg)
	if err != nil {
		return err
	}
	return s.handshake(ctx, eng, false)
}

// Accept runs the server handshake over the connected underlying socket and returns s.
func (s *Socket) Accept(ctx context.Context) (transport.Socket, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg == nil {
		return nil, ErrNotInitialized
	}
	eng, err := NewServerEngine(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.handshake(ctx, eng, true); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Socket) handshake(ctx context.Context, eng *Engine, server bool) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		eng.Close()
		return ErrClosed
	case s.engine != nil:
		s.mu.Unlock()
		eng.Close()
		return errors.New("tls: handshake already started")
	}
	s.engine = eng
	s.server = server
	prefix := s.prefix
	s.prefix = nil
	s.mu.Unlock()

	trace := GetHandshakeTrace(ctx)
	if trace != nil && trace.HandshakeStart != nil {
		trace.HandshakeStart(server)
	}
	start := time.Now()
	err := s.driveHandshake(ctx, eng, prefix)

	role := roleLabel(server)
	handshakesTotal.WithLabelValues(role, resultLabel(err)).Inc()
	handshakeSeconds.WithLabelValues(role).Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if err == nil {
		s.handshakeDone = true
	} else {
		s.handshakeFailed = true
	}
	s.mu.Unlock()

	var state tls.ConnectionState
	if err == nil {
		state = eng.ConnectionState()
	}
	if trace != nil && trace.HandshakeDone != nil {
		trace.HandshakeDone(state, err)
	}
	if err != nil {
		s.logger.Debug("TLS handshake failed", "role", role, "remote", s.next.RemoteAddr(), "error", err)
		return err
	}
	s.logger.Debug("TLS handshake done", "role", role, "remote", s.next.RemoteAddr(),
		"version", tls.VersionName(state.Version), "alpn", state.NegotiatedProtocol)
	return nil
}

func (s *Socket) driveHandshake(ctx context.Context, eng *Engine, prefix []byte) error {
	if len(prefix) > 0 {
		eng.Feed(prefix)
	}
	for {
		st, err := eng.Handshake()
		switch st {
		case StatusOK:
			return nil
		case StatusWantWrite:
			if err := s.flushAll(ctx, eng); err != nil {
				return err
			}
		case StatusWantRead:
			if err := s.fill(ctx, eng); err != nil {
				return err
			}
		default:
			// Tell the peer why, if the alert makes it out.
			if ferr := s.flushAll(ctx, eng); ferr != nil {
				s.logger.Debug("failed to send TLS alert", "error", ferr)
			}
			return err
		}
	}
}

// fill performs one read of the underlying socket into the engine.
func (s *Socket) fill(ctx context.Context, eng *Engine) error {
	n, err := s.next.Recv(ctx, s.rbuf)
	if n > 0 {
		eng.Feed(s.rbuf[:n])
	}
	if errors.Is(err, io.EOF) {
		eng.FeedEOF()
		return nil
	}
	return err
}

func (s *Socket) flushAll(ctx context.Context, eng *Engine) error {
	return s.flushUntil(ctx, eng, eng.Produced())
}

// flushUntil writes pending ciphertext until the first target bytes ever produced are sent.
// Only the unwritten remainder is retried after a partial write.
func (s *Socket) flushUntil(ctx context.Context, eng *Engine, target uint64) error {
	s.flushMu.Lock(ctx)
	defer s.flushMu.Unlock()
	return s.flushLocked(ctx, eng, target)
}

func (s *Socket) flushLocked(ctx context.Context, eng *Engine, target uint64) error {
	for eng.Consumed() < target {
		out := eng.Output()
		if len(out) == 0 {
			return nil
		}
		vecs, rest, _ := record.SplitRecords(out)
		if len(rest) > 0 {
			vecs = append(vecs, rest)
		}
		n, err := s.next.WriteSome(ctx, vecs)
		if n > 0 {
			eng.Consume(n)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		if n < len(out) {
			partialWritesTotal.Inc()
		}
	}
	return nil
}

// ioStateLocked returns the engine if I/O is allowed.
func (s *Socket) ioStateLocked() (*Engine, error) {
	switch {
	case s.closed, s.shutdownDone, s.shutdownInProgress:
		return nil, ErrClosed
	case s.handshakeFailed:
		return nil, ErrHandshakeFailed
	case s.cfg == nil:
		return nil, ErrNotInitialized
	case !s.handshakeDone:
		return nil, transport.ErrNotConnected
	}
	return s.engine, nil
}

func (s *Socket) Recv(ctx context.Context, buf []byte) (int, error) {
	return s.RecvMsg(ctx, [][]byte{buf})
}

// RecvMsg fills bufs in order. It suspends only until the first byte is available and then
// takes whatever else is already decrypted.
func (s *Socket) RecvMsg(ctx context.Context, bufs [][]byte) (int, error) {
	s.readMu.Lock(ctx)
	defer s.readMu.Unlock()

	s.mu.Lock()
	eng, err := s.ioStateLocked()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.readInProgress = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.readInProgress = false
		s.mu.Unlock()
	}()

	total := 0
	for _, b := range bufs {
		for len(b) > 0 {
			if total > 0 && eng.Buffered() == 0 {
				return total, nil
			}
			n, err := s.readSome(ctx, eng, b)
			if err != nil {
				if total > 0 {
					return total, nil
				}
				return 0, s.readError(err)
			}
			b = b[n:]
			total += n
			bytesIn.Add(float64(n))
		}
	}
	return total, nil
}

// readError reports ErrClosed for a read that failed because this side shut down or closed
// the socket while it was waiting. A close_notify from the peer is still io.EOF.
func (s *Socket) readError(err error) error {
	if errors.Is(err, io.EOF) {
		return err
	}
	s.mu.Lock()
	local := s.closed || s.shutdownInProgress || s.shutdownDone
	s.mu.Unlock()
	if local {
		return ErrClosed
	}
	return err
}

// readSome returns at least one byte, [io.EOF] after close_notify, or an error.
func (s *Socket) readSome(ctx context.Context, eng *Engine, p []byte) (int, error) {
	for {
		n, st, err := eng.Read(p)
		switch st {
		case StatusOK:
			if n > 0 {
				return n, nil
			}
		case StatusWantRead:
			if err := s.fill(ctx, eng); err != nil {
				return 0, err
			}
		case StatusWantWrite:
			// The engine also needs input. When a writer holds the flush, its ciphertext
			// goes out without this reader, which must not wait behind a peer that may
			// itself be blocked writing.
			if !s.flushMu.TryLock() {
				if err := s.fill(ctx, eng); err != nil {
					return 0, err
				}
				continue
			}
			err := s.flushLocked(ctx, eng, eng.Produced())
			s.flushMu.Unlock()
			if err != nil {
				return 0, err
			}
		case StatusEOF:
			return 0, io.EOF
		default:
			return 0, err
		}
	}
}

func (s *Socket) beginWrite() (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eng, err := s.ioStateLocked()
	if err != nil {
		return nil, err
	}
	s.writeInProgress++
	return eng, nil
}

func (s *Socket) endWrite() {
	s.mu.Lock()
	s.writeInProgress--
	s.mu.Unlock()
}

// encrypt moves the plaintext of bufs into the ciphertext queue and returns the flush target
// that covers it.
func encrypt(eng *Engine, bufs [][]byte) (uint64, error) {
	p := slices.Concat(bufs...)
	if _, st, err := eng.Write(p); st == StatusError {
		return 0, err
	}
	return eng.Produced(), nil
}

// WriteSome encrypts all of bufs and suspends until the ciphertext is written. On success
// it reports the full plaintext length.
func (s *Socket) WriteSome(ctx context.Context, bufs [][]byte) (int, error) {
	eng, err := s.beginWrite()
	if err != nil {
		return 0, err
	}
	defer s.endWrite()
	total := transport.BuffersLen(bufs)
	if total == 0 {
		return 0, nil
	}
	target, err := encrypt(eng, bufs)
	if err != nil {
		return 0, err
	}
	if err := s.flushUntil(ctx, eng, target); err != nil {
		return 0, err
	}
	bytesOut.Add(float64(total))
	return total, nil
}

// AsyncWriteSome encrypts bufs before returning, so writes are sent in the order they were
// issued, and flushes the ciphertext on a new fiber. bufs may be reused once it returns.
func (s *Socket) AsyncWriteSome(ctx context.Context, bufs [][]byte, cb transport.WriteCallback) {
	eng, err := s.beginWrite()
	if err != nil {
		cb(0, err)
		return
	}
	total := transport.BuffersLen(bufs)
	target, err := encrypt(eng, bufs)
	if err != nil || total == 0 {
		s.endWrite()
		cb(0, err)
		return
	}
	f := fibers.Go(ctx, fibers.Post, "tls-flush", func(ctx context.Context) {
		err := s.flushUntil(ctx, eng, target)
		s.endWrite()
		if err != nil {
			s.notifyError(err)
			cb(0, err)
			return
		}
		bytesOut.Add(float64(total))
		cb(total, nil)
	})
	// A new handle is always joinable.
	_ = f.Detach()
}

// Shutdown sends close_notify when the write side is shut down and then shuts down the
// underlying socket. It is a no-op once done.
func (s *Socket) Shutdown(ctx context.Context, how transport.ShutdownHow) error {
	s.mu.Lock()
	if s.closed || s.shutdownDone {
		s.mu.Unlock()
		return nil
	}
	if s.shutdownInProgress {
		ch := s.shutdownCh
		s.mu.Unlock()
		fibers.Wait(ctx, ch)
		return nil
	}
	s.shutdownInProgress = true
	s.shutdownCh = make(chan struct{})
	eng, established := s.engine, s.handshakeDone
	s.mu.Unlock()

	if established && how != transport.ShutdownRead {
		st, err := eng.Shutdown()
		switch {
		case err != nil:
			s.logger.Debug("failed to produce close_notify", "error", err)
		case st == StatusWantWrite:
			closeAlertsTotal.Inc()
			if err := s.flushAll(ctx, eng); err != nil {
				s.logger.Debug("failed to send close_notify", "error", err)
			}
		}
	}
	err := s.next.Shutdown(ctx, how)

	s.mu.Lock()
	s.shutdownInProgress = false
	s.shutdownDone = true
	close(s.shutdownCh)
	s.mu.Unlock()
	return err
}

// Close closes the underlying socket and releases the engine without sending an alert.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		eng.Close()
	}
	return s.next.Close()
}

func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed && s.next.IsOpen()
}

func (s *Socket) Listen(ctx context.Context, network, addr string) error {
	return s.next.Listen(ctx, network, addr)
}

func (s *Socket) ListenUDS(ctx context.Context, path string, perm os.FileMode) error {
	return s.next.ListenUDS(ctx, path, perm)
}

func (s *Socket) LocalAddr() net.Addr            { return s.next.LocalAddr() }
func (s *Socket) RemoteAddr() net.Addr           { return s.next.RemoteAddr() }
func (s *Socket) SetTimeout(d time.Duration)     { s.next.SetTimeout(d) }
func (s *Socket) Timeout() time.Duration         { return s.next.Timeout() }
func (s *Socket) NativeHandle() (uintptr, error) { return s.next.NativeHandle() }
func (s *Socket) IsUDS() bool                    { return s.next.IsUDS() }

// RegisterOnErrorCb registers cb for failures of the underlying socket and of background
// flushes started by AsyncWriteSome. cb is called at most once.
func (s *Socket) RegisterOnErrorCb(cb func(error)) {
	s.mu.Lock()
	s.errCb = cb
	s.mu.Unlock()
	s.next.RegisterOnErrorCb(s.notifyError)
}

// CancelOnErrorCb unregisters the callback and waits for a running call to return. The
// callback must not call it.
func (s *Socket) CancelOnErrorCb() {
	s.mu.Lock()
	s.errCb = nil
	s.mu.Unlock()
	s.next.CancelOnErrorCb()
	s.cbMu.Lock()
	s.cbMu.Unlock()
}

func (s *Socket) notifyError(err error) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.mu.Lock()
	cb := s.errCb
	s.errCb = nil
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
