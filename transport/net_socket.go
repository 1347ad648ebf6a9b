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
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ssuchichen/helio/fibers"
	"golang.org/x/net/proxy"
)

var (
	// ErrClosed is returned by operations on a socket after Close.
	ErrClosed = fmt.Errorf("transport: socket closed: %w", net.ErrClosed)
	// ErrNotListening is returned by Accept on a socket that is not listening.
	ErrNotListening = errors.New("transport: socket is not listening")
	// ErrConnectionLost is reported to the error callback when the peer hangs up.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// NetSocketOption configures a [NetSocket].
type NetSocketOption func(s *NetSocket)

// WithProxy makes Connect go through the SOCKS5 proxy at address. auth may be nil.
func WithProxy(address string, auth *proxy.Auth) NetSocketOption {
	return func(s *NetSocket) {
		s.proxyAddr = address
		s.proxyAuth = auth
	}
}

// WithSocketLogger sets the logger. Nil loggers are ignored.
func WithSocketLogger(logger *slog.Logger) NetSocketOption {
	return func(s *NetSocket) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NetSocket is a [Socket] backed by the standard library network stack. Blocking calls run
// inside [fibers.Block], so a fiber waiting on I/O releases its carrier.
type NetSocket struct {
	logger    *slog.Logger
	proxyAddr string
	proxyAuth *proxy.Auth

	mu        sync.Mutex
	conn      net.Conn
	ln        net.Listener
	timeout   time.Duration
	closed    bool
	errCb     func(error)
	stopWatch func()
	// cbMu is held while the error callback runs.
	cbMu sync.Mutex
}

var _ Socket = (*NetSocket)(nil)

// NewNetSocket creates a socket that is neither connected nor listening.
func NewNetSocket(opts ...NetSocketOption) *NetSocket {
	s := &NetSocket{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewConnSocket creates a socket over an established connection.
func NewConnSocket(conn net.Conn, opts ...NetSocketOption) *NetSocket {
	s := NewNetSocket(opts...)
	s.conn = conn
	return s
}

func (s *NetSocket) Connect(ctx context.Context, addr string, preConnect func(fd uintptr)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("transport: socket is already connected")
	}
	timeout := s.timeout
	s.mu.Unlock()

	network := "tcp"
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		network, addr = "unix", path
	}
	d := &net.Dialer{Timeout: timeout}
	if preConnect != nil {
		d.Control = func(_, _ string, c syscall.RawConn) error {
			return c.Control(preConnect)
		}
	}
	var dialer proxy.ContextDialer = d
	if s.proxyAddr != "" && network == "tcp" {
		pd, err := proxy.SOCKS5("tcp", s.proxyAddr, s.proxyAuth, d)
		if err != nil {
			return fmt.Errorf("transport: failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return errors.New("transport: SOCKS5 dialer does not support contexts")
		}
		dialer = cd
	}

	var conn net.Conn
	var err error
	fibers.Block(ctx, func() {
		conn, err = dialer.DialContext(ctx, network, addr)
	})
	if err != nil {
		return fmt.Errorf("transport: failed to connect to %s: %w", addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	if s.errCb != nil {
		s.stopWatch = watchErrors(conn, s.notifyError)
	}
	s.logger.Debug("socket connected", "local", conn.LocalAddr(), "remote", conn.RemoteAddr())
	return nil
}

func (s *NetSocket) Listen(ctx context.Context, network, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ln.Close()
		return ErrClosed
	}
	if s.ln != nil || s.conn != nil {
		ln.Close()
		return errors.New("transport: socket is already in use")
	}
	s.ln = ln
	return nil
}

func (s *NetSocket) ListenUDS(ctx context.Context, path string, perm os.FileMode) error {
	if err := s.Listen(ctx, "unix", path); err != nil {
		return err
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("transport: failed to set permissions on %s: %w", path, err)
	}
	return nil
}

func (s *NetSocket) Accept(ctx context.Context) (Socket, error) {
	s.mu.Lock()
	ln, timeout, closed := s.ln, s.timeout, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if ln == nil {
		return nil, ErrNotListening
	}
	if dl, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
		dl.SetDeadline(deadlineFor(timeout))
	}

	var conn net.Conn
	var err error
	fibers.Block(ctx, func() {
		conn, err = ln.Accept()
	})
	if err != nil {
		return nil, s.wrapErr("accept", err)
	}
	child := NewConnSocket(conn, WithSocketLogger(s.logger))
	child.timeout = timeout
	return child, nil
}

func (s *NetSocket) connForIO() (net.Conn, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, ErrClosed
	}
	if s.conn == nil {
		return nil, 0, ErrNotConnected
	}
	return s.conn, s.timeout, nil
}

func (s *NetSocket) wrapErr(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed && errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("transport: %s failed: %w", op, err)
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func (s *NetSocket) Recv(ctx context.Context, buf []byte) (int, error) {
	conn, timeout, err := s.connForIO()
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	conn.SetReadDeadline(deadlineFor(timeout))
	var n int
	fibers.Block(ctx, func() {
		n, err = conn.Read(buf)
	})
	if n > 0 && err == io.EOF {
		err = nil
	}
	return n, s.wrapErr("recv", err)
}

// RecvMsg reads into the first non-empty buffer of bufs.
func (s *NetSocket) RecvMsg(ctx context.Context, bufs [][]byte) (int, error) {
	for _, b := range bufs {
		if len(b) > 0 {
			return s.Recv(ctx, b)
		}
	}
	if _, _, err := s.connForIO(); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *NetSocket) WriteSome(ctx context.Context, bufs [][]byte) (int, error) {
	conn, timeout, err := s.connForIO()
	if err != nil {
		return 0, err
	}
	vec := make(net.Buffers, 0, len(bufs))
	for _, b := range bufs {
		if len(b) > 0 {
			vec = append(vec, b)
		}
	}
	if len(vec) == 0 {
		return 0, nil
	}
	conn.SetWriteDeadline(deadlineFor(timeout))
	var n int64
	fibers.Block(ctx, func() {
		n, err = vec.WriteTo(conn)
	})
	return int(n), s.wrapErr("write", err)
}

// AsyncWriteSome writes bufs on a new fiber. bufs must not be modified until cb is called.
func (s *NetSocket) AsyncWriteSome(ctx context.Context, bufs [][]byte, cb WriteCallback) {
	f := fibers.Go(ctx, fibers.Post, "netsocket-write", func(ctx context.Context) {
		cb(s.WriteSome(ctx, bufs))
	})
	// A new handle is always joinable.
	_ = f.Detach()
}

func (s *NetSocket) Shutdown(ctx context.Context, how ShutdownHow) error {
	conn, _, err := s.connForIO()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stopWatchLocked()
	s.mu.Unlock()

	hc, ok := conn.(interface {
		CloseRead() error
		CloseWrite() error
	})
	if !ok {
		return s.wrapErr("shutdown", conn.Close())
	}
	switch how {
	case ShutdownRead:
		err = hc.CloseRead()
	case ShutdownWrite:
		err = hc.CloseWrite()
	default:
		err = errors.Join(hc.CloseRead(), hc.CloseWrite())
	}
	return s.wrapErr("shutdown", err)
}

func (s *NetSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, ln := s.conn, s.ln
	s.stopWatchLocked()
	s.mu.Unlock()

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if ln != nil {
		errs = append(errs, ln.Close())
	}
	return errors.Join(errs...)
}

func (s *NetSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && (s.conn != nil || s.ln != nil)
}

func (s *NetSocket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.conn != nil:
		return s.conn.LocalAddr()
	case s.ln != nil:
		return s.ln.Addr()
	default:
		return nil
	}
}

func (s *NetSocket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

func (s *NetSocket) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

func (s *NetSocket) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// NativeHandle returns the file descriptor of the connection or listener. It is only valid
// while the socket is open.
func (s *NetSocket) NativeHandle() (uintptr, error) {
	s.mu.Lock()
	var target any
	switch {
	case s.closed:
	case s.conn != nil:
		target = s.conn
	case s.ln != nil:
		target = s.ln
	}
	s.mu.Unlock()
	if target == nil {
		return 0, ErrNotConnected
	}
	sc, ok := target.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("transport: %T has no native handle", target)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var handle uintptr
	if err := rc.Control(func(fd uintptr) { handle = fd }); err != nil {
		return 0, err
	}
	return handle, nil
}

func (s *NetSocket) IsUDS() bool {
	addr := s.LocalAddr()
	return addr != nil && strings.HasPrefix(addr.Network(), "unix")
}

func (s *NetSocket) RegisterOnErrorCb(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchLocked()
	s.errCb = cb
	if cb != nil && s.conn != nil && !s.closed {
		s.stopWatch = watchErrors(s.conn, s.notifyError)
	}
}

// CancelOnErrorCb unregisters the callback. If the callback is running, it waits for it to
// return, so no call happens after CancelOnErrorCb returns. The callback must not call it.
func (s *NetSocket) CancelOnErrorCb() {
	s.mu.Lock()
	s.stopWatchLocked()
	s.errCb = nil
	s.mu.Unlock()
	s.cbMu.Lock()
	s.cbMu.Unlock()
}

func (s *NetSocket) stopWatchLocked() {
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
}

// notifyError calls the registered callback, at most once per registration.
func (s *NetSocket) notifyError(err error) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.mu.Lock()
	cb := s.errCb
	s.errCb = nil
	s.mu.Unlock()
	if cb != nil {
		s.logger.Debug("socket error", "err", err)
		cb(err)
	}
}
