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

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ssuchichen/helio/fibers"
	"github.com/ssuchichen/helio/transport"
	helitls "github.com/ssuchichen/helio/transport/tls"
	"github.com/ssuchichen/helio/transport/tls/record"
)

type echoServer struct {
	tlsConfig *tls.Config
	pool      *fibers.Pool
	timeout   time.Duration
	logger    *slog.Logger
}

// serve accepts connections from ln until it is closed. Each connection is served on a fiber
// of the next scheduler of the pool.
func (s *echoServer) serve(ctx context.Context, ln transport.Socket) error {
	for {
		conn, err := ln.Accept(ctx)
		if errors.Is(err, transport.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		f := s.pool.Next().Go(fibers.Post, "echo-conn", func(ctx context.Context) {
			s.handle(ctx, conn)
		})
		if err := f.Detach(); err != nil {
			return err
		}
	}
}

// readHello reads the first record from conn, which must carry a ClientHello.
func readHello(ctx context.Context, conn transport.Socket) ([]byte, error) {
	buf := make([]byte, 0, record.HeaderLen+record.MaxPlaintextLen)
	need := record.HeaderLen
	for len(buf) < need {
		n, err := conn.Recv(ctx, buf[len(buf):need])
		buf = buf[:len(buf)+n]
		if err != nil {
			return nil, err
		}
		if len(buf) == record.HeaderLen && need == record.HeaderLen {
			h, err := record.ParseHeader(buf)
			if err != nil {
				return nil, err
			}
			if h.RecordLen() > cap(buf) {
				return nil, fmt.Errorf("%w: ClientHello record too long", record.ErrInvalidHeader)
			}
			need = h.RecordLen()
		}
	}
	if !record.IsClientHello(buf) {
		return nil, errors.New("first record is not a ClientHello")
	}
	return buf, nil
}

func (s *echoServer) handle(ctx context.Context, conn transport.Socket) {
	logger := s.logger.With("remote", conn.RemoteAddr(), "fiber", fibers.CurrentID(ctx))
	defer conn.Close()
	conn.SetTimeout(s.timeout)

	prefix, err := readHello(ctx, conn)
	if err != nil {
		logger.Debug("Failed to read ClientHello", "error", err)
		return
	}
	if name, err := record.Sniff(prefix); err == nil {
		logger = logger.With("sni", name)
	}

	sock := helitls.New(conn, helitls.WithLogger(logger))
	defer sock.Close()
	if err := sock.Init(helitls.NewServerConfig(s.tlsConfig), prefix); err != nil {
		logger.Error("Failed to initialize TLS", "error", err)
		return
	}
	if _, err := sock.Accept(ctx); err != nil {
		logger.Info("Handshake failed", "error", err)
		return
	}
	logger.Debug("Connection established")

	out := transport.AsStreamConn(ctx, sock)
	buf := make([]byte, 16*1024)
	for {
		n, err := sock.Recv(ctx, buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				logger.Debug("Write failed", "error", werr)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			if err := sock.Shutdown(ctx, transport.ShutdownBoth); err != nil {
				logger.Debug("Shutdown failed", "error", err)
			}
			logger.Debug("Connection closed by peer")
			return
		}
		if err != nil {
			logger.Debug("Read failed", "error", err)
			return
		}
	}
}
