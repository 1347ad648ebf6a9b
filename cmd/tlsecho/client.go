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
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/ssuchichen/helio/cloud/aws"
	"github.com/ssuchichen/helio/transport"
	helitls "github.com/ssuchichen/helio/transport/tls"
	"golang.org/x/net/proxy"
)

// proxyOption converts a proxy setting of the form [user:password@]host:port.
func proxyOption(setting string) (transport.NetSocketOption, error) {
	u, err := url.Parse("socks5://" + setting)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", setting, err)
	}
	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}
	return transport.WithProxy(u.Host, auth), nil
}

func loadRoots(caFile string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return roots, nil
}

func clientOptions(cfg *Config) ([]helitls.ClientOption, error) {
	var opts []helitls.ClientOption
	if cfg.ServerName != "" {
		opts = append(opts, helitls.WithSNI(cfg.ServerName))
	}
	if len(cfg.ALPN) > 0 {
		opts = append(opts, helitls.WithALPN(cfg.ALPN))
	}
	if cfg.Fingerprint != "" {
		opts = append(opts, helitls.WithFingerprint(cfg.Fingerprint))
	}
	if cfg.CAFile != "" {
		roots, err := loadRoots(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, helitls.WithRootCAs(roots))
	}
	return opts, nil
}

// dial returns a TLS socket connected to cfg.Connect.
func dial(ctx context.Context, cfg *Config, logger *slog.Logger) (*helitls.Socket, error) {
	host, _, err := net.SplitHostPort(cfg.Connect)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", cfg.Connect, err)
	}
	netOpts := []transport.NetSocketOption{transport.WithSocketLogger(logger)}
	if cfg.Proxy != "" {
		opt, err := proxyOption(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		netOpts = append(netOpts, opt)
	}
	tlsOpts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	next := transport.NewNetSocket(netOpts...)
	next.SetTimeout(cfg.timeout)
	sock := helitls.New(next, helitls.WithLogger(logger))
	if err := sock.Init(helitls.NewClientConfig(host, tlsOpts...), nil); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Connect(ctx, cfg.Connect, nil); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

func readFull(ctx context.Context, s transport.Socket, buf []byte) error {
	for got := 0; got < len(buf); {
		n, err := s.Recv(ctx, buf[got:])
		got += n
		if errors.Is(err, io.EOF) && got < len(buf) {
			return io.ErrUnexpectedEOF
		}
		if err != nil && got < len(buf) {
			return err
		}
	}
	return nil
}

// runEcho sends cfg.Message and checks that the server sends it back.
func runEcho(ctx context.Context, cfg *Config, logger *slog.Logger, out io.Writer) error {
	sock, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sock.Close()

	msg := []byte(cfg.Message)
	if _, err := transport.AsStreamConn(ctx, sock).Write(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	reply := make([]byte, len(msg))
	if err := readFull(ctx, sock, reply); err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}
	if string(reply) != cfg.Message {
		return fmt.Errorf("unexpected reply %q", reply)
	}
	fmt.Fprintf(out, "%s\n", reply)
	return sock.Shutdown(ctx, transport.ShutdownBoth)
}

// runSigned sends a SigV4-signed GET request over the TLS connection and prints the response status.
func runSigned(ctx context.Context, cfg *Config, signer *aws.Signer, logger *slog.Logger, out io.Writer) error {
	sock, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sock.Close()

	host := cfg.ServerName
	if host == "" {
		host, _, _ = net.SplitHostPort(cfg.Connect)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+host+"/", nil)
	if err != nil {
		return err
	}
	if err := signer.Sign(req, aws.EmptyPayloadHash); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	conn := transport.AsStreamConn(ctx, sock)
	if err := req.Write(conn); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	defer resp.Body.Close()
	fmt.Fprintln(out, resp.Status)
	logger.Debug("Signed request completed", "status", resp.StatusCode, "region", signer.Region())
	return nil
}
