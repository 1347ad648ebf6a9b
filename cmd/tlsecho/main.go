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

// tlsecho is a TLS echo server and client built on fibers.
//
// Run a server:
//
//	tlsecho -mode server -listen localhost:8443 -cert cert.pem -key key.pem
//
// And a client:
//
//	tlsecho -mode client -connect localhost:8443 -ca cert.pem -message hi
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ssuchichen/helio/cloud/aws"
	"github.com/ssuchichen/helio/fibers"
	"github.com/ssuchichen/helio/transport"
	"golang.org/x/term"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(tint.NewHandler(os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: &logLevel}))
	slog.SetDefault(logger)

	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	if cfg.Verbose {
		logLevel.Set(slog.LevelDebug)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("Serving metrics", "address", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	pool := fibers.NewPool(cfg.Workers, fibers.WithName("tlsecho"), fibers.WithLogger(logger), fibers.WithMetrics(true))
	if err := pool.Start(); err != nil {
		slog.Error("Failed to start schedulers", "error", err)
		os.Exit(1)
	}

	switch cfg.Mode {
	case "server":
		err = runServer(cfg, pool, logger)
	case "client":
		err = runClient(cfg, pool, logger, os.Stdout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := pool.Shutdown(ctx); serr != nil {
		slog.Warn("Schedulers did not stop cleanly", "error", serr)
	}
	if err != nil {
		slog.Error("Failed", "mode", cfg.Mode, "error", err)
		os.Exit(1)
	}
}

func listen(ctx context.Context, addr string) (*transport.NetSocket, error) {
	ln := transport.NewNetSocket()
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		// Remove a stale socket file left by a previous run.
		os.Remove(path)
		return ln, ln.ListenUDS(ctx, path, 0o660)
	}
	return ln, ln.Listen(ctx, "tcp", addr)
}

func runServer(cfg *Config, pool *fibers.Pool, logger *slog.Logger) error {
	certs, err := newCertStore(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return err
	}
	defer certs.Close()

	ln, err := listen(context.Background(), cfg.Listen)
	if err != nil {
		return err
	}
	defer ln.Close()
	slog.Info("Echo server listening", "address", ln.LocalAddr().String())

	srv := &echoServer{
		tlsConfig: &tls.Config{GetCertificate: certs.GetCertificate, NextProtos: cfg.ALPN},
		pool:      pool,
		timeout:   cfg.timeout,
		logger:    logger,
	}
	errs := make(chan error, 1)
	acceptor := pool.Next().Go(fibers.Post, "acceptor", func(ctx context.Context) {
		errs <- srv.serve(ctx, ln)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		slog.Info("Shutting down")
		ln.Close()
		err = <-errs
	case err = <-errs:
	}
	if jerr := acceptor.Join(context.Background()); jerr != nil {
		return errors.Join(err, jerr)
	}
	return err
}

func runClient(cfg *Config, pool *fibers.Pool, logger *slog.Logger, out io.Writer) error {
	var signer *aws.Signer
	if cfg.AWS.Region != "" {
		signer = aws.NewSigner(cfg.AWS.Region, cfg.AWS.Service, aws.WithLogger(logger))
		if err := signer.Init(); err != nil {
			return fmt.Errorf("failed to load AWS credentials: %w", err)
		}
	}

	var err error
	f := pool.Next().Go(fibers.Post, "client", func(ctx context.Context) {
		if signer != nil {
			err = runSigned(ctx, cfg, signer, logger, out)
		} else {
			err = runEcho(ctx, cfg, logger, out)
		}
	})
	if jerr := f.Join(context.Background()); jerr != nil {
		return jerr
	}
	return err
}
