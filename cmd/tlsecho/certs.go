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
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// certStore serves the server certificate and reloads it when its files change on disk.
type certStore struct {
	certFile, keyFile string
	logger            *slog.Logger

	cert    atomic.Pointer[tls.Certificate]
	reloads atomic.Int64
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newCertStore(certFile, keyFile string, logger *slog.Logger) (*certStore, error) {
	s := &certStore{certFile: certFile, keyFile: keyFile, logger: logger, done: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directories so that files replaced by rename are seen too.
	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %v: %w", dir, err)
		}
	}
	s.watcher = watcher
	go s.watchLoop()
	return s, nil
}

func (s *certStore) reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	s.cert.Store(&cert)
	s.reloads.Add(1)
	return nil
}

// GetCertificate implements [tls.Config.GetCertificate].
func (s *certStore) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.cert.Load(), nil
}

func (s *certStore) watchLoop() {
	defer close(s.done)
	certFile, keyFile := filepath.Clean(s.certFile), filepath.Clean(s.keyFile)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if name := filepath.Clean(event.Name); name != certFile && name != keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// The pair may be mid-update; a failed load keeps the previous certificate.
			if err := s.reload(); err != nil {
				s.logger.Warn("Certificate reload failed", "error", err)
				continue
			}
			s.logger.Info("Certificate reloaded", "file", event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Certificate watcher error", "error", err)
		}
	}
}

func (s *certStore) Close() error {
	err := s.watcher.Close()
	<-s.done
	return err
}
