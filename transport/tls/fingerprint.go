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
	"fmt"
	"maps"
	"net"
	"slices"
	"strings"

	utls "github.com/refraction-networking/utls"
)

var fingerprints = map[string]utls.ClientHelloID{
	"chrome":      utls.HelloChrome_Auto,
	"chrome_120":  utls.HelloChrome_120,
	"chrome_102":  utls.HelloChrome_102,
	"firefox":     utls.HelloFirefox_Auto,
	"firefox_105": utls.HelloFirefox_105,
	"safari":      utls.HelloSafari_Auto,
	"ios":         utls.HelloIOS_Auto,
	"edge":        utls.HelloEdge_Auto,
	"randomized":  utls.HelloRandomized,
	"golang":      utls.HelloGolang,
}

// Fingerprints returns the names accepted by [WithFingerprint].
func Fingerprints() []string {
	return slices.Sorted(maps.Keys(fingerprints))
}

func helloID(name string) (utls.ClientHelloID, error) {
	id, ok := fingerprints[strings.ToLower(name)]
	if !ok {
		return utls.ClientHelloID{}, fmt.Errorf("tls: unknown fingerprint %q", name)
	}
	return id, nil
}

// newUClient returns a uTLS client over conn that mirrors cfg.
func newUClient(conn net.Conn, cfg *tls.Config, fingerprint string) (*utls.UConn, error) {
	id, err := helloID(fingerprint)
	if err != nil {
		return nil, err
	}
	uCfg := &utls.Config{
		ServerName:            cfg.ServerName,
		InsecureSkipVerify:    cfg.InsecureSkipVerify,
		RootCAs:               cfg.RootCAs,
		NextProtos:            cfg.NextProtos,
		MinVersion:            cfg.MinVersion,
		MaxVersion:            cfg.MaxVersion,
		VerifyPeerCertificate: cfg.VerifyPeerCertificate,
	}
	if verify := cfg.VerifyConnection; verify != nil {
		uCfg.VerifyConnection = func(cs utls.ConnectionState) error {
			return verify(fromUTLSState(cs))
		}
	}
	return utls.UClient(conn, uCfg, id), nil
}

func fromUTLSState(cs utls.ConnectionState) tls.ConnectionState {
	return tls.ConnectionState{
		Version:                     cs.Version,
		HandshakeComplete:           cs.HandshakeComplete,
		DidResume:                   cs.DidResume,
		CipherSuite:                 cs.CipherSuite,
		NegotiatedProtocol:          cs.NegotiatedProtocol,
		ServerName:                  cs.ServerName,
		PeerCertificates:            cs.PeerCertificates,
		VerifiedChains:              cs.VerifiedChains,
		SignedCertificateTimestamps: cs.SignedCertificateTimestamps,
		OCSPResponse:                cs.OCSPResponse,
	}
}
