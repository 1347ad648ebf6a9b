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
	"crypto/x509"
	"errors"
	"strings"
)

// Config binds the protocol parameters of a [Socket] or [Engine].
type Config struct {
	// TLS is the configuration of the underlying state machine. For servers it must carry
	// Certificates or GetCertificate.
	TLS *tls.Config
	// Fingerprint, when not empty, selects a browser ClientHello to mimic on client
	// connections. See [Fingerprints].
	Fingerprint string
}

// NewServerConfig returns a server [Config] using cfg.
func NewServerConfig(cfg *tls.Config) *Config {
	return &Config{TLS: cfg}
}

// NewClientConfig returns a client [Config] for connections to host, adjusted by options.
func NewClientConfig(host string, options ...ClientOption) *Config {
	cfg := ClientConfig{ServerName: host, CertificateName: host}
	normName := normalizeHost(host)
	for _, option := range options {
		option(normName, &cfg)
	}
	return &Config{TLS: cfg.toStdConfig(), Fingerprint: cfg.Fingerprint}
}

func normalizeHost(host string) string {
	return strings.ToLower(host)
}

// ClientConfig encodes the parameters for a TLS client connection.
type ClientConfig struct {
	// The host name for the Server Name Indication (SNI).
	ServerName string
	// The hostname to use for certificate validation.
	CertificateName string
	// The protocol id list for protocol negotiation (ALPN).
	NextProtos []string
	// The cache for session resumption.
	SessionCache tls.ClientSessionCache
	// The roots used for certificate validation. The system roots are used when nil.
	RootCAs *x509.CertPool
	// The ClientHello fingerprint to mimic. Empty means the standard library hello.
	Fingerprint string
}

// toStdConfig creates a [tls.Config] based on the configured parameters.
func (cfg *ClientConfig) toStdConfig() *tls.Config {
	certName := cfg.CertificateName
	roots := cfg.RootCAs
	return &tls.Config{
		ServerName:         cfg.ServerName,
		NextProtos:         cfg.NextProtos,
		ClientSessionCache: cfg.SessionCache,
		// Set InsecureSkipVerify to skip the default validation we are
		// replacing. This will not disable VerifyConnection.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyPeer(cs, certName, roots)
		},
	}
}

// verifyPeer replicates the verification of the standard library against a name that may
// differ from the SNI.
func verifyPeer(cs tls.ConnectionState, certName string, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("tls: no peer certificate")
	}
	opts := x509.VerifyOptions{
		DNSName:       certName,
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}

// ClientOption allows configuring the parameters to be used for a client TLS connection.
type ClientOption func(serverName string, config *ClientConfig)

// WithSNI sets the host name for [Server Name Indication] (SNI).
// If absent, defaults to the dialed hostname.
// Note that this only changes what is sent in the SNI, not what host is used for certificate verification.
//
// [Server Name Indication]: https://datatracker.ietf.org/doc/html/rfc6066#section-3
func WithSNI(hostName string) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.ServerName = hostName
	}
}

// IfHost applies the given option if the host matches the dialed one.
func IfHost(matchHost string, option ClientOption) ClientOption {
	matchHost = normalizeHost(matchHost)
	return func(host string, config *ClientConfig) {
		if matchHost != "" && matchHost != host {
			return
		}
		option(host, config)
	}
}

// WithALPN sets the protocol name list for [Application-Layer Protocol Negotiation] (ALPN).
// The list of protocol IDs can be found in [IANA's registry].
//
// [Application-Layer Protocol Negotiation]: https://datatracker.ietf.org/doc/html/rfc7301
// [IANA's registry]: https://www.iana.org/assignments/tls-extensiontype-values/tls-extensiontype-values.xhtml#alpn-protocol-ids
func WithALPN(protocolNameList []string) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.NextProtos = protocolNameList
	}
}

// WithSessionCache sets the [tls.ClientSessionCache] to enable session resumption of TLS connections.
// The cache is not used with [WithFingerprint].
func WithSessionCache(sessionCache tls.ClientSessionCache) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.SessionCache = sessionCache
	}
}

// WithCertificateName sets the hostname to be used for the certificate verification.
// If absent, defaults to the dialed hostname.
func WithCertificateName(hostname string) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.CertificateName = hostname
	}
}

// WithRootCAs sets the roots trusted for certificate verification.
func WithRootCAs(roots *x509.CertPool) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.RootCAs = roots
	}
}

// WithFingerprint makes the client send the ClientHello of the named browser.
func WithFingerprint(name string) ClientOption {
	return func(_ string, config *ClientConfig) {
		config.Fingerprint = name
	}
}
