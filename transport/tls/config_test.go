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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClientConfigDefaults(t *testing.T) {
	cfg := NewClientConfig("dns.google")
	require.Equal(t, "dns.google", cfg.TLS.ServerName)
	require.True(t, cfg.TLS.InsecureSkipVerify)
	require.NotNil(t, cfg.TLS.VerifyConnection)
	require.Empty(t, cfg.Fingerprint)
}

func TestNoSNI(t *testing.T) {
	cfg := NewClientConfig("dns.google", WithSNI(""))
	require.Equal(t, "", cfg.TLS.ServerName)
}

func TestHostSelector(t *testing.T) {
	options := []ClientOption{
		IfHost("dns.google", WithSNI("decoy.example.com")),
		IfHost("www.youtube.com", WithSNI("notyoutube.com")),
	}
	require.Equal(t, "decoy.example.com", NewClientConfig("DNS.google", options...).TLS.ServerName)
	require.Equal(t, "notyoutube.com", NewClientConfig("www.youtube.com", options...).TLS.ServerName)
	require.Equal(t, "example.com", NewClientConfig("example.com", options...).TLS.ServerName)
}

func TestWithSNI(t *testing.T) {
	var cfg ClientConfig
	WithSNI("example.com")("", &cfg)
	require.Equal(t, "example.com", cfg.ServerName)
}

func TestWithALPN(t *testing.T) {
	var cfg ClientConfig
	WithALPN([]string{"h2", "http/1.1"})("", &cfg)
	require.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
}

func TestWithSessionCache(t *testing.T) {
	cache := tls.NewLRUClientSessionCache(4)
	cfg := NewClientConfig("example.com", WithSessionCache(cache))
	require.Same(t, cache, cfg.TLS.ClientSessionCache)
}

func TestWithFingerprint(t *testing.T) {
	cfg := NewClientConfig("example.com", IfHost("example.com", WithFingerprint("firefox")))
	require.Equal(t, "firefox", cfg.Fingerprint)
	require.Contains(t, Fingerprints(), "firefox")
	require.Contains(t, Fingerprints(), "chrome")

	_, err := helloID("Chrome")
	require.NoError(t, err)
	_, err = helloID("netscape")
	require.ErrorContains(t, err, "unknown fingerprint")
}

// Helper function to create a self-signed certificate (Root CA)
func createRootCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test Root CA"}},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	return cert, privKey
}

// Helper function to create a leaf certificate signed by a parent
func createLeafCert(t *testing.T, dnsNames []string, ipAddresses []net.IP, parentCert *x509.Certificate, parentKey *ecdsa.PrivateKey, notBefore, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: dnsNames[0]}, // Use first DNS name as CN
		DNSNames:              dnsNames,
		IPAddresses:           ipAddresses,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, // Server cert
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parentCert, &privKey.PublicKey, parentKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	return cert, privKey
}

// testPKI holds a server certificate for "test.local" and the pool that trusts it.
type testPKI struct {
	roots  *x509.CertPool
	server *tls.Config
}

func newTestPKI(t *testing.T) testPKI {
	t.Helper()
	rootCA, rootKey := createRootCA(t)
	leaf, leafKey := createLeafCert(t, []string{"test.local"}, nil, rootCA, rootKey, time.Now().Add(-1*time.Hour), time.Now().Add(1*time.Hour))
	roots := x509.NewCertPool()
	roots.AddCert(rootCA)
	return testPKI{
		roots: roots,
		server: &tls.Config{
			Certificates: []tls.Certificate{{Certificate: [][]byte{leaf.Raw}, PrivateKey: leafKey, Leaf: leaf}},
		},
	}
}

func TestGeneratedCert_Valid(t *testing.T) {
	// 1. Generate Certs
	rootCA, rootKey := createRootCA(t)
	leafCert, _ := createLeafCert(t, []string{"test.local"}, nil, rootCA, rootKey, time.Now().Add(-1*time.Hour), time.Now().Add(1*time.Hour))

	// 2. Setup Root Pool for Client
	rootPool := x509.NewCertPool()
	rootPool.AddCert(rootCA)

	state := tls.ConnectionState{PeerCertificates: []*x509.Certificate{leafCert}}

	require.Error(t, verifyPeer(state, "test.local", nil))
	require.NoError(t, verifyPeer(state, "test.local", rootPool))

	var hostErr x509.HostnameError
	require.ErrorAs(t, verifyPeer(state, "other.local", rootPool), &hostErr)
	require.Equal(t, "other.local", hostErr.Host)
	require.Equal(t, leafCert, hostErr.Certificate)

	require.Error(t, verifyPeer(tls.ConnectionState{}, "test.local", rootPool))
}

func TestGeneratedCert_Expired(t *testing.T) {
	rootCA, rootKey := createRootCA(t)
	leafCert, _ := createLeafCert(t, []string{"test.local"}, nil, rootCA, rootKey, time.Now().Add(-2*time.Hour), time.Now().Add(-1*time.Hour))
	rootPool := x509.NewCertPool()
	rootPool.AddCert(rootCA)

	var certErr x509.CertificateInvalidError
	require.ErrorAs(t, verifyPeer(tls.ConnectionState{PeerCertificates: []*x509.Certificate{leafCert}}, "test.local", rootPool), &certErr)
	require.Equal(t, x509.Expired, certErr.Reason)
}
