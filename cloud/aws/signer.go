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

// Package aws signs HTTP requests with AWS Signature Version 4.
package aws

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// EmptyPayloadHash is the SHA-256 of an empty body.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	// UnsignedPayload is used as payload hash when the body is not signed.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	algorithm     = "AWS4-HMAC-SHA256"
	dateLayout    = "20060102"
	minuteLayout  = "20060102T1504"
	scopeTerminal = "aws4_request"
)

// ErrMissingCredentials is returned by [Signer.Init] when the environment holds no credentials.
var ErrMissingCredentials = errors.New("aws: missing credentials")

// Credentials identify the signer.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	// SessionToken is set for temporary credentials.
	SessionToken string
}

// Option configures a [Signer].
type Option func(*Signer)

// WithClock replaces the source of the signing time.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Signer) {
		s.logger = logger
	}
}

// Signer produces Authorization headers for one service. It is safe for concurrent use.
type Signer struct {
	service string
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	region string
	creds  Credentials
	date   string
	key    []byte
	scope  string
}

// NewSigner creates a signer for service in region. It must be initialized before use.
func NewSigner(region, service string, opts ...Option) *Signer {
	s := &Signer{region: region, service: service, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init reads AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and the optional AWS_SESSION_TOKEN.
func (s *Signer) Init() error {
	var creds Credentials
	var ok bool
	if creds.AccessKeyID, ok = os.LookupEnv("AWS_ACCESS_KEY_ID"); !ok || creds.AccessKeyID == "" {
		s.logger.Warn("Can not find AWS_ACCESS_KEY_ID")
		return fmt.Errorf("%w: AWS_ACCESS_KEY_ID is not set", ErrMissingCredentials)
	}
	if creds.SecretAccessKey, ok = os.LookupEnv("AWS_SECRET_ACCESS_KEY"); !ok || creds.SecretAccessKey == "" {
		s.logger.Warn("Can not find AWS_SECRET_ACCESS_KEY")
		return fmt.Errorf("%w: AWS_SECRET_ACCESS_KEY is not set", ErrMissingCredentials)
	}
	creds.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
	return s.InitWithCredentials(creds)
}

// InitWithCredentials initializes the signer with explicit credentials.
func (s *Signer) InitWithCredentials(creds Credentials) error {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return ErrMissingCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.rekeyLocked(s.now().UTC().Format(dateLayout))
	return nil
}

// Region returns the region in the credential scope.
func (s *Signer) Region() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// UpdateRegion changes the region and recomputes the signing key and scope.
func (s *Signer) UpdateRegion(region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.region = region
	if s.creds.SecretAccessKey != "" {
		s.rekeyLocked(s.date)
	}
}

func (s *Signer) rekeyLocked(date string) {
	s.date = date
	s.key = deriveKey(s.creds.SecretAccessKey, date, s.region, s.service)
	s.scope = strings.Join([]string{date, s.region, s.service, scopeTerminal}, "/")
}

func hmacSHA256(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func deriveKey(secret, date, region, service string) []byte {
	key := hmacSHA256([]byte("AWS4"+secret), date)
	key = hmacSHA256(key, region)
	key = hmacSHA256(key, service)
	return hmacSHA256(key, scopeTerminal)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (s *Signer) signedHeadersLocked() string {
	if s.creds.SessionToken != "" {
		return "host;x-amz-content-sha256;x-amz-date;x-amz-security-token"
	}
	return "host;x-amz-content-sha256;x-amz-date"
}

// canonicalQuery sorts the parameters of a raw query string.
func canonicalQuery(rawQuery string) string {
	var params []string
	for _, p := range strings.Split(rawQuery, "&") {
		if strings.TrimSpace(p) != "" {
			params = append(params, p)
		}
	}
	slices.Sort(params)
	return strings.Join(params, "&")
}

// AuthHeader returns the Authorization header for a request. canonicalHeaders holds the
// "name:value\n" lines of the signed headers and target is the path with its raw query.
func (s *Signer) AuthHeader(method, canonicalHeaders, target, payloadHash, amzDate string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authHeaderLocked(method, canonicalHeaders, target, payloadHash, amzDate)
}

func (s *Signer) authHeaderLocked(method, canonicalHeaders, target, payloadHash, amzDate string) (string, error) {
	if s.creds.AccessKeyID == "" {
		return "", ErrMissingCredentials
	}
	path, rawQuery, _ := strings.Cut(target, "?")
	signedHeaders := s.signedHeadersLocked()
	canonicalRequest := strings.Join([]string{
		method,
		path,
		canonicalQuery(rawQuery),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	s.logger.Debug("AWS canonical request", "request", canonicalRequest)

	stringToSign := strings.Join([]string{algorithm, amzDate, s.scope, sha256Hex(canonicalRequest)}, "\n")
	signature := hex.EncodeToString(hmacSHA256(s.key, stringToSign))
	return fmt.Sprintf("%s Credential=%s/%s,SignedHeaders=%s,Signature=%s",
		algorithm, s.creds.AccessKeyID, s.scope, signedHeaders, signature), nil
}

// Sign sets the x-amz-date, x-amz-content-sha256, x-amz-security-token and Authorization
// headers of req. The signing time is truncated to the minute.
func (s *Signer) Sign(req *http.Request, payloadHash string) error {
	now := s.now().UTC()
	amzDate := now.Format(minuteLayout) + "00Z"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds.AccessKeyID == "" {
		return ErrMissingCredentials
	}
	if date := now.Format(dateLayout); date != s.date {
		s.rekeyLocked(date)
	}

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if s.creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", s.creds.SessionToken)
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	var b strings.Builder
	fmt.Fprintf(&b, "host:%s\n", host)
	fmt.Fprintf(&b, "x-amz-content-sha256:%s\n", payloadHash)
	fmt.Fprintf(&b, "x-amz-date:%s\n", amzDate)
	if s.creds.SessionToken != "" {
		fmt.Fprintf(&b, "x-amz-security-token:%s\n", s.creds.SessionToken)
	}

	target := req.URL.EscapedPath()
	if target == "" {
		target = "/"
	}
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	auth, err := s.authHeaderLocked(req.Method, b.String(), target, payloadHash, amzDate)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	return nil
}
