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

package aws

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestSigner(t *testing.T, clock *fakeClock, token string) *Signer {
	t.Helper()
	s := NewSigner("us-east-1", "s3", WithClock(clock.now), WithLogger(discardLogger))
	require.NoError(t, s.InitWithCredentials(Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
		SessionToken:    token,
	}))
	return s
}

func newRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://examplebucket.s3.amazonaws.com"+target, nil)
	require.NoError(t, err)
	return req
}

func TestDeriveKey(t *testing.T) {
	// Example from the AWS documentation on deriving a signing key.
	key := deriveKey("wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", "20120215", "us-east-1", "iam")
	require.Equal(t, "f4780e2d9f65fa895f9c67b32ce1baf0b0d8a43505a000a1a9e090d414db404d", hex.EncodeToString(key))
}

func TestEmptyPayloadHash(t *testing.T) {
	sum := sha256.Sum256(nil)
	require.Equal(t, EmptyPayloadHash, hex.EncodeToString(sum[:]))
}

func TestSignIsDeterministic(t *testing.T) {
	clock := &fakeClock{time.Date(2024, 5, 17, 10, 30, 45, 0, time.UTC)}
	s := newTestSigner(t, clock, "")

	first := newRequest(t, "/photos/cat.jpg")
	require.NoError(t, s.Sign(first, EmptyPayloadHash))
	clock.t = clock.t.Add(10 * time.Second)
	second := newRequest(t, "/photos/cat.jpg")
	require.NoError(t, s.Sign(second, EmptyPayloadHash))

	require.Equal(t, first.Header.Get("Authorization"), second.Header.Get("Authorization"))
	require.Equal(t, "20240517T103000Z", first.Header.Get("X-Amz-Date"))
	require.Equal(t, EmptyPayloadHash, first.Header.Get("X-Amz-Content-Sha256"))
	require.Empty(t, first.Header.Get("X-Amz-Security-Token"))

	auth := first.Header.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240517/us-east-1/s3/aws4_request,"), auth)
	require.Contains(t, auth, ",SignedHeaders=host;x-amz-content-sha256;x-amz-date,")
	_, sig, ok := strings.Cut(auth, "Signature=")
	require.True(t, ok)
	require.Len(t, sig, 64)
}

func TestUpdateRegionChangesScope(t *testing.T) {
	clock := &fakeClock{time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)}
	s := newTestSigner(t, clock, "")
	before := newRequest(t, "/")
	require.NoError(t, s.Sign(before, UnsignedPayload))

	s.UpdateRegion("eu-west-1")
	require.Equal(t, "eu-west-1", s.Region())
	after := newRequest(t, "/")
	require.NoError(t, s.Sign(after, UnsignedPayload))

	require.Contains(t, after.Header.Get("Authorization"), "/20240517/eu-west-1/s3/aws4_request,")
	require.NotEqual(t, before.Header.Get("Authorization"), after.Header.Get("Authorization"))
}

func TestDateRolloverChangesScope(t *testing.T) {
	clock := &fakeClock{time.Date(2024, 5, 17, 23, 59, 0, 0, time.UTC)}
	s := newTestSigner(t, clock, "")
	req := newRequest(t, "/")
	require.NoError(t, s.Sign(req, EmptyPayloadHash))
	require.Contains(t, req.Header.Get("Authorization"), "/20240517/")

	clock.t = clock.t.Add(2 * time.Minute)
	req = newRequest(t, "/")
	require.NoError(t, s.Sign(req, EmptyPayloadHash))
	require.Contains(t, req.Header.Get("Authorization"), "/20240518/")
	require.Equal(t, "20240518T000100Z", req.Header.Get("X-Amz-Date"))
}

func TestSessionTokenIsSigned(t *testing.T) {
	clock := &fakeClock{time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)}
	s := newTestSigner(t, clock, "session-token")
	req := newRequest(t, "/")
	require.NoError(t, s.Sign(req, EmptyPayloadHash))
	require.Equal(t, "session-token", req.Header.Get("X-Amz-Security-Token"))
	require.Contains(t, req.Header.Get("Authorization"), "SignedHeaders=host;x-amz-content-sha256;x-amz-date;x-amz-security-token,")
}

func TestQueryOrderDoesNotMatter(t *testing.T) {
	clock := &fakeClock{time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)}
	s := newTestSigner(t, clock, "")
	a := newRequest(t, "/?prefix=logs&list-type=2&max-keys=10")
	b := newRequest(t, "/?max-keys=10&prefix=logs&list-type=2")
	require.NoError(t, s.Sign(a, EmptyPayloadHash))
	require.NoError(t, s.Sign(b, EmptyPayloadHash))
	require.Equal(t, a.Header.Get("Authorization"), b.Header.Get("Authorization"))

	require.Equal(t, "a=1&b=2&c=3", canonicalQuery("c=3&a=1&&b=2"))
	require.Equal(t, "", canonicalQuery(""))
}

func TestAuthHeaderMatchesSign(t *testing.T) {
	clock := &fakeClock{time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)}
	s := newTestSigner(t, clock, "")
	req := newRequest(t, "/key?acl")
	require.NoError(t, s.Sign(req, EmptyPayloadHash))

	headers := "host:examplebucket.s3.amazonaws.com\n" +
		"x-amz-content-sha256:" + EmptyPayloadHash + "\n" +
		"x-amz-date:20240517T103000Z\n"
	auth, err := s.AuthHeader(http.MethodGet, headers, "/key?acl", EmptyPayloadHash, "20240517T103000Z")
	require.NoError(t, err)
	require.Equal(t, req.Header.Get("Authorization"), auth)
}

func TestInitFromEnvironment(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	s := NewSigner("us-east-1", "s3", WithLogger(discardLogger))
	require.ErrorIs(t, s.Init(), ErrMissingCredentials)
	require.ErrorIs(t, s.Sign(newRequest(t, "/"), EmptyPayloadHash), ErrMissingCredentials)
	_, err := s.AuthHeader("GET", "", "/", EmptyPayloadHash, "20240517T103000Z")
	require.ErrorIs(t, err, ErrMissingCredentials)

	t.Setenv("AWS_ACCESS_KEY_ID", "AKIDEXAMPLE")
	require.ErrorIs(t, s.Init(), ErrMissingCredentials)

	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_SESSION_TOKEN", "token")
	require.NoError(t, s.Init())
	req := newRequest(t, "/")
	require.NoError(t, s.Sign(req, EmptyPayloadHash))
	require.Equal(t, "token", req.Header.Get("X-Amz-Security-Token"))
}

func TestInitWithCredentialsValidates(t *testing.T) {
	s := NewSigner("us-east-1", "s3")
	require.ErrorIs(t, s.InitWithCredentials(Credentials{AccessKeyID: "id"}), ErrMissingCredentials)
}
