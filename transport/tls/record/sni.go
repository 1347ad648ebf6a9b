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

package record

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// ErrNoServerName is returned by [Sniff] when the ClientHello carries no server name.
var ErrNoServerName = errors.New("record: no server name in ClientHello")

// Sniff returns the server name indicated by the ClientHello at the start of prefix. prefix
// may be longer than the ClientHello; bytes past the first record are ignored.
func Sniff(prefix []byte) (string, error) {
	if !IsClientHello(prefix) {
		return "", errors.New("record: not a ClientHello")
	}
	plaintext := cryptobyte.String(prefix)

	var s cryptobyte.String
	// Skip uint8 ContentType and uint16 ProtocolVersion.
	if !plaintext.Skip(1+2) || !plaintext.ReadUint16LengthPrefixed(&s) {
		return "", errors.New("record: truncated ClientHello record")
	}

	// Skip uint8 message type, uint24 length, uint16 version, and 32 byte random.
	var sessionID cryptobyte.String
	if !s.Skip(1+3+2+32) || !s.ReadUint8LengthPrefixed(&sessionID) {
		return "", errors.New("record: bad handshake message")
	}
	var cipherSuites cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&cipherSuites) {
		return "", errors.New("record: bad cipher suites")
	}
	var compressionMethods cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&compressionMethods) {
		return "", errors.New("record: bad compression methods")
	}
	if s.Empty() {
		return "", ErrNoServerName
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return "", errors.New("record: bad extensions")
	}
	for !extensions.Empty() {
		var extension uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extension) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return "", errors.New("record: bad extension")
		}
		// server_name, RFC 6066 section 3.
		if extension != 0 {
			continue
		}
		var nameList cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&nameList) || nameList.Empty() {
			return "", errors.New("record: bad server name list")
		}
		for !nameList.Empty() {
			var nameType uint8
			var serverName cryptobyte.String
			if !nameList.ReadUint8(&nameType) ||
				!nameList.ReadUint16LengthPrefixed(&serverName) ||
				serverName.Empty() {
				return "", errors.New("record: bad server name")
			}
			if nameType == 0 {
				return string(serverName), nil
			}
		}
	}
	return "", ErrNoServerName
}
