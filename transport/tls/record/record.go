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

// Package record parses the TLS record layer. It lets a server inspect bytes read before a
// TLS session exists and lets writers keep socket writes aligned to record boundaries.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TLS record layout from [RFC 8446]:
//
//	+-------------+ 0
//	| RecordType  |
//	+-------------+ 1
//	|  Protocol   |
//	|  Version    |
//	+-------------+ 3
//	|   Record    |
//	|   Length    |
//	+-------------+ 5
//	|   Message   |
//	|    Data     |
//	|     ...     |
//	+-------------+ Message Length + 5
//
// [RFC 8446]: https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
const (
	// HeaderLen is the length of a record header.
	HeaderLen = 5
	// MaxPlaintextLen is the largest payload of a plaintext record.
	MaxPlaintextLen = 1 << 14
	// MaxCiphertextLen is the largest payload of a protected record.
	MaxCiphertextLen = MaxPlaintextLen + 2048

	versionSSL30 uint16 = 0x0300
	versionTLS13 uint16 = 0x0304
)

// ContentType is the type of a record.
type ContentType byte

const (
	TypeChangeCipherSpec ContentType = 20
	TypeAlert            ContentType = 21
	TypeHandshake        ContentType = 22
	TypeApplicationData  ContentType = 23
)

func (t ContentType) String() string {
	switch t {
	case TypeChangeCipherSpec:
		return "change_cipher_spec"
	case TypeAlert:
		return "alert"
	case TypeHandshake:
		return "handshake"
	case TypeApplicationData:
		return "application_data"
	default:
		return fmt.Sprintf("ContentType(%d)", byte(t))
	}
}

var (
	// ErrShortHeader is returned when fewer than HeaderLen bytes are available.
	ErrShortHeader = errors.New("record: header requires at least 5 bytes")
	// ErrInvalidHeader is returned for bytes that cannot start a TLS record.
	ErrInvalidHeader = errors.New("record: invalid header")
)

const handshakeTypeClientHello byte = 1

// Header is a view of the first HeaderLen bytes of a record.
type Header []byte

// ParseHeader validates the record header at the start of p.
func ParseHeader(p []byte) (Header, error) {
	if len(p) < HeaderLen {
		return nil, ErrShortHeader
	}
	h := Header(p[:HeaderLen])
	switch h.Type() {
	case TypeChangeCipherSpec, TypeAlert, TypeHandshake, TypeApplicationData:
	default:
		return nil, fmt.Errorf("%w: unknown content type %d", ErrInvalidHeader, p[0])
	}
	if v := h.Version(); v < versionSSL30 || v > versionTLS13 {
		return nil, fmt.Errorf("%w: unknown version %#04x", ErrInvalidHeader, v)
	}
	if h.PayloadLen() > MaxCiphertextLen {
		return nil, fmt.Errorf("%w: payload length %d out of range", ErrInvalidHeader, h.PayloadLen())
	}
	return h, nil
}

func (h Header) Type() ContentType {
	return ContentType(h[0])
}

func (h Header) Version() uint16 {
	return binary.BigEndian.Uint16(h[1:3])
}

func (h Header) PayloadLen() int {
	return int(binary.BigEndian.Uint16(h[3:5]))
}

// RecordLen is the length of the whole record, header included.
func (h Header) RecordLen() int {
	return HeaderLen + h.PayloadLen()
}

// SplitRecords splits p into complete records. Trailing bytes that do not form a complete
// record are returned in rest. The returned slices alias p.
func SplitRecords(p []byte) (records [][]byte, rest []byte, err error) {
	for len(p) >= HeaderLen {
		h, err := ParseHeader(p)
		if err != nil {
			return records, p, err
		}
		n := h.RecordLen()
		if len(p) < n {
			break
		}
		records = append(records, p[:n])
		p = p[n:]
	}
	return records, p, nil
}

// IsClientHello reports whether p starts with a handshake record carrying a ClientHello.
func IsClientHello(p []byte) bool {
	h, err := ParseHeader(p)
	if err != nil || h.Type() != TypeHandshake || h.PayloadLen() == 0 {
		return false
	}
	return len(p) > HeaderLen && p[HeaderLen] == handshakeTypeClientHello
}
