// recoverykey.go - Human-transcribable backup key encoding.
// Copyright (C) 2026  Nightjar Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package recoverykey encodes the raw backup key into the form users
// write down: a tagged, checksummed base58 string in four character
// groups.
package recoverykey

import (
	"errors"
	"strings"

	"github.com/mr-tron/base58"
)

// KeySize is the raw backup key length.
const KeySize = 32

// The two prefix bytes identify a recovery key and rule out most
// transcription of the wrong string entirely.
var keyPrefix = []byte{0x8B, 0x01}

var (
	ErrBadPrefix = errors.New("recoverykey: not a recovery key")
	ErrBadLength = errors.New("recoverykey: wrong decoded length")
	ErrBadParity = errors.New("recoverykey: parity check failed")
	ErrNotBase58 = errors.New("recoverykey: malformed base58")
)

// Encode renders a raw backup key as a recovery key string.
func Encode(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrBadLength
	}
	buf := make([]byte, 0, len(keyPrefix)+KeySize+1)
	buf = append(buf, keyPrefix...)
	buf = append(buf, key...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)

	encoded := base58.Encode(buf)
	var sb strings.Builder
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := i + 4
		if end > len(encoded) {
			end = len(encoded)
		}
		sb.WriteString(encoded[i:end])
	}
	return sb.String(), nil
}

// Decode parses a recovery key string back to the raw backup key.
// Whitespace is ignored; the prefix, length and parity byte are all
// validated.
func Decode(s string) ([]byte, error) {
	compact := strings.Join(strings.Fields(s), "")
	buf, err := base58.Decode(compact)
	if err != nil {
		return nil, ErrNotBase58
	}
	if len(buf) != len(keyPrefix)+KeySize+1 {
		return nil, ErrBadLength
	}
	for i, b := range keyPrefix {
		if buf[i] != b {
			return nil, ErrBadPrefix
		}
	}
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	if parity != 0 {
		return nil, ErrBadParity
	}
	return buf[len(keyPrefix) : len(keyPrefix)+KeySize], nil
}
