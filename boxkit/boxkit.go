// boxkit.go - Constants and errors shared by the boxkit object model.
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

// Package boxkit implements the account, pairwise session and group
// session objects that the device crypto engine drives.  Every object is
// explicitly managed: it is constructed or restored from a pickle, used,
// and then destroyed.  Key material lives in memguard locked buffers and
// is wiped on Destroy.
package boxkit

import (
	"encoding/base64"
	"errors"
)

const (
	keySize        = 32
	nonceSize      = 24
	publicKeySize  = 32
	privateKeySize = 32

	// MaxOneTimeKeys is the maximum number of one time keys an Account
	// will hold at once.
	MaxOneTimeKeys = 100

	// MaxSkippedMessageKeys bounds the number of out of order message
	// keys a pairwise session will retain.
	MaxSkippedMessageKeys = 100

	protocolVersion = 1
)

var (
	ErrBadBase64           = errors.New("boxkit: invalid base64")
	ErrBadSignature        = errors.New("boxkit: bad message MAC or signature")
	ErrBadMessageFormat    = errors.New("boxkit: bad message format")
	ErrBadMessageVersion   = errors.New("boxkit: unsupported message version")
	ErrBadMessageMAC       = errors.New("boxkit: message failed authentication")
	ErrBadMessageKeyID     = errors.New("boxkit: no matching one time key")
	ErrBadSessionKey       = errors.New("boxkit: bad group session key")
	ErrBadPickle           = errors.New("boxkit: pickle failed authentication")
	ErrUnknownMessageIndex = errors.New("boxkit: message index before first known index")
	ErrMessageKeyNotFound  = errors.New("boxkit: message key not found")
	ErrObjectDestroyed     = errors.New("boxkit: object has been destroyed")

	// Key derivation labels, used as the label argument to deriveKey to
	// derive independent keys from a chain key.
	messageKeyLabel   = []byte("message key")
	chainKeyStepLabel = []byte("chain key step")
)

// B64 is the unpadded standard base64 encoding every key and signature
// in the protocol is transported with.
var B64 = base64.RawStdEncoding

func encodeKey(b []byte) string {
	return B64.EncodeToString(b)
}

func decodeKey(s string, expectedLen int) ([]byte, error) {
	b, err := B64.DecodeString(s)
	if err != nil {
		return nil, ErrBadBase64
	}
	if len(b) != expectedLen {
		return nil, ErrBadBase64
	}
	return b, nil
}
