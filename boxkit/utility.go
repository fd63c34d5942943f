// utility.go - Detached signature verification.
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

package boxkit

import "crypto/ed25519"

// VerifySignature checks a detached Ed25519 signature.  A malformed key
// or signature yields ErrBadBase64; a signature that does not verify
// yields ErrBadSignature.  The two are distinct so callers can tell
// garbage input from a forgery.
func VerifySignature(key string, message []byte, signature string) error {
	rawKey, err := decodeKey(key, ed25519.PublicKeySize)
	if err != nil {
		return err
	}
	rawSig, err := decodeKey(signature, ed25519.SignatureSize)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(rawKey), message, rawSig) {
		return ErrBadSignature
	}
	return nil
}
