// pickle.go - Authenticated serialization of boxkit objects.
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

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/katzenpost/hpqc/rand"
)

var pickleInfo = []byte("nightjar-pickle-v1")

// pickleKey stretches an arbitrary length passphrase style key into the
// secretbox key used to seal pickles.
func pickleKeyFromBytes(key []byte) *[keySize]byte {
	h := hkdf.New(sha256.New, key, nil, pickleInfo)
	out := new([keySize]byte)
	if _, err := io.ReadFull(h, out[:]); err != nil {
		panic(err)
	}
	return out
}

// sealPickle encrypts a serialized object state under key.  The nonce is
// prepended to the returned ciphertext.
func sealPickle(state, key []byte) ([]byte, error) {
	nonce := [nonceSize]byte{}
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return nil, err
	}
	boxed := secretbox.Seal(nonce[:], state, &nonce, pickleKeyFromBytes(key))
	return boxed, nil
}

// openPickle authenticates and decrypts a pickle produced by sealPickle.
func openPickle(pickled, key []byte) ([]byte, error) {
	if len(pickled) < nonceSize+secretbox.Overhead {
		return nil, ErrBadPickle
	}
	nonce := [nonceSize]byte{}
	copy(nonce[:], pickled[:nonceSize])
	state, ok := secretbox.Open(nil, pickled[nonceSize:], &nonce, pickleKeyFromBytes(key))
	if !ok {
		return nil, ErrBadPickle
	}
	return state, nil
}
