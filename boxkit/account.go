// account.go - Device account: identity keys and one time key pool.
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
	"crypto/ed25519"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
)

// oneTimeKey is a single Curve25519 one time key pair held by an Account.
type oneTimeKey struct {
	id        uint32
	private   *memguard.LockedBuffer
	public    [publicKeySize]byte
	published bool
}

// Account holds a device's long term identity key pairs and its pool of
// one time keys.  There is exactly one Account per device.
type Account struct {
	signingKey *memguard.LockedBuffer // ed25519 seed
	identityKey *memguard.LockedBuffer // curve25519 private

	signingPub  ed25519.PublicKey
	identityPub [publicKeySize]byte

	oneTimeKeys   map[uint32]*oneTimeKey
	nextKeyID     uint32

	rand io.Reader
}

type accountState struct {
	SigningSeed []byte
	IdentityKey []byte
	NextKeyID   uint32
	OneTimeKeys []accountOneTimeKeyState
}

type accountOneTimeKeyState struct {
	ID        uint32
	Private   []byte
	Published bool
}

// NewAccount generates a fresh Account with new identity key pairs and an
// empty one time key pool.
func NewAccount(rand io.Reader) (*Account, error) {
	a := &Account{
		oneTimeKeys: make(map[uint32]*oneTimeKey),
		rand:        rand,
	}
	var err error
	a.signingKey, err = memguard.NewBufferFromReader(rand, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	a.identityKey, err = memguard.NewBufferFromReader(rand, privateKeySize)
	if err != nil {
		return nil, err
	}
	if err = a.derivePublics(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Account) derivePublics() error {
	a.signingPub = ed25519.NewKeyFromSeed(a.signingKey.Bytes()).Public().(ed25519.PublicKey)
	pub, err := curve25519.X25519(a.identityKey.Bytes(), curve25519.Basepoint)
	if err != nil {
		return err
	}
	copy(a.identityPub[:], pub)
	return nil
}

// IdentityKeys returns the public Ed25519 signing key and the public
// Curve25519 encryption key, base64 encoded.
func (a *Account) IdentityKeys() (signingKey, encryptionKey string) {
	return encodeKey(a.signingPub), encodeKey(a.identityPub[:])
}

// Sign signs message with the account's Ed25519 key and returns the
// base64 encoded signature.
func (a *Account) Sign(message []byte) string {
	priv := ed25519.NewKeyFromSeed(a.signingKey.Bytes())
	return encodeKey(ed25519.Sign(priv, message))
}

// MaxNumberOfOneTimeKeys returns the largest one time key pool the
// account will hold.
func (a *Account) MaxNumberOfOneTimeKeys() int {
	return MaxOneTimeKeys
}

// GenerateOneTimeKeys adds n fresh one time keys to the pool.  Oldest
// published keys are discarded if the pool would exceed its maximum.
func (a *Account) GenerateOneTimeKeys(n int) error {
	for i := 0; i < n; i++ {
		priv, err := memguard.NewBufferFromReader(a.rand, privateKeySize)
		if err != nil {
			return err
		}
		pub, err := curve25519.X25519(priv.Bytes(), curve25519.Basepoint)
		if err != nil {
			priv.Destroy()
			return err
		}
		k := &oneTimeKey{id: a.nextKeyID, private: priv}
		copy(k.public[:], pub)
		a.oneTimeKeys[k.id] = k
		a.nextKeyID++
	}
	for len(a.oneTimeKeys) > MaxOneTimeKeys {
		oldest := uint32(0)
		first := true
		for id, k := range a.oneTimeKeys {
			if !k.published {
				continue
			}
			if first || id < oldest {
				oldest, first = id, false
			}
		}
		if first {
			break
		}
		a.oneTimeKeys[oldest].private.Destroy()
		delete(a.oneTimeKeys, oldest)
	}
	return nil
}

// OneTimeKeys returns the unpublished one time keys as a map from key ID
// to base64 public key.
func (a *Account) OneTimeKeys() map[string]string {
	keys := make(map[string]string)
	for _, k := range a.oneTimeKeys {
		if k.published {
			continue
		}
		keys[oneTimeKeyID(k.id)] = encodeKey(k.public[:])
	}
	return keys
}

// MarkKeysAsPublished marks every currently held one time key as
// published, removing them from the set returned by OneTimeKeys.
func (a *Account) MarkKeysAsPublished() {
	for _, k := range a.oneTimeKeys {
		k.published = true
	}
}

// oneTimeKeyID renders a key ID the way it appears on the wire.
func oneTimeKeyID(id uint32) string {
	raw := []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	return encodeKey(raw)
}

// findOneTimeKey locates the one time key pair matching a public key.
func (a *Account) findOneTimeKey(pub *[publicKeySize]byte) *oneTimeKey {
	for _, k := range a.oneTimeKeys {
		if k.public == *pub {
			return k
		}
	}
	return nil
}

// removeOneTimeKey removes the one time key with the given public
// component from the pool, wiping its private half.
func (a *Account) removeOneTimeKey(pub *[publicKeySize]byte) bool {
	for id, k := range a.oneTimeKeys {
		if k.public == *pub {
			k.private.Destroy()
			delete(a.oneTimeKeys, id)
			return true
		}
	}
	return false
}

// Pickle serializes the account and seals it under key.
func (a *Account) Pickle(key []byte) ([]byte, error) {
	s := &accountState{
		SigningSeed: a.signingKey.Bytes(),
		IdentityKey: a.identityKey.Bytes(),
		NextKeyID:   a.nextKeyID,
	}
	for _, k := range a.oneTimeKeys {
		s.OneTimeKeys = append(s.OneTimeKeys, accountOneTimeKeyState{
			ID:        k.id,
			Private:   k.private.Bytes(),
			Published: k.published,
		})
	}
	state, err := cbor.Marshal(s)
	if err != nil {
		return nil, err
	}
	return sealPickle(state, key)
}

// AccountFromPickle authenticates, decrypts and deserializes a pickled
// Account.
func AccountFromPickle(rand io.Reader, key, pickled []byte) (*Account, error) {
	state, err := openPickle(pickled, key)
	if err != nil {
		return nil, err
	}
	s := new(accountState)
	if err = cbor.Unmarshal(state, s); err != nil {
		return nil, err
	}
	a := &Account{
		signingKey:  memguard.NewBufferFromBytes(s.SigningSeed),
		identityKey: memguard.NewBufferFromBytes(s.IdentityKey),
		oneTimeKeys: make(map[uint32]*oneTimeKey),
		nextKeyID:   s.NextKeyID,
		rand:        rand,
	}
	if err = a.derivePublics(); err != nil {
		return nil, err
	}
	for _, ks := range s.OneTimeKeys {
		k := &oneTimeKey{
			id:        ks.ID,
			private:   memguard.NewBufferFromBytes(ks.Private),
			published: ks.Published,
		}
		pub, err := curve25519.X25519(k.private.Bytes(), curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		copy(k.public[:], pub)
		a.oneTimeKeys[ks.ID] = k
	}
	return a, nil
}

// Destroy wipes all of the account's private key material.
func (a *Account) Destroy() {
	if a.signingKey != nil {
		a.signingKey.Destroy()
		a.signingKey = nil
	}
	if a.identityKey != nil {
		a.identityKey.Destroy()
		a.identityKey = nil
	}
	for id, k := range a.oneTimeKeys {
		k.private.Destroy()
		delete(a.oneTimeKeys, id)
	}
}
