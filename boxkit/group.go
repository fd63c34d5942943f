// group.go - Sender-keyed group sessions.
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
	"crypto/hmac"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"
)

// groupMessage is the signed body of a group ciphertext.
type groupMessage struct {
	Version    uint8
	Index      uint32
	Nonce      []byte
	Ciphertext []byte
}

// groupSessionKey is the shareable description of a group session's
// ratchet at one index.  The signed form is distributed in room key
// events; the export form (empty signature) is used for backup and
// manual transfer and carries no proof of session ownership.
type groupSessionKey struct {
	Version   uint8
	Index     uint32
	ChainKey  []byte
	PublicKey []byte
	Signature []byte
}

// OutboundGroupSession is the sender half of a group session: a chain
// ratchet plus an Ed25519 session key whose public half doubles as the
// session ID.
type OutboundGroupSession struct {
	signingSeed *memguard.LockedBuffer
	signingPub  ed25519.PublicKey

	chainKey *memguard.LockedBuffer
	index    uint32

	rand io.Reader
}

type outboundGroupState struct {
	SigningSeed []byte
	ChainKey    []byte
	Index       uint32
}

// NewOutboundGroupSession creates a group session with a fresh ratchet
// and signing key.
func NewOutboundGroupSession(rand io.Reader) (*OutboundGroupSession, error) {
	s := &OutboundGroupSession{rand: rand}
	var err error
	s.signingSeed, err = memguard.NewBufferFromReader(rand, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	s.chainKey, err = memguard.NewBufferFromReader(rand, keySize)
	if err != nil {
		return nil, err
	}
	s.signingPub = ed25519.NewKeyFromSeed(s.signingSeed.Bytes()).Public().(ed25519.PublicKey)
	return s, nil
}

// ID returns the session identifier, the base64 session public key.
func (s *OutboundGroupSession) ID() string {
	return encodeKey(s.signingPub)
}

// MessageIndex returns the index the next encrypted message will carry.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	return s.index
}

// Encrypt encrypts plaintext at the current message index, signs the
// body with the session key, and advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	messageKey := stepChain(s.chainKey)
	defer messageKey.Destroy()

	nonce := [nonceSize]byte{}
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, err
	}
	body, err := cbor.Marshal(&groupMessage{
		Version:    protocolVersion,
		Index:      s.index,
		Nonce:      nonce[:],
		Ciphertext: secretbox.Seal(nil, plaintext, &nonce, messageKey.ByteArray32()),
	})
	if err != nil {
		return nil, err
	}
	s.index++

	priv := ed25519.NewKeyFromSeed(s.signingSeed.Bytes())
	return append(body, ed25519.Sign(priv, body)...), nil
}

// SessionKey exports the ratchet at the current index, self-signed, for
// distribution to room members.  Recipients can decrypt from this index
// onward but not before it.
func (s *OutboundGroupSession) SessionKey() ([]byte, error) {
	k := &groupSessionKey{
		Version:   protocolVersion,
		Index:     s.index,
		ChainKey:  append([]byte(nil), s.chainKey.Bytes()...),
		PublicKey: append([]byte(nil), s.signingPub...),
	}
	unsigned, err := cbor.Marshal(k)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(s.signingSeed.Bytes())
	k.Signature = ed25519.Sign(priv, unsigned)
	return cbor.Marshal(k)
}

// Pickle serializes the session and seals it under key.
func (s *OutboundGroupSession) Pickle(key []byte) ([]byte, error) {
	state, err := cbor.Marshal(&outboundGroupState{
		SigningSeed: s.signingSeed.Bytes(),
		ChainKey:    s.chainKey.Bytes(),
		Index:       s.index,
	})
	if err != nil {
		return nil, err
	}
	return sealPickle(state, key)
}

// OutboundGroupSessionFromPickle restores a pickled OutboundGroupSession.
func OutboundGroupSessionFromPickle(rand io.Reader, key, pickled []byte) (*OutboundGroupSession, error) {
	state, err := openPickle(pickled, key)
	if err != nil {
		return nil, err
	}
	st := new(outboundGroupState)
	if err = cbor.Unmarshal(state, st); err != nil {
		return nil, err
	}
	if len(st.SigningSeed) != ed25519.SeedSize || len(st.ChainKey) != keySize {
		return nil, ErrBadPickle
	}
	s := &OutboundGroupSession{
		signingSeed: memguard.NewBufferFromBytes(st.SigningSeed),
		chainKey:    memguard.NewBufferFromBytes(st.ChainKey),
		index:       st.Index,
		rand:        rand,
	}
	s.signingPub = ed25519.NewKeyFromSeed(s.signingSeed.Bytes()).Public().(ed25519.PublicKey)
	return s, nil
}

// Destroy wipes the session's key material.
func (s *OutboundGroupSession) Destroy() {
	if s.signingSeed != nil {
		s.signingSeed.Destroy()
		s.signingSeed = nil
	}
	if s.chainKey != nil {
		s.chainKey.Destroy()
		s.chainKey = nil
	}
}

// InboundGroupSession is the receiver half of a group session, able to
// decrypt messages from its first known index onward.
type InboundGroupSession struct {
	signingPub ed25519.PublicKey

	chainKey        *memguard.LockedBuffer // at firstKnownIndex
	firstKnownIndex uint32
}

type inboundGroupState struct {
	PublicKey       []byte
	ChainKey        []byte
	FirstKnownIndex uint32
}

func inboundFromSessionKey(raw []byte, requireSignature bool) (*InboundGroupSession, error) {
	var k groupSessionKey
	if err := cbor.Unmarshal(raw, &k); err != nil {
		return nil, ErrBadSessionKey
	}
	if k.Version != protocolVersion {
		return nil, ErrBadSessionKey
	}
	if len(k.PublicKey) != ed25519.PublicKeySize || len(k.ChainKey) != keySize {
		return nil, ErrBadSessionKey
	}
	if requireSignature {
		sig := k.Signature
		k.Signature = nil
		unsigned, err := cbor.Marshal(&k)
		if err != nil {
			return nil, err
		}
		if !ed25519.Verify(ed25519.PublicKey(k.PublicKey), unsigned, sig) {
			return nil, ErrBadSignature
		}
	}
	return &InboundGroupSession{
		signingPub:      ed25519.PublicKey(append([]byte(nil), k.PublicKey...)),
		chainKey:        memguard.NewBufferFromBytes(k.ChainKey),
		firstKnownIndex: k.Index,
	}, nil
}

// NewInboundGroupSession creates a receiver session from a signed
// session key as shared in a room key event.
func NewInboundGroupSession(sessionKey []byte) (*InboundGroupSession, error) {
	return inboundFromSessionKey(sessionKey, true)
}

// InboundGroupSessionImport creates a receiver session from an export
// format key, which lacks the self-signature.
func InboundGroupSessionImport(exported []byte) (*InboundGroupSession, error) {
	return inboundFromSessionKey(exported, false)
}

// ID returns the session identifier, the base64 session public key.
func (s *InboundGroupSession) ID() string {
	return encodeKey(s.signingPub)
}

// FirstKnownIndex returns the earliest message index this session can
// decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.firstKnownIndex
}

// chainAt advances a copy of the stored chain key to the given index.
func (s *InboundGroupSession) chainAt(index uint32) (*memguard.LockedBuffer, error) {
	if index < s.firstKnownIndex {
		return nil, ErrUnknownMessageIndex
	}
	chain := memguard.NewBuffer(keySize)
	chain.Copy(s.chainKey.Bytes())
	for n := s.firstKnownIndex; n < index; n++ {
		h := hmac.New(sha3.New256, chain.Bytes())
		deriveKey(chain, chainKeyStepLabel, h)
	}
	return chain, nil
}

// Decrypt verifies the session signature over the message and decrypts
// it, returning the plaintext and the message index.
func (s *InboundGroupSession) Decrypt(message []byte) ([]byte, uint32, error) {
	if len(message) <= ed25519.SignatureSize {
		return nil, 0, ErrBadMessageFormat
	}
	body := message[:len(message)-ed25519.SignatureSize]
	sig := message[len(message)-ed25519.SignatureSize:]
	if !ed25519.Verify(s.signingPub, body, sig) {
		return nil, 0, ErrBadSignature
	}

	var m groupMessage
	if err := cbor.Unmarshal(body, &m); err != nil {
		return nil, 0, ErrBadMessageFormat
	}
	if m.Version != protocolVersion {
		return nil, 0, ErrBadMessageVersion
	}
	if len(m.Nonce) != nonceSize {
		return nil, 0, ErrBadMessageFormat
	}

	chain, err := s.chainAt(m.Index)
	if err != nil {
		return nil, 0, err
	}
	defer chain.Destroy()
	messageKey := stepChain(chain)
	defer messageKey.Destroy()

	nonce := [nonceSize]byte{}
	copy(nonce[:], m.Nonce)
	plaintext, ok := secretbox.Open(nil, m.Ciphertext, &nonce, messageKey.ByteArray32())
	if !ok {
		return nil, 0, ErrBadMessageMAC
	}
	return plaintext, m.Index, nil
}

// Export produces an export format session key at the given index.  The
// exported ratchet cannot decrypt messages before that index.
func (s *InboundGroupSession) Export(index uint32) ([]byte, error) {
	chain, err := s.chainAt(index)
	if err != nil {
		return nil, err
	}
	defer chain.Destroy()
	return cbor.Marshal(&groupSessionKey{
		Version:   protocolVersion,
		Index:     index,
		ChainKey:  append([]byte(nil), chain.Bytes()...),
		PublicKey: append([]byte(nil), s.signingPub...),
	})
}

// Pickle serializes the session and seals it under key.
func (s *InboundGroupSession) Pickle(key []byte) ([]byte, error) {
	state, err := cbor.Marshal(&inboundGroupState{
		PublicKey:       append([]byte(nil), s.signingPub...),
		ChainKey:        s.chainKey.Bytes(),
		FirstKnownIndex: s.firstKnownIndex,
	})
	if err != nil {
		return nil, err
	}
	return sealPickle(state, key)
}

// InboundGroupSessionFromPickle restores a pickled InboundGroupSession.
func InboundGroupSessionFromPickle(key, pickled []byte) (*InboundGroupSession, error) {
	state, err := openPickle(pickled, key)
	if err != nil {
		return nil, err
	}
	st := new(inboundGroupState)
	if err = cbor.Unmarshal(state, st); err != nil {
		return nil, err
	}
	if len(st.PublicKey) != ed25519.PublicKeySize || len(st.ChainKey) != keySize {
		return nil, ErrBadPickle
	}
	return &InboundGroupSession{
		signingPub:      ed25519.PublicKey(st.PublicKey),
		chainKey:        memguard.NewBufferFromBytes(st.ChainKey),
		firstKnownIndex: st.FirstKnownIndex,
	}, nil
}

// Destroy wipes the session's key material.
func (s *InboundGroupSession) Destroy() {
	if s.chainKey != nil {
		s.chainKey.Destroy()
		s.chainKey = nil
	}
}
