// session.go - Pairwise ratchet sessions between two devices.
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
	"crypto/hmac"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"
)

// Message types on the wire.
const (
	// MessageTypePreKey is the handshake form carrying the key agreement
	// public keys alongside the first ciphertext.
	MessageTypePreKey = 0
	// MessageTypeNormal is the established-session form.
	MessageTypeNormal = 1
)

var sessionInfo = []byte("nightjar-session-v1")

// preKeyMessage is the type 0 wire form.
type preKeyMessage struct {
	Version     uint8
	IdentityKey []byte
	BaseKey     []byte
	OneTimeKey  []byte
	Message     []byte
}

// innerMessage is the ratchet ciphertext carried by both message types.
type innerMessage struct {
	Version    uint8
	Index      uint32
	Nonce      []byte
	Ciphertext []byte
}

// Session is an established pairwise channel with one remote device.
// The send and receive chains advance on every encrypt and decrypt, so a
// Session must be re-persisted after every operation.
type Session struct {
	id               string
	theirIdentityKey [publicKeySize]byte

	sendChain *memguard.LockedBuffer
	recvChain *memguard.LockedBuffer

	sendCount uint32
	recvCount uint32

	// receivedMessage is set once the peer has demonstrated possession
	// of the session; until then outgoing messages carry the handshake.
	receivedMessage bool

	hasPending      bool
	pendingIdentity [publicKeySize]byte
	pendingBase     [publicKeySize]byte
	pendingOneTime  [publicKeySize]byte

	usedOneTimeKey [publicKeySize]byte

	skipped map[uint32]*memguard.LockedBuffer

	rand io.Reader
}

type sessionState struct {
	ID               string
	TheirIdentityKey []byte
	SendChain        []byte
	RecvChain        []byte
	SendCount        uint32
	RecvCount        uint32
	ReceivedMessage  bool
	HasPending       bool
	PendingIdentity  []byte
	PendingBase      []byte
	PendingOneTime   []byte
	UsedOneTimeKey   []byte
	Skipped          []skippedKeyState
}

type skippedKeyState struct {
	Index uint32
	Key   []byte
}

// deriveKey calculates out = HMAC(k, label) into key's backing buffer.
func deriveKey(key *memguard.LockedBuffer, label []byte, h hash.Hash) {
	h.Reset()
	h.Write(label)
	h.Sum(key.Bytes()[:0])
	if key.Size() != keySize {
		panic("boxkit: hash function wrong size")
	}
}

// stepChain derives the next message key from chain and advances it.
func stepChain(chain *memguard.LockedBuffer) *memguard.LockedBuffer {
	h := hmac.New(sha3.New256, chain.Bytes())
	messageKey := memguard.NewBuffer(keySize)
	deriveKey(messageKey, messageKeyLabel, h)
	deriveKey(chain, chainKeyStepLabel, h)
	return messageKey
}

// sessionID derives the deterministic session identifier from the three
// handshake public keys, so both sides and any observer of the prekey
// message agree on it.
func sessionID(identity, base, oneTime *[publicKeySize]byte) string {
	h := sha256.New()
	h.Write(identity[:])
	h.Write(base[:])
	h.Write(oneTime[:])
	return encodeKey(h.Sum(nil))
}

// deriveChains runs the shared secret through the session KDF producing
// the initiator and responder chain keys.
func deriveChains(secret []byte) (initiator, responder *memguard.LockedBuffer) {
	h := hkdf.New(sha256.New, secret, nil, sessionInfo)
	initiator = memguard.NewBuffer(keySize)
	responder = memguard.NewBuffer(keySize)
	if _, err := io.ReadFull(h, initiator.Bytes()); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(h, responder.Bytes()); err != nil {
		panic(err)
	}
	return
}

// NewOutboundSession establishes a new session towards a remote device
// identified by its Curve25519 identity key, consuming one of its
// published one time keys.
func NewOutboundSession(a *Account, theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	theirIdentity, err := decodeKey(theirIdentityKey, publicKeySize)
	if err != nil {
		return nil, err
	}
	theirOneTime, err := decodeKey(theirOneTimeKey, publicKeySize)
	if err != nil {
		return nil, err
	}

	basePriv, err := memguard.NewBufferFromReader(a.rand, privateKeySize)
	if err != nil {
		return nil, err
	}
	defer basePriv.Destroy()
	basePub, err := curve25519.X25519(basePriv.Bytes(), curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	s1, err := curve25519.X25519(a.identityKey.Bytes(), theirOneTime)
	if err != nil {
		return nil, err
	}
	s2, err := curve25519.X25519(basePriv.Bytes(), theirIdentity)
	if err != nil {
		return nil, err
	}
	s3, err := curve25519.X25519(basePriv.Bytes(), theirOneTime)
	if err != nil {
		return nil, err
	}
	secret := append(append(s1, s2...), s3...)

	s := &Session{
		skipped: make(map[uint32]*memguard.LockedBuffer),
		rand:    a.rand,
	}
	s.sendChain, s.recvChain = deriveChains(secret)
	copy(s.theirIdentityKey[:], theirIdentity)
	copy(s.pendingIdentity[:], a.identityPub[:])
	copy(s.pendingBase[:], basePub)
	copy(s.pendingOneTime[:], theirOneTime)
	s.hasPending = true
	s.id = sessionID(&s.pendingIdentity, &s.pendingBase, &s.pendingOneTime)
	return s, nil
}

// NewInboundSession establishes a session from a received prekey message.
// The matching one time key is located but not removed; the caller removes
// it from the Account with RemoveOneTimeKeys once the session is accepted.
func NewInboundSession(a *Account, prekeyMessage []byte) (*Session, error) {
	var pkm preKeyMessage
	if err := cbor.Unmarshal(prekeyMessage, &pkm); err != nil {
		return nil, ErrBadMessageFormat
	}
	if pkm.Version != protocolVersion {
		return nil, ErrBadMessageVersion
	}
	if len(pkm.IdentityKey) != publicKeySize || len(pkm.BaseKey) != publicKeySize || len(pkm.OneTimeKey) != publicKeySize {
		return nil, ErrBadMessageFormat
	}

	var otkPub [publicKeySize]byte
	copy(otkPub[:], pkm.OneTimeKey)
	otk := a.findOneTimeKey(&otkPub)
	if otk == nil {
		return nil, ErrBadMessageKeyID
	}

	s1, err := curve25519.X25519(otk.private.Bytes(), pkm.IdentityKey)
	if err != nil {
		return nil, err
	}
	s2, err := curve25519.X25519(a.identityKey.Bytes(), pkm.BaseKey)
	if err != nil {
		return nil, err
	}
	s3, err := curve25519.X25519(otk.private.Bytes(), pkm.BaseKey)
	if err != nil {
		return nil, err
	}
	secret := append(append(s1, s2...), s3...)

	s := &Session{
		skipped: make(map[uint32]*memguard.LockedBuffer),
		rand:    a.rand,
	}
	// The initiator's chain is our receive chain.
	s.recvChain, s.sendChain = deriveChains(secret)
	copy(s.theirIdentityKey[:], pkm.IdentityKey)
	copy(s.usedOneTimeKey[:], pkm.OneTimeKey)

	var identity, base [publicKeySize]byte
	copy(identity[:], pkm.IdentityKey)
	copy(base[:], pkm.BaseKey)
	s.id = sessionID(&identity, &base, &otkPub)
	return s, nil
}

// RemoveOneTimeKeys removes the one time key consumed by the given
// inbound session from the account's pool.
func (a *Account) RemoveOneTimeKeys(s *Session) bool {
	return a.removeOneTimeKey(&s.usedOneTimeKey)
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// TheirIdentityKey returns the remote device's Curve25519 identity key.
func (s *Session) TheirIdentityKey() string {
	return encodeKey(s.theirIdentityKey[:])
}

// HasReceivedMessage is true once at least one message from the peer has
// been successfully decrypted on this session.
func (s *Session) HasReceivedMessage() bool {
	return s.receivedMessage
}

// Encrypt encrypts plaintext, advancing the send chain.  It returns the
// message type and ciphertext.
func (s *Session) Encrypt(plaintext []byte) (int, []byte, error) {
	messageKey := stepChain(s.sendChain)
	defer messageKey.Destroy()

	nonce := [nonceSize]byte{}
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return 0, nil, err
	}
	inner := &innerMessage{
		Version:    protocolVersion,
		Index:      s.sendCount,
		Nonce:      nonce[:],
		Ciphertext: secretbox.Seal(nil, plaintext, &nonce, messageKey.ByteArray32()),
	}
	s.sendCount++

	body, err := cbor.Marshal(inner)
	if err != nil {
		return 0, nil, err
	}
	if s.receivedMessage || !s.hasPending {
		return MessageTypeNormal, body, nil
	}

	pkm := &preKeyMessage{
		Version:     protocolVersion,
		IdentityKey: s.pendingIdentity[:],
		BaseKey:     s.pendingBase[:],
		OneTimeKey:  s.pendingOneTime[:],
		Message:     body,
	}
	wrapped, err := cbor.Marshal(pkm)
	if err != nil {
		return 0, nil, err
	}
	return MessageTypePreKey, wrapped, nil
}

// Decrypt decrypts a message of the given type, advancing the receive
// chain.  Out of order messages are handled via a bounded skipped key
// cache.
func (s *Session) Decrypt(messageType int, ciphertext []byte) ([]byte, error) {
	body := ciphertext
	if messageType == MessageTypePreKey {
		var pkm preKeyMessage
		if err := cbor.Unmarshal(ciphertext, &pkm); err != nil {
			return nil, ErrBadMessageFormat
		}
		if pkm.Version != protocolVersion {
			return nil, ErrBadMessageVersion
		}
		body = pkm.Message
	}

	var inner innerMessage
	if err := cbor.Unmarshal(body, &inner); err != nil {
		return nil, ErrBadMessageFormat
	}
	if inner.Version != protocolVersion {
		return nil, ErrBadMessageVersion
	}
	if len(inner.Nonce) != nonceSize {
		return nil, ErrBadMessageFormat
	}

	messageKey, fromSkipped, err := s.messageKeyFor(inner.Index)
	if err != nil {
		return nil, err
	}

	nonce := [nonceSize]byte{}
	copy(nonce[:], inner.Nonce)
	plaintext, ok := secretbox.Open(nil, inner.Ciphertext, &nonce, messageKey.ByteArray32())
	if !ok {
		// A skipped key that fails to authenticate stays cached; the
		// chain advance for a fresh key is rolled into messageKeyFor
		// and is deliberately not undone, matching the one shot
		// decrypt ordering contract.
		if !fromSkipped {
			messageKey.Destroy()
		}
		return nil, ErrBadMessageMAC
	}
	if fromSkipped {
		delete(s.skipped, inner.Index)
	}
	messageKey.Destroy()

	s.receivedMessage = true
	s.hasPending = false
	return plaintext, nil
}

// messageKeyFor produces the message key for the given index, saving any
// keys that are stepped over.
func (s *Session) messageKeyFor(index uint32) (*memguard.LockedBuffer, bool, error) {
	if index < s.recvCount {
		key, ok := s.skipped[index]
		if !ok {
			return nil, false, ErrMessageKeyNotFound
		}
		return key, true, nil
	}
	if index-s.recvCount > MaxSkippedMessageKeys || len(s.skipped) > MaxSkippedMessageKeys {
		return nil, false, ErrMessageKeyNotFound
	}
	for n := s.recvCount; n < index; n++ {
		s.skipped[n] = stepChain(s.recvChain)
	}
	messageKey := stepChain(s.recvChain)
	s.recvCount = index + 1
	return messageKey, false, nil
}

// MatchesInboundSessionFrom reports whether the given prekey message
// would create this same session.  theirIdentityKey may be empty, in
// which case only the message contents are considered.
func (s *Session) MatchesInboundSessionFrom(theirIdentityKey string, prekeyMessage []byte) (bool, error) {
	var pkm preKeyMessage
	if err := cbor.Unmarshal(prekeyMessage, &pkm); err != nil {
		return false, ErrBadMessageFormat
	}
	if len(pkm.IdentityKey) != publicKeySize || len(pkm.BaseKey) != publicKeySize || len(pkm.OneTimeKey) != publicKeySize {
		return false, ErrBadMessageFormat
	}
	if theirIdentityKey != "" {
		theirs, err := decodeKey(theirIdentityKey, publicKeySize)
		if err != nil {
			return false, err
		}
		if string(theirs) != string(pkm.IdentityKey) {
			return false, nil
		}
	}
	var identity, base, oneTime [publicKeySize]byte
	copy(identity[:], pkm.IdentityKey)
	copy(base[:], pkm.BaseKey)
	copy(oneTime[:], pkm.OneTimeKey)
	return sessionID(&identity, &base, &oneTime) == s.id, nil
}

// Pickle serializes the session and seals it under key.
func (s *Session) Pickle(key []byte) ([]byte, error) {
	st := &sessionState{
		ID:               s.id,
		TheirIdentityKey: s.theirIdentityKey[:],
		SendChain:        s.sendChain.Bytes(),
		RecvChain:        s.recvChain.Bytes(),
		SendCount:        s.sendCount,
		RecvCount:        s.recvCount,
		ReceivedMessage:  s.receivedMessage,
		HasPending:       s.hasPending,
		PendingIdentity:  s.pendingIdentity[:],
		PendingBase:      s.pendingBase[:],
		PendingOneTime:   s.pendingOneTime[:],
		UsedOneTimeKey:   s.usedOneTimeKey[:],
	}
	for index, k := range s.skipped {
		st.Skipped = append(st.Skipped, skippedKeyState{Index: index, Key: k.Bytes()})
	}
	state, err := cbor.Marshal(st)
	if err != nil {
		return nil, err
	}
	return sealPickle(state, key)
}

// SessionFromPickle authenticates, decrypts and deserializes a pickled
// Session.
func SessionFromPickle(rand io.Reader, key, pickled []byte) (*Session, error) {
	state, err := openPickle(pickled, key)
	if err != nil {
		return nil, err
	}
	st := new(sessionState)
	if err = cbor.Unmarshal(state, st); err != nil {
		return nil, err
	}
	if len(st.SendChain) != keySize || len(st.RecvChain) != keySize {
		return nil, ErrBadPickle
	}
	s := &Session{
		id:              st.ID,
		sendChain:       memguard.NewBufferFromBytes(st.SendChain),
		recvChain:       memguard.NewBufferFromBytes(st.RecvChain),
		sendCount:       st.SendCount,
		recvCount:       st.RecvCount,
		receivedMessage: st.ReceivedMessage,
		hasPending:      st.HasPending,
		skipped:         make(map[uint32]*memguard.LockedBuffer),
		rand:            rand,
	}
	copy(s.theirIdentityKey[:], st.TheirIdentityKey)
	copy(s.pendingIdentity[:], st.PendingIdentity)
	copy(s.pendingBase[:], st.PendingBase)
	copy(s.pendingOneTime[:], st.PendingOneTime)
	copy(s.usedOneTimeKey[:], st.UsedOneTimeKey)
	for _, sk := range st.Skipped {
		if len(sk.Key) != keySize {
			return nil, ErrBadPickle
		}
		s.skipped[sk.Index] = memguard.NewBufferFromBytes(sk.Key)
	}
	return s, nil
}

// Destroy wipes the session's key material.
func (s *Session) Destroy() {
	if s.sendChain != nil {
		s.sendChain.Destroy()
		s.sendChain = nil
	}
	if s.recvChain != nil {
		s.recvChain.Destroy()
		s.recvChain = nil
	}
	for index, k := range s.skipped {
		k.Destroy()
		delete(s.skipped, index)
	}
}
