// algorithm.go - Room encryption algorithm instances.
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

package machine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

// Outbound group session rotation bounds.
const (
	DefaultRotationPeriod   = 604800000 * time.Millisecond
	DefaultRotationMessages = uint32(100)
)

// decryptor is one decryption algorithm instance, created lazily per
// (room, algorithm) pair.
type decryptor interface {
	decryptEvent(senderKey, senderUserID string, content *wire.EncryptedContent, eventID string, timestamp int64) ([]byte, error)
}

// The algorithm set is closed; events naming anything else are
// rejected with ErrUnknownAlgorithm.
var decryptorRegistry = map[string]func(m *Machine, roomID string) decryptor{
	wire.AlgorithmPairwise: newPairwiseDecryptor,
	wire.AlgorithmGroup:    newGroupDecryptor,
}

func (m *Machine) decryptorFor(roomID, algorithm string) (decryptor, error) {
	m.Lock()
	defer m.Unlock()
	key := roomID + "|" + algorithm
	if d, ok := m.decryptors[key]; ok {
		return d, nil
	}
	factory, ok := decryptorRegistry[algorithm]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	d := factory(m, roomID)
	m.decryptors[key] = d
	return d, nil
}

// SetRoomEncryption configures the outbound algorithm for a room.
// Only the group algorithm is valid for room traffic.
func (m *Machine) SetRoomEncryption(roomID, algorithm string) error {
	if algorithm != wire.AlgorithmGroup {
		return ErrUnknownAlgorithm
	}
	m.Lock()
	defer m.Unlock()
	if _, ok := m.roomEncryptors[roomID]; ok {
		return nil
	}
	m.roomEncryptors[roomID] = newGroupEncryptor(m, roomID)
	return nil
}

// EncryptRoomEvent encrypts plaintext for a room, creating or rotating
// the outbound group session as needed and sharing its key with the
// given devices first.  SetRoomEncryption must have been called for
// the room.
func (m *Machine) EncryptRoomEvent(roomID string, devices []DeviceIdentity, plaintext []byte) (*wire.EncryptedContent, error) {
	m.Lock()
	enc, ok := m.roomEncryptors[roomID]
	m.Unlock()
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return enc.encrypt(devices, plaintext)
}

// DecryptRoomEvent decrypts a room event through the lazily created
// (room, algorithm) decryptor.
func (m *Machine) DecryptRoomEvent(roomID, senderKey, senderUserID string, content *wire.EncryptedContent, eventID string, timestamp int64) ([]byte, error) {
	d, err := m.decryptorFor(roomID, content.Algorithm)
	if err != nil {
		return nil, err
	}
	return d.decryptEvent(senderKey, senderUserID, content, eventID, timestamp)
}

// DiscardRoomKey forces the next encrypted send in the room onto a new
// outbound group session, e.g. after a membership change.
func (m *Machine) DiscardRoomKey(roomID string) {
	m.Lock()
	enc, ok := m.roomEncryptors[roomID]
	m.Unlock()
	if ok {
		enc.discard()
	}
}

// groupEncryptor owns one room's outbound group session and its
// rotation schedule.
type groupEncryptor struct {
	m      *Machine
	roomID string

	rotationPeriod   time.Duration
	rotationMessages uint32

	mu           sync.Mutex
	sessionID    string
	creationTime time.Time
	sharedWith   map[string]bool // device identity key
}

func newGroupEncryptor(m *Machine, roomID string) *groupEncryptor {
	g := &groupEncryptor{
		m:                m,
		roomID:           roomID,
		rotationPeriod:   m.cfg.RotationPeriod,
		rotationMessages: m.cfg.RotationMessages,
	}
	if g.rotationPeriod == 0 {
		g.rotationPeriod = DefaultRotationPeriod
	}
	if g.rotationMessages == 0 {
		g.rotationMessages = DefaultRotationMessages
	}
	return g
}

func (g *groupEncryptor) encrypt(devices []DeviceIdentity, plaintext []byte) (*wire.EncryptedContent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureSession(); err != nil {
		return nil, err
	}
	if err := g.shareSession(devices); err != nil {
		return nil, err
	}
	body, err := g.m.engine.EncryptGroupMessage(g.sessionID, plaintext)
	if err != nil {
		return nil, err
	}
	_, identityKey := g.m.engine.IdentityKeys()
	return &wire.EncryptedContent{
		Algorithm: wire.AlgorithmGroup,
		SenderKey: identityKey,
		GroupBody: body,
		SessionID: g.sessionID,
		DeviceID:  g.m.cfg.DeviceID,
	}, nil
}

// ensureSession creates a session if there is none, or rotates a
// session past its age or message count bound.
func (g *groupEncryptor) ensureSession() error {
	if g.sessionID != "" {
		index, err := g.m.engine.OutboundGroupMessageIndex(g.sessionID)
		if err != nil {
			return err
		}
		if index < g.rotationMessages && time.Since(g.creationTime) < g.rotationPeriod {
			return nil
		}
		g.m.log.Debugf("Rotating group session for %s (index %d, age %v)", g.roomID, index, time.Since(g.creationTime))
		g.m.engine.DiscardOutboundGroupSession(g.sessionID)
	}
	sessionID, err := g.m.engine.CreateOutboundGroupSession()
	if err != nil {
		return err
	}
	g.sessionID = sessionID
	g.creationTime = time.Now()
	g.sharedWith = make(map[string]bool)

	// The sending device keeps its own copy as an inbound session so
	// its history survives the outbound session's rotation.
	_, key, err := g.m.engine.GetOutboundGroupSessionKey(sessionID)
	if err != nil {
		return err
	}
	signingKey, identityKey := g.m.engine.IdentityKeys()
	return g.m.engine.AddInboundGroupSession(
		g.roomID,
		identityKey,
		nil,
		sessionID,
		key,
		map[string]string{"ed25519": signingKey},
		false,
	)
}

// shareSession sends the session key, pairwise encrypted, to every
// device that does not have it yet, in one batched to-device call.
func (g *groupEncryptor) shareSession(devices []DeviceIdentity) error {
	chainIndex, key, err := g.m.engine.GetOutboundGroupSessionKey(g.sessionID)
	if err != nil {
		return err
	}
	content := &wire.RoomKeyContent{
		RoomID:     g.roomID,
		Algorithm:  wire.AlgorithmGroup,
		SessionID:  g.sessionID,
		SessionKey: key,
		ChainIndex: chainIndex,
	}
	_, ownKey := g.m.engine.IdentityKeys()
	messages := make(wire.ToDeviceMessages)
	for i := range devices {
		device := &devices[i]
		if device.IdentityKey == ownKey || g.sharedWith[device.IdentityKey] {
			continue
		}
		encrypted, err := g.m.encryptForDevice(device, wire.EventRoomKey, content, false)
		if err != nil {
			g.m.log.Warningf("Cannot share room key with %s/%s: %v", device.UserID, device.DeviceID, err)
			continue
		}
		raw, err := json.Marshal(encrypted)
		if err != nil {
			return err
		}
		if messages[device.UserID] == nil {
			messages[device.UserID] = make(map[string]json.RawMessage)
		}
		messages[device.UserID][device.DeviceID] = raw
		g.sharedWith[device.IdentityKey] = true
	}
	if len(messages) == 0 {
		return nil
	}
	txnID, err := g.m.newTxnID()
	if err != nil {
		return err
	}
	return g.m.transport.SendToDevice(wire.EventEncrypted, messages, txnID)
}

func (g *groupEncryptor) discard() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionID != "" {
		g.m.engine.DiscardOutboundGroupSession(g.sessionID)
		g.sessionID = ""
	}
}

// groupDecryptor decrypts one room's group traffic.
type groupDecryptor struct {
	m      *Machine
	roomID string
}

func newGroupDecryptor(m *Machine, roomID string) decryptor {
	return &groupDecryptor{m: m, roomID: roomID}
}

func (d *groupDecryptor) decryptEvent(senderKey, senderUserID string, content *wire.EncryptedContent, eventID string, timestamp int64) ([]byte, error) {
	result, err := d.m.engine.DecryptGroupMessage(d.roomID, senderKey, content.SessionID, content.GroupBody, eventID, timestamp)
	if err != nil {
		groupDecryptionFailures.Inc()
		d.m.eventCh.In() <- &DecryptionFailureEvent{RoomID: d.roomID, SenderKey: senderKey, SessionID: content.SessionID, Err: err}
		return nil, err
	}
	if result == nil {
		groupDecryptionFailures.Inc()
		d.m.onMissingSession(d.roomID, senderKey, senderUserID, content)
		return nil, ErrUnableToDecrypt
	}
	return result.Plaintext, nil
}

// onMissingSession handles a group message whose session we do not
// hold: unless the sender told us the key was withheld on purpose, a
// key request goes out.
func (m *Machine) onMissingSession(roomID, senderKey, senderUserID string, content *wire.EncryptedContent) {
	var withheld *store.WithheldInfo
	err := m.st.View(func(txn store.Transaction) error {
		var err error
		withheld, err = txn.GetWithheldSession(senderKey, content.SessionID)
		return err
	})
	if err != nil {
		m.log.Warningf("Withheld lookup for %s/%s failed: %v", senderKey, content.SessionID, err)
	}
	if withheld != nil {
		m.log.Infof("Not requesting keys for %s/%s: withheld (%s)", senderKey, content.SessionID, withheld.Code)
	} else if err = m.RequestRoomKey(roomID, content.Algorithm, senderKey, content.SessionID, senderUserID, content.DeviceID); err != nil {
		m.log.Warningf("Failed to request keys for %s/%s: %v", senderKey, content.SessionID, err)
	}
	m.eventCh.In() <- &DecryptionFailureEvent{RoomID: roomID, SenderKey: senderKey, SessionID: content.SessionID, Err: ErrUnableToDecrypt}
}

// pairwiseDecryptor handles direct device-to-device traffic.  Room
// events never use it, but the registry keeps the set closed in one
// place.
type pairwiseDecryptor struct {
	m *Machine
}

func newPairwiseDecryptor(m *Machine, roomID string) decryptor {
	return &pairwiseDecryptor{m: m}
}

func (d *pairwiseDecryptor) decryptEvent(senderKey, senderUserID string, content *wire.EncryptedContent, eventID string, timestamp int64) ([]byte, error) {
	_, identityKey := d.m.engine.IdentityKeys()
	ct, ok := content.Ciphertext[identityKey]
	if !ok {
		return nil, ErrNotEncryptedForDevice
	}
	return d.m.decryptPairwiseCiphertext(senderKey, &ct)
}
