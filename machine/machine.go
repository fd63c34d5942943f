// machine.go - Crypto orchestrator.
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

// Package machine is the crypto orchestrator: it wires the device
// crypto engine and the outgoing key request manager to the transport
// and the sync pipeline, runs the one-time key and key backup loops,
// and owns the per-room encryption algorithm instances.
package machine

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/nightjar-im/nightjar/core/log"
	"github.com/nightjar-im/nightjar/core/worker"
	"github.com/nightjar-im/nightjar/engine"
	"github.com/nightjar-im/nightjar/keyrequest"
	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

// UnwedgeInterval is the minimum time between forced session resets
// towards the same device.
const UnwedgeInterval = time.Hour

var (
	// ErrUnknownAlgorithm means the event named an algorithm outside the
	// supported set.
	ErrUnknownAlgorithm = errors.New("machine: unknown encryption algorithm")

	// ErrNotEncryptedForDevice means a pairwise envelope carried no
	// ciphertext addressed to this device.
	ErrNotEncryptedForDevice = errors.New("machine: message not encrypted for this device")

	// ErrUnableToDecrypt means every candidate session failed.  The
	// caller shows a placeholder; unwedging runs in the background.
	ErrUnableToDecrypt = errors.New("machine: unable to decrypt")

	// ErrPayloadMismatch means the decrypted payload's recipient binding
	// does not match this device.
	ErrPayloadMismatch = errors.New("machine: payload sender/recipient mismatch")
)

// DeviceIdentity describes one remote device, as learned from the
// device directory.
type DeviceIdentity struct {
	UserID      string
	DeviceID    string
	IdentityKey string // curve25519
	SigningKey  string // ed25519
}

// Config is the orchestrator configuration.
type Config struct {
	UserID   string
	DeviceID string

	Store      store.Store
	Transport  wire.Transport
	LogBackend *log.Backend

	// PickleKey encrypts every persisted cryptographic object.
	PickleKey []byte

	// BackupKey, when set, enables the key backup upload worker.  It is
	// the raw key a recovery key decodes to.
	BackupKey []byte

	// RotationPeriod and RotationMessages bound the lifetime of an
	// outbound group session.  Zero values select the defaults.
	RotationPeriod   time.Duration
	RotationMessages uint32

	// ResolveDevice maps a user ID plus a device selector (a device ID
	// or a curve25519 identity key) to the device directory entry.
	// Unwedging and key request answering are disabled when nil.
	ResolveDevice func(userID, deviceSelector string) (*DeviceIdentity, error)
}

func (cfg *Config) validate() error {
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return errors.New("machine: config: missing user or device id")
	}
	if cfg.Store == nil || cfg.Transport == nil || cfg.LogBackend == nil {
		return errors.New("machine: config: missing store, transport or log backend")
	}
	if len(cfg.PickleKey) == 0 {
		return errors.New("machine: config: missing pickle key")
	}
	return nil
}

// Machine is the crypto orchestrator.
type Machine struct {
	worker.Worker

	cfg       *Config
	st        store.Store
	transport wire.Transport
	engine    *engine.Engine
	requests  *keyrequest.Manager
	log       *logging.Logger
	rand      io.Reader

	eventCh   channels.Channel
	EventSink chan interface{}

	sync.Mutex
	roomEncryptors map[string]*groupEncryptor
	decryptors     map[string]decryptor
	lastUnwedge    map[string]time.Time

	recvKeyRequests   []*incomingKeyRequest
	recvCancellations []*incomingCancellation
	pendingShares     map[string]*incomingKeyRequest

	backup *backupManager

	otkKickCh   chan struct{}
	otkBusyCh   chan struct{}
	otkCount    int
	otkHasCount bool
}

// New constructs the orchestrator and its engine.  Start must be
// called before background work begins.
func New(cfg *Config) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e, err := engine.New(cfg.Store, cfg.LogBackend, cfg.PickleKey)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:            cfg,
		st:             cfg.Store,
		transport:      cfg.Transport,
		engine:         e,
		requests:       keyrequest.New(cfg.Store, cfg.Transport, cfg.LogBackend, cfg.DeviceID),
		log:            cfg.LogBackend.GetLogger("machine"),
		rand:           rand.Reader,
		eventCh:        channels.NewInfiniteChannel(),
		EventSink:      make(chan interface{}),
		roomEncryptors: make(map[string]*groupEncryptor),
		decryptors:     make(map[string]decryptor),
		lastUnwedge:    make(map[string]time.Time),
		pendingShares:  make(map[string]*incomingKeyRequest),
		otkKickCh:      make(chan struct{}, 1),
		otkBusyCh:      make(chan struct{}, 1),
	}
	m.otkBusyCh <- struct{}{}
	m.backup = newBackupManager(m, cfg.BackupKey)
	return m, nil
}

// Engine exposes the device crypto engine for key import/export
// tooling.
func (m *Machine) Engine() *engine.Engine {
	return m.engine
}

// Start publishes the device keys and launches the background workers.
func (m *Machine) Start() error {
	if err := m.publishDeviceKeys(); err != nil {
		return err
	}
	m.Go(m.eventSinkWorker)
	m.Go(m.otkWorker)
	m.requests.Start()
	m.backup.Start()
	m.kickOneTimeKeys()
	return nil
}

// Shutdown halts the orchestrator and every worker it owns.
func (m *Machine) Shutdown() {
	m.requests.Halt()
	m.backup.Halt()
	m.Halt()
}

func (m *Machine) eventSinkWorker() {
	defer func() {
		m.log.Debug("Event sink worker terminating gracefully.")
		close(m.EventSink)
	}()
	for {
		var event interface{}
		select {
		case <-m.HaltCh():
			return
		case event = <-m.eventCh.Out():
		}
		select {
		case m.EventSink <- event:
		case <-m.HaltCh():
			return
		}
	}
}

// publishDeviceKeys uploads the signed device key document.  Harmless
// to repeat; the server treats it as an upsert.
func (m *Machine) publishDeviceKeys() error {
	signingKey, identityKey := m.engine.IdentityKeys()
	keys := &wire.DeviceKeys{
		UserID:   m.cfg.UserID,
		DeviceID: m.cfg.DeviceID,
		Algorithms: []string{
			wire.AlgorithmPairwise,
			wire.AlgorithmGroup,
		},
		Keys: map[string]string{
			"curve25519:" + m.cfg.DeviceID: identityKey,
			"ed25519:" + m.cfg.DeviceID:    signingKey,
		},
	}
	sig, err := m.signJSON(keys)
	if err != nil {
		return err
	}
	keys.Signatures = map[string]map[string]string{
		m.cfg.UserID: {"ed25519:" + m.cfg.DeviceID: sig},
	}
	_, err = m.transport.UploadKeys(keys, nil)
	return err
}

// signJSON signs the canonical JSON form of v, which must not yet
// carry a signatures field.
func (m *Machine) signJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return m.engine.Sign(raw)
}

// HandleToDeviceEvent dispatches one incoming to-device event.  Key
// requests are buffered until ProcessSyncCompleted; everything else is
// handled inline.
func (m *Machine) HandleToDeviceEvent(ev *wire.ToDeviceEvent) error {
	switch ev.Type {
	case wire.EventEncrypted:
		return m.onEncryptedToDevice(ev)
	case wire.EventRoomKeyRequest:
		return m.onRoomKeyRequest(ev)
	case wire.EventRoomKeyWithheld:
		return m.onRoomKeyWithheld(ev)
	default:
		m.log.Debugf("Ignoring to-device event of type %s", ev.Type)
		return nil
	}
}

// ProcessSyncCompleted runs the per-sync-batch work: flushing buffered
// key requests and waking the one-time key loop.
func (m *Machine) ProcessSyncCompleted() {
	m.processReceivedKeyRequests()
	m.answerPendingKeyRequests()
	m.kickOneTimeKeys()
}

// SetOneTimeKeyCount records the server-reported published one-time
// key count from the latest sync.
func (m *Machine) SetOneTimeKeyCount(n int) {
	m.Lock()
	m.otkCount = n
	m.otkHasCount = true
	m.Unlock()
}

// onEncryptedToDevice decrypts a pairwise envelope and dispatches the
// inner event.
func (m *Machine) onEncryptedToDevice(ev *wire.ToDeviceEvent) error {
	var content wire.EncryptedContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return err
	}
	if content.Algorithm != wire.AlgorithmPairwise {
		return ErrUnknownAlgorithm
	}
	payload, err := m.decryptPairwise(&content)
	if err != nil {
		m.log.Warningf("Undecryptable to-device message from %s: %v", content.SenderKey, err)
		m.eventCh.In() <- &DecryptionFailureEvent{SenderKey: content.SenderKey, Err: err}
		if uwErr := m.unwedgeDevice(ev.Sender, content.SenderKey); uwErr != nil {
			m.log.Warningf("Unwedge of %s/%s failed: %v", ev.Sender, content.SenderKey, uwErr)
		}
		return ErrUnableToDecrypt
	}
	if payload.Recipient != m.cfg.UserID {
		return ErrPayloadMismatch
	}
	signingKey, _ := m.engine.IdentityKeys()
	if payload.RecipientKeys["ed25519"] != signingKey {
		return ErrPayloadMismatch
	}
	return m.dispatchDecrypted(content.SenderKey, payload)
}

func (m *Machine) decryptPairwise(content *wire.EncryptedContent) (*wire.PairwisePayload, error) {
	d, err := m.decryptorFor("", wire.AlgorithmPairwise)
	if err != nil {
		return nil, err
	}
	plaintext, err := d.decryptEvent(content.SenderKey, "", content, "", 0)
	if err != nil {
		return nil, err
	}
	payload := new(wire.PairwisePayload)
	if err = json.Unmarshal(plaintext, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// decryptPairwiseCiphertext tries every existing session with the
// sender, then falls back to creating a fresh inbound session for a
// prekey message.
func (m *Machine) decryptPairwiseCiphertext(senderKey string, ct *wire.PairwiseCiphertext) ([]byte, error) {
	var sessionIDs []string
	err := m.st.View(func(txn store.Transaction) error {
		sessions, err := txn.GetSessions(senderKey)
		if err != nil {
			return err
		}
		for id := range sessions {
			sessionIDs = append(sessionIDs, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range sessionIDs {
		plaintext, err := m.engine.DecryptMessage(senderKey, id, ct.Type, ct.Body)
		if err == nil {
			return plaintext, nil
		}
		m.log.Debugf("Session %s did not decrypt message from %s: %v", id, senderKey, err)
	}
	if ct.Type != 0 {
		return nil, ErrUnableToDecrypt
	}
	plaintext, sessionID, err := m.engine.CreateInboundSession(senderKey, ct.Type, ct.Body)
	if err != nil {
		return nil, err
	}
	m.log.Debugf("Created inbound session %s with %s", sessionID, senderKey)
	return plaintext, nil
}

func (m *Machine) dispatchDecrypted(senderKey string, payload *wire.PairwisePayload) error {
	switch payload.Type {
	case wire.EventRoomKey:
		return m.onRoomKey(senderKey, payload.Keys["ed25519"], payload.Content)
	case wire.EventForwardedRoomKey:
		return m.onForwardedRoomKey(senderKey, payload.Content)
	case wire.EventDummy:
		m.log.Debugf("Session ping from %s", senderKey)
		return nil
	default:
		m.log.Debugf("Ignoring decrypted event of type %s", payload.Type)
		return nil
	}
}

// onRoomKey stores a room key received directly from its creator and
// retires any outstanding request for it.
func (m *Machine) onRoomKey(senderKey, senderSigningKey string, raw json.RawMessage) error {
	var content wire.RoomKeyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	if content.Algorithm != wire.AlgorithmGroup {
		return ErrUnknownAlgorithm
	}
	err := m.engine.AddInboundGroupSession(
		content.RoomID,
		senderKey,
		nil,
		content.SessionID,
		content.SessionKey,
		map[string]string{"ed25519": senderSigningKey},
		false,
	)
	if err != nil {
		return err
	}
	m.roomKeyArrived(content.RoomID, senderKey, content.SessionID, content.Algorithm)
	return nil
}

// onForwardedRoomKey stores a room key relayed by another device.  The
// relaying device's identity key is appended to the forwarding chain.
func (m *Machine) onForwardedRoomKey(relayingKey string, raw json.RawMessage) error {
	var content wire.ForwardedRoomKeyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	if content.Algorithm != wire.AlgorithmGroup {
		return ErrUnknownAlgorithm
	}
	chain := append(append([]string(nil), content.ForwardingCurve25519...), relayingKey)
	err := m.engine.AddInboundGroupSession(
		content.RoomID,
		content.SenderKey,
		chain,
		content.SessionID,
		content.SessionKey,
		map[string]string{"ed25519": content.SenderClaimedEd25519},
		true,
	)
	if err != nil {
		return err
	}
	m.roomKeyArrived(content.RoomID, content.SenderKey, content.SessionID, content.Algorithm)
	return nil
}

func (m *Machine) roomKeyArrived(roomID, senderKey, sessionID, algorithm string) {
	roomKeysReceived.Inc()
	err := m.requests.CancelRoomKeyRequest(&store.KeyRequestBody{
		Algorithm: algorithm,
		RoomID:    roomID,
		SenderKey: senderKey,
		SessionID: sessionID,
	}, false)
	if err != nil {
		m.log.Warningf("Failed to cancel key request for %s/%s: %v", senderKey, sessionID, err)
	}
	m.backup.kick()
	m.eventCh.In() <- &RoomKeyReceivedEvent{RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}
}

func (m *Machine) onRoomKeyWithheld(ev *wire.ToDeviceEvent) error {
	var content wire.RoomKeyWithheldContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return err
	}
	m.log.Infof("Session %s/%s withheld: %s", content.SenderKey, content.SessionID, content.Code)
	return m.st.Update(func(txn store.Transaction) error {
		return txn.PutWithheldSession(&store.WithheldInfo{
			RoomID:    content.RoomID,
			SenderKey: content.SenderKey,
			SessionID: content.SessionID,
			Algorithm: content.Algorithm,
			Code:      content.Code,
			Reason:    content.Reason,
		})
	})
}

// RequestRoomKey queues an outgoing key request for a session this
// device could not decrypt, addressed to our other devices and the
// sending device.
func (m *Machine) RequestRoomKey(roomID, algorithm, senderKey, sessionID, senderUserID, senderDeviceID string) error {
	recipients := []store.Recipient{
		{UserID: m.cfg.UserID, DeviceID: "*"},
	}
	if senderUserID != "" && senderDeviceID != "" {
		recipients = append(recipients, store.Recipient{UserID: senderUserID, DeviceID: senderDeviceID})
	}
	return m.requests.SendRoomKeyRequest(&store.KeyRequestBody{
		Algorithm: algorithm,
		RoomID:    roomID,
		SenderKey: senderKey,
		SessionID: sessionID,
	}, recipients)
}

// unwedgeDevice forces a fresh pairwise session with a device whose
// messages stopped decrypting, pings it, and queues a resend of any
// key requests it may have missed.  Rate limited per device.
func (m *Machine) unwedgeDevice(userID, senderKey string) error {
	m.Lock()
	last, ok := m.lastUnwedge[userID+"|"+senderKey]
	if ok && time.Since(last) < UnwedgeInterval {
		m.Unlock()
		m.log.Debugf("Not unwedging %s/%s, last attempt was %v ago", userID, senderKey, time.Since(last))
		return nil
	}
	m.lastUnwedge[userID+"|"+senderKey] = time.Now()
	m.Unlock()

	if m.cfg.ResolveDevice == nil {
		m.log.Warningf("No device resolver configured, cannot unwedge %s/%s", userID, senderKey)
		return nil
	}
	m.log.Noticef("Unwedging device %s/%s with a fresh session", userID, senderKey)
	device, err := m.cfg.ResolveDevice(userID, senderKey)
	if err != nil {
		return err
	}
	if err = m.sendEncryptedToDevice(device, wire.EventDummy, struct{}{}, true); err != nil {
		return err
	}
	return m.requests.CancelAndResendRequestsToDevice(device.UserID, device.DeviceID)
}

// ensureSessionWith returns a usable session ID for the device,
// claiming a one-time key and creating a session when none exists.  A
// forced call always creates a fresh session.
func (m *Machine) ensureSessionWith(device *DeviceIdentity, forceNew bool) (string, error) {
	if !forceNew {
		sessionID, err := m.engine.GetSessionIDForDevice(device.IdentityKey)
		if err != nil {
			return "", err
		}
		if sessionID != "" {
			return sessionID, nil
		}
	}
	claimed, err := m.transport.ClaimKeys(map[string][]string{device.UserID: {device.DeviceID}})
	if err != nil {
		return "", err
	}
	for keyID, key := range claimed[device.UserID][device.DeviceID] {
		if device.SigningKey != "" && !m.claimedKeyValid(device.UserID, device.DeviceID, device.SigningKey, &key) {
			m.log.Warningf("Claimed key %s for %s/%s has a bad signature", keyID, device.UserID, device.DeviceID)
			continue
		}
		return m.engine.CreateOutboundSession(device.IdentityKey, key.Key)
	}
	return "", fmt.Errorf("machine: no one-time key claimable for %s/%s", device.UserID, device.DeviceID)
}

// sendEncryptedToDevice wraps content in a pairwise envelope for one
// device and sends it.
func (m *Machine) sendEncryptedToDevice(device *DeviceIdentity, eventType string, content interface{}, forceNewSession bool) error {
	encrypted, err := m.encryptForDevice(device, eventType, content, forceNewSession)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(encrypted)
	if err != nil {
		return err
	}
	txnID, err := m.newTxnID()
	if err != nil {
		return err
	}
	messages := wire.ToDeviceMessages{
		device.UserID: {device.DeviceID: raw},
	}
	return m.transport.SendToDevice(wire.EventEncrypted, messages, txnID)
}

// encryptForDevice produces the pairwise encrypted content for one
// device.
func (m *Machine) encryptForDevice(device *DeviceIdentity, eventType string, content interface{}, forceNewSession bool) (*wire.EncryptedContent, error) {
	sessionID, err := m.ensureSessionWith(device, forceNewSession)
	if err != nil {
		return nil, err
	}
	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	signingKey, identityKey := m.engine.IdentityKeys()
	payload := &wire.PairwisePayload{
		Type:          eventType,
		Content:       rawContent,
		Sender:        m.cfg.UserID,
		SenderDevice:  m.cfg.DeviceID,
		Keys:          map[string]string{"ed25519": signingKey},
		Recipient:     device.UserID,
		RecipientKeys: map[string]string{"ed25519": device.SigningKey},
	}
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ct, err := m.engine.EncryptMessage(device.IdentityKey, sessionID, rawPayload)
	if err != nil {
		return nil, err
	}
	return &wire.EncryptedContent{
		Algorithm:  wire.AlgorithmPairwise,
		SenderKey:  identityKey,
		Ciphertext: map[string]wire.PairwiseCiphertext{device.IdentityKey: *ct},
	}, nil
}

// CheckKeyBackup re-evaluates key backup trust, e.g. after a device
// trust change.
func (m *Machine) CheckKeyBackup() error {
	return m.backup.CheckKeyBackup()
}

// ImportBackupSession decrypts one key backup record and stores the
// session it holds.
func (m *Machine) ImportBackupSession(data string) error {
	exported, err := m.backup.DecryptSessionData(data)
	if err != nil {
		return err
	}
	return m.engine.ImportInboundGroupSession(exported)
}

func (m *Machine) newTxnID() (string, error) {
	var b [8]byte
	if _, err := io.ReadFull(m.rand, b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
