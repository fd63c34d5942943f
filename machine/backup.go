// backup.go - Key backup upload worker.
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
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/nightjar-im/nightjar/boxkit"
	"github.com/nightjar-im/nightjar/core/worker"
	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

const (
	// backupBatchSize bounds the sessions per upload request.
	backupBatchSize = 200

	backupBackoffBase = 5 * time.Second
	backupBackoffCap  = 15 * time.Minute

	backupKeyInfo = "nightjar-backup-v1"
)

// backupManager uploads sessions from the needs-backup worklist to the
// server-side key backup, when a trusted backup version exists.
type backupManager struct {
	worker.Worker

	m         *Machine
	backupKey []byte

	kickCh chan struct{}

	mu      sync.Mutex
	enabled bool
	version string
}

func newBackupManager(m *Machine, backupKey []byte) *backupManager {
	return &backupManager{
		m:         m,
		backupKey: backupKey,
		kickCh:    make(chan struct{}, 1),
	}
}

// Start checks the server-side backup and launches the upload worker.
func (b *backupManager) Start() {
	if len(b.backupKey) == 0 {
		b.m.log.Debug("No backup key configured, key backup disabled")
		return
	}
	if err := b.CheckKeyBackup(); err != nil {
		b.m.log.Warningf("Key backup check failed: %v", err)
	}
	b.Go(b.uploadWorker)
	b.kick()
}

func (b *backupManager) kick() {
	select {
	case b.kickCh <- struct{}{}:
	default:
	}
}

// CheckKeyBackup fetches the server-advertised backup version and
// enables uploads iff its auth data carries a valid signature from
// this device.  Called at startup and again whenever device trust
// changes.
func (b *backupManager) CheckKeyBackup() error {
	version, err := b.m.transport.GetKeyBackupVersion()
	if errors.Is(err, wire.ErrBackupNotFound) {
		b.disable()
		b.m.log.Notice("No server-side key backup exists")
		return nil
	}
	if err != nil {
		return err
	}
	if !b.versionTrusted(version) {
		b.disable()
		b.m.log.Warningf("Key backup version %s is not signed by a trusted device, uploads disabled", version.Version)
		return nil
	}
	b.mu.Lock()
	b.enabled = true
	b.version = version.Version
	b.mu.Unlock()
	b.m.log.Noticef("Key backup version %s trusted, uploads enabled", version.Version)
	b.kick()
	return nil
}

func (b *backupManager) disable() {
	b.mu.Lock()
	b.enabled = false
	b.version = ""
	b.mu.Unlock()
}

func (b *backupManager) state() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled, b.version
}

// versionTrusted checks the auth data signature against this device's
// signing key.
func (b *backupManager) versionTrusted(version *wire.KeyBackupVersion) bool {
	var authData wire.KeyBackupAuthData
	if err := json.Unmarshal(version.AuthData, &authData); err != nil {
		return false
	}
	sig := authData.Signatures[b.m.cfg.UserID]["ed25519:"+b.m.cfg.DeviceID]
	if sig == "" {
		return false
	}
	unsigned := authData
	unsigned.Signatures = nil
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return false
	}
	signingKey, _ := b.m.engine.IdentityKeys()
	return b.m.engine.VerifySignature(signingKey, raw, sig) == nil
}

func (b *backupManager) uploadWorker() {
	backoff := backupBackoffBase
	for {
		select {
		case <-b.HaltCh():
			return
		case <-b.kickCh:
		}
		for {
			err := b.uploadBatch()
			if err == nil {
				backoff = backupBackoffBase
				break
			}
			if errors.Is(err, wire.ErrWrongBackupVersion) || errors.Is(err, wire.ErrBackupNotFound) {
				// The whole backup was invalidated server side.  Hard
				// stop until CheckKeyBackup re-enables us.
				b.disable()
				b.m.log.Errorf("Key backup invalidated: %v", err)
				b.m.eventCh.In() <- &KeyBackupFailureEvent{Err: err}
				break
			}
			b.m.log.Warningf("Key backup upload failed: %v, retrying in %v", err, backoff)
			select {
			case <-b.HaltCh():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backupBackoffCap {
				backoff = backupBackoffCap
			}
		}
	}
}

// uploadBatch sends up to backupBatchSize sessions from the worklist
// and unmarks them on success.  Returns nil once the worklist is
// drained.
func (b *backupManager) uploadBatch() error {
	enabled, version := b.state()
	if !enabled {
		return nil
	}
	for {
		var refs []store.SessionRef
		err := b.m.st.View(func(txn store.Transaction) error {
			var err error
			refs, err = txn.SessionsNeedingBackup(backupBatchSize)
			return err
		})
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}

		rooms := make(map[string]wire.RoomKeyBackup)
		for _, ref := range refs {
			exported, err := b.m.engine.ExportInboundGroupSession(ref.SenderKey, ref.SessionID)
			if err != nil {
				return err
			}
			if exported == nil {
				continue
			}
			record, err := b.encryptSessionData(exported)
			if err != nil {
				return err
			}
			room, ok := rooms[exported.RoomID]
			if !ok {
				room = wire.RoomKeyBackup{Sessions: make(map[string]wire.KeyBackupSessionData)}
				rooms[exported.RoomID] = room
			}
			room.Sessions[ref.SessionID] = *record
		}
		if len(rooms) > 0 {
			if err = b.m.transport.SendKeyBackup(version, rooms); err != nil {
				return err
			}
		}
		if err = b.m.st.Update(func(txn store.Transaction) error {
			return txn.UnmarkSessionsNeedingBackup(refs)
		}); err != nil {
			return err
		}
		sessionsBackedUp.Add(float64(len(refs)))
		b.m.log.Debugf("Backed up %d sessions", len(refs))
	}
}

// encryptSessionData seals one exported session into the backup record
// format.  Only the backup key holder can open the blob.
func (b *backupManager) encryptSessionData(exported *wire.ExportedSession) (*wire.KeyBackupSessionData, error) {
	plaintext, err := json.Marshal(exported)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	h := hkdf.New(sha256.New, b.backupKey, nil, []byte(backupKeyInfo))
	if _, err = io.ReadFull(h, key[:]); err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err = io.ReadFull(b.m.rand, nonce[:]); err != nil {
		return nil, err
	}
	blob := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	return &wire.KeyBackupSessionData{
		FirstMessageIndex: exported.FirstKnownIndex,
		ForwardedCount:    len(exported.ForwardingCurve25519),
		IsVerified:        false,
		SessionData:       boxkit.B64.EncodeToString(blob),
	}, nil
}

// DecryptSessionData opens a backup blob produced by
// encryptSessionData, for restore tooling.
func (b *backupManager) DecryptSessionData(data string) (*wire.ExportedSession, error) {
	if len(b.backupKey) == 0 {
		return nil, errors.New("machine: no backup key configured")
	}
	blob, err := boxkit.B64.DecodeString(data)
	if err != nil {
		return nil, boxkit.ErrBadBase64
	}
	if len(blob) < 24 {
		return nil, boxkit.ErrBadMessageFormat
	}
	var key [32]byte
	h := hkdf.New(sha256.New, b.backupKey, nil, []byte(backupKeyInfo))
	if _, err = io.ReadFull(h, key[:]); err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	plaintext, ok := secretbox.Open(nil, blob[24:], &nonce, &key)
	if !ok {
		return nil, boxkit.ErrBadMessageMAC
	}
	exported := new(wire.ExportedSession)
	if err = json.Unmarshal(plaintext, exported); err != nil {
		return nil, err
	}
	return exported, nil
}
