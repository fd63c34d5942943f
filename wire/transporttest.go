// transporttest.go - In-memory Transport for tests.
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

package wire

import (
	"encoding/json"
	"sync"
)

// SentToDevice records one SendToDevice call made against FakeTransport.
type SentToDevice struct {
	EventType string
	Messages  ToDeviceMessages
	TxnID     string
}

// FakeTransport is an in-memory Transport used by the package tests.
// Error injection hooks may be set before use; nil hooks succeed.
type FakeTransport struct {
	sync.Mutex

	Sent            []SentToDevice
	UploadedKeys    []map[string]SignedOneTimeKey
	BackupUploads   []map[string]RoomKeyBackup
	OneTimeKeyCount map[string]int
	BackupVersion   *KeyBackupVersion

	SendToDeviceErr  func(eventType, txnID string) error
	UploadKeysErr    func() error
	SendKeyBackupErr func(version string) error
	ClaimKeysFn      func(devices map[string][]string) (map[string]map[string]map[string]SignedOneTimeKey, error)
}

// NewFakeTransport returns an empty FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		OneTimeKeyCount: make(map[string]int),
	}
}

func (f *FakeTransport) UploadKeys(deviceKeys *DeviceKeys, oneTimeKeys map[string]SignedOneTimeKey) (map[string]int, error) {
	f.Lock()
	defer f.Unlock()
	if f.UploadKeysErr != nil {
		if err := f.UploadKeysErr(); err != nil {
			return nil, err
		}
	}
	if len(oneTimeKeys) > 0 {
		f.UploadedKeys = append(f.UploadedKeys, oneTimeKeys)
		f.OneTimeKeyCount["signed_curve25519"] += len(oneTimeKeys)
	}
	counts := make(map[string]int)
	for alg, n := range f.OneTimeKeyCount {
		counts[alg] = n
	}
	return counts, nil
}

func (f *FakeTransport) ClaimKeys(devices map[string][]string) (map[string]map[string]map[string]SignedOneTimeKey, error) {
	if f.ClaimKeysFn != nil {
		return f.ClaimKeysFn(devices)
	}
	return make(map[string]map[string]map[string]SignedOneTimeKey), nil
}

func (f *FakeTransport) SendToDevice(eventType string, messages ToDeviceMessages, txnID string) error {
	f.Lock()
	defer f.Unlock()
	if f.SendToDeviceErr != nil {
		if err := f.SendToDeviceErr(eventType, txnID); err != nil {
			return err
		}
	}
	f.Sent = append(f.Sent, SentToDevice{EventType: eventType, Messages: messages, TxnID: txnID})
	return nil
}

func (f *FakeTransport) GetKeyBackupVersion() (*KeyBackupVersion, error) {
	f.Lock()
	defer f.Unlock()
	if f.BackupVersion == nil {
		return nil, ErrBackupNotFound
	}
	return f.BackupVersion, nil
}

func (f *FakeTransport) SendKeyBackup(version string, rooms map[string]RoomKeyBackup) error {
	f.Lock()
	defer f.Unlock()
	if f.SendKeyBackupErr != nil {
		if err := f.SendKeyBackupErr(version); err != nil {
			return err
		}
	}
	if f.BackupVersion == nil || f.BackupVersion.Version != version {
		return ErrWrongBackupVersion
	}
	f.BackupUploads = append(f.BackupUploads, rooms)
	for _, room := range rooms {
		f.BackupVersion.Count += len(room.Sessions)
	}
	return nil
}

func (f *FakeTransport) UploadKeySignatures(signatures map[string]map[string]json.RawMessage) error {
	return nil
}

// SentOfType returns the recorded sends of one event type.
func (f *FakeTransport) SentOfType(eventType string) []SentToDevice {
	f.Lock()
	defer f.Unlock()
	var out []SentToDevice
	for _, s := range f.Sent {
		if s.EventType == eventType {
			out = append(out, s)
		}
	}
	return out
}
