// transport.go - Network interface consumed by the crypto core.
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
	"errors"
)

var (
	// ErrWrongBackupVersion is surfaced when the server rejects a backup
	// upload because the version has been superseded.  The whole backup
	// is invalid; retrying is pointless.
	ErrWrongBackupVersion = errors.New("wire: wrong room keys backup version")

	// ErrBackupNotFound is surfaced when no backup version exists.
	ErrBackupNotFound = errors.New("wire: no key backup version")
)

// ToDeviceMessages addresses payloads per (user, device).  The device
// key "*" addresses all of a user's devices.
type ToDeviceMessages map[string]map[string]json.RawMessage

// Transport is the network surface the crypto core calls.  All calls
// are synchronous; idempotency of SendToDevice is by the caller-supplied
// transaction ID, not server side dedup.
type Transport interface {
	// UploadKeys publishes device keys and/or one-time keys, returning
	// the server's per-algorithm count of published one-time keys.
	UploadKeys(deviceKeys *DeviceKeys, oneTimeKeys map[string]SignedOneTimeKey) (map[string]int, error)

	// ClaimKeys claims one one-time key per requested (user, device),
	// returning user -> device -> keyID -> key.
	ClaimKeys(devices map[string][]string) (map[string]map[string]map[string]SignedOneTimeKey, error)

	// SendToDevice delivers an event to a set of devices under one
	// transaction ID.
	SendToDevice(eventType string, messages ToDeviceMessages, txnID string) error

	// GetKeyBackupVersion fetches the current backup version, or
	// ErrBackupNotFound.
	GetKeyBackupVersion() (*KeyBackupVersion, error)

	// SendKeyBackup uploads a batch of backed up sessions, or
	// ErrWrongBackupVersion if version is no longer current.
	SendKeyBackup(version string, rooms map[string]RoomKeyBackup) error

	// UploadKeySignatures publishes cross-signing signatures over
	// device key documents, keyed user -> device.
	UploadKeySignatures(signatures map[string]map[string]json.RawMessage) error
}
