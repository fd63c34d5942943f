// events.go - Events surfaced to the application.
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

import "fmt"

// RoomKeyReceivedEvent is emitted when a new inbound group session
// becomes available, at which point earlier undecryptable events may
// be worth retrying.
type RoomKeyReceivedEvent struct {
	RoomID    string
	SenderKey string
	SessionID string
}

// String returns a string representation of the RoomKeyReceivedEvent.
func (e *RoomKeyReceivedEvent) String() string {
	return fmt.Sprintf("RoomKeyReceived: %s %s", e.RoomID, e.SessionID)
}

// KeyBackupFailureEvent is emitted when the server-side key backup was
// invalidated and uploads have hard-stopped.  User action is required.
type KeyBackupFailureEvent struct {
	Err error
}

// String returns a string representation of the KeyBackupFailureEvent.
func (e *KeyBackupFailureEvent) String() string {
	return fmt.Sprintf("KeyBackupFailure: %v", e.Err)
}

// DecryptionFailureEvent is emitted when an event could not be
// decrypted.  The UI shows a placeholder; recovery runs in the
// background (key request or unwedge).
type DecryptionFailureEvent struct {
	RoomID    string
	SenderKey string
	SessionID string
	Err       error
}

// String returns a string representation of the DecryptionFailureEvent.
func (e *DecryptionFailureEvent) String() string {
	return fmt.Sprintf("DecryptionFailure: %s %s: %v", e.RoomID, e.SessionID, e.Err)
}
