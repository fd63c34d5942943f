// events.go - To-device event shapes.
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

// Package wire defines the JSON shapes that cross the federation
// boundary, and the transport interface the crypto core calls.  Field
// names here are part of the protocol and must not change.
package wire

import "encoding/json"

// Room encryption algorithms.  The set is closed; the orchestrator
// refuses anything else.
const (
	AlgorithmPairwise = "nightjar.pairwise.v1"
	AlgorithmGroup    = "nightjar.group.v1"
)

// To-device event types.
const (
	EventRoomKey          = "m.room_key"
	EventForwardedRoomKey = "m.forwarded_room_key"
	EventRoomKeyRequest   = "m.room_key_request"
	EventRoomKeyWithheld  = "m.room_key.withheld"
	EventEncrypted        = "m.room.encrypted"
	EventDummy            = "m.dummy"
)

// Key request actions.
const (
	ActionRequest             = "request"
	ActionRequestCancellation = "request_cancellation"
)

// ToDeviceEvent is one decrypted (or plaintext) to-device event as
// handed to the orchestrator by the sync pipeline.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// RoomKeyContent is the content of an m.room_key event.
type RoomKeyContent struct {
	RoomID     string `json:"room_id"`
	Algorithm  string `json:"algorithm"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	ChainIndex uint32 `json:"chain_index"`
}

// ForwardedRoomKeyContent is the content of an m.forwarded_room_key
// event: a room key relayed by a device other than the original sender.
type ForwardedRoomKeyContent struct {
	RoomID                string   `json:"room_id"`
	Algorithm             string   `json:"algorithm"`
	SessionID             string   `json:"session_id"`
	SessionKey            string   `json:"session_key"`
	SenderKey             string   `json:"sender_key"`
	SenderClaimedEd25519  string   `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519  []string `json:"forwarding_curve25519_key_chain"`
}

// RoomKeyRequestBody identifies the session a key request asks for.
type RoomKeyRequestBody struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// RoomKeyRequestContent is the content of an m.room_key_request event.
// Body is absent for cancellations.
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	RequestingDeviceID string              `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
}

// RoomKeyWithheldContent is the content of an m.room_key.withheld event.
type RoomKeyWithheldContent struct {
	RoomID    string `json:"room_id"`
	Algorithm string `json:"algorithm"`
	SessionID string `json:"session_id"`
	SenderKey string `json:"sender_key"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
}

// PairwiseCiphertext is one per-device ciphertext inside a pairwise
// encrypted envelope.
type PairwiseCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// EncryptedContent is the content of an m.room.encrypted event, either
// the pairwise form (Ciphertext keyed by recipient identity key) or the
// group form (SessionID and DeviceID set).
type EncryptedContent struct {
	Algorithm  string                        `json:"algorithm"`
	SenderKey  string                        `json:"sender_key"`
	Ciphertext map[string]PairwiseCiphertext `json:"ciphertext,omitempty"`
	GroupBody  string                        `json:"ciphertext_body,omitempty"`
	SessionID  string                        `json:"session_id,omitempty"`
	DeviceID   string                        `json:"device_id,omitempty"`
}

// PairwisePayload is the plaintext carried inside one pairwise
// ciphertext: the inner event plus the sender/recipient binding that
// stops the envelope being replayed to a different device.
type PairwisePayload struct {
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        string            `json:"sender"`
	SenderDevice  string            `json:"sender_device"`
	Keys          map[string]string `json:"keys"`
	Recipient     string            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
}

// DeviceKeys is the signed device key document uploaded at first launch.
type DeviceKeys struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// SignedOneTimeKey is one signed one-time key as uploaded and claimed.
type SignedOneTimeKey struct {
	Key        string                       `json:"key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeyBackupVersion describes the server-side backup version.
type KeyBackupVersion struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Version   string          `json:"version"`
	Count     int             `json:"count"`
	Etag      string          `json:"etag"`
}

// KeyBackupAuthData is the auth_data of a backup version.
type KeyBackupAuthData struct {
	PublicKey  string                       `json:"public_key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeyBackupSessionData is one backed up session, keyed by session ID
// within a room.  SessionData is an AEAD-encrypted blob only the backup
// key holder can open.
type KeyBackupSessionData struct {
	FirstMessageIndex uint32 `json:"first_message_index"`
	ForwardedCount    int    `json:"forwarded_count"`
	IsVerified        bool   `json:"is_verified"`
	SessionData       string `json:"session_data"`
}

// RoomKeyBackup is the per-room slice of a backup upload.
type RoomKeyBackup struct {
	Sessions map[string]KeyBackupSessionData `json:"sessions"`
}

// ExportedSession is the portable description of one inbound group
// session, used for manual key export and backup blobs.
type ExportedSession struct {
	Algorithm            string            `json:"algorithm"`
	RoomID               string            `json:"room_id"`
	SenderKey            string            `json:"sender_key"`
	SessionID            string            `json:"session_id"`
	SessionKey           string            `json:"session_key"`
	SenderClaimedKeys    map[string]string `json:"sender_claimed_keys"`
	ForwardingCurve25519 []string          `json:"forwarding_curve25519_key_chain"`
	FirstKnownIndex      uint32            `json:"first_known_index"`
}
