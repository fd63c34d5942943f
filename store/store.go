// store.go - Crypto store interface and record types.
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

// Package store defines the transactional persistence interface the
// crypto engine and the outgoing key request manager run on top of, and
// provides a boltdb backed implementation.
package store

import "errors"

var (
	// ErrStateMismatch is returned by the conditioned update operations
	// when the record is no longer in the expected state.  Callers treat
	// it as "another path got there first", not as a failure.
	ErrStateMismatch = errors.New("store: record not in expected state")

	// ErrNoSuchRequest is returned when a request ID resolves to nothing.
	ErrNoSuchRequest = errors.New("store: no such outgoing key request")
)

// SessionInfo is the persisted form of one pairwise session.
type SessionInfo struct {
	Pickle                []byte
	HasReceivedMessage    bool
	LastReceivedMessageTs int64 // unix millis, 0 if never
}

// GroupSessionInfo is the persisted form of one inbound group session,
// with the metadata pinned at first receipt.
type GroupSessionInfo struct {
	Pickle           []byte
	RoomID           string
	ForwardingChains []string
	KeysClaimed      map[string]string
	NeedsBackup      bool
}

// SessionRef names one inbound group session.
type SessionRef struct {
	SenderKey string
	SessionID string
}

// RequestState is the lifecycle state of an outgoing key request.
type RequestState uint8

const (
	// RequestUnsent means the request is queued but has not gone out.
	RequestUnsent RequestState = iota
	// RequestSent means the request went out and no reply has arrived.
	RequestSent
	// RequestCancellationPending means a cancellation needs sending,
	// after which the record is deleted.
	RequestCancellationPending
	// RequestCancellationPendingAndWillResend means a cancellation needs
	// sending, after which the request re-enters the send queue.
	RequestCancellationPendingAndWillResend
)

func (s RequestState) String() string {
	switch s {
	case RequestUnsent:
		return "unsent"
	case RequestSent:
		return "sent"
	case RequestCancellationPending:
		return "cancellation-pending"
	case RequestCancellationPendingAndWillResend:
		return "cancellation-pending-will-resend"
	default:
		return "unknown"
	}
}

// KeyRequestBody identifies the group session a key request is for.
// Requests are deduplicated on deep equality of this body.
type KeyRequestBody struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// Recipient is one (user, device) pair a request is addressed to.
type Recipient struct {
	UserID   string
	DeviceID string
}

// OutgoingKeyRequest is the persisted record of one key request.
type OutgoingKeyRequest struct {
	RequestID   string
	RequestBody KeyRequestBody
	Recipients  []Recipient
	State       RequestState
}

// WithheldInfo records that a sender deliberately withheld a session.
type WithheldInfo struct {
	RoomID    string
	SenderKey string
	SessionID string
	Algorithm string
	Code      string
	Reason    string
}

// Transaction is the set of operations available inside a store
// transaction.  Effects of an Update callback commit atomically or not
// at all.  Lookups return (nil, nil) when the record does not exist so
// callers can degrade gracefully.
type Transaction interface {
	// Account partition: a single pickle blob.
	GetAccountPickle() ([]byte, error)
	PutAccountPickle(pickle []byte) error

	// Pairwise session partition, keyed by (their identity key, session id).
	GetSession(theirKey, sessionID string) (*SessionInfo, error)
	GetSessions(theirKey string) (map[string]*SessionInfo, error)
	PutSession(theirKey, sessionID string, info *SessionInfo) error

	// Inbound group session partition, keyed by (sender key, session id).
	GetGroupSession(senderKey, sessionID string) (*GroupSessionInfo, error)
	PutGroupSession(senderKey, sessionID string, info *GroupSessionInfo) error
	ForEachGroupSession(fn func(senderKey, sessionID string, info *GroupSessionInfo) error) error

	// Sessions-needing-backup worklist.
	MarkSessionsNeedingBackup(refs []SessionRef) error
	UnmarkSessionsNeedingBackup(refs []SessionRef) error
	SessionsNeedingBackup(limit int) ([]SessionRef, error)
	CountSessionsNeedingBackup() (int, error)

	// Outgoing key request queue, keyed by request id with a secondary
	// index on the request body.
	GetOutgoingKeyRequest(requestID string) (*OutgoingKeyRequest, error)
	GetOutgoingKeyRequestByBody(body *KeyRequestBody) (*OutgoingKeyRequest, error)
	GetOutgoingKeyRequestByState(states ...RequestState) (*OutgoingKeyRequest, error)
	ForEachOutgoingKeyRequest(fn func(req *OutgoingKeyRequest) error) error
	PutOutgoingKeyRequest(req *OutgoingKeyRequest) error
	// UpdateOutgoingKeyRequest transitions a request from expected to
	// to, failing with ErrStateMismatch if the record has moved on.
	UpdateOutgoingKeyRequest(requestID string, expected, to RequestState) (*OutgoingKeyRequest, error)
	// DeleteOutgoingKeyRequest deletes the record iff it is still in the
	// expected state, failing with ErrStateMismatch otherwise.
	DeleteOutgoingKeyRequest(requestID string, expected RequestState) error

	// Withheld-session markers.
	GetWithheldSession(senderKey, sessionID string) (*WithheldInfo, error)
	PutWithheldSession(info *WithheldInfo) error
}

// Store is a transactional crypto store.  The transaction is the
// serialization boundary: operations on the same partition from separate
// transactions never interleave mid-callback.
type Store interface {
	// Update runs fn in a read-write transaction.
	Update(fn func(Transaction) error) error
	// View runs fn in a read-only transaction.
	View(fn func(Transaction) error) error
	Close() error
}
