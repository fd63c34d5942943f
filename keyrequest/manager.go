// manager.go - Outgoing room key request state machine.
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

// Package keyrequest manages the persisted queue of outgoing room key
// requests: sends, cancellations and cancel-then-resend, all driven by
// a single debounced background loop.
package keyrequest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/nightjar-im/nightjar/core/log"
	"github.com/nightjar-im/nightjar/core/worker"
	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

// DefaultSendRetryDelay is the debounce applied before draining the
// request queue.  Near-simultaneous key needs get batched, and keys
// that turn up on their own within the window save a network round
// trip.
const DefaultSendRetryDelay = 500 * time.Millisecond

// ErrSendLoopRunning means the queue drain was re-entered, which the
// design forbids: there is exactly one in-flight send loop.
var ErrSendLoopRunning = errors.New("keyrequest: send loop re-entered")

// Manager owns the outgoing key request queue.
type Manager struct {
	worker.Worker

	st        store.Store
	transport wire.Transport
	log       *logging.Logger
	rand      io.Reader

	deviceID   string
	retryDelay time.Duration

	kickCh    chan struct{}
	runningCh chan struct{}
}

// New constructs a Manager.  Start must be called before requests are
// sent; queueing works immediately.
func New(st store.Store, transport wire.Transport, logBackend *log.Backend, deviceID string) *Manager {
	m := &Manager{
		st:         st,
		transport:  transport,
		log:        logBackend.GetLogger("keyrequest"),
		rand:       rand.Reader,
		deviceID:   deviceID,
		retryDelay: DefaultSendRetryDelay,
		kickCh:     make(chan struct{}, 1),
		runningCh:  make(chan struct{}, 1),
	}
	m.runningCh <- struct{}{}
	return m
}

// Start launches the background send loop and schedules a drain of
// whatever state survived the last shutdown.
func (m *Manager) Start() {
	m.Go(m.worker)
	m.kick()
}

func (m *Manager) kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

func (m *Manager) worker() {
	for {
		select {
		case <-m.HaltCh():
			return
		case <-m.kickCh:
		}
		select {
		case <-m.HaltCh():
			return
		case <-time.After(m.retryDelay):
		}
		if err := m.SendOutstandingRequests(); err != nil {
			m.log.Warningf("Send loop failed: %v, rescheduling", err)
			m.kick()
		}
	}
}

// SendRoomKeyRequest queues a request for the session identified by
// body, addressed to recipients.  Requests are deduplicated on deep
// equality of the body: a second call while a record exists never
// produces a second record or a second send.  A request that is
// pending cancellation is flipped to cancel-then-resend instead.
func (m *Manager) SendRoomKeyRequest(body *store.KeyRequestBody, recipients []store.Recipient) error {
	startTimer := false
	err := m.st.Update(func(txn store.Transaction) error {
		existing, err := txn.GetOutgoingKeyRequestByBody(body)
		if err != nil {
			return err
		}
		if existing != nil {
			switch existing.State {
			case store.RequestUnsent:
				startTimer = true
			case store.RequestCancellationPending:
				_, err = txn.UpdateOutgoingKeyRequest(existing.RequestID, store.RequestCancellationPending, store.RequestCancellationPendingAndWillResend)
				if errors.Is(err, store.ErrStateMismatch) {
					m.log.Warningf("Request %s moved out of cancellation-pending, not flipping to resend", existing.RequestID)
					return nil
				}
				return err
			}
			m.log.Debugf("Not sending another request for %s/%s, one exists in state %v", body.SenderKey, body.SessionID, existing.State)
			return nil
		}
		requestID, err := m.newRequestID()
		if err != nil {
			return err
		}
		startTimer = true
		return txn.PutOutgoingKeyRequest(&store.OutgoingKeyRequest{
			RequestID:   requestID,
			RequestBody: *body,
			Recipients:  recipients,
			State:       store.RequestUnsent,
		})
	})
	if err != nil {
		return err
	}
	if startTimer {
		m.kick()
	}
	return nil
}

// CancelRoomKeyRequest cancels any outstanding request for body.  A
// request that never went out is deleted outright; a sent request gets
// a cancellation queued, optionally followed by a resend under the
// same request ID.  No matching record, or a cancellation already
// pending, is a no-op.
func (m *Manager) CancelRoomKeyRequest(body *store.KeyRequestBody, resend bool) error {
	startTimer := false
	err := m.st.Update(func(txn store.Transaction) error {
		req, err := txn.GetOutgoingKeyRequestByBody(body)
		if err != nil {
			return err
		}
		if req == nil {
			return nil
		}
		switch req.State {
		case store.RequestCancellationPending, store.RequestCancellationPendingAndWillResend:
			return nil
		case store.RequestUnsent:
			err = txn.DeleteOutgoingKeyRequest(req.RequestID, store.RequestUnsent)
		case store.RequestSent:
			to := store.RequestCancellationPending
			if resend {
				to = store.RequestCancellationPendingAndWillResend
			}
			_, err = txn.UpdateOutgoingKeyRequest(req.RequestID, store.RequestSent, to)
			startTimer = true
		}
		if errors.Is(err, store.ErrStateMismatch) {
			m.log.Warningf("Request %s changed state under us, skipping cancellation", req.RequestID)
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if startTimer {
		m.kick()
	}
	return nil
}

// CancelAndResendRequestsToDevice queues a cancel-then-resend for every
// sent request addressed to the given device.  Used when the pairwise
// channel to that device had to be re-established and earlier requests
// may have been lost in an undecryptable session.
func (m *Manager) CancelAndResendRequestsToDevice(userID, deviceID string) error {
	var bodies []store.KeyRequestBody
	err := m.st.View(func(txn store.Transaction) error {
		return txn.ForEachOutgoingKeyRequest(func(req *store.OutgoingKeyRequest) error {
			if req.State != store.RequestSent {
				return nil
			}
			for _, r := range req.Recipients {
				if r.UserID == userID && (r.DeviceID == deviceID || r.DeviceID == "*") {
					bodies = append(bodies, req.RequestBody)
					return nil
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for i := range bodies {
		if err = m.CancelRoomKeyRequest(&bodies[i], true); err != nil {
			return err
		}
	}
	return nil
}

// SendOutstandingRequests drains the queue: one record at a time, the
// matching network action, the state transition, until nothing is
// pending.  On a network error it returns and leaves rescheduling to
// the caller.  Re-entry fails with ErrSendLoopRunning.
func (m *Manager) SendOutstandingRequests() error {
	select {
	case <-m.runningCh:
	default:
		return ErrSendLoopRunning
	}
	defer func() { m.runningCh <- struct{}{} }()

	for {
		var req *store.OutgoingKeyRequest
		err := m.st.View(func(txn store.Transaction) error {
			var err error
			req, err = txn.GetOutgoingKeyRequestByState(
				store.RequestCancellationPending,
				store.RequestCancellationPendingAndWillResend,
				store.RequestUnsent,
			)
			return err
		})
		if err != nil {
			return err
		}
		if req == nil {
			return nil
		}
		switch req.State {
		case store.RequestUnsent:
			err = m.sendRequest(req)
		case store.RequestCancellationPending:
			err = m.sendCancellation(req, false)
		case store.RequestCancellationPendingAndWillResend:
			err = m.sendCancellation(req, true)
		}
		if err != nil {
			return err
		}
	}
}

func (m *Manager) sendRequest(req *store.OutgoingKeyRequest) error {
	m.log.Debugf("Requesting keys for %s/%s, request id %s", req.RequestBody.SenderKey, req.RequestBody.SessionID, req.RequestID)
	content := &wire.RoomKeyRequestContent{
		Action:             wire.ActionRequest,
		RequestingDeviceID: m.deviceID,
		RequestID:          req.RequestID,
		Body: &wire.RoomKeyRequestBody{
			Algorithm: req.RequestBody.Algorithm,
			RoomID:    req.RequestBody.RoomID,
			SenderKey: req.RequestBody.SenderKey,
			SessionID: req.RequestBody.SessionID,
		},
	}
	// The transaction ID is the request ID so that a resend racing the
	// timer collapses into one delivery.
	if err := m.sendToRecipients(req, content, req.RequestID); err != nil {
		return err
	}
	return m.st.Update(func(txn store.Transaction) error {
		_, err := txn.UpdateOutgoingKeyRequest(req.RequestID, store.RequestUnsent, store.RequestSent)
		if errors.Is(err, store.ErrStateMismatch) {
			m.log.Warningf("Request %s no longer unsent after send, leaving it alone", req.RequestID)
			return nil
		}
		return err
	})
}

func (m *Manager) sendCancellation(req *store.OutgoingKeyRequest, resend bool) error {
	m.log.Debugf("Cancelling request %s (resend: %v)", req.RequestID, resend)
	content := &wire.RoomKeyRequestContent{
		Action:             wire.ActionRequestCancellation,
		RequestingDeviceID: m.deviceID,
		RequestID:          req.RequestID,
	}
	if err := m.sendToRecipients(req, content, req.RequestID+"-cancellation"); err != nil {
		return err
	}
	return m.st.Update(func(txn store.Transaction) error {
		var err error
		if resend {
			// Same request ID: the re-sent request supersedes the
			// cancellation at every recipient.
			_, err = txn.UpdateOutgoingKeyRequest(req.RequestID, store.RequestCancellationPendingAndWillResend, store.RequestUnsent)
		} else {
			err = txn.DeleteOutgoingKeyRequest(req.RequestID, store.RequestCancellationPending)
		}
		if errors.Is(err, store.ErrStateMismatch) {
			m.log.Warningf("Request %s changed state during cancellation send", req.RequestID)
			return nil
		}
		return err
	})
}

// sendToRecipients batches every recipient into one to-device payload
// under a single transaction ID.
func (m *Manager) sendToRecipients(req *store.OutgoingKeyRequest, content *wire.RoomKeyRequestContent, txnID string) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	messages := make(wire.ToDeviceMessages)
	for _, r := range req.Recipients {
		if messages[r.UserID] == nil {
			messages[r.UserID] = make(map[string]json.RawMessage)
		}
		messages[r.UserID][r.DeviceID] = raw
	}
	return m.transport.SendToDevice(wire.EventRoomKeyRequest, messages, txnID)
}

func (m *Manager) newRequestID() (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(m.rand, b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
