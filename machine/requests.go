// requests.go - Incoming room key request processing.
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

	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

// incomingKeyRequest is one buffered m.room_key_request from a peer
// device.
type incomingKeyRequest struct {
	userID    string
	deviceID  string
	requestID string
	body      wire.RoomKeyRequestBody
}

func (r *incomingKeyRequest) key() string {
	return r.userID + "|" + r.deviceID + "|" + r.requestID
}

// incomingCancellation is one buffered request cancellation.
type incomingCancellation struct {
	userID    string
	deviceID  string
	requestID string
}

func (c *incomingCancellation) key() string {
	return c.userID + "|" + c.deviceID + "|" + c.requestID
}

// onRoomKeyRequest buffers an incoming key request or cancellation.
// Nothing is acted on until the sync batch completes, so that a
// request and its cancellation arriving together net out to nothing.
func (m *Machine) onRoomKeyRequest(ev *wire.ToDeviceEvent) error {
	var content wire.RoomKeyRequestContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	switch content.Action {
	case wire.ActionRequest:
		if content.Body == nil {
			m.log.Warningf("Key request %s from %s has no body", content.RequestID, ev.Sender)
			return nil
		}
		m.recvKeyRequests = append(m.recvKeyRequests, &incomingKeyRequest{
			userID:    ev.Sender,
			deviceID:  content.RequestingDeviceID,
			requestID: content.RequestID,
			body:      *content.Body,
		})
	case wire.ActionRequestCancellation:
		m.recvCancellations = append(m.recvCancellations, &incomingCancellation{
			userID:    ev.Sender,
			deviceID:  content.RequestingDeviceID,
			requestID: content.RequestID,
		})
	default:
		m.log.Warningf("Unknown key request action %q from %s", content.Action, ev.Sender)
	}
	return nil
}

// processReceivedKeyRequests flushes the buffers in two ordered
// passes: every request first, then every cancellation.  A cancelled
// request therefore never survives the batch it was cancelled in,
// regardless of arrival interleaving.
func (m *Machine) processReceivedKeyRequests() {
	m.Lock()
	requests := m.recvKeyRequests
	cancellations := m.recvCancellations
	m.recvKeyRequests = nil
	m.recvCancellations = nil
	m.Unlock()

	for _, req := range requests {
		if !m.shouldShareKeys(req) {
			continue
		}
		m.Lock()
		m.pendingShares[req.key()] = req
		m.Unlock()
	}
	for _, c := range cancellations {
		m.Lock()
		_, ok := m.pendingShares[c.key()]
		delete(m.pendingShares, c.key())
		m.Unlock()
		if ok {
			m.log.Debugf("Key request %s from %s/%s cancelled before sharing", c.requestID, c.userID, c.deviceID)
		}
	}
}

// shouldShareKeys applies the sharing policy: only our own user's
// devices are answered, and only for sessions we hold.
func (m *Machine) shouldShareKeys(req *incomingKeyRequest) bool {
	if req.userID != m.cfg.UserID {
		m.log.Debugf("Ignoring key request from other user %s", req.userID)
		return false
	}
	if req.deviceID == m.cfg.DeviceID {
		return false
	}
	if req.body.Algorithm != wire.AlgorithmGroup {
		m.log.Debugf("Ignoring key request for algorithm %s", req.body.Algorithm)
		return false
	}
	have, err := m.engine.HasInboundGroupSession(req.body.SenderKey, req.body.SessionID)
	if err != nil {
		m.log.Warningf("Session lookup for key request %s failed: %v", req.requestID, err)
		return false
	}
	if !have {
		m.log.Debugf("Not sharing session %s/%s: we do not hold it", req.body.SenderKey, req.body.SessionID)
		return false
	}
	return true
}

// answerPendingKeyRequests forwards the requested sessions to the
// requesting devices.  Shares that fail stay pending for the next
// pass.
func (m *Machine) answerPendingKeyRequests() {
	m.Lock()
	pending := make([]*incomingKeyRequest, 0, len(m.pendingShares))
	for _, req := range m.pendingShares {
		pending = append(pending, req)
	}
	m.Unlock()

	for _, req := range pending {
		if err := m.shareSessionWithDevice(req); err != nil {
			m.log.Warningf("Failed to share session %s with %s/%s: %v", req.body.SessionID, req.userID, req.deviceID, err)
			continue
		}
		keyRequestsAnswered.Inc()
		m.Lock()
		delete(m.pendingShares, req.key())
		m.Unlock()
	}
}

// shareSessionWithDevice sends one m.forwarded_room_key, pairwise
// encrypted, to the device that asked for it.
func (m *Machine) shareSessionWithDevice(req *incomingKeyRequest) error {
	exported, err := m.engine.ExportInboundGroupSession(req.body.SenderKey, req.body.SessionID)
	if err != nil {
		return err
	}
	if exported == nil {
		// Held when the request was buffered, gone now.  Nothing to do.
		return nil
	}
	if m.cfg.ResolveDevice == nil {
		m.log.Warningf("No device resolver configured, cannot answer key request %s", req.requestID)
		return nil
	}
	device, err := m.cfg.ResolveDevice(req.userID, req.deviceID)
	if err != nil {
		return err
	}
	content := &wire.ForwardedRoomKeyContent{
		RoomID:               exported.RoomID,
		Algorithm:            exported.Algorithm,
		SessionID:            exported.SessionID,
		SessionKey:           exported.SessionKey,
		SenderKey:            exported.SenderKey,
		SenderClaimedEd25519: exported.SenderClaimedKeys["ed25519"],
		ForwardingCurve25519: exported.ForwardingCurve25519,
	}
	m.log.Debugf("Sharing session %s/%s with %s/%s", req.body.SenderKey, req.body.SessionID, req.userID, req.deviceID)
	return m.sendEncryptedToDevice(device, wire.EventForwardedRoomKey, content, false)
}

// OutstandingShareCount reports how many key request answers are
// pending.
func (m *Machine) OutstandingShareCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.pendingShares)
}

// HasOutgoingKeyRequest reports whether a request for the session is
// persisted in any state.
func (m *Machine) HasOutgoingKeyRequest(body *store.KeyRequestBody) (bool, error) {
	var found bool
	err := m.st.View(func(txn store.Transaction) error {
		req, err := txn.GetOutgoingKeyRequestByBody(body)
		found = req != nil
		return err
	})
	return found, err
}
