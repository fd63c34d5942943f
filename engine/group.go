// group.go - Group session operations and replay protection.
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

package engine

import (
	"fmt"

	"github.com/nightjar-im/nightjar/boxkit"
	"github.com/nightjar-im/nightjar/store"
)

// DefaultReplayIndexSize bounds the in-memory replay index.  Oldest
// entries are evicted first once the cap is reached.
const DefaultReplayIndexSize = 100000

// replayEntry records the first event observed at a message index.
type replayEntry struct {
	eventID   string
	timestamp int64
}

// replayIndex maps (sender key, session id, message index) to the first
// event seen there.  Decrypting the same index again is benign iff the
// event identity matches.
type replayIndex struct {
	entries map[string]replayEntry
	order   []string
	max     int
}

func newReplayIndex(max int) *replayIndex {
	return &replayIndex{
		entries: make(map[string]replayEntry),
		max:     max,
	}
}

func replayKey(senderKey, sessionID string, index uint32) string {
	return fmt.Sprintf("%s|%s|%d", senderKey, sessionID, index)
}

// check records the first sighting of an index and reports whether a
// repeat sighting matches it.
func (r *replayIndex) check(senderKey, sessionID string, index uint32, eventID string, timestamp int64) error {
	k := replayKey(senderKey, sessionID, index)
	if seen, ok := r.entries[k]; ok {
		if seen.eventID != eventID || seen.timestamp != timestamp {
			return ErrDuplicateMessage
		}
		return nil
	}
	r.entries[k] = replayEntry{eventID: eventID, timestamp: timestamp}
	r.order = append(r.order, k)
	for len(r.entries) > r.max {
		delete(r.entries, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

// CreateOutboundGroupSession creates a fresh outbound group session and
// returns its ID.  Outbound group sessions live only in memory.
func (e *Engine) CreateOutboundGroupSession() (string, error) {
	s, err := boxkit.NewOutboundGroupSession(e.rand)
	if err != nil {
		return "", err
	}
	e.Lock()
	defer e.Unlock()
	e.outboundGroupSessions[s.ID()] = s
	return s.ID(), nil
}

// EncryptGroupMessage encrypts plaintext on an outbound group session,
// incrementing its message index.
func (e *Engine) EncryptGroupMessage(sessionID string, plaintext []byte) (string, error) {
	e.Lock()
	defer e.Unlock()
	s, ok := e.outboundGroupSessions[sessionID]
	if !ok {
		return "", ErrUnknownSession
	}
	ct, err := s.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return boxkit.B64.EncodeToString(ct), nil
}

// GetOutboundGroupSessionKey exports an outbound group session's key at
// its current chain index, for distribution to room members.
func (e *Engine) GetOutboundGroupSessionKey(sessionID string) (chainIndex uint32, key string, err error) {
	e.Lock()
	defer e.Unlock()
	s, ok := e.outboundGroupSessions[sessionID]
	if !ok {
		return 0, "", ErrUnknownSession
	}
	raw, err := s.SessionKey()
	if err != nil {
		return 0, "", err
	}
	return s.MessageIndex(), boxkit.B64.EncodeToString(raw), nil
}

// OutboundGroupMessageIndex returns the current message index of an
// outbound group session.
func (e *Engine) OutboundGroupMessageIndex(sessionID string) (uint32, error) {
	e.Lock()
	defer e.Unlock()
	s, ok := e.outboundGroupSessions[sessionID]
	if !ok {
		return 0, ErrUnknownSession
	}
	return s.MessageIndex(), nil
}

// DiscardOutboundGroupSession destroys an outbound group session.  The
// next encrypted send must create a new one under a new ID.
func (e *Engine) DiscardOutboundGroupSession(sessionID string) {
	e.Lock()
	defer e.Unlock()
	if s, ok := e.outboundGroupSessions[sessionID]; ok {
		s.Destroy()
		delete(e.outboundGroupSessions, sessionID)
	}
}

// AddInboundGroupSession stores a received group session.  If a session
// already exists for (senderKey, sessionID) the call is a no-op: first
// writer wins, updates are deliberately not applied.  The session key's
// claimed identity must match sessionID.
func (e *Engine) AddInboundGroupSession(roomID, senderKey string, forwardingChain []string, sessionID, sessionKey string, claimedKeys map[string]string, exportFormat bool) error {
	raw, err := boxkit.B64.DecodeString(sessionKey)
	if err != nil {
		return boxkit.ErrBadBase64
	}
	return e.st.Update(func(txn store.Transaction) error {
		existing, err := txn.GetGroupSession(senderKey, sessionID)
		if err != nil {
			return err
		}
		if existing != nil {
			e.log.Debugf("Already have group session %s/%s, not updating", senderKey, sessionID)
			return nil
		}

		var s *boxkit.InboundGroupSession
		if exportFormat {
			s, err = boxkit.InboundGroupSessionImport(raw)
		} else {
			s, err = boxkit.NewInboundGroupSession(raw)
		}
		if err != nil {
			return err
		}
		defer s.Destroy()
		if s.ID() != sessionID {
			return ErrSessionIDMismatch
		}

		pickle, err := s.Pickle(e.pickleKey)
		if err != nil {
			return err
		}
		if err = txn.PutGroupSession(senderKey, sessionID, &store.GroupSessionInfo{
			Pickle:           pickle,
			RoomID:           roomID,
			ForwardingChains: forwardingChain,
			KeysClaimed:      claimedKeys,
			NeedsBackup:      true,
		}); err != nil {
			return err
		}
		return txn.MarkSessionsNeedingBackup([]store.SessionRef{{SenderKey: senderKey, SessionID: sessionID}})
	})
}

// HasInboundGroupSession reports whether a group session is known.
func (e *Engine) HasInboundGroupSession(senderKey, sessionID string) (bool, error) {
	var found bool
	err := e.st.View(func(txn store.Transaction) error {
		info, err := txn.GetGroupSession(senderKey, sessionID)
		found = info != nil
		return err
	})
	return found, err
}

// GroupDecryptResult is the outcome of a successful group decryption.
type GroupDecryptResult struct {
	Plaintext       []byte
	MessageIndex    uint32
	KeysClaimed     map[string]string
	ForwardingChain []string
}

// DecryptGroupMessage decrypts a group message.  It returns (nil, nil)
// when the session is unknown so callers can degrade gracefully, fails
// with ErrRoomIDMismatch when the session's pinned room differs, and
// enforces replay protection on the message index.
func (e *Engine) DecryptGroupMessage(roomID, senderKey, sessionID, body, eventID string, timestamp int64) (*GroupDecryptResult, error) {
	raw, err := boxkit.B64.DecodeString(body)
	if err != nil {
		return nil, boxkit.ErrBadBase64
	}
	var result *GroupDecryptResult
	err = e.st.View(func(txn store.Transaction) error {
		info, err := txn.GetGroupSession(senderKey, sessionID)
		if err != nil {
			return err
		}
		if info == nil {
			return nil
		}
		if info.RoomID != roomID {
			return ErrRoomIDMismatch
		}
		s, err := boxkit.InboundGroupSessionFromPickle(e.pickleKey, info.Pickle)
		if err != nil {
			return err
		}
		defer s.Destroy()
		plaintext, index, err := s.Decrypt(raw)
		if err != nil {
			return err
		}

		e.Lock()
		err = e.replay.check(senderKey, sessionID, index, eventID, timestamp)
		e.Unlock()
		if err != nil {
			return err
		}

		result = &GroupDecryptResult{
			Plaintext:       plaintext,
			MessageIndex:    index,
			KeysClaimed:     info.KeysClaimed,
			ForwardingChain: info.ForwardingChains,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
