// pairwise.go - Pairwise session operations.
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
	"sort"
	"time"

	"github.com/nightjar-im/nightjar/boxkit"
	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

// CreateOutboundSession establishes a new pairwise session towards the
// device identified by theirIdentityKey, consuming theirOneTimeKey, and
// persists it.  Concurrent calls for the same remote device create
// distinct sessions; dedup is the caller's concern.
func (e *Engine) CreateOutboundSession(theirIdentityKey, theirOneTimeKey string) (string, error) {
	var sessionID string
	err := e.st.Update(func(txn store.Transaction) error {
		return e.withAccount(txn, false, func(acct *boxkit.Account) error {
			s, err := boxkit.NewOutboundSession(acct, theirIdentityKey, theirOneTimeKey)
			if err != nil {
				return err
			}
			defer s.Destroy()
			sessionID = s.ID()
			return e.saveSession(txn, theirIdentityKey, s, false, 0)
		})
	})
	return sessionID, err
}

// CreateInboundSession establishes a session from a received prekey
// message and decrypts it.  messageType must be 0; the consumed one
// time key is removed and the account persisted before decryption.
func (e *Engine) CreateInboundSession(theirIdentityKey string, messageType int, ciphertext string) (plaintext []byte, sessionID string, err error) {
	if messageType != boxkit.MessageTypePreKey {
		return nil, "", ErrNotPreKeyMessage
	}
	raw, err := boxkit.B64.DecodeString(ciphertext)
	if err != nil {
		return nil, "", boxkit.ErrBadBase64
	}
	err = e.st.Update(func(txn store.Transaction) error {
		return e.withAccount(txn, true, func(acct *boxkit.Account) error {
			s, err := boxkit.NewInboundSession(acct, raw)
			if err != nil {
				return err
			}
			defer s.Destroy()
			acct.RemoveOneTimeKeys(s)

			plaintext, err = s.Decrypt(messageType, raw)
			if err != nil {
				return err
			}
			sessionID = s.ID()
			return e.saveSession(txn, theirIdentityKey, s, true, nowMillis())
		})
	})
	if err != nil {
		return nil, "", err
	}
	return plaintext, sessionID, nil
}

// EncryptMessage encrypts plaintext on an existing session.  The ratchet
// advances, so the session is re-persisted before returning.
func (e *Engine) EncryptMessage(theirIdentityKey, sessionID string, plaintext []byte) (*wire.PairwiseCiphertext, error) {
	if len(plaintext) > MaxPlaintextLength {
		return nil, ErrPlaintextTooLarge
	}
	var out *wire.PairwiseCiphertext
	err := e.st.Update(func(txn store.Transaction) error {
		return e.withSession(txn, theirIdentityKey, sessionID, func(s *boxkit.Session, info *store.SessionInfo) error {
			msgType, ct, err := s.Encrypt(plaintext)
			if err != nil {
				return err
			}
			out = &wire.PairwiseCiphertext{Type: msgType, Body: boxkit.B64.EncodeToString(ct)}
			return nil
		})
	})
	return out, err
}

// DecryptMessage decrypts a message on an existing session, advancing
// and re-persisting the ratchet and the session's liveness metadata.
func (e *Engine) DecryptMessage(theirIdentityKey, sessionID string, messageType int, ciphertext string) ([]byte, error) {
	raw, err := boxkit.B64.DecodeString(ciphertext)
	if err != nil {
		return nil, boxkit.ErrBadBase64
	}
	var plaintext []byte
	err = e.st.Update(func(txn store.Transaction) error {
		return e.withSession(txn, theirIdentityKey, sessionID, func(s *boxkit.Session, info *store.SessionInfo) error {
			plaintext, err = s.Decrypt(messageType, raw)
			if err != nil {
				return err
			}
			info.HasReceivedMessage = true
			info.LastReceivedMessageTs = nowMillis()
			return nil
		})
	})
	return plaintext, err
}

// MatchesSession reports whether the given prekey message would create
// the same session again.
func (e *Engine) MatchesSession(theirIdentityKey, sessionID string, prekeyMessage string) (bool, error) {
	raw, err := boxkit.B64.DecodeString(prekeyMessage)
	if err != nil {
		return false, boxkit.ErrBadBase64
	}
	var matches bool
	err = e.st.View(func(txn store.Transaction) error {
		info, err := txn.GetSession(theirIdentityKey, sessionID)
		if err != nil {
			return err
		}
		if info == nil {
			return ErrUnknownSession
		}
		s, err := boxkit.SessionFromPickle(e.rand, e.pickleKey, info.Pickle)
		if err != nil {
			return err
		}
		defer s.Destroy()
		matches, err = s.MatchesInboundSessionFrom(theirIdentityKey, raw)
		return err
	})
	return matches, err
}

// GetSessionIDForDevice returns the session to use for sending to a
// device: the one most recently active, ties broken by lowest session
// ID.  Empty string if no session exists.
func (e *Engine) GetSessionIDForDevice(theirIdentityKey string) (string, error) {
	var sessionID string
	err := e.st.View(func(txn store.Transaction) error {
		sessions, err := txn.GetSessions(theirIdentityKey)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(sessions))
		for id := range sessions {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			a, b := sessions[ids[i]], sessions[ids[j]]
			if a.LastReceivedMessageTs != b.LastReceivedMessageTs {
				return a.LastReceivedMessageTs > b.LastReceivedMessageTs
			}
			return ids[i] < ids[j]
		})
		if len(ids) > 0 {
			sessionID = ids[0]
		}
		return nil
	})
	return sessionID, err
}

// HasSessionWith reports whether any session exists with the device.
func (e *Engine) HasSessionWith(theirIdentityKey string) (bool, error) {
	id, err := e.GetSessionIDForDevice(theirIdentityKey)
	return id != "", err
}

// withSession materializes a session, runs fn, and re-persists the
// session unconditionally: the ratchet advances on every operation.
func (e *Engine) withSession(txn store.Transaction, theirIdentityKey, sessionID string, fn func(*boxkit.Session, *store.SessionInfo) error) error {
	info, err := txn.GetSession(theirIdentityKey, sessionID)
	if err != nil {
		return err
	}
	if info == nil {
		return ErrUnknownSession
	}
	s, err := boxkit.SessionFromPickle(e.rand, e.pickleKey, info.Pickle)
	if err != nil {
		return err
	}
	defer s.Destroy()
	if err = fn(s, info); err != nil {
		return err
	}
	info.Pickle, err = s.Pickle(e.pickleKey)
	if err != nil {
		return err
	}
	info.HasReceivedMessage = s.HasReceivedMessage()
	return txn.PutSession(theirIdentityKey, sessionID, info)
}

func (e *Engine) saveSession(txn store.Transaction, theirIdentityKey string, s *boxkit.Session, received bool, ts int64) error {
	pickle, err := s.Pickle(e.pickleKey)
	if err != nil {
		return err
	}
	return txn.PutSession(theirIdentityKey, s.ID(), &store.SessionInfo{
		Pickle:                pickle,
		HasReceivedMessage:    received,
		LastReceivedMessageTs: ts,
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
