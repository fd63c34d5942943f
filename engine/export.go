// export.go - Portable group session export and import.
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
	"github.com/nightjar-im/nightjar/boxkit"
	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

// ExportInboundGroupSession round-trips a stored session into the
// portable export description, with the ratchet exported at its first
// known index.  Returns (nil, nil) for an unknown session.
func (e *Engine) ExportInboundGroupSession(senderKey, sessionID string) (*wire.ExportedSession, error) {
	var exported *wire.ExportedSession
	err := e.st.View(func(txn store.Transaction) error {
		info, err := txn.GetGroupSession(senderKey, sessionID)
		if err != nil {
			return err
		}
		if info == nil {
			return nil
		}
		s, err := boxkit.InboundGroupSessionFromPickle(e.pickleKey, info.Pickle)
		if err != nil {
			return err
		}
		defer s.Destroy()
		raw, err := s.Export(s.FirstKnownIndex())
		if err != nil {
			return err
		}
		exported = &wire.ExportedSession{
			Algorithm:            wire.AlgorithmGroup,
			RoomID:               info.RoomID,
			SenderKey:            senderKey,
			SessionID:            sessionID,
			SessionKey:           boxkit.B64.EncodeToString(raw),
			SenderClaimedKeys:    info.KeysClaimed,
			ForwardingCurve25519: info.ForwardingChains,
			FirstKnownIndex:      s.FirstKnownIndex(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exported, nil
}

// ExportAllInboundGroupSessions exports every stored group session.
func (e *Engine) ExportAllInboundGroupSessions() ([]*wire.ExportedSession, error) {
	var refs []store.SessionRef
	err := e.st.View(func(txn store.Transaction) error {
		return txn.ForEachGroupSession(func(senderKey, sessionID string, info *store.GroupSessionInfo) error {
			refs = append(refs, store.SessionRef{SenderKey: senderKey, SessionID: sessionID})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sessions := make([]*wire.ExportedSession, 0, len(refs))
	for _, ref := range refs {
		exported, err := e.ExportInboundGroupSession(ref.SenderKey, ref.SessionID)
		if err != nil {
			return nil, err
		}
		if exported != nil {
			sessions = append(sessions, exported)
		}
	}
	return sessions, nil
}

// ImportInboundGroupSession stores a session from its portable export
// description.  Like AddInboundGroupSession it never updates an
// existing session: first writer wins.
func (e *Engine) ImportInboundGroupSession(exported *wire.ExportedSession) error {
	return e.AddInboundGroupSession(
		exported.RoomID,
		exported.SenderKey,
		exported.ForwardingCurve25519,
		exported.SessionID,
		exported.SessionKey,
		exported.SenderClaimedKeys,
		true,
	)
}
