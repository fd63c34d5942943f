// otk.go - One-time key replenishment loop.
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
	"time"

	"github.com/nightjar-im/nightjar/wire"
)

const (
	// otkCheckInterval is the minimum time between replenishment runs.
	otkCheckInterval = time.Minute

	// otkGenerateBatch bounds the keys generated per engine call, so a
	// large deficit never blocks the store for long.
	otkGenerateBatch = 5

	// otkAlgorithm is the key algorithm identifier on the wire.
	otkAlgorithm = "signed_curve25519"
)

func (m *Machine) kickOneTimeKeys() {
	select {
	case m.otkKickCh <- struct{}{}:
	default:
	}
}

func (m *Machine) otkWorker() {
	for {
		select {
		case <-m.HaltCh():
			return
		case <-m.otkKickCh:
		case <-time.After(otkCheckInterval):
		}
		if err := m.maintainOneTimeKeys(); err != nil {
			m.log.Warningf("One-time key maintenance failed: %v", err)
		}
		// Absorb the remainder of the interval so a kick storm cannot
		// turn into an upload storm.
		select {
		case <-m.HaltCh():
			return
		case <-time.After(otkCheckInterval):
		}
	}
}

// maintainOneTimeKeys tops the published one-time key pool up to half
// the engine's maximum, leaving headroom for keys claimed but not yet
// used.  Concurrent invocations are suppressed.
func (m *Machine) maintainOneTimeKeys() error {
	select {
	case <-m.otkBusyCh:
	default:
		m.log.Debug("One-time key maintenance already in progress")
		return nil
	}
	defer func() { m.otkBusyCh <- struct{}{} }()

	m.Lock()
	count, known := m.otkCount, m.otkHasCount
	m.Unlock()
	if !known {
		// No server count yet: an empty upload fetches it.
		counts, err := m.transport.UploadKeys(nil, nil)
		if err != nil {
			return err
		}
		count = counts[otkAlgorithm]
	}

	target := m.engine.MaxNumberOfOneTimeKeys() / 2
	for count < target {
		n := target - count
		if n > otkGenerateBatch {
			n = otkGenerateBatch
		}
		if err := m.engine.GenerateOneTimeKeys(n); err != nil {
			return err
		}
		counts, err := m.uploadOneTimeKeys()
		if err != nil {
			return err
		}
		count = counts[otkAlgorithm]
		m.Lock()
		m.otkCount = count
		m.otkHasCount = true
		m.Unlock()
	}
	return nil
}

// uploadOneTimeKeys signs and uploads every unpublished one-time key,
// then marks them published.  The server's reported count is the
// ground truth the loop reconciles against.
func (m *Machine) uploadOneTimeKeys() (map[string]int, error) {
	keys, err := m.engine.OneTimeKeys()
	if err != nil {
		return nil, err
	}
	signed := make(map[string]wire.SignedOneTimeKey, len(keys))
	for keyID, key := range keys {
		sig, err := m.signJSON(map[string]string{"key": key})
		if err != nil {
			return nil, err
		}
		signed[otkAlgorithm+":"+keyID] = wire.SignedOneTimeKey{
			Key: key,
			Signatures: map[string]map[string]string{
				m.cfg.UserID: {"ed25519:" + m.cfg.DeviceID: sig},
			},
		}
	}
	counts, err := m.transport.UploadKeys(nil, signed)
	if err != nil {
		return nil, err
	}
	if err = m.engine.MarkKeysAsPublished(); err != nil {
		return nil, err
	}
	oneTimeKeysUploaded.Add(float64(len(signed)))
	m.log.Debugf("Uploaded %d one-time keys, server now holds %d", len(signed), counts[otkAlgorithm])
	return counts, nil
}

// claimedKeyValid verifies the signature on a one-time key claimed
// from another device.
func (m *Machine) claimedKeyValid(userID, deviceID, signingKey string, key *wire.SignedOneTimeKey) bool {
	sig := key.Signatures[userID]["ed25519:"+deviceID]
	if sig == "" {
		return false
	}
	raw, err := json.Marshal(map[string]string{"key": key.Key})
	if err != nil {
		return false
	}
	return m.engine.VerifySignature(signingKey, raw, sig) == nil
}
