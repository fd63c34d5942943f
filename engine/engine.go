// engine.go - Device crypto engine: account operations.
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

// Package engine implements the device crypto engine: every operation
// that touches the account, pairwise session and group session objects.
// Each opaque object is materialized from its pickle, used, re-persisted
// and destroyed inside a single store transaction; no object is ever
// held across a transaction boundary.
package engine

import (
	"errors"
	"io"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/nightjar-im/nightjar/boxkit"
	"github.com/nightjar-im/nightjar/core/log"
	"github.com/nightjar-im/nightjar/store"
)

// MaxPlaintextLength is the largest plaintext EncryptMessage accepts.
// The bound exists to fail fast before the ciphertext, base64-wrapped
// into the final event, would exceed the 65KiB event size ceiling.
const MaxPlaintextLength = 65536 * 3 / 4

var (
	ErrPlaintextTooLarge  = errors.New("engine: plaintext exceeds maximum length")
	ErrNotPreKeyMessage   = errors.New("engine: inbound session requires a prekey (type 0) message")
	ErrUnknownSession     = errors.New("engine: unknown session")
	ErrAccountNotFound    = errors.New("engine: account missing from store")
	ErrRoomIDMismatch     = errors.New("engine: session belongs to a different room")
	ErrSessionIDMismatch  = errors.New("engine: session key claims a different session id")
	ErrDuplicateMessage   = errors.New("engine: duplicate message index with mismatched event")
)

// Engine owns the device's cryptographic state.
type Engine struct {
	sync.Mutex

	st        store.Store
	log       *logging.Logger
	pickleKey []byte
	rand      io.Reader

	// Outbound group sessions are deliberately volatile: they rotate
	// and are never written to the durable store.
	outboundGroupSessions map[string]*boxkit.OutboundGroupSession

	replay *replayIndex

	deviceSigningKey    string
	deviceEncryptionKey string
	maxOneTimeKeys      int
}

// New loads the device account from st, creating and persisting a fresh
// one if none exists.
func New(st store.Store, logBackend *log.Backend, pickleKey []byte) (*Engine, error) {
	e := &Engine{
		st:                    st,
		log:                   logBackend.GetLogger("engine"),
		pickleKey:             pickleKey,
		rand:                  rand.Reader,
		outboundGroupSessions: make(map[string]*boxkit.OutboundGroupSession),
		replay:                newReplayIndex(DefaultReplayIndexSize),
	}

	err := st.Update(func(txn store.Transaction) error {
		pickle, err := txn.GetAccountPickle()
		if err != nil {
			return err
		}
		var acct *boxkit.Account
		if pickle == nil {
			e.log.Noticef("No account found, generating new identity keys")
			acct, err = boxkit.NewAccount(e.rand)
			if err != nil {
				return err
			}
			pickle, err = acct.Pickle(e.pickleKey)
			if err != nil {
				acct.Destroy()
				return err
			}
			if err = txn.PutAccountPickle(pickle); err != nil {
				acct.Destroy()
				return err
			}
		} else {
			acct, err = boxkit.AccountFromPickle(e.rand, e.pickleKey, pickle)
			if err != nil {
				return err
			}
		}
		defer acct.Destroy()
		e.deviceSigningKey, e.deviceEncryptionKey = acct.IdentityKeys()
		e.maxOneTimeKeys = acct.MaxNumberOfOneTimeKeys()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// IdentityKeys returns the device's public Ed25519 and Curve25519 keys.
func (e *Engine) IdentityKeys() (signingKey, encryptionKey string) {
	return e.deviceSigningKey, e.deviceEncryptionKey
}

// MaxNumberOfOneTimeKeys returns the account's one time key pool limit.
func (e *Engine) MaxNumberOfOneTimeKeys() int {
	return e.maxOneTimeKeys
}

// withAccount materializes the account, runs fn, and if mutate is set
// re-pickles and persists it, all within the supplied transaction.
func (e *Engine) withAccount(txn store.Transaction, mutate bool, fn func(*boxkit.Account) error) error {
	pickle, err := txn.GetAccountPickle()
	if err != nil {
		return err
	}
	if pickle == nil {
		return ErrAccountNotFound
	}
	acct, err := boxkit.AccountFromPickle(e.rand, e.pickleKey, pickle)
	if err != nil {
		return err
	}
	defer acct.Destroy()
	if err = fn(acct); err != nil {
		return err
	}
	if mutate {
		pickle, err = acct.Pickle(e.pickleKey)
		if err != nil {
			return err
		}
		return txn.PutAccountPickle(pickle)
	}
	return nil
}

// Sign signs message with the device's Ed25519 key.  It fails only if
// the account cannot be loaded.
func (e *Engine) Sign(message []byte) (string, error) {
	var sig string
	err := e.st.View(func(txn store.Transaction) error {
		return e.withAccount(txn, false, func(acct *boxkit.Account) error {
			sig = acct.Sign(message)
			return nil
		})
	})
	return sig, err
}

// OneTimeKeys returns the unpublished one time keys.
func (e *Engine) OneTimeKeys() (map[string]string, error) {
	var keys map[string]string
	err := e.st.View(func(txn store.Transaction) error {
		return e.withAccount(txn, false, func(acct *boxkit.Account) error {
			keys = acct.OneTimeKeys()
			return nil
		})
	})
	return keys, err
}

// GenerateOneTimeKeys adds n fresh one time keys, persisting the
// mutated account before returning.
func (e *Engine) GenerateOneTimeKeys(n int) error {
	return e.st.Update(func(txn store.Transaction) error {
		return e.withAccount(txn, true, func(acct *boxkit.Account) error {
			return acct.GenerateOneTimeKeys(n)
		})
	})
}

// MarkKeysAsPublished marks the current one time key pool as published.
func (e *Engine) MarkKeysAsPublished() error {
	return e.st.Update(func(txn store.Transaction) error {
		return e.withAccount(txn, true, func(acct *boxkit.Account) error {
			acct.MarkKeysAsPublished()
			return nil
		})
	})
}

// VerifySignature checks a detached Ed25519 signature, distinguishing
// malformed input from a signature that fails to verify.
func (e *Engine) VerifySignature(key string, message []byte, signature string) error {
	return boxkit.VerifySignature(key, message, signature)
}
