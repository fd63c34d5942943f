// boltstore.go - BoltDB backed crypto store.
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

package store

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket      = "metadata"
	accountBucket       = "account"
	sessionsBucket      = "sessions"
	groupSessionsBucket = "group_sessions"
	backupBucket        = "sessions_needing_backup"
	requestsBucket      = "outgoing_key_requests"
	requestBodiesBucket = "outgoing_key_requests_by_body"
	withheldBucket      = "withheld_sessions"

	versionKey = "version"
	accountKey = "account"
)

var allBuckets = []string{
	metadataBucket,
	accountBucket,
	sessionsBucket,
	groupSessionsBucket,
	backupBucket,
	requestsBucket,
	requestBodiesBucket,
	withheldBucket,
}

// BoltStore is a Store implemented over a single boltdb file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates (or loads) a crypto store at the given file name.
func NewBoltStore(f string) (*BoltStore, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &BoltStore{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		bkt := tx.Bucket([]byte(metadataBucket))
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("store: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Update runs fn in a read-write transaction.
func (s *BoltStore) Update(fn func(Transaction) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (s *BoltStore) View(fn func(Transaction) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

// Close syncs and closes the database.
func (s *BoltStore) Close() error {
	s.db.Sync()
	return s.db.Close()
}

// boltTxn adapts one bolt transaction to the Transaction interface.
type boltTxn struct {
	tx *bolt.Tx
}

// compositeKey joins the two halves of a record key.  The separator is
// outside the base64 alphabet both halves are encoded with.
func compositeKey(a, b string) []byte {
	return []byte(a + "|" + b)
}

func (t *boltTxn) GetAccountPickle() ([]byte, error) {
	raw := t.tx.Bucket([]byte(accountBucket)).Get([]byte(accountKey))
	if raw == nil {
		return nil, nil
	}
	return append([]byte(nil), raw...), nil
}

func (t *boltTxn) PutAccountPickle(pickle []byte) error {
	return t.tx.Bucket([]byte(accountBucket)).Put([]byte(accountKey), pickle)
}

func (t *boltTxn) GetSession(theirKey, sessionID string) (*SessionInfo, error) {
	raw := t.tx.Bucket([]byte(sessionsBucket)).Get(compositeKey(theirKey, sessionID))
	if raw == nil {
		return nil, nil
	}
	info := new(SessionInfo)
	if err := cbor.Unmarshal(raw, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (t *boltTxn) GetSessions(theirKey string) (map[string]*SessionInfo, error) {
	sessions := make(map[string]*SessionInfo)
	prefix := []byte(theirKey + "|")
	c := t.tx.Bucket([]byte(sessionsBucket)).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		info := new(SessionInfo)
		if err := cbor.Unmarshal(v, info); err != nil {
			return nil, err
		}
		sessions[string(k[len(prefix):])] = info
	}
	return sessions, nil
}

func (t *boltTxn) PutSession(theirKey, sessionID string, info *SessionInfo) error {
	raw, err := cbor.Marshal(info)
	if err != nil {
		return err
	}
	return t.tx.Bucket([]byte(sessionsBucket)).Put(compositeKey(theirKey, sessionID), raw)
}

func (t *boltTxn) GetGroupSession(senderKey, sessionID string) (*GroupSessionInfo, error) {
	raw := t.tx.Bucket([]byte(groupSessionsBucket)).Get(compositeKey(senderKey, sessionID))
	if raw == nil {
		return nil, nil
	}
	info := new(GroupSessionInfo)
	if err := cbor.Unmarshal(raw, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (t *boltTxn) PutGroupSession(senderKey, sessionID string, info *GroupSessionInfo) error {
	raw, err := cbor.Marshal(info)
	if err != nil {
		return err
	}
	return t.tx.Bucket([]byte(groupSessionsBucket)).Put(compositeKey(senderKey, sessionID), raw)
}

func (t *boltTxn) ForEachGroupSession(fn func(senderKey, sessionID string, info *GroupSessionInfo) error) error {
	return t.tx.Bucket([]byte(groupSessionsBucket)).ForEach(func(k, v []byte) error {
		senderKey, sessionID, err := splitCompositeKey(k)
		if err != nil {
			return err
		}
		info := new(GroupSessionInfo)
		if err := cbor.Unmarshal(v, info); err != nil {
			return err
		}
		return fn(senderKey, sessionID, info)
	})
}

func splitCompositeKey(k []byte) (string, string, error) {
	i := bytes.IndexByte(k, '|')
	if i < 0 {
		return "", "", fmt.Errorf("store: malformed composite key %q", k)
	}
	return string(k[:i]), string(k[i+1:]), nil
}

func (t *boltTxn) MarkSessionsNeedingBackup(refs []SessionRef) error {
	bkt := t.tx.Bucket([]byte(backupBucket))
	for _, ref := range refs {
		if err := bkt.Put(compositeKey(ref.SenderKey, ref.SessionID), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) UnmarkSessionsNeedingBackup(refs []SessionRef) error {
	bkt := t.tx.Bucket([]byte(backupBucket))
	for _, ref := range refs {
		if err := bkt.Delete(compositeKey(ref.SenderKey, ref.SessionID)); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) SessionsNeedingBackup(limit int) ([]SessionRef, error) {
	var refs []SessionRef
	c := t.tx.Bucket([]byte(backupBucket)).Cursor()
	for k, _ := c.First(); k != nil && len(refs) < limit; k, _ = c.Next() {
		senderKey, sessionID, err := splitCompositeKey(k)
		if err != nil {
			return nil, err
		}
		refs = append(refs, SessionRef{SenderKey: senderKey, SessionID: sessionID})
	}
	return refs, nil
}

func (t *boltTxn) CountSessionsNeedingBackup() (int, error) {
	n := 0
	err := t.tx.Bucket([]byte(backupBucket)).ForEach(func(k, v []byte) error {
		n++
		return nil
	})
	return n, err
}

// bodyKey is the secondary index key for request body dedup: a digest of
// the canonical serialization, so deep-equal bodies collide.
func bodyKey(body *KeyRequestBody) ([]byte, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

func (t *boltTxn) GetOutgoingKeyRequest(requestID string) (*OutgoingKeyRequest, error) {
	raw := t.tx.Bucket([]byte(requestsBucket)).Get([]byte(requestID))
	if raw == nil {
		return nil, nil
	}
	req := new(OutgoingKeyRequest)
	if err := cbor.Unmarshal(raw, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (t *boltTxn) GetOutgoingKeyRequestByBody(body *KeyRequestBody) (*OutgoingKeyRequest, error) {
	bk, err := bodyKey(body)
	if err != nil {
		return nil, err
	}
	id := t.tx.Bucket([]byte(requestBodiesBucket)).Get(bk)
	if id == nil {
		return nil, nil
	}
	return t.GetOutgoingKeyRequest(string(id))
}

func (t *boltTxn) GetOutgoingKeyRequestByState(states ...RequestState) (*OutgoingKeyRequest, error) {
	var found *OutgoingKeyRequest
	err := t.tx.Bucket([]byte(requestsBucket)).ForEach(func(k, v []byte) error {
		req := new(OutgoingKeyRequest)
		if err := cbor.Unmarshal(v, req); err != nil {
			return err
		}
		for _, s := range states {
			if req.State == s {
				found = req
				return errStopIteration
			}
		}
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	return found, nil
}

var errStopIteration = fmt.Errorf("store: stop iteration")

func (t *boltTxn) ForEachOutgoingKeyRequest(fn func(req *OutgoingKeyRequest) error) error {
	return t.tx.Bucket([]byte(requestsBucket)).ForEach(func(k, v []byte) error {
		req := new(OutgoingKeyRequest)
		if err := cbor.Unmarshal(v, req); err != nil {
			return err
		}
		return fn(req)
	})
}

func (t *boltTxn) PutOutgoingKeyRequest(req *OutgoingKeyRequest) error {
	raw, err := cbor.Marshal(req)
	if err != nil {
		return err
	}
	if err = t.tx.Bucket([]byte(requestsBucket)).Put([]byte(req.RequestID), raw); err != nil {
		return err
	}
	bk, err := bodyKey(&req.RequestBody)
	if err != nil {
		return err
	}
	return t.tx.Bucket([]byte(requestBodiesBucket)).Put(bk, []byte(req.RequestID))
}

func (t *boltTxn) UpdateOutgoingKeyRequest(requestID string, expected, to RequestState) (*OutgoingKeyRequest, error) {
	req, err := t.GetOutgoingKeyRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrNoSuchRequest
	}
	if req.State != expected {
		return nil, ErrStateMismatch
	}
	req.State = to
	if err = t.PutOutgoingKeyRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (t *boltTxn) DeleteOutgoingKeyRequest(requestID string, expected RequestState) error {
	req, err := t.GetOutgoingKeyRequest(requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrNoSuchRequest
	}
	if req.State != expected {
		return ErrStateMismatch
	}
	bk, err := bodyKey(&req.RequestBody)
	if err != nil {
		return err
	}
	if err = t.tx.Bucket([]byte(requestBodiesBucket)).Delete(bk); err != nil {
		return err
	}
	return t.tx.Bucket([]byte(requestsBucket)).Delete([]byte(requestID))
}

func (t *boltTxn) GetWithheldSession(senderKey, sessionID string) (*WithheldInfo, error) {
	raw := t.tx.Bucket([]byte(withheldBucket)).Get(compositeKey(senderKey, sessionID))
	if raw == nil {
		return nil, nil
	}
	info := new(WithheldInfo)
	if err := cbor.Unmarshal(raw, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (t *boltTxn) PutWithheldSession(info *WithheldInfo) error {
	raw, err := cbor.Marshal(info)
	if err != nil {
		return err
	}
	return t.tx.Bucket([]byte(withheldBucket)).Put(compositeKey(info.SenderKey, info.SessionID), raw)
}
