package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *BoltStore {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "crypto.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountPartition(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.View(func(txn Transaction) error {
		pickle, err := txn.GetAccountPickle()
		require.NoError(t, err)
		require.Nil(t, pickle)
		return nil
	}))

	require.NoError(t, s.Update(func(txn Transaction) error {
		return txn.PutAccountPickle([]byte("account blob"))
	}))
	require.NoError(t, s.View(func(txn Transaction) error {
		pickle, err := txn.GetAccountPickle()
		require.NoError(t, err)
		require.Equal(t, []byte("account blob"), pickle)
		return nil
	}))
}

func TestSessionPartition(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Update(func(txn Transaction) error {
		require.NoError(t, txn.PutSession("keyA", "s1", &SessionInfo{Pickle: []byte("p1"), LastReceivedMessageTs: 100}))
		require.NoError(t, txn.PutSession("keyA", "s2", &SessionInfo{Pickle: []byte("p2"), LastReceivedMessageTs: 200}))
		require.NoError(t, txn.PutSession("keyB", "s3", &SessionInfo{Pickle: []byte("p3")}))
		return nil
	}))

	require.NoError(t, s.View(func(txn Transaction) error {
		info, err := txn.GetSession("keyA", "s2")
		require.NoError(t, err)
		require.Equal(t, int64(200), info.LastReceivedMessageTs)

		missing, err := txn.GetSession("keyA", "nope")
		require.NoError(t, err)
		require.Nil(t, missing)

		all, err := txn.GetSessions("keyA")
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Contains(t, all, "s1")
		require.Contains(t, all, "s2")
		return nil
	}))
}

func TestGroupSessionPartitionAndBackupWorklist(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Update(func(txn Transaction) error {
		require.NoError(t, txn.PutGroupSession("sender", "sess", &GroupSessionInfo{
			Pickle:      []byte("gp"),
			RoomID:      "!room:example.org",
			KeysClaimed: map[string]string{"ed25519": "claimed"},
			NeedsBackup: true,
		}))
		return txn.MarkSessionsNeedingBackup([]SessionRef{{SenderKey: "sender", SessionID: "sess"}})
	}))

	require.NoError(t, s.View(func(txn Transaction) error {
		info, err := txn.GetGroupSession("sender", "sess")
		require.NoError(t, err)
		require.Equal(t, "!room:example.org", info.RoomID)
		require.Equal(t, "claimed", info.KeysClaimed["ed25519"])

		n, err := txn.CountSessionsNeedingBackup()
		require.NoError(t, err)
		require.Equal(t, 1, n)

		refs, err := txn.SessionsNeedingBackup(10)
		require.NoError(t, err)
		require.Equal(t, []SessionRef{{SenderKey: "sender", SessionID: "sess"}}, refs)
		return nil
	}))

	require.NoError(t, s.Update(func(txn Transaction) error {
		return txn.UnmarkSessionsNeedingBackup([]SessionRef{{SenderKey: "sender", SessionID: "sess"}})
	}))
	require.NoError(t, s.View(func(txn Transaction) error {
		n, err := txn.CountSessionsNeedingBackup()
		require.NoError(t, err)
		require.Equal(t, 0, n)
		return nil
	}))
}

func TestOutgoingKeyRequestLifecycle(t *testing.T) {
	s := testStore(t)

	body := KeyRequestBody{
		Algorithm: "nightjar.group.v1",
		RoomID:    "!room:example.org",
		SenderKey: "senderkey",
		SessionID: "sessionid",
	}
	req := &OutgoingKeyRequest{
		RequestID:   "req1",
		RequestBody: body,
		Recipients:  []Recipient{{UserID: "@alice:example.org", DeviceID: "*"}},
		State:       RequestUnsent,
	}

	require.NoError(t, s.Update(func(txn Transaction) error {
		return txn.PutOutgoingKeyRequest(req)
	}))

	// Deep-equal body lookup finds it; a different body does not.
	require.NoError(t, s.View(func(txn Transaction) error {
		found, err := txn.GetOutgoingKeyRequestByBody(&KeyRequestBody{
			Algorithm: body.Algorithm,
			RoomID:    body.RoomID,
			SenderKey: body.SenderKey,
			SessionID: body.SessionID,
		})
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Equal(t, "req1", found.RequestID)

		other := body
		other.SessionID = "different"
		missing, err := txn.GetOutgoingKeyRequestByBody(&other)
		require.NoError(t, err)
		require.Nil(t, missing)
		return nil
	}))

	// CAS transition succeeds from the expected state only.
	require.NoError(t, s.Update(func(txn Transaction) error {
		updated, err := txn.UpdateOutgoingKeyRequest("req1", RequestUnsent, RequestSent)
		require.NoError(t, err)
		require.Equal(t, RequestSent, updated.State)

		_, err = txn.UpdateOutgoingKeyRequest("req1", RequestUnsent, RequestSent)
		require.ErrorIs(t, err, ErrStateMismatch)
		return nil
	}))

	// State-filtered pull.
	require.NoError(t, s.View(func(txn Transaction) error {
		found, err := txn.GetOutgoingKeyRequestByState(RequestUnsent, RequestSent)
		require.NoError(t, err)
		require.NotNil(t, found)

		none, err := txn.GetOutgoingKeyRequestByState(RequestCancellationPending)
		require.NoError(t, err)
		require.Nil(t, none)
		return nil
	}))

	// CAS delete.
	require.NoError(t, s.Update(func(txn Transaction) error {
		require.ErrorIs(t, txn.DeleteOutgoingKeyRequest("req1", RequestUnsent), ErrStateMismatch)
		require.NoError(t, txn.DeleteOutgoingKeyRequest("req1", RequestSent))
		require.ErrorIs(t, txn.DeleteOutgoingKeyRequest("req1", RequestSent), ErrNoSuchRequest)
		return nil
	}))

	// The body index is gone with the record.
	require.NoError(t, s.View(func(txn Transaction) error {
		missing, err := txn.GetOutgoingKeyRequestByBody(&body)
		require.NoError(t, err)
		require.Nil(t, missing)
		return nil
	}))
}

func TestWithheldPartition(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Update(func(txn Transaction) error {
		return txn.PutWithheldSession(&WithheldInfo{
			RoomID:    "!room:example.org",
			SenderKey: "sk",
			SessionID: "sid",
			Algorithm: "nightjar.group.v1",
			Code:      "m.unverified",
			Reason:    "device not verified",
		})
	}))
	require.NoError(t, s.View(func(txn Transaction) error {
		info, err := txn.GetWithheldSession("sk", "sid")
		require.NoError(t, err)
		require.Equal(t, "m.unverified", info.Code)
		missing, err := txn.GetWithheldSession("sk", "other")
		require.NoError(t, err)
		require.Nil(t, missing)
		return nil
	}))
}
