package keyrequest

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightjar-im/nightjar/core/log"
	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

func testManager(t *testing.T) (*Manager, *wire.FakeTransport, store.Store) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "crypto.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	transport := wire.NewFakeTransport()
	return New(st, transport, logBackend, "TESTDEVICE"), transport, st
}

func testBody() *store.KeyRequestBody {
	return &store.KeyRequestBody{
		Algorithm: wire.AlgorithmGroup,
		RoomID:    "!room",
		SenderKey: "sender-curve25519",
		SessionID: "session-id",
	}
}

func testRecipients() []store.Recipient {
	return []store.Recipient{
		{UserID: "@alice:example.com", DeviceID: "*"},
		{UserID: "@alice:example.com", DeviceID: "SENDER"},
	}
}

func requestByBody(t *testing.T, st store.Store, body *store.KeyRequestBody) *store.OutgoingKeyRequest {
	var req *store.OutgoingKeyRequest
	require.NoError(t, st.View(func(txn store.Transaction) error {
		var err error
		req, err = txn.GetOutgoingKeyRequestByBody(body)
		return err
	}))
	return req
}

func TestSendRoomKeyRequestDedup(t *testing.T) {
	m, transport, st := testManager(t)

	require.NoError(t, m.SendRoomKeyRequest(testBody(), testRecipients()))
	require.NoError(t, m.SendRoomKeyRequest(testBody(), testRecipients()))

	req := requestByBody(t, st, testBody())
	require.NotNil(t, req)
	require.Equal(t, store.RequestUnsent, req.State)

	require.NoError(t, m.SendOutstandingRequests())
	require.Len(t, transport.Sent, 1)

	sent := transport.Sent[0]
	require.Equal(t, wire.EventRoomKeyRequest, sent.EventType)
	require.Equal(t, req.RequestID, sent.TxnID)

	var content wire.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(sent.Messages["@alice:example.com"]["SENDER"], &content))
	require.Equal(t, wire.ActionRequest, content.Action)
	require.Equal(t, "TESTDEVICE", content.RequestingDeviceID)
	require.Equal(t, req.RequestID, content.RequestID)
	require.NotNil(t, content.Body)
	require.Equal(t, "session-id", content.Body.SessionID)

	req = requestByBody(t, st, testBody())
	require.Equal(t, store.RequestSent, req.State)

	// A repeat while SENT changes nothing and sends nothing.
	require.NoError(t, m.SendRoomKeyRequest(testBody(), testRecipients()))
	require.NoError(t, m.SendOutstandingRequests())
	require.Len(t, transport.Sent, 1)
}

func TestCancelUnsentRequest(t *testing.T) {
	m, transport, st := testManager(t)

	require.NoError(t, m.SendRoomKeyRequest(testBody(), testRecipients()))
	require.NoError(t, m.CancelRoomKeyRequest(testBody(), false))

	// Never observed by a recipient, so no cancellation goes out.
	require.Nil(t, requestByBody(t, st, testBody()))
	require.NoError(t, m.SendOutstandingRequests())
	require.Empty(t, transport.Sent)
}

func TestCancelSentRequest(t *testing.T) {
	m, transport, st := testManager(t)

	require.NoError(t, m.SendRoomKeyRequest(testBody(), testRecipients()))
	require.NoError(t, m.SendOutstandingRequests())
	requestID := transport.Sent[0].TxnID

	require.NoError(t, m.CancelRoomKeyRequest(testBody(), false))
	req := requestByBody(t, st, testBody())
	require.Equal(t, store.RequestCancellationPending, req.State)

	require.NoError(t, m.SendOutstandingRequests())
	require.Len(t, transport.Sent, 2)
	cancel := transport.Sent[1]
	require.Equal(t, requestID+"-cancellation", cancel.TxnID)

	var content wire.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(cancel.Messages["@alice:example.com"]["SENDER"], &content))
	require.Equal(t, wire.ActionRequestCancellation, content.Action)
	require.Equal(t, requestID, content.RequestID)
	require.Nil(t, content.Body)

	require.Nil(t, requestByBody(t, st, testBody()))

	// Cancelling again is a no-op.
	require.NoError(t, m.CancelRoomKeyRequest(testBody(), false))
	require.NoError(t, m.SendOutstandingRequests())
	require.Len(t, transport.Sent, 2)
}

func TestCancelAndResend(t *testing.T) {
	m, transport, st := testManager(t)

	require.NoError(t, m.SendRoomKeyRequest(testBody(), testRecipients()))
	require.NoError(t, m.SendOutstandingRequests())
	requestID := transport.Sent[0].TxnID

	require.NoError(t, m.CancelRoomKeyRequest(testBody(), true))
	req := requestByBody(t, st, testBody())
	require.Equal(t, store.RequestCancellationPendingAndWillResend, req.State)

	// One drain sends the cancellation and then the fresh request,
	// both under the original request ID.
	require.NoError(t, m.SendOutstandingRequests())
	require.Len(t, transport.Sent, 3)

	var cancel, resent wire.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(transport.Sent[1].Messages["@alice:example.com"]["SENDER"], &cancel))
	require.NoError(t, json.Unmarshal(transport.Sent[2].Messages["@alice:example.com"]["SENDER"], &resent))
	require.Equal(t, wire.ActionRequestCancellation, cancel.Action)
	require.Equal(t, wire.ActionRequest, resent.Action)
	require.Equal(t, requestID, cancel.RequestID)
	require.Equal(t, requestID, resent.RequestID)

	req = requestByBody(t, st, testBody())
	require.Equal(t, store.RequestSent, req.State)
}

func TestQueueRequestWhileCancellationPending(t *testing.T) {
	m, transport, st := testManager(t)

	require.NoError(t, m.SendRoomKeyRequest(testBody(), testRecipients()))
	require.NoError(t, m.SendOutstandingRequests())
	require.NoError(t, m.CancelRoomKeyRequest(testBody(), false))

	// A new need for the same keys while the cancellation is queued
	// flips the record to cancel-then-resend.
	require.NoError(t, m.SendRoomKeyRequest(testBody(), testRecipients()))
	req := requestByBody(t, st, testBody())
	require.Equal(t, store.RequestCancellationPendingAndWillResend, req.State)

	require.NoError(t, m.SendOutstandingRequests())
	require.Len(t, transport.Sent, 3)
	require.Equal(t, store.RequestSent, requestByBody(t, st, testBody()).State)
}

func TestSendLoopErrorStopsDrain(t *testing.T) {
	m, transport, st := testManager(t)
	netErr := errors.New("gateway timeout")
	transport.SendToDeviceErr = func(eventType, txnID string) error { return netErr }

	require.NoError(t, m.SendRoomKeyRequest(testBody(), testRecipients()))
	require.ErrorIs(t, m.SendOutstandingRequests(), netErr)
	require.Equal(t, store.RequestUnsent, requestByBody(t, st, testBody()).State)

	transport.SendToDeviceErr = nil
	require.NoError(t, m.SendOutstandingRequests())
	require.Equal(t, store.RequestSent, requestByBody(t, st, testBody()).State)
	require.Len(t, transport.Sent, 1)
}

func TestSendLoopReentry(t *testing.T) {
	m, _, _ := testManager(t)
	<-m.runningCh
	require.ErrorIs(t, m.SendOutstandingRequests(), ErrSendLoopRunning)
	m.runningCh <- struct{}{}
	require.NoError(t, m.SendOutstandingRequests())
}
