package machine

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightjar-im/nightjar/boxkit"
	"github.com/nightjar-im/nightjar/core/log"
	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

type testPeer struct {
	m         *Machine
	transport *wire.FakeTransport
	userID    string
	deviceID  string
	delivered int
}

func newTestPeer(t *testing.T, userID, deviceID string, tweak func(*Config)) *testPeer {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "crypto.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	transport := wire.NewFakeTransport()
	cfg := &Config{
		UserID:     userID,
		DeviceID:   deviceID,
		Store:      st,
		Transport:  transport,
		LogBackend: logBackend,
		PickleKey:  []byte("test pickle key"),
	}
	if tweak != nil {
		tweak(cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return &testPeer{m: m, transport: transport, userID: userID, deviceID: deviceID}
}

func (p *testPeer) device(t *testing.T) *DeviceIdentity {
	signingKey, identityKey := p.m.engine.IdentityKeys()
	return &DeviceIdentity{
		UserID:      p.userID,
		DeviceID:    p.deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
	}
}

// claimFrom wires p's transport to mint signed one-time keys straight
// from target's engine, standing in for the key server.
func (p *testPeer) claimFrom(t *testing.T, targets ...*testPeer) {
	p.transport.ClaimKeysFn = func(devices map[string][]string) (map[string]map[string]map[string]wire.SignedOneTimeKey, error) {
		out := make(map[string]map[string]map[string]wire.SignedOneTimeKey)
		for _, target := range targets {
			if _, ok := devices[target.userID]; !ok {
				continue
			}
			require.NoError(t, target.m.engine.GenerateOneTimeKeys(1))
			keys, err := target.m.engine.OneTimeKeys()
			require.NoError(t, err)
			require.NoError(t, target.m.engine.MarkKeysAsPublished())
			for keyID, key := range keys {
				raw, err := json.Marshal(map[string]string{"key": key})
				require.NoError(t, err)
				sig, err := target.m.engine.Sign(raw)
				require.NoError(t, err)
				if out[target.userID] == nil {
					out[target.userID] = make(map[string]map[string]wire.SignedOneTimeKey)
				}
				out[target.userID][target.deviceID] = map[string]wire.SignedOneTimeKey{
					"signed_curve25519:" + keyID: {
						Key: key,
						Signatures: map[string]map[string]string{
							target.userID: {"ed25519:" + target.deviceID: sig},
						},
					},
				}
			}
		}
		return out, nil
	}
}

// deliver replays from's unseen to-device sends into to's machine.
func deliver(t *testing.T, from, to *testPeer) {
	sent := from.transport.Sent
	for ; from.delivered < len(sent); from.delivered++ {
		s := sent[from.delivered]
		for deviceID, raw := range s.Messages[to.userID] {
			if deviceID != to.deviceID && deviceID != "*" {
				continue
			}
			err := to.m.HandleToDeviceEvent(&wire.ToDeviceEvent{
				Type:    s.EventType,
				Sender:  from.userID,
				Content: raw,
			})
			require.NoError(t, err)
		}
	}
}

func TestRoomEventRoundTrip(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.com", "ALICEDEV", nil)
	bob := newTestPeer(t, "@bob:example.com", "BOBDEV", nil)
	alice.claimFrom(t, bob)

	require.NoError(t, alice.m.SetRoomEncryption("!room", wire.AlgorithmGroup))
	plaintext := []byte(`{"msgtype":"m.text","body":"hello"}`)
	content, err := alice.m.EncryptRoomEvent("!room", []DeviceIdentity{*bob.device(t)}, plaintext)
	require.NoError(t, err)
	require.Equal(t, wire.AlgorithmGroup, content.Algorithm)
	require.Equal(t, "ALICEDEV", content.DeviceID)

	// Exactly one key share went out, pairwise encrypted.
	shares := alice.transport.SentOfType(wire.EventEncrypted)
	require.Len(t, shares, 1)
	deliver(t, alice, bob)

	_, aliceCurve := alice.m.engine.IdentityKeys()
	got, err := bob.m.DecryptRoomEvent("!room", aliceCurve, alice.userID, content, "$event1", 1000)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	// Further sends reuse the session: no new key share.
	content2, err := alice.m.EncryptRoomEvent("!room", []DeviceIdentity{*bob.device(t)}, []byte("more"))
	require.NoError(t, err)
	require.Equal(t, content.SessionID, content2.SessionID)
	require.Len(t, alice.transport.SentOfType(wire.EventEncrypted), 1)
	deliver(t, alice, bob)

	got, err = bob.m.DecryptRoomEvent("!room", aliceCurve, alice.userID, content2, "$event2", 2000)
	require.NoError(t, err)
	require.Equal(t, []byte("more"), got)
}

func TestRotationByMessageCount(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.com", "ALICEDEV", func(cfg *Config) {
		cfg.RotationMessages = 2
	})
	bob := newTestPeer(t, "@bob:example.com", "BOBDEV", nil)
	alice.claimFrom(t, bob)
	require.NoError(t, alice.m.SetRoomEncryption("!room", wire.AlgorithmGroup))

	devices := []DeviceIdentity{*bob.device(t)}
	c1, err := alice.m.EncryptRoomEvent("!room", devices, []byte("one"))
	require.NoError(t, err)
	c2, err := alice.m.EncryptRoomEvent("!room", devices, []byte("two"))
	require.NoError(t, err)
	require.Equal(t, c1.SessionID, c2.SessionID)

	// Message count bound hit: the third send rotates and re-shares.
	c3, err := alice.m.EncryptRoomEvent("!room", devices, []byte("three"))
	require.NoError(t, err)
	require.NotEqual(t, c1.SessionID, c3.SessionID)
	require.Len(t, alice.transport.SentOfType(wire.EventEncrypted), 2)
}

func TestDiscardRoomKey(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.com", "ALICEDEV", nil)
	bob := newTestPeer(t, "@bob:example.com", "BOBDEV", nil)
	alice.claimFrom(t, bob)
	require.NoError(t, alice.m.SetRoomEncryption("!room", wire.AlgorithmGroup))

	devices := []DeviceIdentity{*bob.device(t)}
	c1, err := alice.m.EncryptRoomEvent("!room", devices, []byte("before"))
	require.NoError(t, err)

	alice.m.DiscardRoomKey("!room")
	c2, err := alice.m.EncryptRoomEvent("!room", devices, []byte("after"))
	require.NoError(t, err)
	require.NotEqual(t, c1.SessionID, c2.SessionID)
}

func TestMissingSessionRequestsKeys(t *testing.T) {
	bob := newTestPeer(t, "@bob:example.com", "BOBDEV", nil)

	content := &wire.EncryptedContent{
		Algorithm: wire.AlgorithmGroup,
		SenderKey: "unknown-sender-key",
		GroupBody: boxkit.B64.EncodeToString([]byte("opaque")),
		SessionID: "unknown-session",
		DeviceID:  "ALICEDEV",
	}
	_, err := bob.m.DecryptRoomEvent("!room", "unknown-sender-key", "@alice:example.com", content, "$e", 0)
	require.ErrorIs(t, err, ErrUnableToDecrypt)

	found, err := bob.m.HasOutgoingKeyRequest(&store.KeyRequestBody{
		Algorithm: wire.AlgorithmGroup,
		RoomID:    "!room",
		SenderKey: "unknown-sender-key",
		SessionID: "unknown-session",
	})
	require.NoError(t, err)
	require.True(t, found)
}

func TestWithheldSuppressesKeyRequest(t *testing.T) {
	bob := newTestPeer(t, "@bob:example.com", "BOBDEV", nil)

	withheld := wire.RoomKeyWithheldContent{
		RoomID:    "!room",
		Algorithm: wire.AlgorithmGroup,
		SessionID: "held-back",
		SenderKey: "sender-key",
		Code:      "m.unverified",
	}
	raw, err := json.Marshal(&withheld)
	require.NoError(t, err)
	require.NoError(t, bob.m.HandleToDeviceEvent(&wire.ToDeviceEvent{
		Type:    wire.EventRoomKeyWithheld,
		Sender:  "@alice:example.com",
		Content: raw,
	}))

	content := &wire.EncryptedContent{
		Algorithm: wire.AlgorithmGroup,
		SenderKey: "sender-key",
		GroupBody: boxkit.B64.EncodeToString([]byte("opaque")),
		SessionID: "held-back",
	}
	_, err = bob.m.DecryptRoomEvent("!room", "sender-key", "@alice:example.com", content, "$e", 0)
	require.ErrorIs(t, err, ErrUnableToDecrypt)

	found, err := bob.m.HasOutgoingKeyRequest(&store.KeyRequestBody{
		Algorithm: wire.AlgorithmGroup,
		RoomID:    "!room",
		SenderKey: "sender-key",
		SessionID: "held-back",
	})
	require.NoError(t, err)
	require.False(t, found)
}

// incomingRequestEvent fabricates an m.room_key_request to-device
// event.
func incomingRequestEvent(t *testing.T, sender, deviceID, requestID, action string, body *wire.RoomKeyRequestBody) *wire.ToDeviceEvent {
	raw, err := json.Marshal(&wire.RoomKeyRequestContent{
		Action:             action,
		RequestingDeviceID: deviceID,
		RequestID:          requestID,
		Body:               body,
	})
	require.NoError(t, err)
	return &wire.ToDeviceEvent{Type: wire.EventRoomKeyRequest, Sender: sender, Content: raw}
}

func TestKeyRequestBatchNetsOut(t *testing.T) {
	bob := newTestPeer(t, "@bob:example.com", "BOBDEV", nil)

	// Bob holds the session both requests are after.
	sessionID, err := bob.m.engine.CreateOutboundGroupSession()
	require.NoError(t, err)
	_, key, err := bob.m.engine.GetOutboundGroupSessionKey(sessionID)
	require.NoError(t, err)
	require.NoError(t, bob.m.engine.AddInboundGroupSession("!room", "creator-key", nil, sessionID, key, nil, false))

	body := &wire.RoomKeyRequestBody{
		Algorithm: wire.AlgorithmGroup,
		RoomID:    "!room",
		SenderKey: "creator-key",
		SessionID: sessionID,
	}
	// Two requests from two of our own devices, then a cancellation of
	// the first, all within one sync batch.
	require.NoError(t, bob.m.HandleToDeviceEvent(incomingRequestEvent(t, bob.userID, "OTHERDEV1", "req1", wire.ActionRequest, body)))
	require.NoError(t, bob.m.HandleToDeviceEvent(incomingRequestEvent(t, bob.userID, "OTHERDEV2", "req2", wire.ActionRequest, body)))
	require.NoError(t, bob.m.HandleToDeviceEvent(incomingRequestEvent(t, bob.userID, "OTHERDEV1", "req1", wire.ActionRequestCancellation, nil)))

	bob.m.processReceivedKeyRequests()
	require.Equal(t, 1, bob.m.OutstandingShareCount())
	bob.m.Lock()
	for _, req := range bob.m.pendingShares {
		require.Equal(t, "OTHERDEV2", req.deviceID)
	}
	bob.m.Unlock()
}

func TestKeyRequestPolicy(t *testing.T) {
	bob := newTestPeer(t, "@bob:example.com", "BOBDEV", nil)
	body := &wire.RoomKeyRequestBody{
		Algorithm: wire.AlgorithmGroup,
		RoomID:    "!room",
		SenderKey: "creator-key",
		SessionID: "some-session",
	}

	// Foreign users never get keys; neither do requests for sessions we
	// do not hold.
	require.NoError(t, bob.m.HandleToDeviceEvent(incomingRequestEvent(t, "@mallory:example.com", "EVIL", "req1", wire.ActionRequest, body)))
	require.NoError(t, bob.m.HandleToDeviceEvent(incomingRequestEvent(t, bob.userID, "OTHERDEV", "req2", wire.ActionRequest, body)))
	bob.m.processReceivedKeyRequests()
	require.Zero(t, bob.m.OutstandingShareCount())
}

func TestAnswerKeyRequestForwardsSession(t *testing.T) {
	bob := newTestPeer(t, "@bob:example.com", "BOBDEV", nil)
	carol := newTestPeer(t, "@bob:example.com", "CARODEV", nil)
	bob.claimFrom(t, carol)
	bob.m.cfg.ResolveDevice = func(userID, deviceSelector string) (*DeviceIdentity, error) {
		return carol.device(t), nil
	}

	sessionID, err := bob.m.engine.CreateOutboundGroupSession()
	require.NoError(t, err)
	_, key, err := bob.m.engine.GetOutboundGroupSessionKey(sessionID)
	require.NoError(t, err)
	require.NoError(t, bob.m.engine.AddInboundGroupSession("!room", "creator-key", nil, sessionID, key, map[string]string{"ed25519": "creator-ed"}, false))
	ct, err := bob.m.engine.EncryptGroupMessage(sessionID, []byte("history"))
	require.NoError(t, err)

	body := &wire.RoomKeyRequestBody{
		Algorithm: wire.AlgorithmGroup,
		RoomID:    "!room",
		SenderKey: "creator-key",
		SessionID: sessionID,
	}
	require.NoError(t, bob.m.HandleToDeviceEvent(incomingRequestEvent(t, bob.userID, "CARODEV", "req1", wire.ActionRequest, body)))
	bob.m.ProcessSyncCompleted()
	require.Zero(t, bob.m.OutstandingShareCount())
	require.Len(t, bob.transport.SentOfType(wire.EventEncrypted), 1)

	deliver(t, bob, carol)
	got, err := carol.m.DecryptRoomEvent("!room", "creator-key", bob.userID, &wire.EncryptedContent{
		Algorithm: wire.AlgorithmGroup,
		SenderKey: "creator-key",
		GroupBody: ct,
		SessionID: sessionID,
	}, "$e", 0)
	require.NoError(t, err)
	require.Equal(t, []byte("history"), got)
}

func TestUnwedgeRateLimited(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.com", "ALICEDEV", nil)
	bob := newTestPeer(t, "@bob:example.com", "BOBDEV", nil)
	alice.claimFrom(t, bob)
	alice.m.cfg.ResolveDevice = func(userID, deviceSelector string) (*DeviceIdentity, error) {
		return bob.device(t), nil
	}

	_, bobCurve := bob.m.engine.IdentityKeys()
	_, aliceCurve := alice.m.engine.IdentityKeys()
	garbage := &wire.EncryptedContent{
		Algorithm: wire.AlgorithmPairwise,
		SenderKey: bobCurve,
		Ciphertext: map[string]wire.PairwiseCiphertext{
			aliceCurve: {Type: 1, Body: boxkit.B64.EncodeToString([]byte("not a message"))},
		},
	}
	raw, err := json.Marshal(garbage)
	require.NoError(t, err)
	ev := &wire.ToDeviceEvent{Type: wire.EventEncrypted, Sender: bob.userID, Content: raw}

	require.ErrorIs(t, alice.m.HandleToDeviceEvent(ev), ErrUnableToDecrypt)
	pings := alice.transport.SentOfType(wire.EventEncrypted)
	require.Len(t, pings, 1)

	// A second failure within the rate limit window must not reset the
	// session again.
	require.ErrorIs(t, alice.m.HandleToDeviceEvent(ev), ErrUnableToDecrypt)
	require.Len(t, alice.transport.SentOfType(wire.EventEncrypted), 1)

	// Bob can decrypt the ping and sees a dummy event.
	deliver(t, alice, bob)
}

func TestOneTimeKeyReplenishment(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.com", "ALICEDEV", nil)
	alice.m.SetOneTimeKeyCount(0)

	require.NoError(t, alice.m.maintainOneTimeKeys())

	target := alice.m.engine.MaxNumberOfOneTimeKeys() / 2
	require.Equal(t, target, alice.transport.OneTimeKeyCount["signed_curve25519"])
	// Generation is bounded per batch.
	for _, batch := range alice.transport.UploadedKeys {
		require.LessOrEqual(t, len(batch), otkGenerateBatch)
	}
	// Everything uploaded was marked published.
	keys, err := alice.m.engine.OneTimeKeys()
	require.NoError(t, err)
	require.Empty(t, keys)

	// Pool full: another run uploads nothing.
	uploads := len(alice.transport.UploadedKeys)
	alice.m.SetOneTimeKeyCount(target)
	require.NoError(t, alice.m.maintainOneTimeKeys())
	require.Len(t, alice.transport.UploadedKeys, uploads)
}

func TestOneTimeKeyUploadSignatures(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.com", "ALICEDEV", nil)
	require.NoError(t, alice.m.engine.GenerateOneTimeKeys(1))
	_, err := alice.m.uploadOneTimeKeys()
	require.NoError(t, err)

	signingKey, _ := alice.m.engine.IdentityKeys()
	require.Len(t, alice.transport.UploadedKeys, 1)
	for _, key := range alice.transport.UploadedKeys[0] {
		require.True(t, alice.m.claimedKeyValid(alice.userID, alice.deviceID, signingKey, &key))
	}
}
