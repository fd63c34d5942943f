package engine

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightjar-im/nightjar/boxkit"
	"github.com/nightjar-im/nightjar/core/log"
	"github.com/nightjar-im/nightjar/store"
)

func testEngine(t *testing.T) *Engine {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "crypto.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	e, err := New(st, logBackend, []byte("test pickle key"))
	require.NoError(t, err)
	return e
}

// pairEngines establishes a pairwise session from a to b and returns
// both session IDs.
func pairEngines(t *testing.T, a, b *Engine, firstMessage []byte) (aSessionID, bSessionID string) {
	require.NoError(t, b.GenerateOneTimeKeys(1))
	keys, err := b.OneTimeKeys()
	require.NoError(t, err)
	var oneTimeKey string
	for _, k := range keys {
		oneTimeKey = k
	}
	require.NotEmpty(t, oneTimeKey)

	_, bCurve := b.IdentityKeys()
	aSessionID, err = a.CreateOutboundSession(bCurve, oneTimeKey)
	require.NoError(t, err)

	ct, err := a.EncryptMessage(bCurve, aSessionID, firstMessage)
	require.NoError(t, err)
	require.Equal(t, boxkit.MessageTypePreKey, ct.Type)

	_, aCurve := a.IdentityKeys()
	plaintext, bSessionID, err := b.CreateInboundSession(aCurve, ct.Type, ct.Body)
	require.NoError(t, err)
	require.Equal(t, firstMessage, plaintext)
	require.Equal(t, aSessionID, bSessionID)
	return
}

func TestPairwiseRoundTrip(t *testing.T) {
	a := testEngine(t)
	b := testEngine(t)
	sessionID, _ := pairEngines(t, a, b, []byte("session establishment"))

	_, aCurve := a.IdentityKeys()
	_, bCurve := b.IdentityKeys()

	// Bob replies, Alice decrypts, and so on both ways.
	for i, msg := range [][]byte{[]byte("reply"), []byte("another"), bytes.Repeat([]byte("x"), MaxPlaintextLength)} {
		ct, err := b.EncryptMessage(aCurve, sessionID, msg)
		require.NoError(t, err, "message %d", i)
		got, err := a.DecryptMessage(aCurve, sessionID, ct.Type, ct.Body)
		require.NoError(t, err)
		require.Equal(t, msg, got)
	}

	ct, err := a.EncryptMessage(bCurve, sessionID, []byte("back at you"))
	require.NoError(t, err)
	got, err := b.DecryptMessage(bCurve, sessionID, ct.Type, ct.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("back at you"), got)
}

func TestEncryptMessageTooLarge(t *testing.T) {
	a := testEngine(t)
	b := testEngine(t)
	sessionID, _ := pairEngines(t, a, b, []byte("hello"))

	_, bCurve := b.IdentityKeys()
	_, err := a.EncryptMessage(bCurve, sessionID, bytes.Repeat([]byte("y"), MaxPlaintextLength+1))
	require.ErrorIs(t, err, ErrPlaintextTooLarge)
}

func TestCreateInboundSessionRequiresPreKey(t *testing.T) {
	b := testEngine(t)
	_, _, err := b.CreateInboundSession("whatever", boxkit.MessageTypeNormal, "AAAA")
	require.ErrorIs(t, err, ErrNotPreKeyMessage)
}

func TestCreateInboundSessionUnknownKey(t *testing.T) {
	a := testEngine(t)
	b := testEngine(t)
	eve := testEngine(t)
	sessionID, _ := pairEngines(t, a, b, []byte("hi"))

	// Re-send the handshake to the wrong device: eve holds no matching
	// one time key.
	_, bCurve := b.IdentityKeys()
	ct, err := a.EncryptMessage(bCurve, sessionID, []byte("again"))
	require.NoError(t, err)
	require.Equal(t, boxkit.MessageTypePreKey, ct.Type)

	_, aCurve := a.IdentityKeys()
	_, _, err = eve.CreateInboundSession(aCurve, ct.Type, ct.Body)
	require.ErrorIs(t, err, boxkit.ErrBadMessageKeyID)
}

func TestMatchesSession(t *testing.T) {
	a := testEngine(t)
	b := testEngine(t)
	sessionID, _ := pairEngines(t, a, b, []byte("hi"))

	_, aCurve := a.IdentityKeys()
	_, bCurve := b.IdentityKeys()
	ct, err := a.EncryptMessage(bCurve, sessionID, []byte("still the handshake"))
	require.NoError(t, err)
	require.Equal(t, boxkit.MessageTypePreKey, ct.Type)

	matches, err := b.MatchesSession(aCurve, sessionID, ct.Body)
	require.NoError(t, err)
	require.True(t, matches)
}

func TestGetSessionIDForDevice(t *testing.T) {
	e := testEngine(t)

	// Three sessions: ts 100, ts 200, and never-received.
	require.NoError(t, e.st.Update(func(txn store.Transaction) error {
		require.NoError(t, txn.PutSession("device", "aaa", &store.SessionInfo{Pickle: []byte("x"), LastReceivedMessageTs: 100}))
		require.NoError(t, txn.PutSession("device", "bbb", &store.SessionInfo{Pickle: []byte("x"), LastReceivedMessageTs: 200}))
		require.NoError(t, txn.PutSession("device", "ccc", &store.SessionInfo{Pickle: []byte("x")}))
		return nil
	}))

	id, err := e.GetSessionIDForDevice("device")
	require.NoError(t, err)
	require.Equal(t, "bbb", id)

	// Ties break towards the lowest session ID.
	require.NoError(t, e.st.Update(func(txn store.Transaction) error {
		return txn.PutSession("device", "aab", &store.SessionInfo{Pickle: []byte("x"), LastReceivedMessageTs: 200})
	}))
	id, err = e.GetSessionIDForDevice("device")
	require.NoError(t, err)
	require.Equal(t, "aab", id)

	id, err = e.GetSessionIDForDevice("unknown-device")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestOneTimeKeyPoolPersistence(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.GenerateOneTimeKeys(5))
	keys, err := e.OneTimeKeys()
	require.NoError(t, err)
	require.Len(t, keys, 5)

	require.NoError(t, e.MarkKeysAsPublished())
	keys, err = e.OneTimeKeys()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestSignAndVerify(t *testing.T) {
	e := testEngine(t)
	signingKey, _ := e.IdentityKeys()
	msg := []byte("device keys document")
	sig, err := e.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, e.VerifySignature(signingKey, msg, sig))
	require.ErrorIs(t, e.VerifySignature(signingKey, []byte("other"), sig), boxkit.ErrBadSignature)
}
