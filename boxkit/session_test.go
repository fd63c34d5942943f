package boxkit

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func pairedAccounts(t *testing.T) (alice, bob *Account) {
	var err error
	alice, err = NewAccount(rand.Reader)
	require.NoError(t, err)
	bob, err = NewAccount(rand.Reader)
	require.NoError(t, err)
	return
}

func pairedSessions(t *testing.T) (alice, bob *Account, aSession, bSession *Session) {
	alice, bob = pairedAccounts(t)

	err := bob.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	var oneTimeKey string
	for _, k := range bob.OneTimeKeys() {
		oneTimeKey = k
	}
	require.NotEmpty(t, oneTimeKey)

	_, bobCurve := bob.IdentityKeys()
	aSession, err = NewOutboundSession(alice, bobCurve, oneTimeKey)
	require.NoError(t, err)

	msgType, ciphertext, err := aSession.Encrypt([]byte("hello bob"))
	require.NoError(t, err)
	require.Equal(t, MessageTypePreKey, msgType)

	bSession, err = NewInboundSession(bob, ciphertext)
	require.NoError(t, err)
	require.Equal(t, aSession.ID(), bSession.ID())
	require.True(t, bob.RemoveOneTimeKeys(bSession))

	plaintext, err := bSession.Decrypt(msgType, ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), plaintext)
	return
}

func TestSessionRoundTrip(t *testing.T) {
	_, _, aSession, bSession := pairedSessions(t)

	// Bob replies; the reply is an established-session message.
	msgType, ct, err := bSession.Encrypt([]byte("hello alice"))
	require.NoError(t, err)
	require.Equal(t, MessageTypeNormal, msgType)

	plaintext, err := aSession.Decrypt(msgType, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello alice"), plaintext)

	// After the reply, Alice stops sending the handshake form.
	msgType, ct, err = aSession.Encrypt([]byte("ack"))
	require.NoError(t, err)
	require.Equal(t, MessageTypeNormal, msgType)
	plaintext, err = bSession.Decrypt(msgType, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("ack"), plaintext)
}

func TestSessionOutOfOrder(t *testing.T) {
	_, _, aSession, bSession := pairedSessions(t)

	type sent struct {
		msgType    int
		ciphertext []byte
	}
	msgs := make([]sent, 0, 4)
	for _, m := range []string{"one", "two", "three", "four"} {
		msgType, ct, err := aSession.Encrypt([]byte(m))
		require.NoError(t, err)
		msgs = append(msgs, sent{msgType, ct})
	}

	// Deliver out of order.
	for _, i := range []int{3, 1, 0, 2} {
		_, err := bSession.Decrypt(msgs[i].msgType, msgs[i].ciphertext)
		require.NoError(t, err)
	}

	// A replayed message key is gone.
	_, err := bSession.Decrypt(msgs[1].msgType, msgs[1].ciphertext)
	require.ErrorIs(t, err, ErrMessageKeyNotFound)
}

func TestSessionCorruptCiphertext(t *testing.T) {
	_, _, aSession, bSession := pairedSessions(t)

	msgType, ct, err := aSession.Encrypt([]byte("payload"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff
	_, err = bSession.Decrypt(msgType, ct)
	require.Error(t, err)
}

func TestSessionMatchesInbound(t *testing.T) {
	alice, bob := pairedAccounts(t)
	require.NoError(t, bob.GenerateOneTimeKeys(2))

	var oneTimeKeys []string
	for _, k := range bob.OneTimeKeys() {
		oneTimeKeys = append(oneTimeKeys, k)
	}
	_, bobCurve := bob.IdentityKeys()
	s1, err := NewOutboundSession(alice, bobCurve, oneTimeKeys[0])
	require.NoError(t, err)
	s2, err := NewOutboundSession(alice, bobCurve, oneTimeKeys[1])
	require.NoError(t, err)
	require.NotEqual(t, s1.ID(), s2.ID())

	_, ct1, err := s1.Encrypt([]byte("x"))
	require.NoError(t, err)

	b1, err := NewInboundSession(bob, ct1)
	require.NoError(t, err)

	ok, err := b1.MatchesInboundSessionFrom("", ct1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ct2, err := s2.Encrypt([]byte("y"))
	require.NoError(t, err)
	ok, err = b1.MatchesInboundSessionFrom("", ct2)
	require.NoError(t, err)
	require.False(t, ok)

	_, aliceCurve := alice.IdentityKeys()
	ok, err = b1.MatchesInboundSessionFrom(aliceCurve, ct1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSessionPickle(t *testing.T) {
	_, _, aSession, bSession := pairedSessions(t)

	pickleKey := []byte("pickle test key")
	pickled, err := bSession.Pickle(pickleKey)
	require.NoError(t, err)

	restored, err := SessionFromPickle(rand.Reader, pickleKey, pickled)
	require.NoError(t, err)
	require.Equal(t, bSession.ID(), restored.ID())
	require.True(t, restored.HasReceivedMessage())

	msgType, ct, err := aSession.Encrypt([]byte("after restore"))
	require.NoError(t, err)
	plaintext, err := restored.Decrypt(msgType, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("after restore"), plaintext)

	_, err = SessionFromPickle(rand.Reader, []byte("wrong key"), pickled)
	require.ErrorIs(t, err, ErrBadPickle)
}

func TestInboundSessionNoMatchingKey(t *testing.T) {
	alice, bob := pairedAccounts(t)
	require.NoError(t, bob.GenerateOneTimeKeys(1))
	var otk string
	for _, k := range bob.OneTimeKeys() {
		otk = k
	}
	_, bobCurve := bob.IdentityKeys()
	s, err := NewOutboundSession(alice, bobCurve, otk)
	require.NoError(t, err)
	_, ct, err := s.Encrypt([]byte("z"))
	require.NoError(t, err)

	// A third party that never published this one time key cannot
	// create the inbound session.
	eve, err := NewAccount(rand.Reader)
	require.NoError(t, err)
	_, err = NewInboundSession(eve, ct)
	require.ErrorIs(t, err, ErrBadMessageKeyID)
}
