package boxkit

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccountOneTimeKeys(t *testing.T) {
	a, err := NewAccount(rand.Reader)
	require.NoError(t, err)

	require.Equal(t, MaxOneTimeKeys, a.MaxNumberOfOneTimeKeys())
	require.Empty(t, a.OneTimeKeys())

	require.NoError(t, a.GenerateOneTimeKeys(5))
	keys := a.OneTimeKeys()
	require.Len(t, keys, 5)

	a.MarkKeysAsPublished()
	require.Empty(t, a.OneTimeKeys())

	require.NoError(t, a.GenerateOneTimeKeys(3))
	require.Len(t, a.OneTimeKeys(), 3)
}

func TestAccountSignVerify(t *testing.T) {
	a, err := NewAccount(rand.Reader)
	require.NoError(t, err)

	signingKey, _ := a.IdentityKeys()
	message := []byte(`{"algorithms":["nightjar.v1","nightjar.group.v1"]}`)
	sig := a.Sign(message)

	require.NoError(t, VerifySignature(signingKey, message, sig))
	require.ErrorIs(t, VerifySignature(signingKey, []byte("tampered"), sig), ErrBadSignature)
	require.ErrorIs(t, VerifySignature("not!base64@@", message, sig), ErrBadBase64)
	require.ErrorIs(t, VerifySignature(signingKey, message, "AAAA"), ErrBadBase64)
}

func TestAccountPickle(t *testing.T) {
	a, err := NewAccount(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, a.GenerateOneTimeKeys(4))
	a.MarkKeysAsPublished()
	require.NoError(t, a.GenerateOneTimeKeys(2))

	signingKey, encryptionKey := a.IdentityKeys()
	unpublished := a.OneTimeKeys()

	pickleKey := []byte("account pickle key")
	pickled, err := a.Pickle(pickleKey)
	require.NoError(t, err)

	restored, err := AccountFromPickle(rand.Reader, pickleKey, pickled)
	require.NoError(t, err)
	rSigningKey, rEncryptionKey := restored.IdentityKeys()
	require.Equal(t, signingKey, rSigningKey)
	require.Equal(t, encryptionKey, rEncryptionKey)
	require.Equal(t, unpublished, restored.OneTimeKeys())

	// Signatures from the restored account verify under the original key.
	msg := []byte("restored account signs")
	require.NoError(t, VerifySignature(signingKey, msg, restored.Sign(msg)))

	_, err = AccountFromPickle(rand.Reader, []byte("wrong"), pickled)
	require.ErrorIs(t, err, ErrBadPickle)
}
