package recoverykey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"
)

func TestRoundTrip(t *testing.T) {
	for i := 0; i < 16; i++ {
		key := make([]byte, KeySize)
		_, err := rand.Reader.Read(key)
		require.NoError(t, err)

		encoded, err := Encode(key)
		require.NoError(t, err)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, key, decoded)
	}
}

func TestEncodeFormat(t *testing.T) {
	key := make([]byte, KeySize)
	encoded, err := Encode(key)
	require.NoError(t, err)
	for _, group := range strings.Fields(encoded) {
		require.LessOrEqual(t, len(group), 4)
	}

	// Whitespace is cosmetic only.
	decoded, err := Decode(strings.ReplaceAll(encoded, " ", "\n "))
	require.NoError(t, err)
	require.Equal(t, key, decoded)
}

func TestEncodeWrongLength(t *testing.T) {
	_, err := Encode(make([]byte, KeySize-1))
	require.ErrorIs(t, err, ErrBadLength)
}

func TestDecodeCorruption(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	encoded, err := Encode(key)
	require.NoError(t, err)

	_, err = Decode("not!base58?")
	require.ErrorIs(t, err, ErrNotBase58)

	_, err = Decode(encoded[:len(encoded)-4])
	require.ErrorIs(t, err, ErrBadLength)

	// Flip one character: the parity byte catches it.
	corrupted := []byte(strings.ReplaceAll(encoded, " ", ""))
	if corrupted[5] != 'x' {
		corrupted[5] = 'x'
	} else {
		corrupted[5] = 'y'
	}
	_, err = Decode(string(corrupted))
	require.Error(t, err)
}
