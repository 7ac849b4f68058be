package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityEncryptDecryptRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	ct, err := id.Encrypt([]byte("hello"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ct), 32+len("hello")+16)

	pt, err := id.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestIdentityDecryptNeverErrorsOnGarbage(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	pt, err := id.Decrypt([]byte("not a valid ciphertext at all"))
	require.NoError(t, err)
	require.Nil(t, pt)
}

func TestIdentitySignValidate(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg := []byte("announce payload")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.True(t, id.Validate(sig, msg))
	require.False(t, id.Validate(sig, []byte("different payload")))
}

func TestLoadPrivateRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	blob, err := id.ToPrivateBytes()
	require.NoError(t, err)

	loaded, err := LoadPrivate(blob)
	require.NoError(t, err)
	require.Equal(t, id.Hash(), loaded.Hash())
	require.Equal(t, id.PublicBytes(), loaded.PublicBytes())
}

func TestPublicOnlyIdentityCannotDecryptOrSign(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	pub, err := LoadPublic(id.PublicBytes())
	require.NoError(t, err)
	require.False(t, pub.HasPrivateKey())

	_, err = pub.Sign([]byte("x"))
	require.ErrorIs(t, err, ErrNoPrivateKey)

	_, err = pub.Decrypt(make([]byte, 100))
	require.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestKnownDestinationsLRUNeverExceedsCapacity(t *testing.T) {
	for i := 0; i < KnownDestinationsCapacity*2; i++ {
		var h [16]byte
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		h[2] = byte(i >> 16)
		Remember([32]byte{}, h, nil, nil)
	}
	require.LessOrEqual(t, KnownDestinationsLen(), KnownDestinationsCapacity)
}
