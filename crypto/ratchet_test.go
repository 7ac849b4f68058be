package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRatchetSharedSecretIsSymmetric(t *testing.T) {
	a, err := NewRatchet()
	require.NoError(t, err)
	b, err := NewRatchet()
	require.NoError(t, err)

	sharedAB, err := a.DeriveSharedSecret(b.Public())
	require.NoError(t, err)
	sharedBA, err := b.DeriveSharedSecret(a.Public())
	require.NoError(t, err)

	require.Equal(t, sharedAB, sharedBA)
}

func TestRatchetEncryptDecryptRoundTrip(t *testing.T) {
	sender, err := NewRatchet()
	require.NoError(t, err)
	recipient, err := NewRatchet()
	require.NoError(t, err)

	token, err := sender.Encrypt(recipient.Public(), []byte("forward secret"))
	require.NoError(t, err)

	pt, err := recipient.Decrypt(sender.Public(), token)
	require.NoError(t, err)
	require.Equal(t, "forward secret", string(pt))
}

func TestRatchetRingRetainsMostRecent128(t *testing.T) {
	var ring RatchetRing
	var ids [][10]byte
	for i := 0; i < RatchetRingSize+10; i++ {
		r, err := NewRatchet()
		require.NoError(t, err)
		ring.Add(r)
		ids = append(ids, r.ID())
	}

	require.Equal(t, RatchetRingSize, ring.Len())
	// the first 10 generated should have been evicted
	for i := 0; i < 10; i++ {
		require.Nil(t, ring.Find(ids[i]))
	}
	// the most recent RatchetRingSize should still be found
	for i := 10; i < len(ids); i++ {
		require.NotNil(t, ring.Find(ids[i]))
	}
	require.Equal(t, ids[len(ids)-1], ring.Latest().ID())
}
