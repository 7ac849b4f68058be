package fernet

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plaintext := []byte("hello reticulum")
	token, err := Seal(key, plaintext)
	require.NoError(t, err)
	require.Greater(t, len(token), len(plaintext))

	got, err := Open(key, token)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, plaintext))
}

func TestOpenRejectsTamperedToken(t *testing.T) {
	key := make([]byte, KeySize)
	_, _ = rand.Read(key)
	token, err := Seal(key, []byte("payload"))
	require.NoError(t, err)
	token[len(token)-1] ^= 0xFF

	_, err = Open(key, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestOpenRejectsShortToken(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := Open(key, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidToken)
}
