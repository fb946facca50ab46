package emulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyCryptorRoundTrip(t *testing.T) {
	var c KeyCryptor
	key := c.DeriveKey([]byte("hunter2"), []byte("0123456789abcdef"))

	plaintext := []byte("a very secret private key")
	sealed, err := c.Seal(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := c.Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestKeyCryptorRejectsWrongKey(t *testing.T) {
	var c KeyCryptor
	key1 := c.DeriveKey([]byte("password-a"), []byte("salt-salt-salt-a"))
	key2 := c.DeriveKey([]byte("password-b"), []byte("salt-salt-salt-b"))

	sealed, err := c.Seal(key1, []byte("payload"))
	require.NoError(t, err)

	_, err = c.Open(key2, sealed)
	assert.Error(t, err)
}

func TestKeyCryptorDeriveKeyIsDeterministic(t *testing.T) {
	var c KeyCryptor
	password, salt := []byte("hunter2"), []byte("0123456789abcdef")
	assert.Equal(t, c.DeriveKey(password, salt), c.DeriveKey(password, salt))
}

func TestHash32Deterministic(t *testing.T) {
	assert.Equal(t, hash32([]byte("object-id")), hash32([]byte("object-id")))
	assert.NotEqual(t, hash32([]byte("object-id-1")), hash32([]byte("object-id-2")))
}
