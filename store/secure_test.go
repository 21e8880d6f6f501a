package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewEncrypted(inner, testKey(), "chat:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "chat:c1:msg:1", []byte("hello")))
	val, found, err := s.Get(ctx, "chat:c1:msg:1")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)

	// The inner store must not hold the plaintext.
	raw, found, err := inner.Get(ctx, "chat:c1:msg:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, string(raw), "hello")
}

func TestEncryptedUnprotectedNamespacePassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewEncrypted(inner, testKey(), "chat:")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "listings:1", []byte("plain")))
	raw, _, err := inner.Get(ctx, "listings:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), raw)
}

func TestEncryptedRejectsTampering(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewEncrypted(inner, testKey(), "chat:")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "chat:1", []byte("secret")))
	raw, _, err := inner.Get(ctx, "chat:1")
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, inner.Set(ctx, "chat:1", raw))

	_, _, err = s.Get(ctx, "chat:1")
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestEncryptedKeyBoundAsAssociatedData(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewEncrypted(inner, testKey(), "chat:")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "chat:1", []byte("secret")))
	raw, _, err := inner.Get(ctx, "chat:1")
	require.NoError(t, err)
	// Replaying the ciphertext under a different key must fail.
	require.NoError(t, inner.Set(ctx, "chat:2", raw))

	_, _, err = s.Get(ctx, "chat:2")
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestEncryptedRequires32ByteKey(t *testing.T) {
	_, err := NewEncrypted(NewMemory(), []byte("short"))
	assert.Error(t, err)
}
