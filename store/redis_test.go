package store

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisSetGet(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	defer client.Close()
	s := NewRedis(client, "sync")
	defer s.Close()

	_, found, err := s.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, s.Set(ctx, "a", []byte("one")))
	val, found, err := s.Get(ctx, "a")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("one"), val)

	assert.NoError(t, s.Delete(ctx, "a"))
	_, found, _ = s.Get(ctx, "a")
	assert.False(t, found)
}

func TestRedisDeletePrefix(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	defer client.Close()
	s := NewRedis(client, "sync")

	require.NoError(t, s.Set(ctx, "chat:1", []byte("x")))
	require.NoError(t, s.Set(ctx, "chat:2", []byte("y")))
	require.NoError(t, s.Set(ctx, "profile:1", []byte("z")))

	removed, err := s.DeletePrefix(ctx, "chat:")
	assert.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := s.Keys(ctx, "")
	assert.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"profile:1"}, keys)
}

func TestRedisPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	defer client.Close()
	a := NewRedis(client, "session-a")
	b := NewRedis(client, "session-b")

	require.NoError(t, a.Set(ctx, "k", []byte("a")))
	require.NoError(t, b.Set(ctx, "k", []byte("b")))

	_, err := a.DeletePrefix(ctx, "")
	require.NoError(t, err)

	_, found, _ := a.Get(ctx, "k")
	assert.False(t, found)
	val, found, _ := b.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, []byte("b"), val)
}

func TestRedisGlobCharactersMatchedLiterally(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	defer client.Close()
	s := NewRedis(client, "sync")
	defer s.Close()

	// Search strings end up inside page keys, so prefixes can carry glob
	// metacharacters.
	require.NoError(t, s.Set(ctx, "pages:q=*drill*:p1", []byte("a")))
	require.NoError(t, s.Set(ctx, "pages:q=xdrillx:p1", []byte("b")))
	require.NoError(t, s.Set(ctx, "pages:q=[sale]?:p1", []byte("c")))

	keys, err := s.Keys(ctx, "pages:q=*drill*")
	require.NoError(t, err)
	assert.Equal(t, []string{"pages:q=*drill*:p1"}, keys)

	n, err := s.DeletePrefix(ctx, "pages:q=[sale]?")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The literal keys the prefix did not name are untouched.
	_, found, err := s.Get(ctx, "pages:q=xdrillx:p1")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = s.Get(ctx, "pages:q=*drill*:p1")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = s.Get(ctx, "pages:q=[sale]?:p1")
	require.NoError(t, err)
	assert.False(t, found)
}
