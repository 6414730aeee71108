package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/kasuboski/watchz/pkg/store"
	"github.com/kasuboski/watchz/pkg/store/storetest"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, "test")
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := setupTestRedis(t)
		return s
	})
}

func TestStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := setupTestRedis(t)

	require.NoError(t, s.Write(ctx, "series/1", map[string]any{"title": "Dark", "watchlist": true}))

	title, err := mr.Get("test:series/1/title")
	require.NoError(t, err)
	assert.Equal(t, `"Dark"`, title)

	watchlist, err := mr.Get("test:series/1/watchlist")
	require.NoError(t, err)
	assert.Equal(t, "true", watchlist)
}

func TestStore_GlobCharactersInPath(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestRedis(t)

	require.NoError(t, s.Write(ctx, "series/a*/title", "one"))
	require.NoError(t, s.Write(ctx, "series/ab/title", "two"))

	got, err := s.Read(ctx, "series/a*")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "one"}, got)
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(context.Background(), "series/1/title", "Dark"))
	assert.True(t, mr.Exists("watchz:series/1/title"))
}
