// Package storetest checks that a store.Store implementation behaves like a path addressed tree.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/kasuboski/watchz/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh store from newStore for every case
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("read missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Read(context.Background(), "series/missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("leaf", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Write(ctx, "series/1/title", "Dark"))

		got, err := s.Read(ctx, "series/1/title")
		require.NoError(t, err)
		assert.Equal(t, "Dark", got)
	})

	t.Run("subtree", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Write(ctx, "series/1", map[string]any{
			"title":   "Dark",
			"runtime": 60,
			"seasons": []any{
				map[string]any{"seasonNumber": 1, "episodes": []any{
					map[string]any{"id": 10, "watched": true, "watchCount": 1},
					map[string]any{"id": 11, "watched": false, "watchCount": 0},
				}},
			},
		}))

		got, err := s.Read(ctx, "series/1")
		require.NoError(t, err)

		tree, ok := got.(map[string]any)
		require.True(t, ok, "expected a map, got %T", got)
		assert.Equal(t, "Dark", tree["title"])

		seasons, ok := tree["seasons"].([]any)
		require.True(t, ok, "expected seasons to be a list, got %T", tree["seasons"])
		require.Len(t, seasons, 1)

		count, err := s.Read(ctx, "series/1/seasons/0/episodes/0/watchCount")
		require.NoError(t, err)
		n, ok := store.AsInt(count)
		require.True(t, ok)
		assert.Equal(t, 1, n)
	})

	t.Run("write replaces subtree", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Write(ctx, "series/1", map[string]any{"title": "Dark", "runtime": 60}))
		require.NoError(t, s.Write(ctx, "series/1", map[string]any{"title": "Dark (2017)"}))

		_, err := s.Read(ctx, "series/1/runtime")
		assert.ErrorIs(t, err, store.ErrNotFound)

		got, err := s.Read(ctx, "series/1/title")
		require.NoError(t, err)
		assert.Equal(t, "Dark (2017)", got)
	})

	t.Run("nil deletes", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Write(ctx, "series/1/title", "Dark"))
		require.NoError(t, s.Write(ctx, "series/1", nil))

		_, err := s.Read(ctx, "series/1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("siblings are untouched", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Write(ctx, "series/1/title", "Dark"))
		require.NoError(t, s.Write(ctx, "series/10/title", "Lost"))
		require.NoError(t, s.Write(ctx, "series/1", nil))

		got, err := s.Read(ctx, "series/10/title")
		require.NoError(t, err)
		assert.Equal(t, "Lost", got)
	})

	t.Run("write many", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.WriteMany(ctx, map[string]any{
			"series/1/lastWatchedAt":      1700000000000,
			"series/1/lastWatchedEpisode": "1-1-0",
			"series/2/lastWatchedEpisode": "2-1-3",
		}))

		got, err := s.Read(ctx, "series/2/lastWatchedEpisode")
		require.NoError(t, err)
		assert.Equal(t, "2-1-3", got)

		at, err := s.Read(ctx, "series/1/lastWatchedAt")
		require.NoError(t, err)
		n, ok := store.AsInt(at)
		require.True(t, ok)
		assert.Equal(t, 1700000000000, n)
	})

	t.Run("server timestamp", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		before := time.Now().Add(-time.Minute).UnixMilli()
		require.NoError(t, s.Write(ctx, "series/1/seasons/0/episodes/0/firstWatched", store.ServerTimestamp))

		got, err := s.Read(ctx, "series/1/seasons/0/episodes/0/firstWatched")
		require.NoError(t, err)
		n, ok := store.AsInt(got)
		require.True(t, ok, "expected a number, got %T", got)
		assert.Greater(t, int64(n), before)
	})

	t.Run("subscribe", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := newStore(t)

		events, err := s.Subscribe(ctx, "series/1")
		require.NoError(t, err)

		require.NoError(t, s.Write(context.Background(), "series/2/title", "Lost"))
		require.NoError(t, s.Write(context.Background(), "series/1/title", "Dark"))

		require.Eventually(t, func() bool {
			select {
			case ev, ok := <-events:
				return ok && store.Within(ev.Path, "series/1")
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	})
}
