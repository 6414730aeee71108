package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	watchhttp "github.com/kasuboski/watchz/pkg/http"
	"github.com/kasuboski/watchz/pkg/store"
	"github.com/kasuboski/watchz/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDatabase serves the subset of the realtime database REST interface the client uses
type fakeDatabase struct {
	mu          sync.Mutex
	leaves      map[string]any
	broadcaster *store.Broadcaster
	token       string
	throttle    int
	requests    []string
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{leaves: make(map[string]any), broadcaster: store.NewBroadcaster()}
}

func resolveServerValues(v any, now time.Time) any {
	switch t := v.(type) {
	case map[string]any:
		if sv, ok := t[".sv"]; ok && len(t) == 1 && sv == "timestamp" {
			return now.UnixMilli()
		}
		for k, child := range t {
			t[k] = resolveServerValues(child, now)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = resolveServerValues(child, now)
		}
		return t
	default:
		return v
	}
}

func (f *fakeDatabase) replace(path string, value any) error {
	leaves, err := store.Flatten(path, resolveServerValues(value, time.Now()))
	if err != nil {
		return err
	}

	for p := range f.leaves {
		if store.Related(p, path) {
			delete(f.leaves, p)
		}
	}
	for p, v := range leaves {
		f.leaves[p] = v
	}
	return nil
}

func (f *fakeDatabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := store.Clean(strings.TrimSuffix(r.URL.Path, ".json"))

	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+path)
	token := f.token
	if f.throttle > 0 {
		f.throttle--
		f.mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	f.mu.Unlock()

	if token != "" && r.URL.Query().Get("auth") != token {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"Permission denied"}`)
		return
	}

	if r.Method == http.MethodGet && r.Header.Get("Accept") == "text/event-stream" {
		f.stream(w, r, path)
		return
	}

	var body any
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		if len(b) > 0 {
			if err := json.Unmarshal(b, &body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprintf(w, `{"error":%q}`, err.Error())
				return
			}
		}
	}

	f.mu.Lock()
	var changed []store.Event
	var err error
	switch r.Method {
	case http.MethodGet:
		v, _ := store.Assemble(path, f.leaves)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(v)
		return
	case http.MethodPut:
		err = f.replace(path, body)
		changed = append(changed, store.Event{Path: path})
	case http.MethodDelete:
		err = f.replace(path, nil)
		changed = append(changed, store.Event{Path: path})
	case http.MethodPatch:
		updates, _ := body.(map[string]any)
		for child, v := range updates {
			target := store.Join(path, child)
			if err = f.replace(target, v); err != nil {
				break
			}
			changed = append(changed, store.Event{Path: target})
		}
	}
	f.mu.Unlock()

	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	f.broadcaster.Publish(changed...)
	w.Write([]byte("null"))
}

func (f *fakeDatabase) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeDatabase) current(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := store.Assemble(path, f.leaves)
	b, _ := json.Marshal(map[string]any{"path": "/", "data": v})
	return string(b)
}

func (f *fakeDatabase) stream(w http.ResponseWriter, r *http.Request, path string) {
	events, err := f.broadcaster.Subscribe(r.Context(), path)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)

	fmt.Fprintf(w, "event: put\ndata: %s\n\n", f.current(path))
	flusher.Flush()

	for range events {
		fmt.Fprintf(w, "event: put\ndata: %s\n\n", f.current(path))
		flusher.Flush()
	}
}

func setupTestDatabase(t *testing.T, token string, throttle int, opts ...Option) (*Client, *fakeDatabase) {
	t.Helper()

	fake := newFakeDatabase()
	fake.token = token
	fake.throttle = throttle
	srv := httptest.NewServer(fake)
	t.Cleanup(func() {
		fake.broadcaster.Close()
		srv.CloseClientConnections()
		srv.Close()
	})

	limited := watchhttp.NewRateLimitedHTTPClient(
		watchhttp.WithHTTPClient(srv.Client()),
		watchhttp.WithBaseBackoff(time.Millisecond),
	)
	opts = append([]Option{WithHTTPClient(limited), WithStreamClient(srv.Client())}, opts...)

	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c, fake
}

func TestClient(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		c, _ := setupTestDatabase(t, "", 0)
		return c
	})
}

func TestClient_AuthToken(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted", func(t *testing.T) {
		c, _ := setupTestDatabase(t, "secret", 0, WithAuthToken("secret"))

		require.NoError(t, c.Write(ctx, "series/1/title", "Dark"))
		got, err := c.Read(ctx, "series/1/title")
		require.NoError(t, err)
		assert.Equal(t, "Dark", got)
	})

	t.Run("rejected", func(t *testing.T) {
		c, _ := setupTestDatabase(t, "secret", 0, WithAuthToken("wrong"))

		err := c.Write(ctx, "series/1/title", "Dark")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Permission denied")
	})
}

func TestClient_WriteManyIsOnePatch(t *testing.T) {
	ctx := context.Background()
	c, fake := setupTestDatabase(t, "", 0)

	require.NoError(t, c.WriteMany(ctx, map[string]any{
		"/users/alice/series/1/lastWatchedAt":      store.ServerTimestamp,
		"users/alice/series/1/lastWatchedEpisode/": "1-1-0",
	}))

	assert.Equal(t, []string{"PATCH "}, fake.seen())

	got, err := c.Read(ctx, "users/alice/series/1/lastWatchedEpisode")
	require.NoError(t, err)
	assert.Equal(t, "1-1-0", got)
}

func TestClient_WriteManyEmpty(t *testing.T) {
	c, fake := setupTestDatabase(t, "", 0)

	require.NoError(t, c.WriteMany(context.Background(), nil))
	assert.Empty(t, fake.seen())
}

func TestClient_RetriesThrottledRequests(t *testing.T) {
	ctx := context.Background()
	c, fake := setupTestDatabase(t, "", 2)

	require.NoError(t, c.Write(ctx, "series/1/title", "Dark"))
	assert.Equal(t, []string{"PUT series/1/title", "PUT series/1/title", "PUT series/1/title"}, fake.seen())

	got, err := c.Read(ctx, "series/1/title")
	require.NoError(t, err)
	assert.Equal(t, "Dark", got)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)

	_, err = New("https://")
	assert.Error(t, err)
}

func TestDecodeEvent(t *testing.T) {
	t.Run("put", func(t *testing.T) {
		events, done := decodeEvent("users/alice", "put", `{"path":"/series/1/title","data":"Dark"}`)
		assert.False(t, done)
		assert.Equal(t, []store.Event{{Path: "users/alice/series/1/title", Value: "Dark"}}, events)
	})

	t.Run("patch", func(t *testing.T) {
		events, done := decodeEvent("users/alice", "patch", `{"path":"/series/1","data":{"watchlist":true,"title":"Dark"}}`)
		assert.False(t, done)
		assert.Equal(t, []store.Event{
			{Path: "users/alice/series/1/title", Value: "Dark"},
			{Path: "users/alice/series/1/watchlist", Value: true},
		}, events)
	})

	t.Run("keep-alive", func(t *testing.T) {
		events, done := decodeEvent("users/alice", "keep-alive", "null")
		assert.False(t, done)
		assert.Empty(t, events)
	})

	t.Run("revoked", func(t *testing.T) {
		_, done := decodeEvent("users/alice", "auth_revoked", `"token expired"`)
		assert.True(t, done)
	})
}
