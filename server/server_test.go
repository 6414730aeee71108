package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kasuboski/watchz/pkg/coalesce"
	"github.com/kasuboski/watchz/pkg/reconcile"
	"github.com/kasuboski/watchz/pkg/series"
	"github.com/kasuboski/watchz/pkg/store"
	"github.com/kasuboski/watchz/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSeries(id, title string, watched ...bool) series.Series {
	s := series.Series{ID: id, Title: title, Watchlist: true, Seasons: []series.Season{{Number: 1}}}
	for i, w := range watched {
		s.Seasons[0].Episodes = append(s.Seasons[0].Episodes, series.Episode{ID: int64(100 + i), Watched: w})
	}
	return s
}

func newTestServer(t *testing.T, list ...series.Series) (Server, *reconcile.Controller) {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for _, s := range list {
		tree, err := s.Tree()
		require.NoError(t, err)
		require.NoError(t, st.Write(ctx, store.Join("series", s.ID), tree))
	}

	c := reconcile.New(st,
		reconcile.WithSettleDelay(time.Hour),
		reconcile.WithCoalescerOptions(coalesce.WithQuietDelay(time.Hour)),
	)
	return New(zap.NewNop().Sugar(), c), c
}

func do(t *testing.T, s Server, method, target string) (*httptest.ResponseRecorder, GenericResponse) {
	t.Helper()

	req, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)

	var response GenericResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response), rr.Body.String())
	return rr, response
}

func TestServer_Healthz(t *testing.T) {
	t.Run("healthz", func(t *testing.T) {
		s := Server{baseLogger: zap.NewNop().Sugar()}

		req, err := http.NewRequest("GET", "/healthz", nil)
		assert.NoError(t, err)

		rr := httptest.NewRecorder()

		handler := s.Healthz()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		assert.Equal(t, "application/json", rr.Header().Get("content-type"))

		var response GenericResponse
		err = json.Unmarshal(rr.Body.Bytes(), &response)

		assert.NoError(t, err)
		assert.Equal(t, "ok", response.Response)
	})
}

func TestServer_ListSeries(t *testing.T) {
	offList := testSeries("c", "Bosch", false)
	offList.Watchlist = false
	s, _ := newTestServer(t,
		testSeries("a", "Dark", true, false),
		testSeries("b", "Fargo", true, true),
		offList,
	)

	t.Run("all", func(t *testing.T) {
		rr, response := do(t, s, http.MethodGet, "/api/v1/series")
		require.Equal(t, http.StatusOK, rr.Code)

		body := response.Response.(map[string]any)
		list := body["series"].([]any)
		require.Len(t, list, 2)
		assert.Equal(t, "Bosch", list[0].(map[string]any)["series"].(map[string]any)["title"])
		assert.Equal(t, "Dark", list[1].(map[string]any)["series"].(map[string]any)["title"])
	})

	t.Run("watchlist and page", func(t *testing.T) {
		rr, response := do(t, s, http.MethodGet, "/api/v1/series?watchlist=true&page=1&pageSize=1")
		require.Equal(t, http.StatusOK, rr.Code)

		body := response.Response.(map[string]any)
		assert.Len(t, body["series"], 1)
		meta := body["meta"].(map[string]any)
		assert.Equal(t, float64(1), meta["totalItems"])
		assert.Equal(t, float64(1), meta["totalPages"])
	})

	t.Run("bad page", func(t *testing.T) {
		rr, response := do(t, s, http.MethodGet, "/api/v1/series?page=0")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.NotEmpty(t, response.Error)
	})

	t.Run("bad flag", func(t *testing.T) {
		rr, _ := do(t, s, http.MethodGet, "/api/v1/series?watchlist=maybe")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestServer_GetSeries(t *testing.T) {
	s, _ := newTestServer(t, testSeries("a", "Dark", false))

	rr, response := do(t, s, http.MethodGet, "/api/v1/series/a")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Dark", response.Response.(map[string]any)["title"])

	rr, response = do(t, s, http.MethodGet, "/api/v1/series/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, response.Error, "series not found")
}

func TestServer_NextEpisode(t *testing.T) {
	s, _ := newTestServer(t, testSeries("a", "Dark", true, false), testSeries("b", "Fargo", true))

	rr, response := do(t, s, http.MethodGet, "/api/v1/series/a/next")
	require.Equal(t, http.StatusOK, rr.Code)
	next := response.Response.(map[string]any)
	assert.Equal(t, float64(1), next["episodeIndex"])
	assert.Equal(t, false, next["isRewatch"])

	rr, response = do(t, s, http.MethodGet, "/api/v1/series/b/next?suppressRewatch=true")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, response.Response)
}

func TestServer_WatchFlow(t *testing.T) {
	s, c := newTestServer(t, testSeries("a", "Dark", true, false, false))

	rr, response := do(t, s, http.MethodPost, "/api/v1/series/a/watch")
	require.Equal(t, http.StatusAccepted, rr.Code)
	result := response.Response.(map[string]any)
	assert.Equal(t, "applied", result["outcome"])
	assert.Equal(t, "a-1-1", result["key"])

	rr, response = do(t, s, http.MethodPost, "/api/v1/series/a/seasons/1/episodes/1/watch")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ignored", response.Response.(map[string]any)["outcome"])

	rr, response = do(t, s, http.MethodGet, "/api/v1/pending")
	require.Equal(t, http.StatusOK, rr.Code)
	pending := response.Response.(map[string]any)
	assert.Equal(t, []any{"a-1-1"}, pending["pending"])
	assert.Equal(t, float64(1), pending["count"])
	assert.Equal(t, true, pending["hasPending"])

	require.Eventually(t, func() bool {
		return c.State("a-1-1") == reconcile.Settling
	}, time.Second, time.Millisecond)

	rr, response = do(t, s, http.MethodPost, "/api/v1/flush")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), response.Response.(map[string]any)["coalesced"])
}

func TestServer_MarkEpisodeErrors(t *testing.T) {
	s, _ := newTestServer(t, testSeries("a", "Dark", false))

	rr, _ := do(t, s, http.MethodPost, "/api/v1/series/a/seasons/one/episodes/0/watch")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/api/v1/series/a/seasons/1/episodes/-1/watch")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/api/v1/series/a/seasons/1/episodes/5/watch")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/api/v1/series/missing/watch")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_ToggleWithNothingLeft(t *testing.T) {
	s, _ := newTestServer(t, testSeries("a", "Dark", true))

	rr, response := do(t, s, http.MethodPost, "/api/v1/series/a/watch")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, response.Error, "no episode to watch next")
}

func TestLogMiddleware_RequestID(t *testing.T) {
	s, _ := newTestServer(t)

	rr, _ := do(t, s, http.MethodGet, "/healthz")
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))

	req, err := http.NewRequest(http.MethodGet, "/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "0b6a5a8e-7f3c-4c43-9d2a-1f6f3b0c9e11")
	rr = httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)
	assert.Equal(t, "0b6a5a8e-7f3c-4c43-9d2a-1f6f3b0c9e11", rr.Header().Get("X-Request-Id"))
}

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    [2]int
		wantErr bool
	}{
		{"defaults", "", [2]int{1, 0}, false},
		{"explicit", "?page=3&pageSize=10", [2]int{3, 10}, false},
		{"clamped", "?pageSize=1000", [2]int{1, 100}, false},
		{"zero page", "?page=0", [2]int{}, true},
		{"negative size", "?pageSize=-1", [2]int{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/series"+tt.query, nil)
			params, err := ParsePaginationParams(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, [2]int{params.Page, params.PageSize})
		})
	}
}
