package series

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpisode_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Episode
	}{
		{
			name: "canonical",
			in:   `{"id":1,"airDate":"2020-05-01","watched":true,"watchCount":2,"firstWatched":1588291200000}`,
			want: Episode{ID: 1, AirDate: "2020-05-01", Watched: true, WatchCount: 2, FirstWatched: time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)},
		},
		{
			name: "snake case air date",
			in:   `{"id":2,"air_date":"2021-01-02"}`,
			want: Episode{ID: 2, AirDate: "2021-01-02"},
		},
		{
			name: "lower case air date",
			in:   `{"id":3,"airdate":"2021-01-03"}`,
			want: Episode{ID: 3, AirDate: "2021-01-03"},
		},
		{
			name: "utc timestamp trimmed to date",
			in:   `{"id":4,"airDateUtc":"2021-01-04T02:00:00Z"}`,
			want: Episode{ID: 4, AirDate: "2021-01-04"},
		},
		{
			name: "first aired",
			in:   `{"id":5,"firstAired":"2021-01-05"}`,
			want: Episode{ID: 5, AirDate: "2021-01-05"},
		},
		{
			name: "null string is absent",
			in:   `{"id":6,"airDate":"null","firstAired":"2021-01-06"}`,
			want: Episode{ID: 6, AirDate: "2021-01-06"},
		},
		{
			name: "json null is absent",
			in:   `{"id":7,"airDate":null,"watchCount":null,"firstWatched":null}`,
			want: Episode{ID: 7},
		},
		{
			name: "rfc3339 first watched",
			in:   `{"id":8,"firstWatched":"2023-03-04T05:06:07Z"}`,
			want: Episode{ID: 8, FirstWatched: time.Date(2023, 3, 4, 5, 6, 7, 0, time.UTC)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Episode
			require.NoError(t, json.Unmarshal([]byte(tt.in), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("invalid first watched", func(t *testing.T) {
		var got Episode
		err := json.Unmarshal([]byte(`{"id":9,"firstWatched":"yesterday"}`), &got)
		assert.ErrorContains(t, err, "invalid firstWatched")
	})
}

func TestEpisode_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Episode{ID: 1, AirDate: "2020-05-01", WatchCount: 1, Watched: true, FirstWatched: time.UnixMilli(1588291200000)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"airDate":"2020-05-01","watched":true,"watchCount":1,"firstWatched":1588291200000}`, string(b))

	b, err = json.Marshal(Episode{ID: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":2,"watched":false,"watchCount":0}`, string(b))
}

func TestSeries_TreeRoundTrip(t *testing.T) {
	s := Series{
		ID:      "tt0903747",
		Title:   "Breaking Bad",
		Runtime: 47,
		Rewatch: &Rewatch{Active: true, Target: 2},
		Seasons: []Season{
			{Number: 1, Episodes: []Episode{{ID: 10, AirDate: "2008-01-20", Watched: true, WatchCount: 1}}},
		},
	}

	tree, err := s.Tree()
	require.NoError(t, err)
	assert.NotContains(t, tree, "id")

	got, err := FromTree("tt0903747", tree)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestFromTree_EpisodeHole(t *testing.T) {
	tree := map[string]any{
		"title": "dark",
		"seasons": []any{
			map[string]any{
				"seasonNumber": 1,
				"episodes": []any{
					map[string]any{"id": 10, "watched": true, "watchCount": 1},
					nil,
					map[string]any{"id": 12},
				},
			},
		},
	}

	got, err := FromTree("1", tree)
	require.NoError(t, err)
	require.Len(t, got.Seasons[0].Episodes, 3)
	assert.Equal(t, Episode{Missing: true}, got.Seasons[0].Episodes[1])
	assert.Equal(t, int64(12), got.Seasons[0].Episodes[2].ID)
	assert.Equal(t, 2, got.Seasons[0].EpisodeIndex(12))
	assert.Equal(t, -1, got.Seasons[0].EpisodeIndex(0))
	assert.Equal(t, 2, got.Seasons[0].Present())

	out, err := got.Tree()
	require.NoError(t, err)
	episodes := out["seasons"].([]any)[0].(map[string]any)["episodes"].([]any)
	assert.Nil(t, episodes[1])
}

func TestSeries_Clone(t *testing.T) {
	s := Series{
		ID:      "1",
		Rewatch: &Rewatch{Active: true, Target: 2},
		Seasons: []Season{{Number: 1, Episodes: []Episode{{ID: 1}}}},
	}

	c := s.Clone()
	c.Seasons[0].Episodes[0].Watched = true
	c.Rewatch.Target = 3

	assert.False(t, s.Seasons[0].Episodes[0].Watched)
	assert.Equal(t, 2, s.Rewatch.Target)
}

func TestSeries_Indexes(t *testing.T) {
	s := Series{Seasons: []Season{
		{Number: 0, Episodes: []Episode{{ID: 1}, {ID: 2}}},
		{Number: 3, Episodes: []Episode{{ID: 7}}},
	}}

	assert.Equal(t, 1, s.SeasonIndex(3))
	assert.Equal(t, -1, s.SeasonIndex(2))
	assert.Equal(t, 1, s.Seasons[0].EpisodeIndex(2))
	assert.Equal(t, -1, s.Seasons[0].EpisodeIndex(7))
}

func TestDecode(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		got, err := Decode(strings.NewReader(`[{"id":"a","title":"A"},{"id":"b","title":"B"}]`))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[1].ID)
	})

	t.Run("keyed by id", func(t *testing.T) {
		got, err := Decode(strings.NewReader(`{"z":{"title":"Z"},"a":{"title":"A","seasons":[{"seasonNumber":1,"episodes":[{"id":1,"air_date":"null"}]}]}}`))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "", got[0].Seasons[0].Episodes[0].AirDate)
		assert.Equal(t, "z", got[1].ID)
	})

	t.Run("list entry without id", func(t *testing.T) {
		_, err := Decode(strings.NewReader(`[{"title":"A"}]`))
		assert.Error(t, err)
	})
}
