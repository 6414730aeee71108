package episodes

import (
	"testing"

	"github.com/kasuboski/watchz/pkg/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPolicy struct {
	active    bool
	candidate RewatchCandidate
	found     bool
	asked     int
}

func (p *stubPolicy) HasActiveRewatch(series.Series) bool { return p.active }

func (p *stubPolicy) NextRewatchEpisode(series.Series) (RewatchCandidate, bool) {
	p.asked++
	return p.candidate, p.found
}

func watched(id int64, airDate string, count int) series.Episode {
	return series.Episode{ID: id, AirDate: airDate, Watched: true, WatchCount: count}
}

func TestSelector_Next(t *testing.T) {
	t.Run("first unwatched episode", func(t *testing.T) {
		s := series.Series{Seasons: []series.Season{
			{Number: 0, Episodes: []series.Episode{watched(1, "", 1), watched(2, "", 1), ep(3, "")}},
		}}

		got, ok := NewSelector(nil).Next(s, Options{})
		require.True(t, ok)
		assert.Equal(t, int64(3), got.Episode.ID)
		assert.Equal(t, 0, got.SeasonNumber)
		assert.Equal(t, 2, got.EpisodeIndex)
		assert.False(t, got.IsRewatch)
		assert.Nil(t, got.Rewatch)
		assert.False(t, got.IndexFallback)
	})

	t.Run("holes are skipped and later indexes stay aligned", func(t *testing.T) {
		s := series.Series{Seasons: []series.Season{
			{Number: 1, Episodes: []series.Episode{watched(10, "", 1), {Missing: true}, ep(12, "")}},
		}}

		got, ok := NewSelector(nil).Next(s, Options{})
		require.True(t, ok)
		assert.Equal(t, int64(12), got.Episode.ID)
		assert.Equal(t, 2, got.EpisodeIndex)
		assert.False(t, got.IndexFallback)
	})

	t.Run("everything watched and no rewatch", func(t *testing.T) {
		s := series.Series{Seasons: []series.Season{
			{Number: 1, Episodes: []series.Episode{watched(1, "", 1)}},
		}}

		_, ok := NewSelector(nil).Next(s, Options{})
		assert.False(t, ok)
	})

	t.Run("no seasons", func(t *testing.T) {
		_, ok := NewSelector(nil).Next(series.Series{}, Options{})
		assert.False(t, ok)
	})

	t.Run("all seasons empty after cleaning", func(t *testing.T) {
		s := series.Series{Seasons: []series.Season{
			{Number: 1, Episodes: []series.Episode{}},
			{Number: 2, Episodes: []series.Episode{}},
		}}

		_, ok := NewSelector(nil).Next(s, Options{})
		assert.False(t, ok)
	})

	t.Run("original index survives overlap cleaning", func(t *testing.T) {
		// episode 10 duplicates 20 in a later season so the cleaned season 1 starts at 11
		s := series.Series{Seasons: []series.Season{
			{Number: 1, Episodes: []series.Episode{ep(10, "2020-05-01"), watched(11, "2020-05-08", 1), ep(12, "2020-05-15")}},
			{Number: 2, Episodes: []series.Episode{ep(20, "2020-05-01")}},
		}}

		got, ok := NewSelector(nil).Next(s, Options{})
		require.True(t, ok)
		assert.Equal(t, int64(12), got.Episode.ID)
		assert.Equal(t, 2, got.EpisodeIndex)
		assert.Equal(t, 0, got.SeasonIndex)
	})

	t.Run("season order as stored is authoritative", func(t *testing.T) {
		s := series.Series{Seasons: []series.Season{
			{Number: 3, Episodes: []series.Episode{ep(30, "")}},
			{Number: 1, Episodes: []series.Episode{ep(10, "")}},
		}}

		got, ok := NewSelector(nil).Next(s, Options{})
		require.True(t, ok)
		assert.Equal(t, int64(30), got.Episode.ID)
		assert.Equal(t, 0, got.SeasonIndex)
	})

	t.Run("rewatch fallback", func(t *testing.T) {
		s := series.Series{Seasons: []series.Season{
			{Number: 1, Episodes: []series.Episode{watched(1, "", 2), watched(2, "", 1)}},
		}}
		policy := &stubPolicy{
			active:    true,
			found:     true,
			candidate: RewatchCandidate{Episode: s.Seasons[0].Episodes[1], SeasonNumber: 1, Current: 1, Target: 2},
		}

		got, ok := NewSelector(policy).Next(s, Options{})
		require.True(t, ok)
		assert.True(t, got.IsRewatch)
		assert.Equal(t, int64(2), got.Episode.ID)
		assert.Equal(t, 1, got.EpisodeIndex)
		assert.Equal(t, &RewatchProgress{Current: 1, Target: 2}, got.Rewatch)
	})

	t.Run("rewatch suppressed", func(t *testing.T) {
		s := series.Series{Seasons: []series.Season{
			{Number: 1, Episodes: []series.Episode{watched(1, "", 1)}},
		}}
		policy := &stubPolicy{active: true, found: true}

		_, ok := NewSelector(policy).Next(s, Options{SuppressRewatch: true})
		assert.False(t, ok)
		assert.Zero(t, policy.asked)
	})

	t.Run("rewatch policy not consulted while unwatched episodes remain", func(t *testing.T) {
		s := series.Series{Seasons: []series.Season{
			{Number: 1, Episodes: []series.Episode{ep(1, "")}},
		}}
		policy := &stubPolicy{active: true, found: true}

		got, ok := NewSelector(policy).Next(s, Options{})
		require.True(t, ok)
		assert.False(t, got.IsRewatch)
		assert.Zero(t, policy.asked)
	})

	t.Run("missing id falls back to cleaned position", func(t *testing.T) {
		s := series.Series{Seasons: []series.Season{
			{Number: 1, Episodes: []series.Episode{watched(1, "", 1)}},
		}}
		policy := &stubPolicy{
			active:    true,
			found:     true,
			candidate: RewatchCandidate{Episode: series.Episode{ID: 99}, SeasonNumber: 1, Current: 0, Target: 1},
		}

		got, ok := NewSelector(policy).Next(s, Options{})
		require.True(t, ok)
		assert.True(t, got.IndexFallback)
		assert.Equal(t, 0, got.EpisodeIndex)
	})
}

func TestCyclePolicy(t *testing.T) {
	s := series.Series{
		Rewatch: &series.Rewatch{Active: true, Target: 2},
		Seasons: []series.Season{
			{Number: 1, Episodes: []series.Episode{watched(1, "", 2), watched(2, "", 1), watched(3, "", 1)}},
		},
	}

	t.Run("first episode below target", func(t *testing.T) {
		got, ok := CyclePolicy{}.NextRewatchEpisode(s)
		require.True(t, ok)
		assert.Equal(t, int64(2), got.Episode.ID)
		assert.Equal(t, 1, got.Current)
		assert.Equal(t, 2, got.Target)
		assert.True(t, CyclePolicy{}.HasActiveRewatch(s))
	})

	t.Run("cycle complete", func(t *testing.T) {
		done := s.Clone()
		for i := range done.Seasons[0].Episodes {
			done.Seasons[0].Episodes[i].WatchCount = 2
		}
		assert.False(t, CyclePolicy{}.HasActiveRewatch(done))
	})

	t.Run("inactive", func(t *testing.T) {
		off := s.Clone()
		off.Rewatch.Active = false
		assert.False(t, CyclePolicy{}.HasActiveRewatch(off))
	})

	t.Run("selector with default policy", func(t *testing.T) {
		got, ok := NewSelector(nil).Next(s, Options{})
		require.True(t, ok)
		assert.True(t, got.IsRewatch)
		assert.Equal(t, 1, got.EpisodeIndex)
	})
}
