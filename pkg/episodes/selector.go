package episodes

import (
	"github.com/kasuboski/watchz/pkg/series"
)

// PrioritizedEpisode is the episode to offer next. EpisodeIndex and SeasonIndex address the
// uncleaned series so they can be used to build persistence paths.
type PrioritizedEpisode struct {
	Episode      series.Episode   `json:"episode"`
	SeasonNumber int              `json:"seasonNumber"`
	SeasonIndex  int              `json:"seasonIndex"`
	EpisodeIndex int              `json:"episodeIndex"`
	IsRewatch    bool             `json:"isRewatch"`
	Rewatch      *RewatchProgress `json:"rewatch,omitempty"`
	// IndexFallback is set when the episode id was missing from the uncleaned season
	// and the cleaned position was used instead
	IndexFallback bool `json:"indexFallback,omitempty"`
}

type RewatchProgress struct {
	Current int `json:"current"`
	Target  int `json:"target"`
}

type Options struct {
	SuppressRewatch bool
}

type Selector struct {
	Policy RewatchPolicy
}

func NewSelector(policy RewatchPolicy) Selector {
	if policy == nil {
		policy = CyclePolicy{}
	}

	return Selector{Policy: policy}
}

// Next returns the first unwatched episode in stored order. When everything is watched it
// falls back to the rewatch policy unless suppressed. False means there is no candidate.
func (sel Selector) Next(s series.Series, opts Options) (PrioritizedEpisode, bool) {
	cleaned := ResolveOverlaps(s)

	for _, season := range cleaned {
		for i, e := range season.Episodes {
			if e.Watched {
				continue
			}

			return locate(s, season.Number, e, i), true
		}
	}

	if opts.SuppressRewatch || sel.Policy == nil || !sel.Policy.HasActiveRewatch(s) {
		return PrioritizedEpisode{}, false
	}

	candidate, ok := sel.Policy.NextRewatchEpisode(s)
	if !ok {
		return PrioritizedEpisode{}, false
	}

	cleanedIndex := 0
	for _, season := range cleaned {
		if season.Number == candidate.SeasonNumber {
			cleanedIndex = max(season.EpisodeIndex(candidate.Episode.ID), 0)
			break
		}
	}

	p := locate(s, candidate.SeasonNumber, candidate.Episode, cleanedIndex)
	p.IsRewatch = true
	p.Rewatch = &RewatchProgress{Current: candidate.Current, Target: candidate.Target}
	return p, true
}

// locate translates a cleaned position into the uncleaned season and episode indexes
func locate(s series.Series, seasonNumber int, e series.Episode, cleanedIndex int) PrioritizedEpisode {
	p := PrioritizedEpisode{
		Episode:      e,
		SeasonNumber: seasonNumber,
		SeasonIndex:  s.SeasonIndex(seasonNumber),
		EpisodeIndex: -1,
	}

	if p.SeasonIndex >= 0 {
		p.EpisodeIndex = s.Seasons[p.SeasonIndex].EpisodeIndex(e.ID)
	}

	if p.EpisodeIndex < 0 {
		p.EpisodeIndex = cleanedIndex
		p.IndexFallback = true
	}

	return p
}
