package episodes

import (
	"github.com/kasuboski/watchz/pkg/series"
)

// RewatchPolicy decides whether a fully watched series is in a rewatch cycle and what to offer next
type RewatchPolicy interface {
	HasActiveRewatch(s series.Series) bool
	// NextRewatchEpisode returns the episode to rewatch, its season number, its current watch
	// count and the count the cycle is aiming for
	NextRewatchEpisode(s series.Series) (RewatchCandidate, bool)
}

type RewatchCandidate struct {
	Episode      series.Episode
	SeasonNumber int
	Current      int
	Target       int
}

// CyclePolicy runs a rewatch cycle when the series has an active rewatch with a positive target
// and at least one episode is below that target.
type CyclePolicy struct{}

func (CyclePolicy) HasActiveRewatch(s series.Series) bool {
	_, ok := CyclePolicy{}.NextRewatchEpisode(s)
	return ok
}

func (CyclePolicy) NextRewatchEpisode(s series.Series) (RewatchCandidate, bool) {
	if s.Rewatch == nil || !s.Rewatch.Active || s.Rewatch.Target <= 0 {
		return RewatchCandidate{}, false
	}

	for _, season := range ResolveOverlaps(s) {
		for _, e := range season.Episodes {
			if e.WatchCount < s.Rewatch.Target {
				return RewatchCandidate{
					Episode:      e,
					SeasonNumber: season.Number,
					Current:      e.WatchCount,
					Target:       s.Rewatch.Target,
				}, true
			}
		}
	}

	return RewatchCandidate{}, false
}
