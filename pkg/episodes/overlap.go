package episodes

import (
	"github.com/kasuboski/watchz/pkg/series"
)

// ResolveOverlaps drops episodes that share a broadcast date with an episode in a higher
// numbered season. Only the highest numbered season in a collision keeps the episode.
// Undated episodes and same season duplicates are always kept. Holes in the stored list
// are dropped. The input is not mutated.
func ResolveOverlaps(s series.Series) []series.Season {
	// date -> season number -> episode ids
	dates := make(map[string]map[int]map[int64]struct{})
	for _, season := range s.Seasons {
		for _, e := range season.Episodes {
			if e.Missing || !e.HasAirDate() {
				continue
			}

			bySeason, ok := dates[e.AirDate]
			if !ok {
				bySeason = make(map[int]map[int64]struct{})
				dates[e.AirDate] = bySeason
			}

			ids, ok := bySeason[season.Number]
			if !ok {
				ids = make(map[int64]struct{})
				bySeason[season.Number] = ids
			}

			ids[e.ID] = struct{}{}
		}
	}

	cleaned := make([]series.Season, 0, len(s.Seasons))
	for _, season := range s.Seasons {
		episodes := make([]series.Episode, 0, len(season.Episodes))
		for _, e := range season.Episodes {
			if keep(dates, e, season.Number) {
				episodes = append(episodes, e)
			}
		}

		cleaned = append(cleaned, series.Season{Number: season.Number, Episodes: episodes})
	}

	return cleaned
}

func keep(dates map[string]map[int]map[int64]struct{}, e series.Episode, seasonNumber int) bool {
	if e.Missing {
		return false
	}
	if !e.HasAirDate() {
		return true
	}

	bySeason := dates[e.AirDate]
	if len(bySeason) <= 1 {
		return true
	}

	highest := seasonNumber
	for number := range bySeason {
		highest = max(highest, number)
	}

	return seasonNumber == highest
}
