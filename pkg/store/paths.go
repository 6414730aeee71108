package store

import (
	"strconv"
	"strings"
)

// Paths builds the locations of watch state under an optional root such as users/{uid}.
// Episode paths are addressed by position in the uncleaned season and episode arrays.
type Paths struct {
	Root string
}

func (p Paths) SeriesList() string {
	return Join(p.Root, "series")
}

func (p Paths) Series(id string) string {
	return Join(p.SeriesList(), id)
}

func (p Paths) Episode(id string, seasonIndex, episodeIndex int) string {
	return Join(p.Series(id), "seasons", strconv.Itoa(seasonIndex), "episodes", strconv.Itoa(episodeIndex))
}

func (p Paths) WatchCount(id string, seasonIndex, episodeIndex int) string {
	return Join(p.Episode(id, seasonIndex, episodeIndex), "watchCount")
}

func (p Paths) Watched(id string, seasonIndex, episodeIndex int) string {
	return Join(p.Episode(id, seasonIndex, episodeIndex), "watched")
}

func (p Paths) FirstWatched(id string, seasonIndex, episodeIndex int) string {
	return Join(p.Episode(id, seasonIndex, episodeIndex), "firstWatched")
}

func (p Paths) LastWatchedAt(id string) string {
	return Join(p.Series(id), "lastWatchedAt")
}

func (p Paths) LastWatchedEpisode(id string) string {
	return Join(p.Series(id), "lastWatchedEpisode")
}

// SeriesID returns the series a path belongs to, if any
func (p Paths) SeriesID(path string) (string, bool) {
	list := p.SeriesList()
	if !Within(path, list) {
		return "", false
	}

	rel := Clean(strings.TrimPrefix(Clean(path), list))
	if rel == "" {
		return "", false
	}

	id, _, _ := strings.Cut(rel, "/")
	return id, true
}
