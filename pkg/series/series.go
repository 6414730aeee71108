package series

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/oapi-codegen/nullable"
)

// Series is the canonical shape of a tracked show
type Series struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Seasons   []Season `json:"seasons"`
	Watchlist bool     `json:"watchlist"`
	// Runtime is the nominal episode runtime in minutes
	Runtime int      `json:"runtime"`
	Rewatch *Rewatch `json:"rewatch,omitempty"`
	// LastWatchedAt is epoch milliseconds as resolved by the store
	LastWatchedAt      int64  `json:"lastWatchedAt,omitempty"`
	LastWatchedEpisode string `json:"lastWatchedEpisode,omitempty"`
}

// Rewatch is the rewatch cycle state of a series
type Rewatch struct {
	Active bool `json:"active"`
	// Target is the watch count every episode reaches when the cycle completes
	Target int `json:"target"`
}

type Season struct {
	Number   int       `json:"seasonNumber"`
	Episodes []Episode `json:"episodes"`
}

// Episode has a single air date field. Source variants are folded into it on decode.
type Episode struct {
	ID           int64
	AirDate      string
	Watched      bool
	WatchCount   int
	FirstWatched time.Time
	// Missing marks a null hole in the stored episode list. It keeps the positions of
	// later episodes aligned with their store paths.
	Missing bool
}

type episodeJSON struct {
	ID           int64                     `json:"id"`
	AirDate      nullable.Nullable[string] `json:"airDate,omitempty"`
	AirDateSnake nullable.Nullable[string] `json:"air_date,omitempty"`
	AirDateLower nullable.Nullable[string] `json:"airdate,omitempty"`
	AirDateUTC   nullable.Nullable[string] `json:"airDateUtc,omitempty"`
	FirstAired   nullable.Nullable[string] `json:"firstAired,omitempty"`
	Watched      bool                      `json:"watched"`
	WatchCount   nullable.Nullable[int]    `json:"watchCount,omitempty"`
	FirstWatched json.RawMessage           `json:"firstWatched,omitempty"`
}

func (e *Episode) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		*e = Episode{Missing: true}
		return nil
	}

	var raw episodeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	firstWatched, err := parseTimestamp(raw.FirstWatched)
	if err != nil {
		return fmt.Errorf("episode %d: %w", raw.ID, err)
	}

	*e = Episode{
		ID:           raw.ID,
		AirDate:      firstDate(raw.AirDate, raw.AirDateSnake, raw.AirDateLower, raw.AirDateUTC, raw.FirstAired),
		Watched:      raw.Watched,
		WatchCount:   valueOr(raw.WatchCount, 0),
		FirstWatched: firstWatched,
	}

	return nil
}

func (e Episode) MarshalJSON() ([]byte, error) {
	if e.Missing {
		return []byte("null"), nil
	}

	out := struct {
		ID           int64  `json:"id"`
		AirDate      string `json:"airDate,omitempty"`
		Watched      bool   `json:"watched"`
		WatchCount   int    `json:"watchCount"`
		FirstWatched int64  `json:"firstWatched,omitempty"`
	}{
		ID:         e.ID,
		AirDate:    e.AirDate,
		Watched:    e.Watched,
		WatchCount: e.WatchCount,
	}

	if !e.FirstWatched.IsZero() {
		out.FirstWatched = e.FirstWatched.UnixMilli()
	}

	return json.Marshal(out)
}

// HasAirDate reports whether the episode carries a usable broadcast date
func (e Episode) HasAirDate() bool {
	return e.AirDate != ""
}

func valueOr[T any](n nullable.Nullable[T], fallback T) T {
	if !n.IsSpecified() || n.IsNull() {
		return fallback
	}

	v, err := n.Get()
	if err != nil {
		return fallback
	}

	return v
}

func firstDate(candidates ...nullable.Nullable[string]) string {
	for _, c := range candidates {
		if d := NormalizeAirDate(valueOr(c, "")); d != "" {
			return d
		}
	}

	return ""
}

// NormalizeAirDate folds the sentinel "null" string to absent and trims timestamps to their date
func NormalizeAirDate(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "null") {
		return ""
	}

	if len(s) > len(time.DateOnly) {
		if _, err := time.Parse(time.RFC3339, s); err == nil {
			return s[:len(time.DateOnly)]
		}
	}

	return s
}

// parseTimestamp accepts epoch milliseconds or RFC 3339 text
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return time.Time{}, err
	}

	switch ts := v.(type) {
	case float64:
		if ts <= 0 {
			return time.Time{}, nil
		}
		return time.UnixMilli(int64(ts)).UTC(), nil
	case string:
		if ts == "" || ts == "null" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid firstWatched %q: %w", ts, err)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported firstWatched value %s", string(raw))
	}
}

// SeasonIndex returns the position of the season with the given number, or -1
func (s Series) SeasonIndex(number int) int {
	return slices.IndexFunc(s.Seasons, func(season Season) bool {
		return season.Number == number
	})
}

// EpisodeIndex returns the position of the episode with the given id, or -1
func (s Season) EpisodeIndex(id int64) int {
	return slices.IndexFunc(s.Episodes, func(e Episode) bool {
		return !e.Missing && e.ID == id
	})
}

// Present counts the episodes that are not holes
func (s Season) Present() int {
	n := 0
	for _, e := range s.Episodes {
		if !e.Missing {
			n++
		}
	}
	return n
}

// Clone deep copies the series so it can be mutated independently
func (s Series) Clone() Series {
	out := s
	if s.Rewatch != nil {
		r := *s.Rewatch
		out.Rewatch = &r
	}

	out.Seasons = make([]Season, len(s.Seasons))
	for i, season := range s.Seasons {
		out.Seasons[i] = Season{
			Number:   season.Number,
			Episodes: slices.Clone(season.Episodes),
		}
	}

	return out
}

// FromTree converts a subtree read from the store into a series
func FromTree(id string, tree any) (Series, error) {
	b, err := json.Marshal(tree)
	if err != nil {
		return Series{}, err
	}

	var s Series
	if err := json.Unmarshal(b, &s); err != nil {
		return Series{}, fmt.Errorf("failed to decode series %s: %w", id, err)
	}

	s.ID = id
	return s, nil
}

// Tree converts the series into plain maps and slices suitable for a store write.
// The id is implied by the path and is left out.
func (s Series) Tree() (map[string]any, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	var tree map[string]any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, err
	}

	delete(tree, "id")
	return tree, nil
}

// Decode reads an export file holding either a list of series or an object keyed by series id
func Decode(r io.Reader) ([]Series, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var list []Series
	if err := json.Unmarshal(b, &list); err == nil {
		for i, s := range list {
			if s.ID == "" {
				return nil, fmt.Errorf("series at position %d has no id", i)
			}
		}
		return list, nil
	}

	var keyed map[string]Series
	if err := json.Unmarshal(b, &keyed); err != nil {
		return nil, fmt.Errorf("failed to decode series export: %w", err)
	}

	ids := make([]string, 0, len(keyed))
	for id := range keyed {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	list = make([]Series, 0, len(keyed))
	for _, id := range ids {
		s := keyed[id]
		s.ID = id
		list = append(list, s)
	}

	return list, nil
}
