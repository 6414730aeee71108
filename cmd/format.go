package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/kasuboski/watchz/pkg/episodes"
	"github.com/kasuboski/watchz/pkg/series"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English, cases.NoLower)

func displayTitle(s series.Series) string {
	if s.Title == "" {
		return s.ID
	}
	return titleCaser.String(s.Title)
}

// describeEpisode renders a selected episode as one line, e.g. "season 1 index 2 (id 11), aired 2017-12-01".
// The index is the stored position accepted by watch --index, not an episode number.
func describeEpisode(p episodes.PrioritizedEpisode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "season %d index %d (id %d)", p.SeasonNumber, p.EpisodeIndex, p.Episode.ID)

	if p.Episode.HasAirDate() {
		fmt.Fprintf(&b, ", aired %s", p.Episode.AirDate)
	}
	if p.IsRewatch && p.Rewatch != nil {
		fmt.Fprintf(&b, ", rewatch %d of %d", p.Rewatch.Current+1, p.Rewatch.Target)
	}
	if p.Episode.WatchCount > 0 {
		fmt.Fprintf(&b, ", watched %s", english.Plural(p.Episode.WatchCount, "time", "times"))
	}
	if !p.Episode.FirstWatched.IsZero() {
		fmt.Fprintf(&b, ", first watched %s", humanize.Time(p.Episode.FirstWatched))
	}

	return b.String()
}

// describeProgress summarizes how much of a series is left
func describeProgress(s series.Series) string {
	total, watched := 0, 0
	for _, season := range episodes.ResolveOverlaps(s) {
		for _, e := range season.Episodes {
			total++
			if e.Watched {
				watched++
			}
		}
	}

	line := fmt.Sprintf("%s of %s episodes watched", humanize.Comma(int64(watched)), humanize.Comma(int64(total)))
	if s.Runtime > 0 && total > watched {
		left := time.Duration(total-watched) * time.Duration(s.Runtime) * time.Minute
		line += fmt.Sprintf(", about %s left", strings.TrimSpace(humanize.RelTime(time.Time{}, time.Time{}.Add(left), "", "")))
	}
	if s.LastWatchedAt > 0 {
		line += fmt.Sprintf(", last watched %s", humanize.Time(time.UnixMilli(s.LastWatchedAt)))
	}

	return line
}
