package cmd

import (
	"context"
	"fmt"

	"github.com/kasuboski/watchz/pkg/episodes"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/series"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

// overlapsCmd lists the episodes overlap resolution removes from a series
var overlapsCmd = &cobra.Command{
	Use:        "overlaps",
	Short:      "List episodes duplicated across seasons of a series",
	Long:       `List episodes that share a broadcast date with an episode of a later season and are hidden`,
	Args:       cobra.ExactArgs(1),
	ArgAliases: []string{"series id"},
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup()
		ctx := logger.WithCtx(context.Background(), log)

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			log.Fatal("failed to create store connection", zap.Error(err))
		}
		defer st.Close()

		s, err := newController(cfg, st).Series(ctx, args[0])
		if err != nil {
			log.Fatal("failed to read series", zap.String("series", args[0]), zap.Error(err))
		}

		out := cmd.OutOrStdout()
		dropped := droppedEpisodes(s)
		if len(dropped) == 0 {
			fmt.Fprintf(out, "%s has no overlapping episodes\n", displayTitle(s))
			return
		}

		fmt.Fprintf(out, "%s: %d hidden\n", displayTitle(s), len(dropped))
		for _, d := range dropped {
			fmt.Fprintf(out, "  season %d index %d (id %d) aired %s\n", d.season, d.index, d.episode.ID, d.episode.AirDate)
		}
	},
}

type droppedEpisode struct {
	season  int
	index   int
	episode series.Episode
}

// droppedEpisodes compares the stored seasons with their cleaned form
func droppedEpisodes(s series.Series) []droppedEpisode {
	cleaned := episodes.ResolveOverlaps(s)

	var dropped []droppedEpisode
	for i, season := range s.Seasons {
		for j, e := range season.Episodes {
			if !e.Missing && cleaned[i].EpisodeIndex(e.ID) < 0 {
				dropped = append(dropped, droppedEpisode{season: season.Number, index: j, episode: e})
			}
		}
	}
	return dropped
}

func init() {
	rootCmd.AddCommand(overlapsCmd)
}
