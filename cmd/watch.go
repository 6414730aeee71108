package cmd

import (
	"context"
	"fmt"

	"github.com/kasuboski/watchz/pkg/episodes"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/reconcile"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

var (
	watchSeason int
	watchIndex  int
)

// watchCmd marks an episode watched and waits for the write to reach the store
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Mark the next episode, or the one given by --season and --index, watched",
	Long: `Mark the next episode of a series watched. With --season and --index the episode at that
position of the season is marked instead. Pending writes are flushed before exiting.`,
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

		controller := newController(cfg, st)
		id := args[0]

		var result reconcile.ToggleResult
		if cmd.Flags().Changed("season") || cmd.Flags().Changed("index") {
			result, err = controller.MarkEpisode(ctx, id, watchSeason, watchIndex)
		} else {
			result, err = controller.ToggleNext(ctx, id, episodes.Options{SuppressRewatch: suppressRewatch})
		}
		if err != nil {
			log.Fatal("failed to mark episode watched", zap.String("series", id), zap.Error(err))
		}

		report := controller.Close(ctx)
		if report.Queue.Failed > 0 || report.Queue.Unfinished > 0 || report.Released > 0 {
			log.Fatalw("watch state was not saved", "key", result.Key, "failed", report.Queue.Failed, "unfinished", report.Queue.Unfinished)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", result.Outcome, describeEpisode(result.Episode))
	},
}

func init() {
	watchCmd.Flags().IntVar(&watchSeason, "season", 0, "season number")
	watchCmd.Flags().IntVar(&watchIndex, "index", 0, "episode position within the season, starting at 0")
	watchCmd.Flags().BoolVar(&suppressRewatch, "suppress-rewatch", false, "do not offer rewatch episodes")
	rootCmd.AddCommand(watchCmd)
}
