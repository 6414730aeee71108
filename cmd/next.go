package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kasuboski/watchz/pkg/episodes"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/reconcile"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

var suppressRewatch bool

// nextCmd prints the episode to watch next
var nextCmd = &cobra.Command{
	Use:        "next",
	Short:      "Show the next episode to watch for a series",
	Long:       `Show the next episode to watch for a series`,
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

		s, err := controller.Series(ctx, id)
		if err != nil {
			log.Fatal("failed to read series", zap.String("series", id), zap.Error(err))
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s\n", displayTitle(s), describeProgress(s))

		next, err := controller.NextEpisode(ctx, id, episodes.Options{SuppressRewatch: suppressRewatch})
		if errors.Is(err, reconcile.ErrNoCandidate) {
			fmt.Fprintln(out, "nothing left to watch")
			return
		}
		if err != nil {
			log.Fatal("failed to select next episode", zap.Error(err))
		}

		fmt.Fprintf(out, "next: %s\n", describeEpisode(next))
	},
}

func init() {
	nextCmd.Flags().BoolVar(&suppressRewatch, "suppress-rewatch", false, "do not offer rewatch episodes")
	rootCmd.AddCommand(nextCmd)
}
