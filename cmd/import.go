package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/series"
	"github.com/kasuboski/watchz/pkg/store"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

// importCmd loads a series export into the store
var importCmd = &cobra.Command{
	Use:        "import",
	Short:      "Import series from a JSON export",
	Long:       `Import series from a JSON export holding a list of series or an object keyed by series id`,
	Args:       cobra.ExactArgs(1),
	ArgAliases: []string{"path to export"},
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup()
		ctx := logger.WithCtx(context.Background(), log)

		f, err := os.Open(args[0])
		if err != nil {
			log.Fatal("failed to open export", zap.Error(err))
		}
		defer f.Close()

		list, err := series.Decode(f)
		if err != nil {
			log.Fatal("failed to decode export", zap.Error(err))
		}

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			log.Fatal("failed to create store connection", zap.Error(err))
		}
		defer st.Close()

		n, err := importSeries(ctx, st, store.Paths{Root: cfg.Store.Root}, list)
		if err != nil {
			log.Fatal("failed to import series", zap.Error(err))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "imported %s series with %s episodes\n", humanize.Comma(int64(len(list))), humanize.Comma(int64(n)))
	},
}

// importSeries writes every series in one multi path update and returns the episode count
func importSeries(ctx context.Context, st store.Store, paths store.Paths, list []series.Series) (int, error) {
	updates := make(map[string]any, len(list))
	episodeCount := 0
	for _, s := range list {
		tree, err := s.Tree()
		if err != nil {
			return 0, fmt.Errorf("failed to encode series %s: %w", s.ID, err)
		}
		updates[paths.Series(s.ID)] = tree

		for _, season := range s.Seasons {
			episodeCount += season.Present()
		}
	}

	if len(updates) == 0 {
		return 0, nil
	}

	return episodeCount, st.WriteMany(ctx, updates)
}

func init() {
	rootCmd.AddCommand(importCmd)
}
