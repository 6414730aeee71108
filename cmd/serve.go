package cmd

import (
	"context"

	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/server"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the watch server",
	Long:  `start the watch server`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log := setup()

		ctx, cancel := context.WithCancel(logger.WithCtx(context.Background(), log))
		defer cancel()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			log.Fatal("failed to create store connection", zap.Error(err))
		}
		defer st.Close()

		controller := newController(cfg, st)
		go controller.Run(ctx)
		go func() {
			if err := controller.Watch(ctx, ""); err != nil {
				log.Errorw("stopped watching remote changes", "error", err)
			}
		}()

		server := server.New(log, controller)
		if err := server.Serve(cfg.Server.Port); err != nil {
			log.Error(err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
