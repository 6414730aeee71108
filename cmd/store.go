package cmd

import (
	"context"
	"fmt"

	"github.com/kasuboski/watchz/config"
	"github.com/kasuboski/watchz/pkg/coalesce"
	whttp "github.com/kasuboski/watchz/pkg/http"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/reconcile"
	"github.com/kasuboski/watchz/pkg/retryqueue"
	"github.com/kasuboski/watchz/pkg/store"
	"github.com/kasuboski/watchz/pkg/store/redis"
	"github.com/kasuboski/watchz/pkg/store/rtdb"
	"github.com/kasuboski/watchz/pkg/store/sqlite"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// setup reads the configuration and builds the logger with its optional file sink
func setup() (config.Config, *zap.SugaredLogger) {
	cfg, err := config.New(viper.GetViper())
	if err != nil {
		logger.Get().Fatal("failed to read configurations", zap.Error(err))
	}

	log := logger.Init(logger.FileSink{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	return cfg, log
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return sqlite.New(ctx, cfg.SQLite.FilePath)
	case "redis":
		return redis.New(ctx, cfg.Redis.URL)
	case "rtdb":
		var opts []whttp.ClientOption
		if cfg.RTDB.MaxRetries > 0 {
			opts = append(opts, whttp.WithMaxRetries(cfg.RTDB.MaxRetries))
		}
		if cfg.RTDB.BaseBackoff > 0 {
			opts = append(opts, whttp.WithBaseBackoff(cfg.RTDB.BaseBackoff))
		}

		return rtdb.New(cfg.RTDB.URL,
			rtdb.WithAuthToken(cfg.RTDB.AuthToken),
			rtdb.WithHTTPClient(whttp.NewRateLimitedHTTPClient(opts...)),
		)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newController(cfg config.Config, st store.Store) *reconcile.Controller {
	return reconcile.New(st,
		reconcile.WithRoot(cfg.Store.Root),
		reconcile.WithMaxRetries(cfg.Queue.MaxRetries),
		reconcile.WithSettleDelay(cfg.Controller.SettleDelay),
		reconcile.WithSnapshotTTL(cfg.Controller.SnapshotTTL),
		reconcile.WithQueueOptions(
			retryqueue.WithMaxRetries(cfg.Queue.MaxRetries),
			retryqueue.WithBaseDelay(cfg.Queue.BaseDelay),
			retryqueue.WithFlushTimeout(cfg.Queue.FlushTimeout),
			retryqueue.WithStaleAfter(cfg.Queue.StaleAfter),
			retryqueue.WithSweepInterval(cfg.Queue.SweepInterval),
		),
		reconcile.WithCoalescerOptions(
			coalesce.WithBatchSize(cfg.Coalescer.BatchSize),
			coalesce.WithQuietDelay(cfg.Coalescer.QuietDelay),
			coalesce.WithMaxDelay(cfg.Coalescer.MaxDelay),
		),
	)
}
