package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/store"
)

var errStreamEnded = errors.New("change stream ended")

const maxResubscribeDelay = 30 * time.Second

// Watch invalidates cached snapshots when the store reports remote changes. An empty id watches
// every series. It resubscribes with backoff when the stream ends and returns when ctx is done.
func (c *Controller) Watch(ctx context.Context, id string) error {
	path := c.paths.SeriesList()
	if id != "" {
		path = c.paths.Series(id)
	}

	log := logger.FromCtx(ctx).With("subscription", path)

	err := retry.Do(
		func() error {
			return c.consume(ctx, path)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(time.Second),
		retry.MaxDelay(maxResubscribeDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warnw("resubscribing to changes", "attempt", n+1, "error", err)
		}),
	)

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Controller) consume(ctx context.Context, path string) error {
	events, err := c.store.Subscribe(ctx, path)
	if err != nil {
		if errors.Is(err, store.ErrClosed) {
			return retry.Unrecoverable(err)
		}
		return err
	}

	for ev := range events {
		c.invalidate(ev.Path)
	}

	if err := ctx.Err(); err != nil {
		return retry.Unrecoverable(err)
	}
	return errStreamEnded
}

// invalidate drops the snapshots a change at path can affect
func (c *Controller) invalidate(path string) {
	if id, ok := c.paths.SeriesID(path); ok {
		c.snapshots.Delete(id)
		return
	}

	if store.Within(c.paths.SeriesList(), path) {
		c.snapshots.Drain()
	}
}
