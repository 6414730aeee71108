package store

import (
	"context"
	"sync"

	"github.com/kasuboski/watchz/pkg/logger"
)

const subscriberBuffer = 64

type subscriber struct {
	path string
	ch   chan Event
	ctx  context.Context
}

// Broadcaster fans change events out to in-process subscribers. A subscriber that falls
// behind misses events instead of blocking writers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers interest in path until ctx is done or the broadcaster closes
func (b *Broadcaster) Subscribe(ctx context.Context, path string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &subscriber{path: Clean(path), ch: make(chan Event, subscriberBuffer), ctx: ctx}
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.remove(sub)
	}()

	return sub.ch, nil
}

func (b *Broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers events to every subscriber watching a related path
func (b *Broadcaster) Publish(events ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		for _, ev := range events {
			if !Related(ev.Path, sub.path) {
				continue
			}

			select {
			case sub.ch <- ev:
			default:
				logger.FromCtx(sub.ctx).Warnw("subscriber is behind, dropping change event", "path", ev.Path, "subscription", sub.path)
			}
		}
	}
}

// Close ends every subscription
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
