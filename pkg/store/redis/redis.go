package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/store"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultNamespace = "watchz"
	scanCount        = 256
)

// Store keeps one string key per leaf path under a namespace and announces changes over pub/sub
type Store struct {
	client    *goredis.Client
	namespace string
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

// New connects to the redis server at url
func New(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, DefaultNamespace), nil
}

// NewWithClient creates a store from an existing client
func NewWithClient(client *goredis.Client, namespace string) *Store {
	return &Store{
		client:    client,
		namespace: namespace,
		now:       time.Now,
	}
}

func (s *Store) key(path string) string {
	return s.namespace + ":" + path
}

func (s *Store) path(key string) string {
	return strings.TrimPrefix(key, s.namespace+":")
}

func (s *Store) channel() string {
	return s.namespace + ":changes"
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// subtreeKeys lists the keys stored below path
func (s *Store) subtreeKeys(ctx context.Context, path string) ([]string, error) {
	pattern := s.key(globEscaper.Replace(path)) + "/*"
	if path == "" {
		pattern = s.key("*")
	}

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	return keys, iter.Err()
}

func (s *Store) Read(ctx context.Context, path string) (any, error) {
	path = store.Clean(path)

	if path != "" {
		raw, err := s.client.Get(ctx, s.key(path)).Result()
		switch {
		case err == nil:
			return store.DecodeLeaf(raw)
		case !errors.Is(err, goredis.Nil):
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	keys, err := s.subtreeKeys(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	if len(keys) == 0 {
		return nil, store.ErrNotFound
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	leaves := make(map[string]any, len(keys))
	for i, key := range keys {
		raw, ok := values[i].(string)
		if !ok {
			// deleted between scan and get
			continue
		}
		v, err := store.DecodeLeaf(raw)
		if err != nil {
			return nil, err
		}
		leaves[s.path(key)] = v
	}

	v, ok := store.Assemble(path, leaves)
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	return s.WriteMany(ctx, map[string]any{path: value})
}

// WriteMany applies every update in one MULTI/EXEC. The keys to clear are found beforehand,
// so a concurrent writer adding keys below the same path can leave them behind.
func (s *Store) WriteMany(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	now := s.now()

	type plan struct {
		path   string
		stale  []string
		leaves map[string]any
	}

	plans := make([]plan, 0, len(updates))
	for _, raw := range store.SortedPaths(updates) {
		path := store.Clean(raw)

		leaves, err := store.Flatten(path, updates[raw])
		if err != nil {
			return err
		}
		store.Resolve(leaves, now)

		stale, err := s.subtreeKeys(ctx, path)
		if err != nil {
			return fmt.Errorf("scan %s: %w", path, err)
		}
		if path != "" {
			stale = append(stale, s.key(path))
			parts := strings.Split(path, "/")
			for i := 1; i < len(parts); i++ {
				stale = append(stale, s.key(strings.Join(parts[:i], "/")))
			}
		}

		plans = append(plans, plan{path: path, stale: stale, leaves: leaves})
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, p := range plans {
			if len(p.stale) > 0 {
				pipe.Del(ctx, p.stale...)
			}
			for _, leafPath := range store.SortedPaths(p.leaves) {
				encoded, err := store.EncodeLeaf(p.leaves[leafPath])
				if err != nil {
					return err
				}
				pipe.Set(ctx, s.key(leafPath), encoded, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	for _, p := range plans {
		value, _ := store.Assemble(p.path, p.leaves)
		payload, err := json.Marshal(store.Event{Path: p.path, Value: value})
		if err != nil {
			return err
		}
		if err := s.client.Publish(ctx, s.channel(), payload).Err(); err != nil {
			logger.FromCtx(ctx).Warnw("failed to publish change", "path", p.path, "error", err)
		}
	}

	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string) (<-chan store.Event, error) {
	path = store.Clean(path)
	log := logger.FromCtx(ctx)

	pubsub := s.client.Subscribe(ctx, s.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan store.Event, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				var ev store.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warnw("ignoring malformed change event", "error", err)
					continue
				}
				if !store.Related(ev.Path, path) {
					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
