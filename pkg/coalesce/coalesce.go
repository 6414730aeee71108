package coalesce

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kasuboski/watchz/pkg/logger"
)

const (
	DefaultBatchSize  = 10
	DefaultQuietDelay = time.Second
	DefaultMaxDelay   = 5 * time.Second
)

var ErrClosed = errors.New("coalescer is closed")

// Writer is the store surface needed to flush a batch
type Writer interface {
	Write(ctx context.Context, path string, value any) error
	WriteMany(ctx context.Context, updates map[string]any) error
}

// BatchEntry is the pending write for one path
type BatchEntry struct {
	Path       string
	Value      any
	EnqueuedAt time.Time
}

// Coalescer buffers path keyed writes and submits them together as one multi path write.
// A batch flushes when it reaches the batch size, when its oldest entry reaches the max
// delay, or when no write arrives for the quiet delay. Safe for concurrent use.
type Coalescer struct {
	writer     Writer
	batchSize  int
	quietDelay time.Duration
	maxDelay   time.Duration
	now        func() time.Time

	mu         sync.Mutex
	batch      map[string]BatchEntry
	batchCtx   context.Context
	firstAt    time.Time
	generation uint64
	quiet      *time.Timer
	deadline   *time.Timer
	closed     bool

	// flushMu keeps batches submitted in the order they were taken
	flushMu sync.Mutex
}

type Option func(*Coalescer)

func WithBatchSize(n int) Option {
	return func(c *Coalescer) {
		c.batchSize = n
	}
}

func WithQuietDelay(d time.Duration) Option {
	return func(c *Coalescer) {
		c.quietDelay = d
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Coalescer) {
		c.maxDelay = d
	}
}

// WithClock replaces the clock used to age batches
func WithClock(now func() time.Time) Option {
	return func(c *Coalescer) {
		c.now = now
	}
}

func New(writer Writer, opts ...Option) *Coalescer {
	c := &Coalescer{
		writer:     writer,
		batchSize:  DefaultBatchSize,
		quietDelay: DefaultQuietDelay,
		maxDelay:   DefaultMaxDelay,
		now:        time.Now,
		batch:      make(map[string]BatchEntry),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.quietDelay <= 0 {
		c.quietDelay = DefaultQuietDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = DefaultMaxDelay
	}

	return c
}

// Enqueue records value for path, replacing any pending value for the same path.
// When the write fills the batch or the batch is overdue it is flushed before Enqueue returns.
func (c *Coalescer) Enqueue(ctx context.Context, path string, value any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	now := c.now()
	if len(c.batch) == 0 {
		c.firstAt = now
		c.batchCtx = context.WithoutCancel(ctx)
		gen := c.generation
		c.deadline = time.AfterFunc(c.maxDelay, func() {
			c.flushGeneration(gen, "max delay")
		})
	}

	c.batch[path] = BatchEntry{Path: path, Value: value, EnqueuedAt: now}

	gen := c.generation
	var reason string
	switch {
	case len(c.batch) >= c.batchSize:
		reason = "batch size"
	case now.Sub(c.firstAt) >= c.maxDelay:
		reason = "max delay"
	}

	if reason != "" {
		c.mu.Unlock()
		c.flushGeneration(gen, reason)
		return nil
	}

	if c.quiet != nil {
		c.quiet.Stop()
	}
	c.quiet = time.AfterFunc(c.quietDelay, func() {
		c.flushGeneration(gen, "quiet")
	})
	c.mu.Unlock()

	return nil
}

// FlushNow cancels pending timers and submits the current batch
func (c *Coalescer) FlushNow(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	entries, _ := c.takeLocked()
	c.mu.Unlock()

	c.execute(ctx, entries, "manual")
}

// Len returns the number of distinct paths waiting to be flushed
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batch)
}

// Close flushes what is pending and rejects further writes
func (c *Coalescer) Close(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.FlushNow(ctx)
}

// flushGeneration flushes the batch only if it is still the one the trigger was armed for
func (c *Coalescer) flushGeneration(gen uint64, reason string) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	entries, ctx := c.takeLocked()
	c.mu.Unlock()

	c.execute(ctx, entries, reason)
}

func (c *Coalescer) takeLocked() ([]BatchEntry, context.Context) {
	ctx := c.batchCtx
	if ctx == nil {
		ctx = context.Background()
	}

	entries := make([]BatchEntry, 0, len(c.batch))
	for _, e := range c.batch {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	c.batch = make(map[string]BatchEntry)
	c.batchCtx = nil
	c.firstAt = time.Time{}
	c.generation++

	if c.quiet != nil {
		c.quiet.Stop()
		c.quiet = nil
	}
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}

	return entries, ctx
}

func (c *Coalescer) execute(ctx context.Context, entries []BatchEntry, reason string) {
	if len(entries) == 0 {
		return
	}

	log := logger.FromCtx(ctx)

	updates := make(map[string]any, len(entries))
	for _, e := range entries {
		updates[e.Path] = e.Value
	}

	err := c.writer.WriteMany(ctx, updates)
	if err == nil {
		log.Debugw("flushed batch", "paths", len(entries), "trigger", reason)
		return
	}

	log.Warnw("batch write failed, writing paths individually", "paths", len(entries), "trigger", reason, "error", err)
	for _, e := range entries {
		if err := c.writer.Write(ctx, e.Path, e.Value); err != nil {
			log.Errorw("failed to write path", "path", e.Path, "error", err)
		}
	}
}
