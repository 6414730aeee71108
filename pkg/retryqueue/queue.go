package retryqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/kasuboski/watchz/pkg/cache"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = time.Second
	DefaultFlushTimeout  = 2 * time.Second
	DefaultStaleAfter    = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

var ErrStale = errors.New("pending update went stale")

// Operation is the remote write being protected. It must be safe to run more than once.
type Operation func(ctx context.Context) error

// DropHandler observes updates that were given up on
type DropHandler func(id string, err error)

// PendingUpdate is one registered operation
type PendingUpdate struct {
	ID         string
	MaxRetries int
	Operation  Operation
	EnqueuedAt time.Time

	cancel context.CancelFunc

	// runMu serializes attempts so a teardown flush never overlaps a retry of the same id
	runMu     sync.Mutex
	attempts  int
	succeeded bool
}

// Retries returns how many attempts have been made so far
func (p *PendingUpdate) Retries() int {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.attempts
}

func (p *PendingUpdate) attempt(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.succeeded {
		return nil
	}

	p.attempts++
	if err := p.Operation(ctx); err != nil {
		return err
	}

	p.succeeded = true
	return nil
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return retry.Unrecoverable(err)
}

// Queue runs operations with exponential backoff until they succeed, exhaust their retries,
// go stale, or are unprotected.
type Queue struct {
	entries *cache.Cache[string, *PendingUpdate]

	maxRetries    int
	baseDelay     time.Duration
	flushTimeout  time.Duration
	staleAfter    time.Duration
	sweepInterval time.Duration
	onDrop        DropHandler
	now           func() time.Time
}

type Option func(*Queue)

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		q.maxRetries = n
	}
}

// WithBaseDelay sets the delay after the first failure. Later delays double.
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.baseDelay = d
	}
}

func WithFlushTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.flushTimeout = d
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(q *Queue) {
		q.staleAfter = d
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.sweepInterval = d
	}
}

func WithDropHandler(h DropHandler) Option {
	return func(q *Queue) {
		q.onDrop = h
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		maxRetries:    DefaultMaxRetries,
		baseDelay:     DefaultBaseDelay,
		flushTimeout:  DefaultFlushTimeout,
		staleAfter:    DefaultStaleAfter,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(q)
	}

	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.baseDelay <= 0 {
		q.baseDelay = DefaultBaseDelay
	}
	if q.flushTimeout <= 0 {
		q.flushTimeout = DefaultFlushTimeout
	}
	if q.sweepInterval <= 0 {
		q.sweepInterval = DefaultSweepInterval
	}

	q.entries = cache.NewTTL[string, *PendingUpdate](q.staleAfter, q.now)
	return q
}

// Protect registers op under id and attempts it immediately in the background.
// maxRetries is the total number of attempts; zero or less uses the queue default.
// Registering an id that is already pending replaces it and stops the old retries.
func (q *Queue) Protect(ctx context.Context, id string, op Operation, maxRetries int) {
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &PendingUpdate{
		ID:         id,
		MaxRetries: maxRetries,
		Operation:  op,
		EnqueuedAt: q.now(),
		cancel:     cancel,
	}

	// an expired entry that has not been swept yet still owns a running retry loop
	if prev, ok := q.entries.Swap(id, p); ok {
		logger.FromCtx(ctx).Warnw("replacing pending update", "id", id, "attempts", prev.Retries())
		prev.cancel()
	}

	go q.run(runCtx, p)
}

// backoff is 2^(attempts-1) times the base delay
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return q.baseDelay << (attempts - 1)
}

func (q *Queue) run(ctx context.Context, p *PendingUpdate) {
	log := logger.FromCtx(ctx).With("id", p.ID)

	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			return p.attempt(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.MaxRetries)),
		retry.LastErrorOnly(true),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return q.backoff(p.Retries())
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debugw("pending update failed, retrying", "attempt", n+1, "wait", q.backoff(p.Retries()), "error", err)
		}),
	)

	switch {
	case err == nil:
		q.entries.DeleteIf(p.ID, same(p))
		log.Debugw("pending update succeeded", "attempts", p.Retries())
	case ctx.Err() != nil:
		// unprotected, replaced or flushed; whoever canceled owns the entry now
	default:
		if q.entries.DeleteIf(p.ID, same(p)) {
			q.drop(ctx, p, err)
		}
	}
}

func same(p *PendingUpdate) func(*PendingUpdate) bool {
	return func(other *PendingUpdate) bool {
		return other == p
	}
}

func (q *Queue) drop(ctx context.Context, p *PendingUpdate, err error) {
	logger.FromCtx(ctx).Errorw("dropping pending update", "id", p.ID, "attempts", p.Retries(), "enqueuedAt", p.EnqueuedAt, "error", err)
	if q.onDrop != nil {
		q.onDrop(p.ID, err)
	}
}

// Unprotect forgets id and stops its retries. An attempt already in flight is not interrupted.
func (q *Queue) Unprotect(id string) {
	if p, ok := q.entries.Take(id); ok {
		p.cancel()
	}
}

// HasPending reports whether any update is still outstanding
func (q *Queue) HasPending() bool {
	return q.entries.Size() > 0
}

func (q *Queue) Len() int {
	return q.entries.Size()
}

// Pending returns the ids that are still outstanding
func (q *Queue) Pending() []string {
	return q.entries.Keys()
}

// Sweep drops entries older than the stale threshold and returns how many were removed
func (q *Queue) Sweep(ctx context.Context) int {
	return q.entries.Prune(func(_ string, p *PendingUpdate) {
		p.cancel()
		q.drop(ctx, p, ErrStale)
	})
}

// Run sweeps stale entries until ctx is done
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.Sweep(ctx); n > 0 {
				logger.FromCtx(ctx).Warnw("swept stale pending updates", "count", n)
			}
		}
	}
}

// FlushReport summarizes a teardown flush
type FlushReport struct {
	Fired     int `json:"fired"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Unfinished operations were still running when the flush timeout hit
	Unfinished int `json:"unfinished"`
}

// FlushAll fires every outstanding operation at once and waits for them up to the flush
// timeout. Failures are ignored and the queue is empty afterwards whatever the outcome.
// Operations still running at the deadline keep running but are no longer awaited.
func (q *Queue) FlushAll(ctx context.Context) FlushReport {
	log := logger.FromCtx(ctx)

	q.Sweep(ctx)
	pending := q.entries.Drain()
	if len(pending) == 0 {
		return FlushReport{}
	}

	var succeeded, failed atomic.Int64
	opCtx := context.WithoutCancel(ctx)

	p := pool.New()
	for _, update := range pending {
		update.cancel()
		p.Go(func() {
			if err := update.attempt(opCtx); err != nil {
				failed.Add(1)
				log.Warnw("flush of pending update failed", "id", update.ID, "error", err)
				return
			}
			succeeded.Add(1)
		})
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	timer := time.NewTimer(q.flushTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		log.Warnw("flush timed out", "timeout", q.flushTimeout)
	case <-ctx.Done():
	}

	report := FlushReport{
		Fired:     len(pending),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	report.Unfinished = report.Fired - report.Succeeded - report.Failed

	log.Infow("flushed pending updates", "fired", report.Fired, "succeeded", report.Succeeded, "failed", report.Failed, "unfinished", report.Unfinished)
	return report
}
