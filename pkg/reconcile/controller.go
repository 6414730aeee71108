package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/kasuboski/watchz/pkg/cache"
	"github.com/kasuboski/watchz/pkg/coalesce"
	"github.com/kasuboski/watchz/pkg/episodes"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/machine"
	"github.com/kasuboski/watchz/pkg/retryqueue"
	"github.com/kasuboski/watchz/pkg/series"
	"github.com/kasuboski/watchz/pkg/store"
)

const (
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultSnapshotTTL = time.Minute
)

var (
	ErrSeriesNotFound  = errors.New("series not found")
	ErrNoCandidate     = errors.New("no episode to watch next")
	ErrEpisodeNotFound = errors.New("episode not found")
)

// PendingState is where one composite key is in its round trip
type PendingState string

const (
	Idle              PendingState = "idle"
	PendingOptimistic PendingState = "pendingOptimistic"
	Settling          PendingState = "settling"
)

func newPendingMachine() *machine.StateMachine[PendingState] {
	return machine.New(Idle,
		machine.From(Idle).To(PendingOptimistic),
		machine.From(PendingOptimistic).To(Settling, Idle),
		machine.From(Settling).To(Idle),
	)
}

type Outcome string

const (
	Applied Outcome = "applied"
	// Ignored means the key already had an update in flight
	Ignored Outcome = "ignored"
)

// ToggleResult describes what a watch toggle did. Episode carries the optimistic values.
type ToggleResult struct {
	Outcome Outcome                     `json:"outcome"`
	Key     string                      `json:"key"`
	Episode episodes.PrioritizedEpisode `json:"episode"`
}

// Key builds the composite id of one episode's pending slot
func Key(seriesID string, seasonNumber, episodeIndex int) string {
	return seriesID + "-" + strconv.Itoa(seasonNumber) + "-" + strconv.Itoa(episodeIndex)
}

type pendingKey struct {
	seriesID string
	state    *machine.StateMachine[PendingState]
}

// Controller applies watch toggles locally, protects the remote write and keeps displayed
// lists stable until the round trip settles.
type Controller struct {
	store     store.Store
	paths     store.Paths
	queue     *retryqueue.Queue
	coalescer *coalesce.Coalescer
	selector  episodes.Selector

	maxRetries  int
	settleDelay time.Duration
	now         func() time.Time
	afterFunc   func(time.Duration, func())

	snapshots *cache.Cache[string, series.Series]

	mu         sync.Mutex
	pending    map[string]*pendingKey
	optimistic map[string]series.Series
}

type Option func(*options)

type options struct {
	paths         store.Paths
	policy        episodes.RewatchPolicy
	maxRetries    int
	settleDelay   time.Duration
	snapshotTTL   time.Duration
	now           func() time.Time
	afterFunc     func(time.Duration, func())
	queueOpts     []retryqueue.Option
	coalescerOpts []coalesce.Option
	onDrop        retryqueue.DropHandler
}

// WithRoot places the watch state under root, such as users/{uid}
func WithRoot(root string) Option {
	return func(o *options) {
		o.paths = store.Paths{Root: root}
	}
}

func WithRewatchPolicy(policy episodes.RewatchPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithMaxRetries sets the attempts given to each remote write
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

func WithSettleDelay(d time.Duration) Option {
	return func(o *options) {
		o.settleDelay = d
	}
}

func WithSnapshotTTL(d time.Duration) Option {
	return func(o *options) {
		o.snapshotTTL = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithAfterFunc replaces time.AfterFunc for the settle delay
func WithAfterFunc(after func(time.Duration, func())) Option {
	return func(o *options) {
		o.afterFunc = after
	}
}

func WithQueueOptions(opts ...retryqueue.Option) Option {
	return func(o *options) {
		o.queueOpts = append(o.queueOpts, opts...)
	}
}

func WithCoalescerOptions(opts ...coalesce.Option) Option {
	return func(o *options) {
		o.coalescerOpts = append(o.coalescerOpts, opts...)
	}
}

// WithDropHandler observes updates the queue gave up on, after the controller has released them
func WithDropHandler(h retryqueue.DropHandler) Option {
	return func(o *options) {
		o.onDrop = h
	}
}

// New wires a controller over st. The controller owns its retry queue and write coalescer.
func New(st store.Store, opts ...Option) *Controller {
	o := options{
		settleDelay: DefaultSettleDelay,
		snapshotTTL: DefaultSnapshotTTL,
		now:         time.Now,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		store:       st,
		paths:       o.paths,
		selector:    episodes.NewSelector(o.policy),
		maxRetries:  o.maxRetries,
		settleDelay: o.settleDelay,
		now:         o.now,
		afterFunc:   o.afterFunc,
		snapshots:   cache.NewTTL[string, series.Series](o.snapshotTTL, o.now),
		pending:     make(map[string]*pendingKey),
		optimistic:  make(map[string]series.Series),
	}

	onDrop := o.onDrop
	queueOpts := append([]retryqueue.Option{retryqueue.WithClock(o.now)}, o.queueOpts...)
	queueOpts = append(queueOpts, retryqueue.WithDropHandler(func(id string, err error) {
		c.release(id)
		if onDrop != nil {
			onDrop(id, err)
		}
	}))

	c.queue = retryqueue.New(queueOpts...)
	c.coalescer = coalesce.New(st, o.coalescerOpts...)

	return c
}

// Run sweeps stale pending updates until ctx is done
func (c *Controller) Run(ctx context.Context) {
	c.queue.Run(ctx)
}

func (c *Controller) snapshot(ctx context.Context, id string) (series.Series, error) {
	if s, ok := c.snapshots.Get(id); ok {
		return s.Clone(), nil
	}

	tree, err := c.store.Read(ctx, c.paths.Series(id))
	if errors.Is(err, store.ErrNotFound) {
		return series.Series{}, fmt.Errorf("%s: %w", id, ErrSeriesNotFound)
	}
	if err != nil {
		return series.Series{}, fmt.Errorf("failed to read series %s: %w", id, err)
	}

	s, err := series.FromTree(id, tree)
	if err != nil {
		return series.Series{}, err
	}

	c.snapshots.Set(id, s)
	return s.Clone(), nil
}

// Series returns the display copy: the optimistic copy while updates are pending, the
// snapshot otherwise
func (c *Controller) Series(ctx context.Context, id string) (series.Series, error) {
	c.mu.Lock()
	o, ok := c.optimistic[id]
	c.mu.Unlock()
	if ok {
		return o.Clone(), nil
	}

	return c.snapshot(ctx, id)
}

// Library returns the display copy of every series, most recently watched first
func (c *Controller) Library(ctx context.Context) ([]series.Series, error) {
	tree, err := c.store.Read(ctx, c.paths.SeriesList())
	if errors.Is(err, store.ErrNotFound) {
		return []series.Series{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read series list: %w", err)
	}

	raw := make(map[string]any)
	switch t := tree.(type) {
	case map[string]any:
		raw = t
	case []any:
		// numeric ids come back as a list
		for i, v := range t {
			if v != nil {
				raw[strconv.Itoa(i)] = v
			}
		}
	default:
		return nil, fmt.Errorf("unexpected series list of type %T", tree)
	}

	log := logger.FromCtx(ctx)
	list := make([]series.Series, 0, len(raw))
	for _, id := range store.SortedPaths(raw) {
		s, err := series.FromTree(id, raw[id])
		if err != nil {
			log.Warnw("skipping series that failed to decode", "id", id, "error", err)
			continue
		}
		c.snapshots.Set(id, s)
		list = append(list, s.Clone())
	}

	c.mu.Lock()
	for i, s := range list {
		if o, ok := c.optimistic[s.ID]; ok {
			list[i] = o.Clone()
		}
	}
	c.mu.Unlock()

	slices.SortStableFunc(list, func(a, b series.Series) int {
		if a.LastWatchedAt != b.LastWatchedAt {
			if a.LastWatchedAt > b.LastWatchedAt {
				return -1
			}
			return 1
		}
		if a.Title < b.Title {
			return -1
		}
		if a.Title > b.Title {
			return 1
		}
		return 0
	})

	return list, nil
}

// NextEpisode picks the episode to offer next from the display copy
func (c *Controller) NextEpisode(ctx context.Context, id string, opts episodes.Options) (episodes.PrioritizedEpisode, error) {
	s, err := c.Series(ctx, id)
	if err != nil {
		return episodes.PrioritizedEpisode{}, err
	}

	return c.next(ctx, s, opts)
}

func (c *Controller) next(ctx context.Context, s series.Series, opts episodes.Options) (episodes.PrioritizedEpisode, error) {
	p, ok := c.selector.Next(s, opts)
	if !ok {
		return episodes.PrioritizedEpisode{}, fmt.Errorf("%s: %w", s.ID, ErrNoCandidate)
	}

	if p.IndexFallback {
		logger.FromCtx(ctx).Warnw("episode id missing from its season, using cleaned position",
			"series", s.ID, "season", p.SeasonNumber, "episode", p.Episode.ID, "index", p.EpisodeIndex)
	}

	return p, nil
}

// ToggleNext marks the next episode watched. The target is chosen from the last confirmed
// snapshot so a repeated toggle lands on the same key and is ignored.
func (c *Controller) ToggleNext(ctx context.Context, id string, opts episodes.Options) (ToggleResult, error) {
	s, err := c.snapshot(ctx, id)
	if err != nil {
		return ToggleResult{}, err
	}

	p, err := c.next(ctx, s, opts)
	if err != nil {
		return ToggleResult{}, err
	}

	return c.apply(ctx, s, p)
}

// MarkEpisode marks the episode at episodeIndex of the season numbered seasonNumber watched
func (c *Controller) MarkEpisode(ctx context.Context, id string, seasonNumber, episodeIndex int) (ToggleResult, error) {
	s, err := c.snapshot(ctx, id)
	if err != nil {
		return ToggleResult{}, err
	}

	si := s.SeasonIndex(seasonNumber)
	if si < 0 || episodeIndex < 0 || episodeIndex >= len(s.Seasons[si].Episodes) ||
		s.Seasons[si].Episodes[episodeIndex].Missing {
		return ToggleResult{}, fmt.Errorf("%s: %w", Key(id, seasonNumber, episodeIndex), ErrEpisodeNotFound)
	}

	e := s.Seasons[si].Episodes[episodeIndex]
	p := episodes.PrioritizedEpisode{
		Episode:      e,
		SeasonNumber: seasonNumber,
		SeasonIndex:  si,
		EpisodeIndex: episodeIndex,
		IsRewatch:    e.Watched,
	}
	if p.IsRewatch {
		p.Rewatch = manualRewatch(s, e)
	}

	return c.apply(ctx, s, p)
}

// manualRewatch aims for the active cycle target when the episode is still below it,
// otherwise for one more watch
func manualRewatch(s series.Series, e series.Episode) *episodes.RewatchProgress {
	target := e.WatchCount + 1
	if s.Rewatch != nil && s.Rewatch.Active && s.Rewatch.Target > e.WatchCount {
		target = s.Rewatch.Target
	}
	return &episodes.RewatchProgress{Current: e.WatchCount, Target: target}
}

// apply runs the idle to pendingOptimistic step. snapshot is the confirmed copy of the series.
func (c *Controller) apply(ctx context.Context, snapshot series.Series, p episodes.PrioritizedEpisode) (ToggleResult, error) {
	id := snapshot.ID
	key := Key(id, p.SeasonNumber, p.EpisodeIndex)
	log := logger.FromCtx(ctx).With("key", key)

	c.mu.Lock()
	if _, ok := c.pending[key]; ok {
		c.mu.Unlock()
		log.Debug("update already pending, ignoring toggle")
		return ToggleResult{Outcome: Ignored, Key: key, Episode: p}, nil
	}

	display, ok := c.optimistic[id]
	if !ok {
		display = snapshot.Clone()
	}

	if p.SeasonIndex < 0 || p.SeasonIndex >= len(display.Seasons) ||
		p.EpisodeIndex < 0 || p.EpisodeIndex >= len(display.Seasons[p.SeasonIndex].Episodes) ||
		display.Seasons[p.SeasonIndex].Episodes[p.EpisodeIndex].Missing {
		c.mu.Unlock()
		return ToggleResult{}, fmt.Errorf("%s: %w", key, ErrEpisodeNotFound)
	}

	state := newPendingMachine()
	if err := state.Transition(PendingOptimistic); err != nil {
		c.mu.Unlock()
		return ToggleResult{}, err
	}

	e := &display.Seasons[p.SeasonIndex].Episodes[p.EpisodeIndex]
	e.Watched = true
	e.WatchCount++
	if e.FirstWatched.IsZero() {
		e.FirstWatched = c.now().UTC().Truncate(time.Millisecond)
	}
	p.Episode = *e

	c.optimistic[id] = display
	c.pending[key] = &pendingKey{seriesID: id, state: state}
	c.mu.Unlock()

	c.queue.Protect(ctx, key, c.remoteWatch(id, key, p), c.maxRetries)
	log.Infow("episode marked watched", "watchCount", p.Episode.WatchCount, "rewatch", p.IsRewatch)

	return ToggleResult{Outcome: Applied, Key: key, Episode: p}, nil
}

// remoteWatch increments the stored watch count. The count is read right before the write so a
// retry never applies the optimistic value.
func (c *Controller) remoteWatch(id, key string, p episodes.PrioritizedEpisode) retryqueue.Operation {
	return func(ctx context.Context) error {
		episodePath := c.paths.Episode(id, p.SeasonIndex, p.EpisodeIndex)

		current, err := c.store.Read(ctx, episodePath)
		if errors.Is(err, store.ErrNotFound) {
			return retryqueue.Permanent(fmt.Errorf("%s: %w", key, ErrEpisodeNotFound))
		}
		if err != nil {
			return err
		}

		fields, ok := current.(map[string]any)
		if !ok {
			return retryqueue.Permanent(fmt.Errorf("%s: unexpected episode of type %T", key, current))
		}

		count, _ := store.AsInt(fields["watchCount"])
		updates := map[string]any{
			c.paths.WatchCount(id, p.SeasonIndex, p.EpisodeIndex): count + 1,
			c.paths.Watched(id, p.SeasonIndex, p.EpisodeIndex):    true,
		}
		if _, ok := fields["firstWatched"]; !ok {
			updates[c.paths.FirstWatched(id, p.SeasonIndex, p.EpisodeIndex)] = store.ServerTimestamp
		}

		if err := c.store.WriteMany(ctx, updates); err != nil {
			return err
		}

		if err := c.coalescer.Enqueue(ctx, c.paths.LastWatchedAt(id), store.ServerTimestamp); err != nil {
			logger.FromCtx(ctx).Warnw("failed to queue last watched time", "key", key, "error", err)
		}
		if err := c.coalescer.Enqueue(ctx, c.paths.LastWatchedEpisode(id), key); err != nil {
			logger.FromCtx(ctx).Warnw("failed to queue last watched episode", "key", key, "error", err)
		}

		c.snapshots.Delete(id)
		c.settle(ctx, key)
		return nil
	}
}

// settle starts the grace period after a confirmed write
func (c *Controller) settle(ctx context.Context, key string) {
	c.mu.Lock()
	pk, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := pk.state.Transition(Settling); err != nil {
		logger.FromCtx(ctx).Debugw("not settling", "key", key, "error", err)
		return
	}

	c.afterFunc(c.settleDelay, func() {
		c.release(key)
	})
}

// release returns key to idle and discards the optimistic copy once its series has nothing pending
func (c *Controller) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk, ok := c.pending[key]
	if !ok {
		return
	}

	if err := pk.state.Transition(Idle); err != nil {
		logger.Get().Warnw("releasing pending key", "key", key, "error", err)
	}
	delete(c.pending, key)

	for _, other := range c.pending {
		if other.seriesID == pk.seriesID {
			return
		}
	}

	delete(c.optimistic, pk.seriesID)
	c.snapshots.Delete(pk.seriesID)
}

// State reports where key is in its round trip
func (c *Controller) State(key string) PendingState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pk, ok := c.pending[key]; ok {
		return pk.state.Current()
	}
	return Idle
}

func (c *Controller) IsPending(key string) bool {
	return c.State(key) != Idle
}

// SeriesPending reports whether any episode of the series is pending
func (c *Controller) SeriesPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pk := range c.pending {
		if pk.seriesID == id {
			return true
		}
	}
	return false
}

// HasPending reports whether anything is still on its way to the store
func (c *Controller) HasPending() bool {
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()

	return n > 0 || c.queue.HasPending() || c.coalescer.Len() > 0
}

// Pending returns the pending composite keys in order
func (c *Controller) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.pending))
	for key := range c.pending {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Visible keeps the series keep accepts, plus any series with a pending update so it does not
// disappear from a list while its write is in flight
func (c *Controller) Visible(list []series.Series, keep func(series.Series) bool) []series.Series {
	out := make([]series.Series, 0, len(list))
	for _, s := range list {
		if keep(s) || c.SeriesPending(s.ID) {
			out = append(out, s)
		}
	}
	return out
}

type ContinueOptions struct {
	WatchlistOnly   bool
	SuppressRewatch bool
}

// ContinueEntry is one row of the continue watching list
type ContinueEntry struct {
	Series  series.Series                `json:"series"`
	Next    *episodes.PrioritizedEpisode `json:"next,omitempty"`
	Pending bool                         `json:"pending"`
}

// ContinueWatching lists the series that have something to watch next
func (c *Controller) ContinueWatching(ctx context.Context, opts ContinueOptions) ([]ContinueEntry, error) {
	library, err := c.Library(ctx)
	if err != nil {
		return nil, err
	}

	if opts.WatchlistOnly {
		library = slices.DeleteFunc(library, func(s series.Series) bool {
			return !s.Watchlist
		})
	}

	selectOpts := episodes.Options{SuppressRewatch: opts.SuppressRewatch}
	visible := c.Visible(library, func(s series.Series) bool {
		_, ok := c.selector.Next(s, selectOpts)
		return ok
	})

	entries := make([]ContinueEntry, 0, len(visible))
	for _, s := range visible {
		entry := ContinueEntry{Series: s, Pending: c.SeriesPending(s.ID)}
		if p, ok := c.selector.Next(s, selectOpts); ok {
			entry.Next = &p
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// FlushReport summarizes a teardown flush
type FlushReport struct {
	Queue     retryqueue.FlushReport `json:"queue"`
	Coalesced int                    `json:"coalesced"`
	Released  int                    `json:"released"`
}

// FlushPendingUpdates fires every protected write, then submits the coalesced batch. Keys whose
// write did not complete are released since nothing will retry them.
func (c *Controller) FlushPendingUpdates(ctx context.Context) FlushReport {
	var report FlushReport
	report.Queue = c.queue.FlushAll(ctx)

	report.Coalesced = c.coalescer.Len()
	c.coalescer.FlushNow(ctx)

	c.mu.Lock()
	var stuck []string
	for key, pk := range c.pending {
		if pk.state.Current() == PendingOptimistic {
			stuck = append(stuck, key)
		}
	}
	c.mu.Unlock()

	for _, key := range stuck {
		c.release(key)
	}
	report.Released = len(stuck)

	if report.Queue.Fired > 0 || report.Coalesced > 0 {
		logger.FromCtx(ctx).Infow("flushed pending updates",
			"fired", report.Queue.Fired, "failed", report.Queue.Failed, "unfinished", report.Queue.Unfinished,
			"coalesced", report.Coalesced, "released", report.Released)
	}

	return report
}

// Close flushes what is pending and stops accepting coalesced writes
func (c *Controller) Close(ctx context.Context) FlushReport {
	report := c.FlushPendingUpdates(ctx)
	c.coalescer.Close(ctx)
	return report
}
