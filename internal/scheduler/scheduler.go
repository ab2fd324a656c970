// Package scheduler drives the poll, dedup and delivery cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"rssbot/internal/bot"
	"rssbot/internal/dedup"
	"rssbot/internal/fetcher"
	"rssbot/internal/filter"
	"rssbot/internal/metrics"
	"rssbot/internal/model"
	"rssbot/internal/storage"
)

const (
	maxParallelFetches = 8
	defaultSendPause   = 50 * time.Millisecond
	// Budget for a delivery that is still running when shutdown starts.
	deliveryBudget = time.Minute

	loadRetries       = 4
	loadRetryInterval = time.Second
)

// State is the lifecycle state of the scheduler.
type State int32

// Scheduler states.
const (
	Idle State = iota
	Polling
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Fetcher retrieves the entries of one feed.
type Fetcher interface {
	Fetch(ctx context.Context, src model.FeedSource) ([]model.Entry, error)
}

// Deliverer sends one entry downstream. A nil error means delivery was confirmed.
type Deliverer interface {
	Deliver(ctx context.Context, entry model.Entry) error
}

// Scheduler periodically fetches every feed and delivers unseen entries.
//
// The dedup window and the storage backend are only touched from the
// goroutine running Run; fetches run concurrently and hand their results
// back over a channel.
type Scheduler struct {
	feeds     []model.FeedSource
	store     storage.Storage
	fetcher   Fetcher
	deliverer Deliverer
	filters   []filter.Rule
	seen      *dedup.Store
	metrics   *metrics.Metrics
	log       *slog.Logger

	tick          time.Duration
	cycleDeadline time.Duration
	sendPause     time.Duration

	loadRetryInterval time.Duration

	state atomic.Int32
	dirty bool
	// loaded is set once persisted state was read or found corrupt. Until
	// then nothing is written, so an unreadable store is never overwritten.
	loaded bool
}

type fetchResult struct {
	src     model.FeedSource
	entries []model.Entry
	err     error
}

// New creates a Scheduler. dedupLimit must be at least 1.
func New(
	feeds []model.FeedSource,
	dedupLimit int,
	store storage.Storage,
	f Fetcher,
	d Deliverer,
	m *metrics.Metrics,
	log *slog.Logger,
) (*Scheduler, error) {
	s := &Scheduler{
		feeds:         feeds,
		store:         store,
		fetcher:       f,
		deliverer:     d,
		metrics:       m,
		log:           log,
		tick:          5 * time.Minute,
		cycleDeadline: 5 * time.Minute,
		sendPause:     defaultSendPause,

		loadRetryInterval: loadRetryInterval,
	}

	seen, err := dedup.New(dedupLimit, s.onEvict)
	if err != nil {
		return nil, err
	}
	s.seen = seen
	return s, nil
}

// SetTickInterval overrides the poll interval. The cycle deadline follows it.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
	s.cycleDeadline = d
}

// SetCycleDeadline overrides the soft deadline of a single poll cycle.
func (s *Scheduler) SetCycleDeadline(d time.Duration) {
	s.cycleDeadline = d
}

// SetFilters sets the rules an unseen entry must pass to be delivered.
func (s *Scheduler) SetFilters(rules []filter.Rule) {
	s.filters = rules
}

// SetSendPause overrides the pause between consecutive deliveries.
func (s *Scheduler) SetSendPause(d time.Duration) {
	s.sendPause = d
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run restores persisted state, polls immediately and then on every tick,
// blocking until ctx is cancelled. Pending state is flushed before it returns.
// It returns an error only when the persisted state cannot be read.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		s.state.Store(int32(Shutdown))
		return err
	}

	s.checkAll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

// restore loads persisted state into the dedup window. Corrupt state is
// replaced by an empty window; the store keeps a copy of the bad content.
// Read failures are retried and, if they persist, returned: starting empty
// would overwrite state that is intact but temporarily unreadable.
func (s *Scheduler) restore(ctx context.Context) error {
	var state model.State
	op := func() error {
		st, err := s.store.Load(ctx)
		if errors.Is(err, storage.ErrCorruptState) {
			return backoff.Permanent(err)
		}
		state = st
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.loadRetryInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, loadRetries), ctx)

	notify := func(err error, next time.Duration) {
		s.log.Warn("load state failed, retrying", "error_kind", errorKind(err), "error", err, "next_in", next)
	}

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case errors.Is(err, storage.ErrCorruptState):
		s.log.Error("persisted state is corrupt, starting with an empty dedup window",
			"error_kind", "corrupt_state", "error", err)
		s.loaded = true
		return nil
	case err != nil:
		s.log.Error("load state failed", "error_kind", errorKind(err), "error", err)
		return fmt.Errorf("load state: %w", err)
	}

	s.seen.Restore(state.Seen)
	s.updateSize()
	s.loaded = true
	s.log.Info("state restored", "entries", s.seen.Len(), "limit", s.seen.Limit())
	return nil
}

func (s *Scheduler) shutdown() {
	if s.dirty {
		// The run context is already cancelled; the flush gets its own.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.save(ctx)
	}
	s.state.Store(int32(Shutdown))
	s.log.Info("scheduler stopped")
}

// checkAll runs one poll cycle across every configured feed.
func (s *Scheduler) checkAll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.state.Store(int32(Polling))
	defer s.state.CompareAndSwap(int32(Polling), int32(Idle))

	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, s.cycleDeadline)
	defer cancel()

	results := make(chan fetchResult)
	go s.fetchAll(cycleCtx, results)

	attempted := make(map[string]bool, len(s.feeds))
	var fetched, sent int
	for res := range results {
		attempted[res.src.URL] = true
		s.logFetch(res)
		if res.err != nil {
			continue
		}
		fetched++
		if cycleCtx.Err() != nil {
			s.log.Warn("cycle over, entries deferred to next cycle", "feed", res.src.Name(), "entries", len(res.entries))
			continue
		}
		sent += s.processFeed(ctx, cycleCtx, res)
	}

	for _, src := range s.feeds {
		if !attempted[src.URL] {
			s.log.Warn("feed deferred to next cycle", "feed", src.Name(), "url", src.URL)
		}
	}

	// Touch the state after every cycle that reached at least one feed, so
	// the file stays fresh even when nothing new was delivered.
	if fetched > 0 || s.dirty {
		s.save(context.WithoutCancel(ctx))
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.CycleDuration.Observe(elapsed.Seconds())
		s.metrics.LastCycle.SetToCurrentTime()
	}
	s.log.Info("poll cycle done",
		"feeds", len(s.feeds), "fetched", fetched, "sent", sent, "duration", elapsed)
}

// fetchAll fetches feeds concurrently and closes results when all started
// fetches are done. No new fetch starts once ctx is done.
func (s *Scheduler) fetchAll(ctx context.Context, results chan<- fetchResult) {
	defer close(results)

	var g errgroup.Group
	g.SetLimit(min(max(len(s.feeds), 1), maxParallelFetches))

	for _, src := range s.feeds {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			entries, err := s.fetcher.Fetch(ctx, src)
			select {
			case results <- fetchResult{src: src, entries: entries, err: err}:
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) logFetch(res fetchResult) {
	if res.err != nil {
		kind := errorKind(res.err)
		s.log.Error("fetch feed",
			"feed", res.src.Name(), "url", res.src.URL, "outcome", "error",
			"error_kind", kind, "error", res.err)
		s.countFetch(kind)
		return
	}
	s.log.Info("fetch feed",
		"feed", res.src.Name(), "url", res.src.URL, "outcome", "ok", "entries", len(res.entries))
	s.countFetch("ok")
}

// processFeed delivers the unseen entries of one fetched feed, oldest first.
// It returns the number of confirmed deliveries.
func (s *Scheduler) processFeed(ctx, cycleCtx context.Context, res fetchResult) int {
	sent := 0
	// Feeds list newest first; walk backwards so the chat reads chronologically.
	for i := len(res.entries) - 1; i >= 0; i-- {
		if cycleCtx.Err() != nil {
			s.log.Info("stopping feed early", "feed", res.src.Name(), "remaining", i+1)
			break
		}
		entry := res.entries[i]
		if s.seen.Seen(entry.ID) {
			continue
		}
		// Filtered entries are not recorded; the window only holds deliveries.
		if !filter.Match(entry, s.filters) {
			s.log.Debug("entry filtered out", "feed", res.src.Name(), "entry_id", entry.ID)
			if s.metrics != nil {
				s.metrics.Filtered.Inc()
			}
			continue
		}
		if !s.deliver(ctx, entry) {
			continue
		}
		sent++
		if s.sendPause > 0 && i > 0 {
			_ = sleepCtx(cycleCtx, s.sendPause)
		}
	}

	if sent > 0 {
		s.log.Info("sent notifications", "feed", res.src.Name(), "count", sent)
	}
	return sent
}

// deliver sends one entry and records it only once delivery is confirmed.
func (s *Scheduler) deliver(ctx context.Context, entry model.Entry) bool {
	// A delivery that has started is allowed to finish during shutdown so its
	// outcome can be recorded.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryBudget)
	defer cancel()

	err := s.deliverer.Deliver(dctx, entry)
	if err != nil {
		kind := errorKind(err)
		s.log.Error("deliver entry",
			"feed", entry.SourceLabel, "entry_id", entry.ID, "outcome", "error",
			"error_kind", kind, "error", err)
		s.countDelivery(kind)
		return false
	}

	s.log.Info("deliver entry",
		"feed", entry.SourceLabel, "entry_id", entry.ID, "outcome", "ok")
	s.countDelivery("ok")

	s.seen.Record(entry.ID)
	s.updateSize()
	s.dirty = true
	s.save(context.WithoutCancel(ctx))
	return true
}

func (s *Scheduler) save(ctx context.Context) {
	if !s.loaded {
		s.log.Warn("persisted state was never loaded, not saving")
		return
	}
	if err := s.store.Save(ctx, model.NewState(s.seen.IDs())); err != nil {
		s.log.Error("save state failed, continuing with in-memory state",
			"error_kind", errorKind(err), "error", err)
		if s.metrics != nil {
			s.metrics.StateSaveTotal.WithLabelValues("error").Inc()
		}
		return
	}
	s.dirty = false
	if s.metrics != nil {
		s.metrics.StateSaveTotal.WithLabelValues("ok").Inc()
	}
}

func (s *Scheduler) onEvict(id string) {
	s.log.Info("evicted entry", "entry_id", id)
	if s.metrics != nil {
		s.metrics.Evictions.Inc()
	}
}

func (s *Scheduler) updateSize() {
	if s.metrics != nil {
		s.metrics.DedupEntries.Set(float64(s.seen.Len()))
	}
}

func (s *Scheduler) countFetch(outcome string) {
	if s.metrics != nil {
		s.metrics.FetchTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Scheduler) countDelivery(outcome string) {
	if s.metrics != nil {
		s.metrics.DeliveryTotal.WithLabelValues(outcome).Inc()
	}
}

// errorKind names the error class for logs and metric labels.
func errorKind(err error) string {
	switch {
	case errors.Is(err, fetcher.ErrNetwork):
		return "network_error"
	case errors.Is(err, fetcher.ErrParse):
		return "parse_error"
	case errors.Is(err, bot.ErrPermanentDelivery):
		return "permanent_delivery_error"
	case errors.Is(err, bot.ErrTransientDelivery):
		return "transient_delivery_error"
	case errors.Is(err, storage.ErrCorruptState):
		return "corrupt_state"
	case errors.Is(err, storage.ErrIO):
		return "io_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "unknown"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
