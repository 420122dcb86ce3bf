// Package scheduler owns the set of actively polled feeds: one goroutine
// and one time.Timer per feed, dynamic add/remove/replace, and exponential
// backoff on transient fetch/parse failures.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/linkedin-agent/feedworker/internal/controlplane"
	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/internal/pipeline"
	"github.com/linkedin-agent/feedworker/internal/source/feed"
	"github.com/linkedin-agent/feedworker/internal/storage"
	"github.com/linkedin-agent/feedworker/pkg/logger"
	"github.com/linkedin-agent/feedworker/pkg/ratelimit"
)

const (
	// maxBackoffMillis caps exponential backoff regardless of how many
	// consecutive failures precede it.
	maxBackoffMillis = 86_400_000 // 24h
	// maxConsecutiveFailures triggers permanent removal of the feed.
	maxConsecutiveFailures = 5
)

// runtimeFeed is the live state the Scheduler keeps for one polled feed.
type runtimeFeed struct {
	mu     sync.Mutex
	config models.FeedConfig
	timer  *time.Timer
	cancel context.CancelFunc
}

func (rf *runtimeFeed) snapshot() models.FeedConfig {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.config
}

// failureState tracks consecutive transient failures for one feed id.
type failureState struct {
	consecutiveFailures int
	originalRefresh     int64
}

// Scheduler is the Scheduler/Emitter component.
type Scheduler struct {
	repo    storage.Repository
	plane   *controlplane.Plane
	limiter *ratelimit.HostLimiter
	log     *logger.Logger

	mu             sync.Mutex
	activeFeeds    map[string]*runtimeFeed // keyed by feed URL
	failureTracker map[uint]*failureState  // keyed by feed id
}

// New creates a Scheduler. Nothing is started until Init is called.
func New(repo storage.Repository, plane *controlplane.Plane, limiter *ratelimit.HostLimiter, log *logger.Logger) *Scheduler {
	return &Scheduler{
		repo:           repo,
		plane:          plane,
		limiter:        limiter,
		log:            log.WithComponent("scheduler"),
		activeFeeds:    make(map[string]*runtimeFeed),
		failureTracker: make(map[uint]*failureState),
	}
}

// Init loads every configured feed from the store and starts polling each.
// Returns the count started. A store failure emits db_error and returns 0.
func (s *Scheduler) Init(ctx context.Context) int {
	feeds, err := s.repo.GetAllFeeds(ctx)
	if err != nil {
		s.emitError(models.ErrorTypeDB, err.Error(), "", nil)
		return 0
	}

	started := 0
	for _, config := range feeds {
		if s.startFeed(config) {
			started++
		}
	}
	return started
}

// Add validates config, upserts it into the store keyed by URL, and starts
// (or restarts) its timer. Invalid configs emit type_error and are skipped.
func (s *Scheduler) Add(ctx context.Context, config models.FeedConfig) {
	if !config.Valid() {
		s.emitError(models.ErrorTypeConfig, "invalid feed config", config.URL, nil)
		return
	}

	existing, err := s.repo.GetFeedByURL(ctx, config.URL)
	if err != nil {
		s.emitError(models.ErrorTypeDB, err.Error(), config.URL, nil)
		return
	}

	if existing != nil {
		config.ID = existing.ID
		if err := s.repo.UpdateFeed(ctx, config); err != nil {
			s.emitError(models.ErrorTypeDB, err.Error(), config.URL, &config.ID)
			return
		}
	} else {
		id, err := s.repo.InsertFeed(ctx, config)
		if err != nil {
			s.emitError(models.ErrorTypeDB, err.Error(), config.URL, nil)
			return
		}
		config.ID = id
	}

	s.startFeed(config)
}

// Remove cancels the feed's timer, drops its runtime entry, and deletes its
// store row. Idempotent: removing an unknown URL still attempts the delete.
func (s *Scheduler) Remove(ctx context.Context, url string) {
	s.mu.Lock()
	rf, ok := s.activeFeeds[url]
	if ok {
		delete(s.activeFeeds, url)
	}
	s.mu.Unlock()

	if ok {
		rf.cancel()
		rf.timer.Stop()
	}

	if _, err := s.repo.RemoveFeedByURL(ctx, url); err != nil {
		s.emitError(models.ErrorTypeDB, err.Error(), url, nil)
	}
}

// Replace runs in two phases: it first cancels the feed's timer and drops
// its runtime entry, then adds config. The store row is kept between the
// phases, so Add updates it in place and the feed keeps its id.
func (s *Scheduler) Replace(ctx context.Context, config models.FeedConfig) {
	s.mu.Lock()
	rf, ok := s.activeFeeds[config.URL]
	if ok {
		delete(s.activeFeeds, config.URL)
	}
	s.mu.Unlock()

	if ok {
		rf.cancel()
		rf.timer.Stop()
	}

	s.Add(ctx, config)
}

// UpdateInterval persists a new refresh on the feed's store row and resets
// its timer to the new period.
func (s *Scheduler) UpdateInterval(ctx context.Context, url string, newMillis int64) {
	s.mu.Lock()
	rf, ok := s.activeFeeds[url]
	s.mu.Unlock()
	if !ok {
		return
	}

	rf.mu.Lock()
	rf.config.Refresh = newMillis
	config := rf.config
	resetTimer(rf.timer, time.Duration(newMillis)*time.Millisecond)
	rf.mu.Unlock()

	if err := s.repo.UpdateFeed(ctx, config); err != nil {
		s.emitError(models.ErrorTypeDB, err.Error(), url, &config.ID)
	}
}

// ReloadFeeds stops every running timer, clears runtime state, then
// reloads from the store — equivalent to destroy() followed by init().
func (s *Scheduler) ReloadFeeds(ctx context.Context) int {
	s.Destroy()
	return s.Init(ctx)
}

// Destroy cancels every timer and clears all runtime state.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	feeds := s.activeFeeds
	s.activeFeeds = make(map[string]*runtimeFeed)
	s.failureTracker = make(map[uint]*failureState)
	s.mu.Unlock()

	for _, rf := range feeds {
		rf.cancel()
		rf.timer.Stop()
	}
}

// GetFeedConfig returns the runtime view of one feed's config, including
// its currently applied refresh, or nil if the feed is not active.
func (s *Scheduler) GetFeedConfig(url string) *models.FeedConfig {
	s.mu.Lock()
	rf, ok := s.activeFeeds[url]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	config := rf.snapshot()
	return &config
}

func (s *Scheduler) startFeed(config models.FeedConfig) bool {
	if !config.Valid() {
		s.emitError(models.ErrorTypeConfig, "invalid feed config", config.URL, nil)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	rf := &runtimeFeed{
		config: config,
		timer:  time.NewTimer(time.Duration(config.Refresh) * time.Millisecond),
		cancel: cancel,
	}

	s.mu.Lock()
	if old, exists := s.activeFeeds[config.URL]; exists {
		old.cancel()
		old.timer.Stop()
	}
	s.activeFeeds[config.URL] = rf
	s.mu.Unlock()

	go s.runFeedLoop(ctx, rf)
	return true
}

// runFeedLoop runs the feed's first tick immediately, then continues on its
// timer: the first fetch after an add or a bootstrap load must not wait out
// a full refresh period before anything happens.
func (s *Scheduler) runFeedLoop(ctx context.Context, rf *runtimeFeed) {
	s.tick(ctx, rf)
	if !s.isActive(rf) {
		return
	}
	resetTimer(rf.timer, refreshDuration(rf.snapshot()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-rf.timer.C:
			s.tick(ctx, rf)
			if !s.isActive(rf) {
				return
			}
			resetTimer(rf.timer, refreshDuration(rf.snapshot()))
		}
	}
}

func refreshDuration(config models.FeedConfig) time.Duration {
	return time.Duration(config.Refresh) * time.Millisecond
}

// isActive reports whether rf is still the runtime entry registered for its
// feed URL (false once Remove/Replace/Destroy has superseded or dropped it).
func (s *Scheduler) isActive(rf *runtimeFeed) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFeeds[rf.snapshot().URL] == rf
}

// tick runs one fetch/pipeline cycle for rf, non-overlapping by
// construction: the timer is only reset after the previous run completes.
func (s *Scheduler) tick(ctx context.Context, rf *runtimeFeed) {
	config := rf.snapshot()

	src := feed.New(config, feed.WithHostLimiter(s.limiter), feed.WithLogger(s.log))
	plane := s.plane
	pipe := pipeline.New(s.repo, plane, s.log)

	_, err := pipe.Run(ctx, config, src)
	if err == nil {
		s.clearFailure(config.ID)
		return
	}

	var typed *models.TypedError
	if !asTypedError(err, &typed) {
		s.emitError(models.ErrorTypeInternal, err.Error(), config.URL, &config.ID)
		return
	}

	switch typed.Type {
	case models.ErrorTypeFetch, models.ErrorTypeParse:
		s.recordFailure(rf, typed.Type, err.Error())
	default:
		s.emitError(typed.Type, err.Error(), config.URL, &config.ID)
	}
}

func asTypedError(err error, target **models.TypedError) bool {
	typed, ok := err.(*models.TypedError)
	if !ok {
		return false
	}
	*target = typed
	return true
}

func (s *Scheduler) clearFailure(feedID uint) {
	s.mu.Lock()
	delete(s.failureTracker, feedID)
	s.mu.Unlock()
}

// recordFailure applies the backoff formula on a transient fetch/parse
// failure, permanently removing the feed after maxConsecutiveFailures.
func (s *Scheduler) recordFailure(rf *runtimeFeed, errType models.ErrorType, message string) {
	config := rf.snapshot()

	s.mu.Lock()
	fs, ok := s.failureTracker[config.ID]
	if !ok {
		fs = &failureState{originalRefresh: config.Refresh}
		s.failureTracker[config.ID] = fs
	}
	fs.consecutiveFailures++
	failures := fs.consecutiveFailures
	originalRefresh := fs.originalRefresh
	permanent := failures >= maxConsecutiveFailures
	if permanent {
		delete(s.failureTracker, config.ID)
	}
	s.mu.Unlock()

	if permanent {
		id := config.ID
		s.Remove(context.Background(), config.URL)
		s.emitError(models.ErrorTypePermanentFailure,
			fmt.Sprintf("feed exceeded %d consecutive failures", maxConsecutiveFailures),
			config.URL, &id)
		return
	}

	s.emitError(errType, message, config.URL, &config.ID)

	newInterval := int64(math.Min(
		float64(originalRefresh)*math.Pow(2, float64(failures-1)),
		maxBackoffMillis,
	))
	s.UpdateInterval(context.Background(), config.URL, newInterval)
}

func (s *Scheduler) emitError(errType models.ErrorType, message, feedURL string, feedID *uint) {
	s.log.Warn().Str("type", string(errType)).Str("feed", feedURL).Msg(message)
	s.plane.PublishError(controlplane.ErrorEvent{
		Type: errType, Message: message, FeedURL: feedURL, FeedID: feedID,
	})
	s.repo.LogError(context.Background(), models.ErrorRecord{
		Type: errType, FeedID: feedID, Message: message,
	})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
