package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedin-agent/feedworker/internal/controlplane"
	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/internal/storage"
	"github.com/linkedin-agent/feedworker/pkg/logger"
	"github.com/linkedin-agent/feedworker/pkg/ratelimit"
)

// fakeRepo is a minimal storage.Repository recording feed mutations for
// assertions. Items are kept in memory with the same (website, url)
// uniqueness and inserted-since probe the real adapters implement, so a
// successful tick publishes its new items.
type fakeRepo struct {
	mu           sync.Mutex
	feeds        map[string]models.FeedConfig
	refreshCalls []int64
	removedURLs  []string
	nextID       uint
	items        []fakeItem
}

type fakeItem struct {
	item       models.PersistedItem
	insertedAt time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{feeds: make(map[string]models.FeedConfig)}
}

func (r *fakeRepo) GetAllFeeds(ctx context.Context) ([]models.FeedConfig, error) { return nil, nil }

func (r *fakeRepo) GetFeedByURL(ctx context.Context, url string) (*models.FeedConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.feeds[url]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (r *fakeRepo) InsertFeed(ctx context.Context, config models.FeedConfig) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	config.ID = r.nextID
	r.feeds[config.URL] = config
	return config.ID, nil
}

func (r *fakeRepo) UpdateFeed(ctx context.Context, config models.FeedConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[config.URL] = config
	r.refreshCalls = append(r.refreshCalls, config.Refresh)
	return nil
}

func (r *fakeRepo) RemoveFeedByURL(ctx context.Context, url string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.feeds[url]; !ok {
		return 0, nil
	}
	delete(r.feeds, url)
	r.removedURLs = append(r.removedURLs, url)
	return 1, nil
}

func (r *fakeRepo) BulkUpsertIgnoringDuplicates(ctx context.Context, rows []storage.UpsertRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
next:
	for _, row := range rows {
		for _, existing := range r.items {
			if existing.item.Website == row.Website && existing.item.URL == row.URL {
				continue next
			}
		}
		r.items = append(r.items, fakeItem{
			item: models.PersistedItem{
				ID: uint(len(r.items) + 1), Title: row.Title, URL: row.URL,
				Category: row.Category, Website: row.Website, Date: row.Date,
			},
			insertedAt: now,
		})
	}
	return nil
}

func (r *fakeRepo) FindInsertedSince(ctx context.Context, website uint, urls []string, since time.Time) ([]models.PersistedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []models.PersistedItem
	for _, existing := range r.items {
		if existing.item.Website != website || existing.insertedAt.Before(since) {
			continue
		}
		for _, u := range urls {
			if u == existing.item.URL {
				found = append(found, existing.item)
				break
			}
		}
	}
	return found, nil
}

func (r *fakeRepo) LogError(ctx context.Context, record models.ErrorRecord) {}
func (r *fakeRepo) Migrate(ctx context.Context) error                      { return nil }
func (r *fakeRepo) Close() error                                           { return nil }

func (r *fakeRepo) snapshotRefreshCalls() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.refreshCalls))
	copy(out, r.refreshCalls)
	return out
}

func (r *fakeRepo) wasRemoved(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.removedURLs {
		if u == url {
			return true
		}
	}
	return false
}

func TestScheduler_BackoffDoublesOnConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := newFakeRepo()
	plane := controlplane.New(64, logger.Default())
	limiter := ratelimit.NewHostLimiter(1000, 1000)
	s := New(repo, plane, limiter, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := models.FeedConfig{Name: "flaky", URL: srv.URL, Category: 1, Refresh: 20}
	s.Add(ctx, config)

	require.Eventually(t, func() bool {
		return repo.wasRemoved(srv.URL)
	}, 5*time.Second, 5*time.Millisecond, "feed should be permanently removed after 5 consecutive failures")

	calls := repo.snapshotRefreshCalls()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.EqualValues(t, 20, calls[0])
	assert.EqualValues(t, 40, calls[1])
	assert.EqualValues(t, 80, calls[2])
	assert.EqualValues(t, 160, calls[3])

	s.Destroy()
}

func TestScheduler_ClearsFailureTrackerOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>t</title>
<item><title>i</title><link>https://ex.test/i</link><pubDate>` + time.Now().Format(time.RFC1123Z) + `</pubDate></item>
</channel></rss>`))
	}))
	defer srv.Close()

	repo := newFakeRepo()
	plane := controlplane.New(64, logger.Default())
	limiter := ratelimit.NewHostLimiter(1000, 1000)
	s := New(repo, plane, limiter, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := models.FeedConfig{Name: "healthy", URL: srv.URL, Category: 1, Refresh: 20}
	s.Add(ctx, config)

	require.Eventually(t, func() bool {
		select {
		case evt := <-plane.Items():
			return evt.Item.URL == "https://ex.test/i"
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	s.mu.Lock()
	_, tracked := s.failureTracker[repo.feeds[srv.URL].ID]
	s.mu.Unlock()
	assert.False(t, tracked)

	s.Destroy()
}

func TestScheduler_Add_FetchesImmediatelyWithoutWaitingOutRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>t</title>
<item><title>i</title><link>https://ex.test/immediate</link><pubDate>` + time.Now().Format(time.RFC1123Z) + `</pubDate></item>
</channel></rss>`))
	}))
	defer srv.Close()

	repo := newFakeRepo()
	plane := controlplane.New(64, logger.Default())
	limiter := ratelimit.NewHostLimiter(1000, 1000)
	s := New(repo, plane, limiter, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A refresh period long enough that only an immediate first tick, not a
	// timer-driven one, could deliver an item within the test's timeout.
	config := models.FeedConfig{Name: "immediate", URL: srv.URL, Category: 1, Refresh: 10 * 60 * 1000}
	s.Add(ctx, config)

	require.Eventually(t, func() bool {
		select {
		case evt := <-plane.Items():
			return evt.Item.URL == "https://ex.test/immediate"
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond, "first tick should fire immediately, not after the full refresh period")

	s.Destroy()
}

func TestScheduler_GetFeedConfig_UnknownURLIsNil(t *testing.T) {
	repo := newFakeRepo()
	plane := controlplane.New(4, logger.Default())
	limiter := ratelimit.NewHostLimiter(1000, 1000)
	s := New(repo, plane, limiter, logger.Default())

	assert.Nil(t, s.GetFeedConfig("https://unknown.test"))
}

func TestScheduler_Replace_CancelsOldTimerAndUpdatesInPlace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := newFakeRepo()
	plane := controlplane.New(64, logger.Default())
	limiter := ratelimit.NewHostLimiter(1000, 1000)
	s := New(repo, plane, limiter, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := models.FeedConfig{Name: "n", URL: srv.URL, Category: 1, Refresh: 30000}
	s.Add(ctx, config)
	id := repo.feeds[srv.URL].ID

	s.Replace(ctx, models.FeedConfig{Name: "n2", URL: srv.URL, Category: 2, Refresh: 30000})

	got := s.GetFeedConfig(srv.URL)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.EqualValues(t, 2, got.Category)

	s.Destroy()
}
