// Package storage defines the persistence contract the rest of the worker
// depends on, independent of which relational store backs it. Concrete
// adapters live in storage/sqlite and storage/postgres.
package storage

import (
	"context"
	"time"

	"github.com/linkedin-agent/feedworker/internal/models"
)

// UpsertRow is one (title, canonical_url, category, website, date) tuple
// submitted in a single bulk-upsert call. Date is the item's publication
// time, always valid by the time it reaches this port: the Feed Source
// drops any item whose date could not be parsed before it ever leaves C2.
type UpsertRow struct {
	Title    string
	URL      string
	Category uint
	Website  uint
	Date     time.Time
}

// Repository is the abstract contract over the relational store.
type Repository interface {
	// Feeds
	GetAllFeeds(ctx context.Context) ([]models.FeedConfig, error)
	GetFeedByURL(ctx context.Context, url string) (*models.FeedConfig, error)
	InsertFeed(ctx context.Context, config models.FeedConfig) (uint, error)
	UpdateFeed(ctx context.Context, config models.FeedConfig) error
	RemoveFeedByURL(ctx context.Context, url string) (int64, error)

	// Items
	BulkUpsertIgnoringDuplicates(ctx context.Context, rows []UpsertRow) error
	// FindInsertedSince is the post-insert probe: it returns the full store
	// row (including the assigned id and its publication date) for every
	// submitted url whose row was written to the store at or after since,
	// so callers can publish a complete PersistedItem without a second
	// round trip keyed on url alone. since is the wall-clock write-time
	// linearization point, not the item's publication date — a row's
	// publication date may be hours old even though it was just inserted.
	FindInsertedSince(ctx context.Context, website uint, urls []string, since time.Time) ([]models.PersistedItem, error)

	// Errors
	LogError(ctx context.Context, record models.ErrorRecord)

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}
