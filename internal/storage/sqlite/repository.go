// Package sqlite implements the persistence contract (storage.Repository)
// with GORM over a CGO-free SQLite driver.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/internal/storage"
)

// itemRow is the persisted row shape backing the (website, url) uniqueness
// that makes duplicate items across overlapping fetches a no-op. Date is
// the item's publication time; InsertedAt is the store write-time used as
// the post-insert probe's linearization point, since a publication date can
// be hours older than the tick that inserted it.
type itemRow struct {
	ID         uint      `gorm:"primaryKey"`
	Title      string    `gorm:"size:512;not null"`
	URL        string    `gorm:"size:2048;not null;uniqueIndex:idx_website_url"`
	Category   uint      `gorm:"not null;index"`
	Website    uint      `gorm:"not null;uniqueIndex:idx_website_url"`
	Date       time.Time `gorm:"not null;index"`
	InsertedAt time.Time `gorm:"autoCreateTime;index"`
}

func (itemRow) TableName() string { return "items" }

// Repository implements storage.Repository using SQLite.
type Repository struct {
	db *gorm.DB
}

var _ storage.Repository = (*Repository)(nil)

// New opens (creating if necessary) the SQLite database at dsn.
func New(dsn string) (*Repository, error) {
	if dir := filepath.Dir(dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Migrate runs schema migrations.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&models.FeedConfig{},
		&itemRow{},
		&models.ErrorRecord{},
	)
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetAllFeeds returns every configured feed.
func (r *Repository) GetAllFeeds(ctx context.Context) ([]models.FeedConfig, error) {
	var feeds []models.FeedConfig
	if err := r.db.WithContext(ctx).Find(&feeds).Error; err != nil {
		return nil, err
	}
	return feeds, nil
}

// GetFeedByURL looks up a feed by its unique URL.
func (r *Repository) GetFeedByURL(ctx context.Context, url string) (*models.FeedConfig, error) {
	var feed models.FeedConfig
	err := r.db.WithContext(ctx).Where("url = ?", url).First(&feed).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &feed, nil
}

// InsertFeed creates a new feed row and returns its assigned id.
func (r *Repository) InsertFeed(ctx context.Context, config models.FeedConfig) (uint, error) {
	config.ID = 0
	if err := r.db.WithContext(ctx).Create(&config).Error; err != nil {
		return 0, err
	}
	return config.ID, nil
}

// UpdateFeed updates a feed row in place, preserving its id.
func (r *Repository) UpdateFeed(ctx context.Context, config models.FeedConfig) error {
	return r.db.WithContext(ctx).Model(&models.FeedConfig{}).
		Where("id = ?", config.ID).
		Updates(map[string]any{
			"name":     config.Name,
			"url":      config.URL,
			"category": config.Category,
			"refresh":  config.Refresh,
		}).Error
}

// RemoveFeedByURL deletes the feed with the given URL, if any.
func (r *Repository) RemoveFeedByURL(ctx context.Context, url string) (int64, error) {
	res := r.db.WithContext(ctx).Where("url = ?", url).Delete(&models.FeedConfig{})
	return res.RowsAffected, res.Error
}

// BulkUpsertIgnoringDuplicates inserts rows, silently skipping any that
// collide on (website, url) with a row already present.
func (r *Repository) BulkUpsertIgnoringDuplicates(ctx context.Context, rows []storage.UpsertRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := make([]itemRow, 0, len(rows))
	for _, row := range rows {
		date := row.Date
		if date.IsZero() {
			date = time.Now()
		}
		batch = append(batch, itemRow{
			Title:    row.Title,
			URL:      row.URL,
			Category: row.Category,
			Website:  row.Website,
			Date:     date,
		})
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&batch).Error
}

// FindInsertedSince is the post-insert probe: the linearization point used
// to determine which of the submitted urls are genuinely new for this
// worker, immune to the races plain duplicate-checking would suffer under
// concurrent fetchers.
func (r *Repository) FindInsertedSince(ctx context.Context, website uint, urls []string, since time.Time) ([]models.PersistedItem, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	builder := sq.Select("id", "title", "url", "category", "website", "date").From("items").
		Where(sq.Eq{"website": website}).
		Where(sq.Eq{"url": urls}).
		Where(sq.GtOrEq{"inserted_at": since})

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build probe query: %w", err)
	}

	var found []models.PersistedItem
	rows, err := r.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.PersistedItem
		if err := rows.Scan(&item.ID, &item.Title, &item.URL, &item.Category, &item.Website, &item.Date); err != nil {
			return nil, err
		}
		found = append(found, item)
	}
	return found, rows.Err()
}

// LogError persists a structured error record. Never returns an error to
// the caller: a failure here is swallowed after a stderr-level complaint so
// logging a failure cannot itself become a second failure.
func (r *Repository) LogError(ctx context.Context, record models.ErrorRecord) {
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		fmt.Fprintf(os.Stderr, "feedworker: failed to log error record: %v\n", err)
	}
}
