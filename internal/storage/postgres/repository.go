// Package postgres implements the persistence contract (storage.Repository)
// over a pgx/v5 connection pool, batching writes for multi-worker
// production deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/internal/storage"
)

const defaultBatchSize = 200

// Repository implements storage.Repository using Postgres.
type Repository struct {
	pool      *pgxpool.Pool
	batchSize int
}

var _ storage.Repository = (*Repository)(nil)

// Open parses dsn and establishes a connection pool sized to maxConns.
func Open(ctx context.Context, dsn string, maxConns int32) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return &Repository{pool: pool, batchSize: defaultBatchSize}, nil
}

// Migrate creates the schema this adapter needs if it does not exist yet.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS feed_configs (
			id          BIGSERIAL PRIMARY KEY,
			name        TEXT NOT NULL,
			url         TEXT NOT NULL UNIQUE,
			category    BIGINT NOT NULL,
			refresh     BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_feed_configs_category ON feed_configs (category);

		CREATE TABLE IF NOT EXISTS items (
			id          BIGSERIAL PRIMARY KEY,
			title       TEXT NOT NULL,
			url         TEXT NOT NULL,
			category    BIGINT NOT NULL,
			website     BIGINT NOT NULL,
			date        TIMESTAMPTZ NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (website, url)
		);
		CREATE INDEX IF NOT EXISTS idx_items_date ON items (date);
		CREATE INDEX IF NOT EXISTS idx_items_inserted_at ON items (inserted_at);

		CREATE TABLE IF NOT EXISTS error_records (
			id       BIGSERIAL PRIMARY KEY,
			type     TEXT NOT NULL,
			feed_id  BIGINT,
			message  TEXT,
			date     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_error_records_type ON error_records (type);
	`)
	return err
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// GetAllFeeds returns every configured feed.
func (r *Repository) GetAllFeeds(ctx context.Context) ([]models.FeedConfig, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, url, category, refresh, created_at FROM feed_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []models.FeedConfig
	for rows.Next() {
		var f models.FeedConfig
		if err := rows.Scan(&f.ID, &f.Name, &f.URL, &f.Category, &f.Refresh, &f.CreatedAt); err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// GetFeedByURL looks up a feed by its unique URL.
func (r *Repository) GetFeedByURL(ctx context.Context, url string) (*models.FeedConfig, error) {
	var f models.FeedConfig
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, url, category, refresh, created_at FROM feed_configs WHERE url = $1`,
		url,
	).Scan(&f.ID, &f.Name, &f.URL, &f.Category, &f.Refresh, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// InsertFeed creates a new feed row and returns its assigned id.
func (r *Repository) InsertFeed(ctx context.Context, config models.FeedConfig) (uint, error) {
	var id uint
	err := r.pool.QueryRow(ctx,
		`INSERT INTO feed_configs (name, url, category, refresh) VALUES ($1, $2, $3, $4) RETURNING id`,
		config.Name, config.URL, config.Category, config.Refresh,
	).Scan(&id)
	return id, err
}

// UpdateFeed updates a feed row in place, preserving its id.
func (r *Repository) UpdateFeed(ctx context.Context, config models.FeedConfig) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE feed_configs SET name = $1, url = $2, category = $3, refresh = $4 WHERE id = $5`,
		config.Name, config.URL, config.Category, config.Refresh, config.ID,
	)
	return err
}

// RemoveFeedByURL deletes the feed with the given URL, if any.
func (r *Repository) RemoveFeedByURL(ctx context.Context, url string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM feed_configs WHERE url = $1`, url)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// BulkUpsertIgnoringDuplicates inserts rows in pgx.Batch chunks, skipping
// any that collide on (website, url) with a row already present.
func (r *Repository) BulkUpsertIgnoringDuplicates(ctx context.Context, rows []storage.UpsertRow) error {
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += r.batchSize {
		end := start + r.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := &pgx.Batch{}
		for _, row := range rows[start:end] {
			date := row.Date
			if date.IsZero() {
				date = time.Now()
			}
			batch.Queue(
				`INSERT INTO items (title, url, category, website, date)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (website, url) DO NOTHING`,
				row.Title, row.URL, row.Category, row.Website, date,
			)
		}

		br := r.pool.SendBatch(ctx, batch)
		for range rows[start:end] {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("batch insert item: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return nil
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
		PlaceholderFormat(sq.Dollar).
		Where(sq.Eq{"website": website}).
		Where(sq.Eq{"url": urls}).
		Where(sq.GtOrEq{"inserted_at": since})

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build probe query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []models.PersistedItem
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
	_, err := r.pool.Exec(ctx,
		`INSERT INTO error_records (type, feed_id, message) VALUES ($1, $2, $3)`,
		record.Type, record.FeedID, record.Message,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedworker: failed to log error record: %v\n", err)
	}
}
