// Package pipeline implements the per-tick fetch-to-publish workflow:
// normalize, canonicalize, sort, bulk-upsert, identify new items, and emit.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/linkedin-agent/feedworker/internal/canonical"
	"github.com/linkedin-agent/feedworker/internal/controlplane"
	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/internal/storage"
	"github.com/linkedin-agent/feedworker/pkg/logger"
)

// Fetcher is the subset of the Feed Source contract the pipeline needs.
type Fetcher interface {
	Fetch(ctx context.Context) ([]models.FeedItem, error)
}

// Result summarizes one pipeline run, surfaced for logging and tests.
type Result struct {
	Fetched       int
	Canonicalized int
	NewItems      int
	Duration      time.Duration
}

// Pipeline wires a Feed Source to the persistence and event contracts.
type Pipeline struct {
	repo  storage.Repository
	plane *controlplane.Plane
	log   *logger.Logger
}

// New creates a Pipeline.
func New(repo storage.Repository, plane *controlplane.Plane, log *logger.Logger) *Pipeline {
	return &Pipeline{repo: repo, plane: plane, log: log.WithComponent("pipeline")}
}

// Run executes one full tick for the given feed: it fetches from src, then
// canonicalizes, sorts, upserts and publishes the new items. A fetch or
// parse failure from src is returned as is; the caller (the Scheduler) owns
// translating it into backoff state.
func (p *Pipeline) Run(ctx context.Context, config models.FeedConfig, src Fetcher) (Result, error) {
	startTime := time.Now()
	result := Result{}

	items, err := src.Fetch(ctx)
	if err != nil {
		return result, err
	}
	result.Fetched = len(items)

	canonicalItems := make([]models.FeedItem, 0, len(items))
	for _, item := range items {
		canonicalURL, ok := canonical.Canonicalize(item.URL)
		if !ok {
			continue
		}
		item.URL = canonicalURL
		canonicalItems = append(canonicalItems, item)
	}
	result.Canonicalized = len(canonicalItems)

	if len(canonicalItems) == 0 {
		p.log.Debug().Str("feed", config.URL).Msg("no items survived canonicalization")
		result.Duration = time.Since(startTime)
		return result, nil
	}

	sortByDateAscending(canonicalItems)

	rows := make([]storage.UpsertRow, 0, len(canonicalItems))
	urls := make([]string, 0, len(canonicalItems))
	for _, item := range canonicalItems {
		rows = append(rows, storage.UpsertRow{
			Title:    item.Title,
			URL:      item.URL,
			Category: item.Category,
			Website:  item.Website,
			Date:     item.Date,
		})
		urls = append(urls, item.URL)
	}

	if err := p.repo.BulkUpsertIgnoringDuplicates(ctx, rows); err != nil {
		return result, &models.TypedError{Type: models.ErrorTypeDB, Err: fmt.Errorf("bulk upsert: %w", err)}
	}

	newRows, err := p.repo.FindInsertedSince(ctx, config.ID, urls, startTime)
	if err != nil {
		return result, &models.TypedError{Type: models.ErrorTypeDB, Err: fmt.Errorf("find inserted since: %w", err)}
	}

	newByURL := make(map[string]models.PersistedItem, len(newRows))
	for _, row := range newRows {
		newByURL[row.URL] = row
	}

	for _, item := range canonicalItems {
		persisted, ok := newByURL[item.URL]
		if !ok {
			continue
		}
		// Items sharing a canonical url are published once.
		delete(newByURL, item.URL)
		p.log.WithItem(persisted.URL).Debug().Msg("identified new item")
		p.plane.PublishItem(controlplane.ItemEvent{Item: persisted})
		result.NewItems++
	}

	result.Duration = time.Since(startTime)
	p.log.Debug().
		Str("feed", config.URL).
		Int("fetched", result.Fetched).
		Int("new_items", result.NewItems).
		Dur("duration", result.Duration).
		Msg("pipeline tick completed")

	return result, nil
}

func sortByDateAscending(items []models.FeedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].HasDate != items[j].HasDate {
			return items[i].HasDate
		}
		if !items[i].HasDate {
			return false
		}
		return items[i].Date.Before(items[j].Date)
	})
}
