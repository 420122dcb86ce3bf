package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedin-agent/feedworker/internal/controlplane"
	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/internal/storage"
	"github.com/linkedin-agent/feedworker/pkg/logger"
)

// fakeRepo records LogError calls; every other method is a no-op stub since
// emitItemSaveError only exercises LogError.
type fakeRepo struct {
	logged []models.ErrorRecord
}

func (f *fakeRepo) GetAllFeeds(ctx context.Context) ([]models.FeedConfig, error) { return nil, nil }
func (f *fakeRepo) GetFeedByURL(ctx context.Context, url string) (*models.FeedConfig, error) {
	return nil, nil
}
func (f *fakeRepo) InsertFeed(ctx context.Context, c models.FeedConfig) (uint, error) { return 0, nil }
func (f *fakeRepo) UpdateFeed(ctx context.Context, c models.FeedConfig) error         { return nil }
func (f *fakeRepo) RemoveFeedByURL(ctx context.Context, url string) (int64, error)    { return 0, nil }
func (f *fakeRepo) BulkUpsertIgnoringDuplicates(ctx context.Context, rows []storage.UpsertRow) error {
	return nil
}
func (f *fakeRepo) FindInsertedSince(ctx context.Context, website uint, urls []string, since time.Time) ([]models.PersistedItem, error) {
	return nil, nil
}
func (f *fakeRepo) LogError(ctx context.Context, record models.ErrorRecord) {
	f.logged = append(f.logged, record)
}
func (f *fakeRepo) Migrate(ctx context.Context) error { return nil }
func (f *fakeRepo) Close() error                      { return nil }

var _ storage.Repository = (*fakeRepo)(nil)

func TestEmitItemSaveError_PublishesAndLogsItemSaveError(t *testing.T) {
	repo := &fakeRepo{}
	plane := controlplane.New(4, logger.Default())
	w := &Worker{repo: repo, plane: plane, log: logger.Default()}

	evt := controlplane.ItemEvent{Item: models.PersistedItem{
		ID: 9, URL: "https://ex.test/a", Website: 3, Category: 1,
	}}
	w.emitItemSaveError(evt, errors.New("connection refused"))

	errEvt := <-plane.Errors()
	assert.Equal(t, models.ErrorTypeItemSave, errEvt.Type)
	require.NotNil(t, errEvt.FeedID)
	assert.EqualValues(t, 3, *errEvt.FeedID)

	require.Len(t, repo.logged, 1)
	assert.Equal(t, models.ErrorTypeItemSave, repo.logged[0].Type)
}
