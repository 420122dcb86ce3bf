package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/pkg/logger"
)

func TestDecodeCommand_Add(t *testing.T) {
	cmd, err := DecodeCommand(`{"cmd":"add","url":"https://ex.test/feed","name":"Ex","category":7,"refresh":60000}`)
	require.NoError(t, err)
	assert.Equal(t, CommandAdd, cmd.Kind)
	assert.Equal(t, "https://ex.test/feed", cmd.URL)
	assert.EqualValues(t, 7, cmd.Category)
	assert.EqualValues(t, 60000, cmd.Refresh)
}

func TestDecodeCommand_Remove(t *testing.T) {
	cmd, err := DecodeCommand(`{"cmd":"remove","url":"https://ex.test/feed"}`)
	require.NoError(t, err)
	assert.Equal(t, CommandRemove, cmd.Kind)
}

func TestDecodeCommand_MalformedJSONIsError(t *testing.T) {
	_, err := DecodeCommand(`not json`)
	require.Error(t, err)
}

func TestDecodeCommand_UnknownCmdIsError(t *testing.T) {
	_, err := DecodeCommand(`{"cmd":"explode","url":"https://ex.test/feed"}`)
	require.Error(t, err)
}

func TestPlane_PublishItem_DeliversOnChannel(t *testing.T) {
	plane := New(4, logger.Default())
	plane.PublishItem(ItemEvent{Item: models.PersistedItem{ID: 1, URL: "https://ex.test/a"}})

	select {
	case evt := <-plane.Items():
		assert.EqualValues(t, 1, evt.Item.ID)
	default:
		t.Fatal("expected an item event to be ready")
	}
}

func TestPlane_PublishItem_DropsWhenBufferFull(t *testing.T) {
	plane := New(1, logger.Default())
	plane.PublishItem(ItemEvent{Item: models.PersistedItem{ID: 1}})
	plane.PublishItem(ItemEvent{Item: models.PersistedItem{ID: 2}}) // dropped, buffer full

	evt := <-plane.Items()
	assert.EqualValues(t, 1, evt.Item.ID)
	select {
	case <-plane.Items():
		t.Fatal("expected no second event")
	default:
	}
}

func TestPlane_PublishError_DeliversOnChannel(t *testing.T) {
	plane := New(4, logger.Default())
	plane.PublishError(ErrorEvent{Type: models.ErrorTypeFetch, Message: "boom"})

	evt := <-plane.Errors()
	assert.Equal(t, models.ErrorTypeFetch, evt.Type)
}
