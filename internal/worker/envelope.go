package worker

import (
	"encoding/json"

	"github.com/linkedin-agent/feedworker/internal/controlplane"
	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/internal/pubsub"
)

// feedConfigFrom maps an inbound add/replace command onto the persistent
// feed shape the scheduler operates on.
func feedConfigFrom(cmd controlplane.Command) models.FeedConfig {
	return models.FeedConfig{
		Name:     cmd.Name,
		URL:      cmd.URL,
		Category: cmd.Category,
		Refresh:  cmd.Refresh,
	}
}

type itemEnvelopeData struct {
	ID       uint   `json:"id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Category uint   `json:"category"`
	Website  uint   `json:"website"`
	Date     string `json:"date"`
}

type itemEnvelopeWire struct {
	Event string           `json:"event"`
	Data  itemEnvelopeData `json:"data"`
}

// itemEnvelope builds the wire payload published on the per-category item
// channel. A marshaling error is discarded and not logged, since this is
// never expected to fail for a well-formed event.
func itemEnvelope(evt controlplane.ItemEvent) []byte {
	wire := itemEnvelopeWire{
		Event: pubsub.ItemChannel(evt.Item.Category),
		Data: itemEnvelopeData{
			ID:       evt.Item.ID,
			Title:    evt.Item.Title,
			URL:      evt.Item.URL,
			Category: evt.Item.Category,
			Website:  evt.Item.Website,
			Date:     evt.Item.Date.UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
	}
	payload, _ := json.Marshal(wire)
	return payload
}

type errorEnvelopeWire struct {
	Type    models.ErrorType `json:"type"`
	Message string           `json:"message"`
	FeedURL *string          `json:"feed"`
	FeedID  *uint            `json:"feedId"`
}

func errorEnvelope(evt controlplane.ErrorEvent) []byte {
	var feedURL *string
	if evt.FeedURL != "" {
		feedURL = &evt.FeedURL
	}
	wire := errorEnvelopeWire{
		Type:    evt.Type,
		Message: evt.Message,
		FeedURL: feedURL,
		FeedID:  evt.FeedID,
	}
	payload, _ := json.Marshal(wire)
	return payload
}
