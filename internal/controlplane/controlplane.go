// Package controlplane implements the worker's outbound event bus and
// inbound command decoding: a small, closed event taxonomy surfaced
// through typed channels rather than a dynamic string-keyed emitter.
package controlplane

import (
	"encoding/json"
	"fmt"

	"github.com/linkedin-agent/feedworker/internal/models"
	"github.com/linkedin-agent/feedworker/pkg/logger"
)

// ItemEvent is fired for each identified-new item after successful
// persistence.
type ItemEvent struct {
	Item models.PersistedItem
}

// ErrorEvent is fired for every core-component failure.
type ErrorEvent struct {
	Type    models.ErrorType
	Message string
	FeedURL string
	FeedID  *uint
}

// Plane is the typed outbound bus: buffered channels callers drain, plus
// the PublishItem/PublishError methods producers call into.
type Plane struct {
	items  chan ItemEvent
	errors chan ErrorEvent
	log    *logger.Logger
}

// New creates a Plane with the given channel buffer depth.
func New(bufferSize int, log *logger.Logger) *Plane {
	return &Plane{
		items:  make(chan ItemEvent, bufferSize),
		errors: make(chan ErrorEvent, bufferSize),
		log:    log.WithComponent("controlplane"),
	}
}

// Items returns the channel of identified-new item events.
func (p *Plane) Items() <-chan ItemEvent { return p.items }

// Errors returns the channel of error events.
func (p *Plane) Errors() <-chan ErrorEvent { return p.errors }

// PublishItem enqueues an item event. Never blocks forever: a full buffer
// means a consumer is stalled, which is a bug in the wrapping worker, not a
// reason for the pipeline to wedge — the event is dropped and logged.
func (p *Plane) PublishItem(evt ItemEvent) {
	select {
	case p.items <- evt:
	default:
		p.log.Warn().Str("url", evt.Item.URL).Msg("item event buffer full, dropping")
	}
}

// PublishError enqueues an error event under the same backpressure policy.
func (p *Plane) PublishError(evt ErrorEvent) {
	select {
	case p.errors <- evt:
	default:
		p.log.Warn().Str("type", string(evt.Type)).Msg("error event buffer full, dropping")
	}
}

// CommandKind is the closed set of inbound operations.
type CommandKind string

const (
	CommandAdd     CommandKind = "add"
	CommandRemove  CommandKind = "remove"
	CommandReplace CommandKind = "replace"
)

// Command is the tagged-variant inbound message: validated at the
// boundary, then passed inward as a structured value.
type Command struct {
	Kind     CommandKind
	URL      string
	Name     string
	Category uint
	Refresh  int64
}

// rawCommand is the wire shape before validation.
type rawCommand struct {
	Cmd      string `json:"cmd"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Category uint   `json:"category"`
	Refresh  int64  `json:"refresh"`
}

// DecodeCommand parses one inbound JSON payload into a Command. Malformed
// JSON and unknown cmd values are both reported as errors so the caller can
// apply the logged-and-dropped / logged-as-warning policy at the call site.
func DecodeCommand(payload string) (Command, error) {
	var raw rawCommand
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Command{}, fmt.Errorf("malformed command payload: %w", err)
	}

	switch CommandKind(raw.Cmd) {
	case CommandAdd, CommandRemove, CommandReplace:
	default:
		return Command{}, fmt.Errorf("unknown command %q", raw.Cmd)
	}

	return Command{
		Kind:     CommandKind(raw.Cmd),
		URL:      raw.URL,
		Name:     raw.Name,
		Category: raw.Category,
		Refresh:  raw.Refresh,
	}, nil
}
