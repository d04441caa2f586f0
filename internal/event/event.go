// Package event defines the typed ingestion events assembled from fragments
// and the schema they are validated against.
package event

import (
	"encoding/json"
	"fmt"
)

// Entity types an event can be merged into.
const (
	EntityTrace          = "trace"
	EntityObservation    = "observation"
	EntityScore          = "score"
	EntitySDKLog         = "sdk_log"
	EntityDatasetRunItem = "dataset_run_item"
)

// entityTypes maps every accepted event type tag to the entity it mutates.
// The CUE schema enumerates the same tags.
var entityTypes = map[string]string{
	"trace-create":            EntityTrace,
	"score-create":            EntityScore,
	"span-create":             EntityObservation,
	"span-update":             EntityObservation,
	"generation-create":       EntityObservation,
	"generation-update":       EntityObservation,
	"event-create":            EntityObservation,
	"observation-create":      EntityObservation,
	"observation-update":      EntityObservation,
	"sdk-log":                 EntitySDKLog,
	"dataset-run-item-create": EntityDatasetRunItem,
}

// Event is one validated event record. Raw keeps the record exactly as stored.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// EntityType returns the entity the event belongs to, or "" for an unknown tag.
func (e Event) EntityType() string {
	return entityTypes[e.Type]
}

// EntityTypeOf resolves the entity type of a tag.
func EntityTypeOf(eventType string) (string, error) {
	et, ok := entityTypes[eventType]
	if !ok {
		return "", fmt.Errorf("event: unknown event type %q", eventType)
	}
	return et, nil
}

// MarshalJSON emits the stored record so downstream consumers see every field.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	type plain Event
	return json.Marshal(plain(e))
}

func decode(raw json.RawMessage) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, err
	}
	ev.Raw = raw
	return ev, nil
}
