// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package event defines the normalized event produced from a raw change
// record, and the public payload shape sent to webhook endpoints.
package event

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/oculairmedia/huly-webhook/core/change"
)

// DefaultWorkspace is used when a change record carries no workspace
// information.
const DefaultWorkspace = "default"

var eventTypeRE = regexp.MustCompile(`^[a-z_]+\.[a-z_]+$`)

// ValidType reports whether the given event type conforms to the
// canonical "<entity>.<action>" taxonomy.
func ValidType(eventType string) bool {
	return eventTypeRE.MatchString(eventType)
}

// NewID returns a fresh time-ordered event ID. Object IDs embed a
// timestamp prefix, so IDs allocated by a single producer sort in
// creation order.
func NewID() string {
	return bson.NewObjectId().Hex()
}

// Change records how a single document field changed.
type Change struct {
	From    interface{} `bson:"from,omitempty" json:"from,omitempty"`
	To      interface{} `bson:"to,omitempty" json:"to,omitempty"`
	Removed bool        `bson:"removed,omitempty" json:"removed,omitempty"`
}

// Event is a normalized change. It is immutable once constructed and is
// persisted before its resume token is checkpointed.
type Event struct {
	ID            string                 `bson:"_id"`
	Type          string                 `bson:"type"`
	Workspace     string                 `bson:"workspace"`
	Timestamp     time.Time              `bson:"timestamp"`
	Data          map[string]interface{} `bson:"data,omitempty"`
	Changes       map[string]Change      `bson:"changes,omitempty"`
	Collection    string                 `bson:"collection"`
	OperationType string                 `bson:"operationType"`
	Partition     string                 `bson:"partition"`
	ResumeToken   change.ResumeToken     `bson:"resumeToken"`
}

// Validate checks the invariants that hold for every persisted event.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.NotValidf("empty event ID")
	}
	if !ValidType(e.Type) {
		return errors.NotValidf("event type %q", e.Type)
	}
	if e.Workspace == "" {
		return errors.NotValidf("empty workspace")
	}
	return nil
}

// payload is the wire shape POSTed to webhook endpoints. Internal fields
// (resume token, partition, collection bookkeeping) are not exposed.
type payload struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Workspace string                 `json:"workspace"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Changes   map[string]Change      `json:"changes,omitempty"`
}

// PublicPayload renders the event as the JSON body sent to receivers.
func (e Event) PublicPayload() ([]byte, error) {
	body, err := json.Marshal(payload{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Workspace: e.Workspace,
		Data:      e.Data,
		Changes:   e.Changes,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "marshalling payload for event %q", e.ID)
	}
	return body, nil
}
