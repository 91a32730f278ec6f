// Package realtime pushes library edits to connected websocket sessions.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	EventWelcome        = "welcome"
	EventPing           = "ping"
	EventPong           = "pong"
	EventUpdateLibrary  = "updateLibrary"
	EventLibraryUpdated = "libraryUpdated"
)

var (
	ErrSendBufferFull = errors.New("realtime: send buffer is full")
	ErrHubClosed      = errors.New("realtime: hub closed")
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Edit is the payload of an updateLibrary event. Older clients send the
// entry id as "id".
type Edit struct {
	ContentID string          `json:"contentId"`
	ID        string          `json:"id,omitempty"`
	Title     *string         `json:"title"`
	Content   *string         `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
	WordCount *int            `json:"wordCount"`
}

// Target returns the entry the edit applies to.
func (e Edit) Target() string {
	if e.ContentID != "" {
		return e.ContentID
	}
	return e.ID
}

// Audience selects the sessions an update is delivered to.
type Audience struct {
	All     bool     `json:"all,omitempty"`
	UserIDs []string `json:"userIds,omitempty"`
}

func (a Audience) includes(userID string) bool {
	if a.All {
		return true
	}
	for _, id := range a.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Update is the outcome of an applied edit.
type Update struct {
	Payload  any
	Audience Audience
}

// Editor persists an edit on behalf of userID.
type Editor interface {
	ApplyEdit(ctx context.Context, userID string, edit Edit) (Update, error)
}

// Authenticator resolves a bearer credential to a user id.
type Authenticator interface {
	UserIDFromToken(ctx context.Context, token string) (string, error)
}
