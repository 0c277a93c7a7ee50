// Package events fans session and campaign events out to websocket rooms and,
// optionally, to redis and NATS for other instances and consumers.
package events

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	SessionChallenge    = "session.challenge"
	SessionReady        = "session.ready"
	SessionDisconnected = "session.disconnected"
	SessionAuthFailure  = "session.auth_failure"
	MessageIncoming     = "message.incoming"
	MessageOutgoing     = "message.outgoing"
	CampaignProgress    = "campaign.progress"
	CampaignFinished    = "campaign.finished"
)

// Event is one notification scoped to a session room.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// New stamps an event with the current time.
func New(eventType, sessionID string, data interface{}) Event {
	return Event{Type: eventType, SessionID: sessionID, Data: data, Timestamp: time.Now()}
}

// MessagePayload is the shape of message.incoming and message.outgoing.
type MessagePayload struct {
	SessionID         string    `json:"session_id"`
	From              string    `json:"from"`
	To                string    `json:"to,omitempty"`
	Body              string    `json:"body"`
	FromMe            bool      `json:"from_me"`
	Timestamp         time.Time `json:"timestamp"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
}

// CampaignPayload is the shape of campaign.progress and campaign.finished.
type CampaignPayload struct {
	CampaignID    uint   `json:"campaign_id"`
	Status        string `json:"status"`
	TotalContacts int    `json:"total_contacts"`
	SentCount     int    `json:"sent_count"`
	FailedCount   int    `json:"failed_count"`
}

// Publisher delivers events to observers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
