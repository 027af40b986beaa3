package events

import (
	"context"
	"errors"
	"time"
)

const (
	TypeConversationSaved   = "conversation.saved"
	TypeConversationDeleted = "conversation.deleted"
)

// Event is a domain notification about a conversation. Type doubles as the
// routing key.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	OwnerID        string    `json:"ownerId"`
	Title          string    `json:"title,omitempty"`
	MessageCount   int       `json:"messageCount,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Fanout publishes every event to each publisher in order. All publishers are
// attempted; the errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
