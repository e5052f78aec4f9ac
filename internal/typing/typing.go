package typing

import (
	"context"
	"fmt"
	"slices"
	"time"

	"parley/internal/apperr"
	"parley/internal/bus"
	"parley/internal/models"
)

const DefaultTTL = 3 * time.Second

// Store holds short lived typing flags.
type Store interface {
	// Set creates or refreshes the flag for ttl.
	Set(ctx context.Context, scope, conversationID, userID string, ttl time.Duration) error
	Delete(ctx context.Context, scope, conversationID, userID string) error
	// List returns users with a live flag in the conversation.
	List(ctx context.Context, scope, conversationID string) ([]string, error)
}

// Tracker records who is typing and broadcasts changes on the conversation's
// typing channel.
type Tracker struct {
	store Store
	bus   bus.Publisher
	ttl   time.Duration
}

func NewTracker(store Store, publisher bus.Publisher, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: store, bus: publisher, ttl: ttl}
}

func (t *Tracker) StartTyping(ctx context.Context, scope, conversationID, userID string) error {
	if err := t.store.Set(ctx, scope, conversationID, userID, t.ttl); err != nil {
		return apperr.Unavailable(err)
	}
	return t.publish(ctx, models.EnvelopeTyping, scope, conversationID, userID)
}

func (t *Tracker) StopTyping(ctx context.Context, scope, conversationID, userID string) error {
	if err := t.store.Delete(ctx, scope, conversationID, userID); err != nil {
		return apperr.Unavailable(err)
	}
	return t.publish(ctx, models.EnvelopeStopTyping, scope, conversationID, userID)
}

// TypingUsers returns the users currently typing, sorted by id.
func (t *Tracker) TypingUsers(ctx context.Context, scope, conversationID string) ([]string, error) {
	users, err := t.store.List(ctx, scope, conversationID)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	slices.Sort(users)
	return users, nil
}

func (t *Tracker) publish(ctx context.Context, typ, scope, conversationID, userID string) error {
	err := bus.Publish(ctx, t.bus, bus.TypingChannel(scope, conversationID), typ, models.TypingPayload{
		UserID:           userID,
		ConversationID:   conversationID,
		ConversationType: scope,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", typ, err)
	}
	return nil
}

func flagKey(scope, conversationID, userID string) string {
	return flagPrefix(scope, conversationID) + userID
}

func flagPrefix(scope, conversationID string) string {
	return "typing:" + scope + ":" + conversationID + ":"
}
