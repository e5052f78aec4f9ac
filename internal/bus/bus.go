package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	PresenceOnlineChannel  = "presence:online"
	PresenceOfflineChannel = "presence:offline"
	PresenceStatusChannel  = "presence:status"
)

// GatewayPatterns are the channels every gateway instance relays.
var GatewayPatterns = []string{
	"conversation:*",
	"room:*",
	"presence:*",
	"typing:*",
	"user:*",
}

// Envelope is the unit carried on every channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewEnvelope(typ string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	return Envelope{Type: typ, Data: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s envelope: %w", e.Type, err)
	}
	return nil
}

// Handler receives envelopes in per-channel publish order.
type Handler func(channel string, env Envelope)

type Publisher interface {
	Publish(ctx context.Context, channel string, env Envelope) error
}

// Bus delivers every published envelope at least once to every subscriber
// whose pattern matches the channel. Nothing else is promised.
type Bus interface {
	Publisher
	// Subscribe returns once the subscription is active. Delivery stops
	// when ctx is done.
	Subscribe(ctx context.Context, handler Handler, patterns ...string) error
	Close() error
}

// Publish encodes data into an envelope and publishes it.
func Publish(ctx context.Context, p Publisher, channel, typ string, data any) error {
	env, err := NewEnvelope(typ, data)
	if err != nil {
		return err
	}
	return p.Publish(ctx, channel, env)
}

func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// ScopeChannel is the fan-out channel of a conversation scope
// ("conversation" or "room").
func ScopeChannel(scope, id string) string {
	return scope + ":" + id
}

func TypingChannel(scope, conversationID string) string {
	return "typing:" + scope + ":" + conversationID
}

func UserChannel(userID string) string {
	return "user:" + userID
}

// ParseTypingChannel splits typing:<scope>:<id>.
func ParseTypingChannel(channel string) (scope, conversationID string, ok bool) {
	rest, found := strings.CutPrefix(channel, "typing:")
	if !found {
		return "", "", false
	}
	scope, conversationID, ok = strings.Cut(rest, ":")
	if !ok || scope == "" || conversationID == "" {
		return "", "", false
	}
	return scope, conversationID, true
}
