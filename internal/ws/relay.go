package ws

import (
	"fmt"
	"log/slog"
	"strings"

	"parley/internal/bus"
	"parley/internal/models"
)

// Relay delivers a bus envelope to the local connections interested in the
// channel. It is the handler the gateway subscribes with.
func (g *Gateway) Relay(channel string, env bus.Envelope) {
	ev, err := translate(env)
	if err != nil {
		slog.Warn("dropping envelope", "channel", channel, "type", env.Type, "error", err)
		return
	}
	frame := models.NewServerFrame(ev)

	switch {
	case strings.HasPrefix(channel, "presence:"):
		for _, c := range g.all() {
			c.enqueue(frame)
		}

	case strings.HasPrefix(channel, "typing:"):
		scope, conversationID, ok := bus.ParseTypingChannel(channel)
		if _, isTyping := ev.(models.UserTypingEvent); !ok || !isTyping {
			slog.Warn("unexpected envelope on typing channel", "channel", channel, "type", env.Type)
			return
		}
		g.deliver(bus.ScopeChannel(scope, conversationID), ev, frame)

	default:
		// conversation:, room: and user: channels map one to one onto
		// joined channels.
		g.deliver(channel, ev, frame)
	}
}

// deliver sends the frame to the members of channel, skipping the user who
// caused the event.
func (g *Gateway) deliver(channel string, ev models.ServerEvent, frame models.ServerFrame) {
	var actor string
	if a, ok := ev.(models.Actor); ok {
		actor = a.ActorID()
	}
	for _, c := range g.members(channel) {
		if actor == "" || c.UserID != actor {
			c.enqueue(frame)
		}
	}
}

func translate(env bus.Envelope) (models.ServerEvent, error) {
	switch env.Type {
	case models.EnvelopeNewMessage:
		var msg models.Message
		if err := env.Decode(&msg); err != nil {
			return nil, err
		}
		return models.NewMessageEvent{Message: msg}, nil

	case models.EnvelopeMessagesRead:
		var p models.MessagesReadPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return models.MessageReadEvent{ConversationID: p.ConversationID, UserID: p.ReaderID, MessageIDs: p.MessageIDs}, nil

	case models.EnvelopeReactionAdded, models.EnvelopeReactionRemoved:
		var p models.ReactionPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return models.ReactionEvent{ReactionPayload: p, Removed: env.Type == models.EnvelopeReactionRemoved}, nil

	case models.EnvelopeTyping, models.EnvelopeStopTyping:
		var p models.TypingPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return models.UserTypingEvent{UserID: p.UserID, ConversationID: p.ConversationID, Stopped: env.Type == models.EnvelopeStopTyping}, nil

	case models.EnvelopeOnline, models.EnvelopeOffline:
		var p models.PresencePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return models.PresenceEvent{UserID: p.UserID, ConnectionID: p.ConnectionID, Timestamp: p.Timestamp, Online: env.Type == models.EnvelopeOnline}, nil

	case models.EnvelopeStatus:
		var p models.StatusPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return models.UserStatusEvent{StatusPayload: p}, nil

	case models.EnvelopeUserJoinedRoom, models.EnvelopeUserLeftRoom:
		var p models.RoomMembershipPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return models.RoomMembershipEvent{RoomMembershipPayload: p, Left: env.Type == models.EnvelopeUserLeftRoom}, nil

	case models.EnvelopeDelivered:
		var p models.DeliveredPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return models.MessageDeliveredEvent{DeliveredPayload: p}, nil

	case models.EnvelopeNotification:
		var p models.NotificationPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		return models.NotificationEvent{NotificationPayload: p}, nil
	}
	return nil, fmt.Errorf("unknown envelope type %q", env.Type)
}
