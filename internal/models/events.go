package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types published on the fan-out bus.
const (
	EnvelopeNewMessage      = "new_message"
	EnvelopeMessagesRead    = "messages_read"
	EnvelopeReactionAdded   = "message_reaction_added"
	EnvelopeReactionRemoved = "message_reaction_removed"
	EnvelopeTyping          = "typing"
	EnvelopeStopTyping      = "stop_typing"
	EnvelopeOnline          = "online"
	EnvelopeOffline         = "offline"
	EnvelopeStatus          = "status"
	EnvelopeNotification    = "notification"
	EnvelopeUserJoinedRoom  = "user_joined_room"
	EnvelopeUserLeftRoom    = "user_left_room"
	EnvelopeDelivered       = "message_delivered"
)

type MessagesReadPayload struct {
	ReaderID       string   `json:"readerId"`
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type TypingPayload struct {
	UserID           string `json:"userId"`
	ConversationID   string `json:"conversationId"`
	ConversationType string `json:"conversationType"`
}

type PresencePayload struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type StatusPayload struct {
	UserID    string     `json:"userId"`
	Status    UserStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// RoomMembershipPayload carries the room member list after the change.
type RoomMembershipPayload struct {
	UserID string   `json:"userId"`
	RoomID string   `json:"roomId"`
	Users  []string `json:"users"`
}

type DeliveredPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type ReactionPayload struct {
	MessageID      string  `json:"messageId"`
	ConversationID string  `json:"conversationId"`
	UserID         string  `json:"userId"`
	Emoji          string  `json:"emoji"`
	Message        Message `json:"message"`
}

type NotificationPayload struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	Message        Message   `json:"message"`
	SenderID       string    `json:"senderId"`
	Timestamp      time.Time `json:"timestamp"`
}

// Client events.

const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventMarkRead          = "mark-read"
	EventTyping            = "typing"
	EventStopTyping        = "stop-typing"
	EventHeartbeat         = "heartbeat"
	EventAddReaction       = "add-reaction"
	EventRemoveReaction    = "remove-reaction"
	EventGetOnlineUsers    = "get-online-users"
	EventGetTypingUsers    = "get-typing-users"
	EventUpdateStatus      = "update-status"
	EventGetPresence       = "get-presence"
)

// ClientFrame is a raw inbound frame. AckID is zero when the client does not
// expect an acknowledgement.
type ClientFrame struct {
	Event string          `json:"event"`
	AckID int64           `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientEvent is the closed set of inbound events.
type ClientEvent interface {
	clientEvent()
}

type JoinConversation struct {
	ConversationID string `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	AttachmentID   string      `json:"attachmentId,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
}

type MarkRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
}

type StopTyping struct {
	ConversationID string `json:"conversationId"`
}

type Heartbeat struct{}

type AddReaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type RemoveReaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type GetOnlineUsers struct{}

type GetTypingUsers struct {
	ConversationID string `json:"conversationId"`
}

type UpdateStatus struct {
	Status UserStatus `json:"status"`
}

type GetPresence struct {
	UserID string `json:"userId"`
}

func (JoinConversation) clientEvent()  {}
func (LeaveConversation) clientEvent() {}
func (SendMessage) clientEvent()       {}
func (MarkRead) clientEvent()          {}
func (Typing) clientEvent()            {}
func (StopTyping) clientEvent()        {}
func (Heartbeat) clientEvent()         {}
func (AddReaction) clientEvent()       {}
func (RemoveReaction) clientEvent()    {}
func (GetOnlineUsers) clientEvent()    {}
func (GetTypingUsers) clientEvent()    {}
func (UpdateStatus) clientEvent()      {}
func (GetPresence) clientEvent()       {}

// ErrUnknownEvent is returned by ParseClientEvent for event names outside
// the protocol.
type ErrUnknownEvent struct {
	Event string
}

func (e ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event %q", e.Event)
}

// ParseClientEvent decodes the frame payload into its typed event.
func ParseClientEvent(frame ClientFrame) (ClientEvent, error) {
	var ev ClientEvent
	switch frame.Event {
	case EventJoinConversation:
		ev = &JoinConversation{}
	case EventLeaveConversation:
		ev = &LeaveConversation{}
	case EventSendMessage:
		ev = &SendMessage{}
	case EventMarkRead:
		ev = &MarkRead{}
	case EventTyping:
		ev = &Typing{}
	case EventStopTyping:
		ev = &StopTyping{}
	case EventHeartbeat:
		return Heartbeat{}, nil
	case EventAddReaction:
		ev = &AddReaction{}
	case EventRemoveReaction:
		ev = &RemoveReaction{}
	case EventGetOnlineUsers:
		return GetOnlineUsers{}, nil
	case EventGetTypingUsers:
		ev = &GetTypingUsers{}
	case EventUpdateStatus:
		ev = &UpdateStatus{}
	case EventGetPresence:
		ev = &GetPresence{}
	default:
		return nil, ErrUnknownEvent{Event: frame.Event}
	}

	if len(frame.Data) > 0 && string(frame.Data) != "null" {
		if err := json.Unmarshal(frame.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Event, err)
		}
	}

	return deref(ev), nil
}

func deref(ev ClientEvent) ClientEvent {
	switch e := ev.(type) {
	case *JoinConversation:
		return *e
	case *LeaveConversation:
		return *e
	case *SendMessage:
		return *e
	case *MarkRead:
		return *e
	case *Typing:
		return *e
	case *StopTyping:
		return *e
	case *AddReaction:
		return *e
	case *RemoveReaction:
		return *e
	case *GetTypingUsers:
		return *e
	case *UpdateStatus:
		return *e
	case *GetPresence:
		return *e
	}
	return ev
}

// Server events.

const (
	EventAck                    = "ack"
	EventError                  = "error"
	EventAuthenticated          = "authenticated"
	EventNewMessage             = "new-message"
	EventMessageRead            = "message-read"
	EventUserTyping             = "user-typing"
	EventUserStopTyping         = "user-stop-typing"
	EventPresenceOnline         = "presence:online"
	EventPresenceOffline        = "presence:offline"
	EventPresenceUserStatus     = "presence:user-status"
	EventUserJoinedRoom         = "user-joined-room"
	EventUserLeftRoom           = "user-left-room"
	EventMessageDelivered       = "message-delivered"
	EventMessageReactionAdded   = "message-reaction-added"
	EventMessageReactionRemoved = "message-reaction-removed"
	EventNotification           = "notification"
)

// ServerFrame is an outbound frame.
type ServerFrame struct {
	Event string `json:"event"`
	AckID int64  `json:"ackId,omitempty"`
	Data  any    `json:"data"`
}

type ServerEvent interface {
	EventName() string
}

type NewMessageEvent struct {
	Message
}

type MessageReadEvent struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds"`
}

type UserTypingEvent struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Stopped        bool   `json:"-"`
}

type PresenceEvent struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Online       bool      `json:"-"`
}

type UserStatusEvent struct {
	StatusPayload
}

type RoomMembershipEvent struct {
	RoomMembershipPayload
	Left bool `json:"-"`
}

type MessageDeliveredEvent struct {
	DeliveredPayload
}

type ReactionEvent struct {
	ReactionPayload
	Removed bool `json:"-"`
}

type NotificationEvent struct {
	NotificationPayload
}

type AuthenticatedEvent struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type ErrorEvent struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (NewMessageEvent) EventName() string    { return EventNewMessage }
func (MessageReadEvent) EventName() string   { return EventMessageRead }
func (NotificationEvent) EventName() string  { return EventNotification }
func (AuthenticatedEvent) EventName() string { return EventAuthenticated }
func (ErrorEvent) EventName() string         { return EventError }

func (UserStatusEvent) EventName() string       { return EventPresenceUserStatus }
func (MessageDeliveredEvent) EventName() string { return EventMessageDelivered }

func (e RoomMembershipEvent) EventName() string {
	if e.Left {
		return EventUserLeftRoom
	}
	return EventUserJoinedRoom
}

func (e UserTypingEvent) EventName() string {
	if e.Stopped {
		return EventUserStopTyping
	}
	return EventUserTyping
}

func (e PresenceEvent) EventName() string {
	if e.Online {
		return EventPresenceOnline
	}
	return EventPresenceOffline
}

func (e ReactionEvent) EventName() string {
	if e.Removed {
		return EventMessageReactionRemoved
	}
	return EventMessageReactionAdded
}

// Actor is implemented by events that are not echoed back to the user who
// caused them.
type Actor interface {
	ActorID() string
}

func (e UserTypingEvent) ActorID() string       { return e.UserID }
func (e RoomMembershipEvent) ActorID() string   { return e.UserID }
func (e MessageDeliveredEvent) ActorID() string { return e.UserID }

func NewServerFrame(ev ServerEvent) ServerFrame {
	return ServerFrame{Event: ev.EventName(), Data: ev}
}

// AckError is the error body of a failed acknowledgement.
type AckError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Ack is the body of an acknowledgement frame. Result fields are merged
// into the top level object.
type Ack struct {
	Success bool      `json:"success"`
	Error   *AckError `json:"error,omitempty"`
	Result  any       `json:"-"`
}

func (a Ack) MarshalJSON() ([]byte, error) {
	head, err := json.Marshal(struct {
		Success bool      `json:"success"`
		Error   *AckError `json:"error,omitempty"`
	}{a.Success, a.Error})
	if err != nil {
		return nil, err
	}
	if a.Result == nil {
		return head, nil
	}

	body, err := json.Marshal(a.Result)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("ack result must encode to an object, got %s", body)
	}
	if string(body) == "{}" {
		return head, nil
	}

	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Ack results.

// JoinResult carries the current room members when a room is joined.
type JoinResult struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Users        []string     `json:"users,omitempty"`
}

type MessageResult struct {
	Message Message `json:"message"`
}

type MarkReadResult struct {
	MessageIDs []string `json:"messageIds"`
}

type UsersResult struct {
	Users []string `json:"users"`
}

type StatusResult struct {
	Status UserStatus `json:"status"`
}

type PresenceResult struct {
	Presence UserPresence `json:"presence"`
}
