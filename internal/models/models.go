package models

import (
	"slices"
	"time"
)

type ConversationType string

const (
	ConversationTypeDirect ConversationType = "direct"
	ConversationTypeGroup  ConversationType = "group"
	// ConversationTypeRoom is the legacy public room. Rooms fan out on their
	// own channel namespace.
	ConversationTypeRoom ConversationType = "room"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationTypeDirect, ConversationTypeGroup, ConversationTypeRoom:
		return true
	}
	return false
}

const (
	ScopeConversation = "conversation"
	ScopeRoom         = "room"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

type Participant struct {
	UserID            string    `json:"userId"`
	Role              Role      `json:"role"`
	JoinedAt          time.Time `json:"joinedAt"`
	MutedUntil        time.Time `json:"mutedUntil,omitzero"`
	LastReadMessageID string    `json:"lastReadMessageId,omitempty"`
}

// Muted reports whether the participant can not send at the given moment.
func (p Participant) Muted(now time.Time) bool {
	return !p.MutedUntil.IsZero() && p.MutedUntil.After(now)
}

// Conversation represents a direct chat, a group or a legacy room.
type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Name          string           `json:"name,omitempty"`
	Participants  []Participant    `json:"participants"`
	LastMessageID string           `json:"lastMessageId,omitempty"`
	LastMessageAt time.Time        `json:"lastMessageAt,omitzero"`
	// UnreadCount is keyed by user id and never negative.
	UnreadCount map[string]int `json:"unreadCount"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (c *Conversation) IsParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

// Scope is the namespace used for fan-out and typing channels.
func (c *Conversation) Scope() string {
	if c.Type == ConversationTypeRoom {
		return ScopeRoom
	}
	return ScopeConversation
}

// Others returns participant ids except the given one.
func (c *Conversation) Others(userID string) []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != userID {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Message represents a chat message.
type Message struct {
	ID             string      `json:"id"`
	Seq            int64       `json:"seq"` // per conversation, assigned by the store
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Formatted      string      `json:"formatted,omitempty"`
	Type           MessageType `json:"type"`
	AttachmentID   string      `json:"attachmentId,omitempty"`
	AttachmentURL  string      `json:"attachmentUrl,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
	// ReadBy keeps first-read order and never holds duplicates.
	ReadBy []string `json:"readBy"`
	// Reactions maps a user to their single current emoji.
	Reactions map[string]string `json:"reactions,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (m *Message) ReadByUser(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// MarkRead appends userID to ReadBy unless already present.
// Returns true if the message changed.
func (m *Message) MarkRead(userID string) bool {
	if m.ReadByUser(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// Attachment describes an uploaded blob. The blob itself lives in the file
// store under the same id.
type Attachment struct {
	ID          string    `json:"id"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusAway    UserStatus = "away"
	StatusBusy    UserStatus = "busy"
	StatusOffline UserStatus = "offline"
)

func (s UserStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the shared liveness record of a user. Status is what the
// user chose to show while connected.
type PresenceRecord struct {
	UserID          string     `json:"userId"`
	ConnectionID    string     `json:"connectionId"`
	Status          UserStatus `json:"status"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt"`
}

// UserPresence is the public view of a user's presence.
type UserPresence struct {
	UserID          string     `json:"userId"`
	Online          bool       `json:"online"`
	Status          UserStatus `json:"status"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt,omitzero"`
}
