// Package broadcast persists conversation changes and fans them out to
// every gateway instance through the bus.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"parley/internal/apperr"
	"parley/internal/bus"
	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/storage"
)

const (
	MaxContentLength = 5000

	DefaultMessagesLimit      = 50
	MaxMessagesLimit          = 100
	DefaultConversationsLimit = 20
	MaxConversationsLimit     = 100
)

// AllowedEmojis is the reaction allow-list.
var AllowedEmojis = []string{"👍", "❤️", "😂", "😮", "😢", "🙏", "🔥", "🎉"}

// Store is the durable state the coordinator works on. Implementations
// arbitrate concurrent writes.
type Store interface {
	CreateConversation(ctx context.Context, conv models.Conversation) error
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, error)
	// CreateMessage assigns the sequence number and updates the
	// conversation's last message and unread counters atomically.
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]models.Message, error)
	// MarkRead returns the ids that were not read by the reader before.
	// A nil messageIDs marks every message of the conversation.
	MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, error)
	SetReaction(ctx context.Context, messageID, userID, emoji string) (models.Message, bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (models.Message, bool, error)
}

// Resolver turns an attachment id into a URL.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

type Coordinator struct {
	store Store
	bus   bus.Publisher
	files Resolver
	now   func() time.Time
}

func NewCoordinator(store Store, publisher bus.Publisher, files Resolver) *Coordinator {
	return &Coordinator{
		store: store,
		bus:   publisher,
		files: files,
		now:   time.Now,
	}
}

// conversationFor loads the conversation and checks that userID takes part
// in it.
func (c *Coordinator) conversationFor(ctx context.Context, conversationID, userID string) (models.Conversation, models.Participant, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, models.Participant{}, apperr.Unavailable(err)
	}
	p, ok := conv.Participant(userID)
	if !ok {
		return models.Conversation{}, models.Participant{}, apperr.NotAuthorized("not a participant of conversation %s", conversationID)
	}
	return conv, p, nil
}

// SendMessage validates, persists and publishes a new message. The message
// is returned once persisted even if publishing fails.
func (c *Coordinator) SendMessage(ctx context.Context, senderID string, req models.SendMessage) (models.Message, error) {
	conv, p, err := c.conversationFor(ctx, req.ConversationID, senderID)
	if err != nil {
		return models.Message{}, err
	}
	now := c.now().UTC()
	if p.Muted(now) {
		return models.Message{}, apperr.Muted(p.MutedUntil)
	}

	msg, err := c.buildMessage(ctx, conv, senderID, req)
	if err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = now

	msg, err = c.store.CreateMessage(ctx, msg)
	if err != nil {
		return models.Message{}, apperr.Unavailable(err)
	}

	if err := bus.Publish(ctx, c.bus, bus.ScopeChannel(conv.Scope(), conv.ID), models.EnvelopeNewMessage, msg); err != nil {
		slog.Error("failed to publish new message", "conversation_id", conv.ID, "message_id", msg.ID, "error", err)
	}

	for _, uid := range conv.Others(senderID) {
		err := bus.Publish(ctx, c.bus, bus.UserChannel(uid), models.EnvelopeNotification, models.NotificationPayload{
			Type:           models.EnvelopeNewMessage,
			ConversationID: conv.ID,
			Message:        msg,
			SenderID:       senderID,
			Timestamp:      now,
		})
		if err != nil {
			slog.Error("failed to publish notification", "user_id", uid, "message_id", msg.ID, "error", err)
		}
	}

	return msg, nil
}

func (c *Coordinator) buildMessage(ctx context.Context, conv models.Conversation, senderID string, req models.SendMessage) (models.Message, error) {
	msgType := req.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	switch msgType {
	case models.MessageTypeText, models.MessageTypeImage, models.MessageTypeFile:
	default:
		return models.Message{}, apperr.Validation("unsupported message type %q", msgType)
	}

	if utf8.RuneCountInString(req.Content) > MaxContentLength {
		return models.Message{}, apperr.Validation("message cannot exceed %d characters", MaxContentLength)
	}
	// Content is kept as typed. Only the rendered HTML is sanitised.
	text := strings.TrimSpace(req.Content)
	if text == "" && msgType != models.MessageTypeFile {
		return models.Message{}, apperr.Validation("content is required")
	}
	if msgType == models.MessageTypeFile && req.AttachmentID == "" {
		return models.Message{}, apperr.Validation("file message needs an attachment")
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        text,
		Type:           msgType,
		ReadBy:         []string{senderID},
	}

	if msgType == models.MessageTypeText {
		formatted, err := content.Render(req.Content)
		if err != nil {
			return models.Message{}, apperr.Validation("invalid message content")
		}
		msg.Formatted = formatted
	}

	if req.AttachmentID != "" {
		if c.files == nil {
			return models.Message{}, apperr.Validation("attachments are not supported")
		}
		url, err := c.files.Resolve(ctx, req.AttachmentID)
		if err != nil {
			return models.Message{}, apperr.Unavailable(err)
		}
		msg.AttachmentID = req.AttachmentID
		msg.AttachmentURL = url
	}

	// A reply to an unknown message or to another conversation is dropped.
	if req.ReplyTo != "" {
		parent, err := c.store.GetMessage(ctx, req.ReplyTo)
		switch {
		case err == nil && parent.ConversationID == conv.ID:
			msg.ReplyTo = parent.ID
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return models.Message{}, apperr.Unavailable(err)
		}
	}

	return msg, nil
}

// MarkAsRead marks the given messages, or every unread message when
// messageIDs is nil, as read by readerID. Returns the newly marked ids.
func (c *Coordinator) MarkAsRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, error) {
	conv, _, err := c.conversationFor(ctx, conversationID, readerID)
	if err != nil {
		return nil, err
	}

	marked, err := c.store.MarkRead(ctx, conversationID, readerID, messageIDs)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if marked == nil {
		marked = []string{}
	}
	if len(marked) == 0 {
		return marked, nil
	}

	err = bus.Publish(ctx, c.bus, bus.ScopeChannel(conv.Scope(), conv.ID), models.EnvelopeMessagesRead, models.MessagesReadPayload{
		ReaderID:       readerID,
		ConversationID: conversationID,
		MessageIDs:     marked,
	})
	if err != nil {
		slog.Error("failed to publish messages read", "conversation_id", conversationID, "user_id", readerID, "error", err)
	}
	return marked, nil
}

func (c *Coordinator) AddReaction(ctx context.Context, messageID, userID, emoji string) (models.Message, error) {
	if !slices.Contains(AllowedEmojis, emoji) {
		return models.Message{}, apperr.Validation("emoji %q is not allowed", emoji)
	}
	conv, err := c.messageConversation(ctx, messageID, userID)
	if err != nil {
		return models.Message{}, err
	}

	msg, changed, err := c.store.SetReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return models.Message{}, apperr.Unavailable(err)
	}
	if changed {
		c.publishReaction(ctx, conv, models.EnvelopeReactionAdded, msg, userID, emoji)
	}
	return msg, nil
}

// RemoveReaction deletes the user's reaction only if it is emoji.
func (c *Coordinator) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (models.Message, error) {
	conv, err := c.messageConversation(ctx, messageID, userID)
	if err != nil {
		return models.Message{}, err
	}

	msg, changed, err := c.store.RemoveReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return models.Message{}, apperr.Unavailable(err)
	}
	if changed {
		c.publishReaction(ctx, conv, models.EnvelopeReactionRemoved, msg, userID, emoji)
	}
	return msg, nil
}

func (c *Coordinator) messageConversation(ctx context.Context, messageID, userID string) (models.Conversation, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Conversation{}, apperr.Unavailable(err)
	}
	conv, _, err := c.conversationFor(ctx, msg.ConversationID, userID)
	return conv, err
}

func (c *Coordinator) publishReaction(ctx context.Context, conv models.Conversation, typ string, msg models.Message, userID, emoji string) {
	err := bus.Publish(ctx, c.bus, bus.ScopeChannel(conv.Scope(), conv.ID), typ, models.ReactionPayload{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		UserID:         userID,
		Emoji:          emoji,
		Message:        msg,
	})
	if err != nil {
		slog.Error("failed to publish reaction", "type", typ, "message_id", msg.ID, "error", err)
	}
}

func (c *Coordinator) Conversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	conv, _, err := c.conversationFor(ctx, conversationID, userID)
	return conv, err
}

// Conversations lists the user's conversations by last activity.
func (c *Coordinator) Conversations(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, error) {
	convs, err := c.store.ListConversations(ctx, userID, clamp(limit, DefaultConversationsLimit, MaxConversationsLimit), max(0, offset))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	return convs, nil
}

// Messages returns a page of messages older than beforeSeq in chronological
// order. beforeSeq 0 means the latest page.
func (c *Coordinator) Messages(ctx context.Context, conversationID, userID string, limit int, beforeSeq int64) ([]models.Message, error) {
	if _, _, err := c.conversationFor(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := c.store.ListMessages(ctx, conversationID, clamp(limit, DefaultMessagesLimit, MaxMessagesLimit), beforeSeq)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// JoinConversation marks everything read, tells the other members the user
// caught up and returns the conversation with its latest messages.
func (c *Coordinator) JoinConversation(ctx context.Context, conversationID, userID string) (models.JoinResult, error) {
	if _, err := c.MarkAsRead(ctx, conversationID, userID, nil); err != nil {
		return models.JoinResult{}, err
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.JoinResult{}, apperr.Unavailable(err)
	}
	msgs, err := c.Messages(ctx, conversationID, userID, DefaultMessagesLimit, 0)
	if err != nil {
		return models.JoinResult{}, err
	}

	err = bus.Publish(ctx, c.bus, bus.ScopeChannel(conv.Scope(), conv.ID), models.EnvelopeDelivered, models.DeliveredPayload{
		ConversationID: conv.ID,
		UserID:         userID,
	})
	if err != nil {
		slog.Error("failed to publish delivery", "conversation_id", conv.ID, "user_id", userID, "error", err)
	}
	return models.JoinResult{Conversation: conv, Messages: msgs}, nil
}

// CreateConversation seeds a conversation. A missing id is generated.
func (c *Coordinator) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if err := content.ValidateID(conv.ID); err != nil {
		return models.Conversation{}, apperr.Validation("invalid conversation id: %v", err)
	}
	if conv.Type == "" {
		conv.Type = models.ConversationTypeGroup
	}
	if !conv.Type.Valid() {
		return models.Conversation{}, apperr.Validation("unsupported conversation type %q", conv.Type)
	}
	if len(conv.Participants) == 0 {
		return models.Conversation{}, apperr.Validation("a conversation needs participants")
	}
	if conv.Type == models.ConversationTypeDirect && len(conv.Participants) != 2 {
		return models.Conversation{}, apperr.Validation("a direct conversation has exactly two participants")
	}

	now := c.now().UTC()
	seen := make(map[string]bool, len(conv.Participants))
	for i := range conv.Participants {
		p := &conv.Participants[i]
		if err := content.ValidateID(p.UserID); err != nil {
			return models.Conversation{}, apperr.Validation("invalid participant id: %v", err)
		}
		if seen[p.UserID] {
			return models.Conversation{}, apperr.Validation("duplicate participant %s", p.UserID)
		}
		seen[p.UserID] = true

		if p.Role == "" {
			p.Role = models.RoleMember
		}
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
	}
	conv.CreatedAt = now
	conv.LastMessageID = ""
	conv.LastMessageAt = time.Time{}
	conv.UnreadCount = map[string]int{}

	if err := c.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, storage.ErrConversationExists) {
			return models.Conversation{}, apperr.Validation("conversation %s already exists", conv.ID)
		}
		return models.Conversation{}, apperr.Unavailable(err)
	}
	return conv, nil
}

func clamp(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}
