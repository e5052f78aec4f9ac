package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"parley/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBParticipant struct {
	UserID            string `msgpack:"userId"`
	Role              string `msgpack:"role"`
	JoinedAt          int64  `msgpack:"joinedAt"`
	MutedUntil        int64  `msgpack:"mutedUntil"`
	LastReadMessageID string `msgpack:"lastReadMessageId"`
	LastReadSeq       int64  `msgpack:"lastReadSeq"`
}

type DBConversation struct {
	ID            string          `msgpack:"id"`
	Type          string          `msgpack:"type"`
	Name          string          `msgpack:"name"`
	Participants  []DBParticipant `msgpack:"participants"`
	LastMessageID string          `msgpack:"lastMessageId"`
	LastMessageAt int64           `msgpack:"lastMessageAt"`
	LastSeq       int64           `msgpack:"lastSeq"`
	UnreadCount   map[string]int  `msgpack:"unreadCount"`
	CreatedAt     int64           `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBConversation) participant(userID string) *DBParticipant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// markRead moves the reader's watermark forward and lowers their unread
// counter by n, never below zero.
func (c *DBConversation) markRead(readerID string, newest *DBMessage, n int) {
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	c.UnreadCount[readerID] = max(0, c.UnreadCount[readerID]-n)

	if p := c.participant(readerID); p != nil && newest != nil && newest.Seq > p.LastReadSeq {
		p.LastReadSeq = newest.Seq
		p.LastReadMessageID = newest.ID
	}
}

type DBMessage struct {
	Seq            int64             `msgpack:"seq"`
	ID             string            `msgpack:"id"`
	ConversationID string            `msgpack:"conversationId"`
	SenderID       string            `msgpack:"senderId"`
	Content        string            `msgpack:"content"`
	Formatted      string            `msgpack:"formatted"`
	Type           string            `msgpack:"type"`
	AttachmentID   string            `msgpack:"attachmentId"`
	AttachmentURL  string            `msgpack:"attachmentUrl"`
	ReplyTo        string            `msgpack:"replyTo"`
	ReadBy         []string          `msgpack:"readBy"`
	Reactions      map[string]string `msgpack:"reactions"`
	CreatedAt      int64             `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message by id.
type DBMessageRef struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	Seq            int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.ID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toDBConversation(c models.Conversation) DBConversation {
	db := DBConversation{
		ID:            c.ID,
		Type:          string(c.Type),
		Name:          c.Name,
		LastMessageID: c.LastMessageID,
		LastMessageAt: unixMilli(c.LastMessageAt),
		UnreadCount:   make(map[string]int, len(c.UnreadCount)),
		CreatedAt:     unixMilli(c.CreatedAt),
	}
	for k, v := range c.UnreadCount {
		db.UnreadCount[k] = max(0, v)
	}
	for _, p := range c.Participants {
		db.Participants = append(db.Participants, DBParticipant{
			UserID:            p.UserID,
			Role:              string(p.Role),
			JoinedAt:          unixMilli(p.JoinedAt),
			MutedUntil:        unixMilli(p.MutedUntil),
			LastReadMessageID: p.LastReadMessageID,
		})
	}
	return db
}

func (c *DBConversation) model() models.Conversation {
	conv := models.Conversation{
		ID:            c.ID,
		Type:          models.ConversationType(c.Type),
		Name:          c.Name,
		Participants:  make([]models.Participant, 0, len(c.Participants)),
		LastMessageID: c.LastMessageID,
		LastMessageAt: fromUnixMilli(c.LastMessageAt),
		UnreadCount:   make(map[string]int, len(c.UnreadCount)),
		CreatedAt:     fromUnixMilli(c.CreatedAt),
	}
	for k, v := range c.UnreadCount {
		conv.UnreadCount[k] = v
	}
	for _, p := range c.Participants {
		conv.Participants = append(conv.Participants, models.Participant{
			UserID:            p.UserID,
			Role:              models.Role(p.Role),
			JoinedAt:          fromUnixMilli(p.JoinedAt),
			MutedUntil:        fromUnixMilli(p.MutedUntil),
			LastReadMessageID: p.LastReadMessageID,
		})
	}
	return conv
}

func toDBMessage(m models.Message) DBMessage {
	return DBMessage{
		Seq:            m.Seq,
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Formatted:      m.Formatted,
		Type:           string(m.Type),
		AttachmentID:   m.AttachmentID,
		AttachmentURL:  m.AttachmentURL,
		ReplyTo:        m.ReplyTo,
		ReadBy:         m.ReadBy,
		Reactions:      m.Reactions,
		CreatedAt:      unixMilli(m.CreatedAt),
	}
}

func (m *DBMessage) model() models.Message {
	msg := models.Message{
		ID:             m.ID,
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Formatted:      m.Formatted,
		Type:           models.MessageType(m.Type),
		AttachmentID:   m.AttachmentID,
		AttachmentURL:  m.AttachmentURL,
		ReplyTo:        m.ReplyTo,
		ReadBy:         m.ReadBy,
		Reactions:      m.Reactions,
		CreatedAt:      fromUnixMilli(m.CreatedAt),
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	return msg
}
