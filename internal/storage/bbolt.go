package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"parley/internal/apperr"
	"parley/internal/models"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketAttachments   = []byte("attachments")
)

var ErrConversationExists = errors.New("conversation already exists")

// BboltStorage is the embedded durable store. Every write runs in one
// serializable update transaction, which makes it the arbiter of concurrent
// writes within the process.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketMessageIndex, bucketAttachments} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func getConversation(tx *bbolt.Tx, id string) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	var conv DBConversation
	if err := conv.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", id, err)
	}
	return &conv, nil
}

func put(b *bbolt.Bucket, s Storeable) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(s.Key(), data)
}

func getMessage(tx *bbolt.Tx, id string) (*DBMessage, error) {
	refData := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if refData == nil {
		return nil, apperr.NotFound("message %s not found", id)
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message ref %s: %w", id, err)
	}

	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
	if convBucket == nil {
		return nil, apperr.NotFound("message %s not found", id)
	}
	data := convBucket.Get(seqKey(ref.Seq))
	if data == nil {
		return nil, apperr.NotFound("message %s not found", id)
	}

	var msg DBMessage
	if err := msg.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", id, err)
	}
	return &msg, nil
}

func putMessage(tx *bbolt.Tx, msg *DBMessage) error {
	convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
	if err != nil {
		return fmt.Errorf("failed to create conversation bucket: %w", err)
	}
	if err := put(convBucket, msg); err != nil {
		return fmt.Errorf("failed to put message: %w", err)
	}
	return nil
}

// CreateConversation stores a new conversation. Ids are never reused.
func (s *BboltStorage) CreateConversation(_ context.Context, conv models.Conversation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if b.Get([]byte(conv.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrConversationExists, conv.ID)
		}
		dbConv := toDBConversation(conv)
		return put(b, &dbConv)
	})
}

func (s *BboltStorage) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		conv = dbConv.model()
		return nil
	})
	return conv, err
}

// ListConversations returns the user's conversations, most recently active
// first.
func (s *BboltStorage) ListConversations(_ context.Context, userID string, limit, offset int) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbConv.participant(userID) != nil {
				convs = append(convs, dbConv.model())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return activity(convs[i]).After(activity(convs[j]))
	})

	return page(convs, limit, offset), nil
}

func activity(c models.Conversation) time.Time {
	if c.LastMessageAt.IsZero() {
		return c.CreatedAt
	}
	return c.LastMessageAt
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// CreateMessage assigns the next sequence number, saves the message and
// updates the conversation's last message and unread counters in the same
// transaction.
func (s *BboltStorage) CreateMessage(_ context.Context, msg models.Message) (models.Message, error) {
	var stored models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := getConversation(tx, msg.ConversationID)
		if err != nil {
			return err
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		seq, err := convBucket.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = int64(seq)

		dbMsg := toDBMessage(msg)
		if err := put(convBucket, &dbMsg); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		ref := DBMessageRef{ID: msg.ID, ConversationID: msg.ConversationID, Seq: msg.Seq}
		if err := put(tx.Bucket(bucketMessageIndex), &ref); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		conv.LastMessageID = msg.ID
		conv.LastMessageAt = dbMsg.CreatedAt
		conv.LastSeq = msg.Seq
		if conv.UnreadCount == nil {
			conv.UnreadCount = make(map[string]int)
		}
		for _, p := range conv.Participants {
			if p.UserID != msg.SenderID {
				conv.UnreadCount[p.UserID]++
			}
		}
		conv.markRead(msg.SenderID, &dbMsg, 0)

		stored = dbMsg.model()
		return put(tx.Bucket(bucketConversations), conv)
	})
	if err != nil {
		return models.Message{}, err
	}
	return stored, nil
}

func (s *BboltStorage) GetMessage(_ context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		msg = dbMsg.model()
		return nil
	})
	return msg, err
}

// ListMessages returns up to limit messages older than beforeSeq (all when
// beforeSeq is 0) in chronological order.
func (s *BboltStorage) ListMessages(_ context.Context, conversationID string, limit int, beforeSeq int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // No messages for this conversation
		}

		c := convBucket.Cursor()
		var k, v []byte
		if beforeSeq > 0 {
			k, v = c.Seek(seqKey(beforeSeq))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil && (limit <= 0 || len(messages) < limit); k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.model())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRead adds the reader to readBy of the given messages, or of every
// unread message of the conversation when messageIDs is nil. Ids of other
// conversations and unknown ids are skipped. Returns the ids that changed.
func (s *BboltStorage) MarkRead(_ context.Context, conversationID, readerID string, messageIDs []string) ([]string, error) {
	var marked []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}

		var newest *DBMessage
		mark := func(msg *DBMessage) error {
			if msg.ConversationID != conversationID {
				return nil
			}
			m := msg.model()
			if !m.MarkRead(readerID) {
				return nil
			}
			msg.ReadBy = m.ReadBy
			if err := putMessage(tx, msg); err != nil {
				return err
			}
			marked = append(marked, msg.ID)
			if newest == nil || msg.Seq > newest.Seq {
				newest = msg
			}
			return nil
		}

		if messageIDs == nil {
			convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
			if convBucket != nil {
				var pending []*DBMessage
				err := convBucket.ForEach(func(k, v []byte) error {
					var msg DBMessage
					if err := msg.UnmarshalBinary(v); err != nil {
						return err
					}
					pending = append(pending, &msg)
					return nil
				})
				if err != nil {
					return err
				}
				// Writing while iterating with ForEach is not allowed.
				for _, msg := range pending {
					if err := mark(msg); err != nil {
						return err
					}
				}
			}
		} else {
			for _, id := range messageIDs {
				msg, err := getMessage(tx, id)
				if errors.Is(err, apperr.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if err := mark(msg); err != nil {
					return err
				}
			}
		}

		if messageIDs == nil {
			conv.markRead(readerID, newest, conv.UnreadCount[readerID])
		} else {
			conv.markRead(readerID, newest, len(marked))
		}
		return put(tx.Bucket(bucketConversations), conv)
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

// SetReaction sets the user's reaction, replacing any previous emoji.
// Reports false when the same emoji was already set.
func (s *BboltStorage) SetReaction(_ context.Context, messageID, userID, emoji string) (models.Message, bool, error) {
	return s.updateReaction(messageID, func(reactions map[string]string) bool {
		if reactions[userID] == emoji {
			return false
		}
		reactions[userID] = emoji
		return true
	})
}

// RemoveReaction deletes the user's reaction only if it is the given emoji.
func (s *BboltStorage) RemoveReaction(_ context.Context, messageID, userID, emoji string) (models.Message, bool, error) {
	return s.updateReaction(messageID, func(reactions map[string]string) bool {
		if current, ok := reactions[userID]; !ok || current != emoji {
			return false
		}
		delete(reactions, userID)
		return true
	})
}

func (s *BboltStorage) updateReaction(messageID string, apply func(map[string]string) bool) (models.Message, bool, error) {
	var (
		msg     models.Message
		changed bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, err := getMessage(tx, messageID)
		if err != nil {
			return err
		}
		if dbMsg.Reactions == nil {
			dbMsg.Reactions = make(map[string]string)
		}
		changed = apply(dbMsg.Reactions)
		msg = dbMsg.model()
		if !changed {
			return nil
		}
		return putMessage(tx, dbMsg)
	})
	return msg, changed, err
}
