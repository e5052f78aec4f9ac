package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"parley/internal/apperr"
	"parley/internal/models"
)

type mongoParticipant struct {
	UserID            string    `bson:"userId"`
	Role              string    `bson:"role"`
	JoinedAt          time.Time `bson:"joinedAt"`
	MutedUntil        time.Time `bson:"mutedUntil,omitempty"`
	LastReadMessageID string    `bson:"lastReadMessageId,omitempty"`
	LastReadSeq       int64     `bson:"lastReadSeq"`
}

type mongoConversation struct {
	ID            string             `bson:"_id"`
	Type          string             `bson:"type"`
	Name          string             `bson:"name,omitempty"`
	Participants  []mongoParticipant `bson:"participants"`
	LastMessageID string             `bson:"lastMessageId,omitempty"`
	LastMessageAt time.Time          `bson:"lastMessageAt,omitempty"`
	LastSeq       int64              `bson:"lastSeq"`
	UnreadCount   map[string]int     `bson:"unreadCount"`
	CreatedAt     time.Time          `bson:"createdAt"`
}

type mongoMessage struct {
	ID             string            `bson:"_id"`
	Seq            int64             `bson:"seq"`
	ConversationID string            `bson:"conversationId"`
	SenderID       string            `bson:"senderId"`
	Content        string            `bson:"content"`
	Formatted      string            `bson:"formatted,omitempty"`
	Type           string            `bson:"type"`
	AttachmentID   string            `bson:"attachmentId,omitempty"`
	AttachmentURL  string            `bson:"attachmentUrl,omitempty"`
	ReplyTo        string            `bson:"replyTo,omitempty"`
	ReadBy         []string          `bson:"readBy"`
	Reactions      map[string]string `bson:"reactions"`
	CreatedAt      time.Time         `bson:"createdAt"`
}

type mongoAttachment struct {
	ID          string    `bson:"_id"`
	ContentType string    `bson:"contentType"`
	Size        int64     `bson:"size"`
	CreatedAt   time.Time `bson:"createdAt"`
}

// MongoStorage is the shared durable store for multi-instance deployments.
// Writes spanning several documents run in a transaction, so the server
// must be a replica set.
type MongoStorage struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	attachments   *mongo.Collection
}

func NewMongoStorage(ctx context.Context, uri, database string) (*MongoStorage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := newMongoStorage(client, client.Database(database))
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func newMongoStorage(client *mongo.Client, db *mongo.Database) *MongoStorage {
	return &MongoStorage{
		client:        client,
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		attachments:   db.Collection("attachments"),
	}
}

// inTransaction runs fn in a transaction. fn may be called again when the
// transaction hits a transient error.
func (s *MongoStorage) inTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func (s *MongoStorage) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "participants.userId", Value: 1}, {Key: "lastMessageAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}

	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "seq", Value: -1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStorage) CreateConversation(ctx context.Context, conv models.Conversation) error {
	doc := mongoConversation{
		ID:            conv.ID,
		Type:          string(conv.Type),
		Name:          conv.Name,
		LastMessageID: conv.LastMessageID,
		LastMessageAt: conv.LastMessageAt,
		UnreadCount:   make(map[string]int),
		CreatedAt:     conv.CreatedAt,
	}
	for k, v := range conv.UnreadCount {
		doc.UnreadCount[k] = max(0, v)
	}
	for _, p := range conv.Participants {
		doc.Participants = append(doc.Participants, mongoParticipant{
			UserID:            p.UserID,
			Role:              string(p.Role),
			JoinedAt:          p.JoinedAt,
			MutedUntil:        p.MutedUntil,
			LastReadMessageID: p.LastReadMessageID,
		})
	}

	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrConversationExists, conv.ID)
		}
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func (s *MongoStorage) getConversation(ctx context.Context, id string) (mongoConversation, error) {
	var doc mongoConversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, apperr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return doc, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return doc, nil
}

func (s *MongoStorage) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	doc, err := s.getConversation(ctx, id)
	if err != nil {
		return models.Conversation{}, err
	}
	return doc.model(), nil
}

func (s *MongoStorage) ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "lastMessageAt", Value: -1}, {Key: "createdAt", Value: -1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.conversations.Find(ctx, bson.M{"participants.userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var docs []mongoConversation
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	convs := make([]models.Conversation, 0, len(docs))
	for _, d := range docs {
		convs = append(convs, d.model())
	}
	return convs, nil
}

// CreateMessage reserves a sequence number with $inc on the conversation,
// inserts the message and bumps the counters of the other participants in
// one transaction.
func (s *MongoStorage) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.CreatedAt = msg.CreatedAt.Truncate(time.Millisecond)

	var stored mongoMessage
	err := s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		var conv mongoConversation
		err := s.conversations.FindOneAndUpdate(sc,
			bson.M{"_id": msg.ConversationID},
			bson.M{"$inc": bson.M{"lastSeq": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&conv)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperr.NotFound("conversation %s not found", msg.ConversationID)
		}
		if err != nil {
			return fmt.Errorf("failed to reserve sequence: %w", err)
		}

		msg.Seq = conv.LastSeq
		doc := toMongoMessage(msg)
		if _, err := s.messages.InsertOne(sc, doc); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		update := bson.M{
			"$set": bson.M{
				"lastMessageId":                            msg.ID,
				"participants.$[sender].lastReadMessageId": msg.ID,
				"participants.$[sender].lastReadSeq":       msg.Seq,
			},
			"$max": bson.M{"lastMessageAt": msg.CreatedAt},
		}
		inc := bson.M{}
		for _, p := range conv.Participants {
			if p.UserID != msg.SenderID {
				inc["unreadCount."+p.UserID] = 1
			}
		}
		if len(inc) > 0 {
			update["$inc"] = inc
		}
		_, err = s.conversations.UpdateOne(sc, bson.M{"_id": msg.ConversationID}, update,
			options.Update().SetArrayFilters(options.ArrayFilters{
				Filters: []any{bson.M{"sender.userId": msg.SenderID}},
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		stored = doc
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return stored.model(), nil
}

func (s *MongoStorage) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var doc mongoMessage
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, apperr.NotFound("message %s not found", id)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	return doc.model(), nil
}

func (s *MongoStorage) ListMessages(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]models.Message, error) {
	filter := bson.M{"conversationId": conversationID}
	if beforeSeq > 0 {
		filter["seq"] = bson.M{"$lt": beforeSeq}
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	out := make([]models.Message, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.model()
	}
	return out, nil
}

// MarkRead adds the reader to the pending messages and settles the unread
// counter and read watermark in one transaction.
func (s *MongoStorage) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, error) {
	var marked []string
	err := s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		marked = nil

		conv, err := s.getConversation(sc, conversationID)
		if err != nil {
			return err
		}

		filter := bson.M{
			"conversationId": conversationID,
			"readBy":         bson.M{"$ne": readerID},
		}
		if messageIDs != nil {
			filter["_id"] = bson.M{"$in": messageIDs}
		}
		cur, err := s.messages.Find(sc, filter, options.Find().
			SetProjection(bson.M{"_id": 1, "seq": 1}).
			SetSort(bson.D{{Key: "seq", Value: 1}}))
		if err != nil {
			return fmt.Errorf("failed to find unread messages: %w", err)
		}
		var pending []struct {
			ID  string `bson:"_id"`
			Seq int64  `bson:"seq"`
		}
		if err := cur.All(sc, &pending); err != nil {
			return fmt.Errorf("failed to decode unread messages: %w", err)
		}

		var (
			ids    []string
			newest int64
			last   string
		)
		for _, p := range pending {
			ids = append(ids, p.ID)
			if p.Seq > newest {
				newest, last = p.Seq, p.ID
			}
		}
		if len(ids) > 0 {
			_, err := s.messages.UpdateMany(sc,
				bson.M{"_id": bson.M{"$in": ids}},
				bson.M{"$addToSet": bson.M{"readBy": readerID}},
			)
			if err != nil {
				return fmt.Errorf("failed to mark messages read: %w", err)
			}
		}

		set := bson.M{}
		unreadKey := "unreadCount." + readerID
		if messageIDs == nil {
			set[unreadKey] = 0
		} else if len(ids) > 0 {
			set[unreadKey] = max(0, conv.UnreadCount[readerID]-len(ids))
		}
		opts := options.Update()
		if last != "" {
			set["participants.$[reader].lastReadMessageId"] = last
			set["participants.$[reader].lastReadSeq"] = newest
			opts.SetArrayFilters(options.ArrayFilters{
				Filters: []any{bson.M{"reader.userId": readerID, "reader.lastReadSeq": bson.M{"$lt": newest}}},
			})
		}
		if len(set) == 0 {
			return nil
		}
		if _, err := s.conversations.UpdateOne(sc, bson.M{"_id": conversationID}, bson.M{"$set": set}, opts); err != nil {
			return fmt.Errorf("failed to update read state: %w", err)
		}
		marked = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

func (s *MongoStorage) SetReaction(ctx context.Context, messageID, userID, emoji string) (models.Message, bool, error) {
	field := "reactions." + userID
	return s.updateReaction(ctx, messageID,
		bson.M{"_id": messageID, field: bson.M{"$ne": emoji}},
		bson.M{"$set": bson.M{field: emoji}},
	)
}

func (s *MongoStorage) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (models.Message, bool, error) {
	field := "reactions." + userID
	return s.updateReaction(ctx, messageID,
		bson.M{"_id": messageID, field: emoji},
		bson.M{"$unset": bson.M{field: ""}},
	)
}

func (s *MongoStorage) updateReaction(ctx context.Context, messageID string, filter, update bson.M) (models.Message, bool, error) {
	var doc mongoMessage
	err := s.messages.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.model(), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, false, fmt.Errorf("failed to update reaction: %w", err)
	}

	// Either the message is missing or the update would be a no-op.
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, false, nil
}

// SaveAttachment records the metadata of an uploaded blob, keeping the
// first record for an id.
func (s *MongoStorage) SaveAttachment(ctx context.Context, meta models.Attachment) error {
	_, err := s.attachments.UpdateOne(ctx,
		bson.M{"_id": meta.ID},
		bson.M{"$setOnInsert": bson.M{
			"contentType": meta.ContentType,
			"size":        meta.Size,
			"createdAt":   meta.CreatedAt,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save attachment metadata: %w", err)
	}
	return nil
}

func (s *MongoStorage) GetAttachment(ctx context.Context, id string) (models.Attachment, error) {
	var doc mongoAttachment
	err := s.attachments.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Attachment{}, apperr.NotFound("attachment %s not found", id)
	}
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to load attachment %s: %w", id, err)
	}
	return models.Attachment{
		ID:          doc.ID,
		ContentType: doc.ContentType,
		Size:        doc.Size,
		CreatedAt:   doc.CreatedAt.UTC(),
	}, nil
}

func toMongoMessage(m models.Message) mongoMessage {
	doc := mongoMessage{
		ID:             m.ID,
		Seq:            m.Seq,
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
		CreatedAt:      m.CreatedAt,
	}
	if doc.ReadBy == nil {
		doc.ReadBy = []string{}
	}
	if doc.Reactions == nil {
		doc.Reactions = map[string]string{}
	}
	return doc
}

func (d mongoMessage) model() models.Message {
	msg := models.Message{
		ID:             d.ID,
		Seq:            d.Seq,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Formatted:      d.Formatted,
		Type:           models.MessageType(d.Type),
		AttachmentID:   d.AttachmentID,
		AttachmentURL:  d.AttachmentURL,
		ReplyTo:        d.ReplyTo,
		ReadBy:         d.ReadBy,
		Reactions:      d.Reactions,
		CreatedAt:      d.CreatedAt.UTC(),
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	if len(msg.Reactions) == 0 {
		msg.Reactions = nil
	}
	return msg
}

func (d mongoConversation) model() models.Conversation {
	conv := models.Conversation{
		ID:            d.ID,
		Type:          models.ConversationType(d.Type),
		Name:          d.Name,
		Participants:  make([]models.Participant, 0, len(d.Participants)),
		LastMessageID: d.LastMessageID,
		LastMessageAt: d.LastMessageAt,
		UnreadCount:   d.UnreadCount,
		CreatedAt:     d.CreatedAt.UTC(),
	}
	if conv.UnreadCount == nil {
		conv.UnreadCount = map[string]int{}
	}
	for _, p := range d.Participants {
		conv.Participants = append(conv.Participants, models.Participant{
			UserID:            p.UserID,
			Role:              models.Role(p.Role),
			JoinedAt:          p.JoinedAt.UTC(),
			MutedUntil:        p.MutedUntil,
			LastReadMessageID: p.LastReadMessageID,
		})
	}
	return conv
}
