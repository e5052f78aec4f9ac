package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/apperr"
	"parley/internal/bus"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/storage"
)

type published struct {
	channel string
	env     bus.Envelope
}

type recorder struct {
	mu   sync.Mutex
	got  []published
	fail bool
}

func (r *recorder) Publish(_ context.Context, channel string, env bus.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("bus down")
	}
	r.got = append(r.got, published{channel, env})
	return nil
}

func (r *recorder) take() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	got := r.got
	r.got = nil
	return got
}

type fixture struct {
	coord *Coordinator
	store *storage.BboltStorage
	files *filestore.LocalFileStore
	bus   *recorder
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := filestore.NewLocalFileStore(t.TempDir(), "http://chat.test")
	require.NoError(t, err)

	f := &fixture{
		store: store,
		files: files,
		bus:   &recorder{},
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.coord = NewCoordinator(store, f.bus, files)
	f.coord.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) conversation(t *testing.T, id string, typ models.ConversationType, users ...string) {
	t.Helper()
	conv := models.Conversation{ID: id, Type: typ}
	for _, u := range users {
		conv.Participants = append(conv.Participants, models.Participant{UserID: u})
	}
	_, err := f.coord.CreateConversation(context.Background(), conv)
	require.NoError(t, err)
}

func (f *fixture) send(t *testing.T, convID, sender, text string) models.Message {
	t.Helper()
	msg, err := f.coord.SendMessage(context.Background(), sender, models.SendMessage{ConversationID: convID, Content: text})
	require.NoError(t, err)
	return msg
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conversation(t, "c1", models.ConversationTypeGroup, "alice", "bob", "carol")

	msg := f.send(t, "c1", "alice", "hello **world**")
	assert.Equal(t, []string{"alice"}, msg.ReadBy)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, models.MessageTypeText, msg.Type)
	assert.Contains(t, msg.Formatted, "<strong>world</strong>")
	assert.True(t, msg.CreatedAt.Equal(f.now))

	conv, err := f.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, conv.LastMessageID)
	assert.Equal(t, 1, conv.UnreadCount["bob"])
	assert.Equal(t, 1, conv.UnreadCount["carol"])
	assert.Equal(t, 0, conv.UnreadCount["alice"])

	got := f.bus.take()
	require.Len(t, got, 3)
	assert.Equal(t, "conversation:c1", got[0].channel)
	assert.Equal(t, models.EnvelopeNewMessage, got[0].env.Type)
	var published models.Message
	require.NoError(t, got[0].env.Decode(&published))
	assert.Equal(t, msg.ID, published.ID)

	assert.Equal(t, "user:bob", got[1].channel)
	assert.Equal(t, "user:carol", got[2].channel)
	var note models.NotificationPayload
	require.NoError(t, got[1].env.Decode(&note))
	assert.Equal(t, "c1", note.ConversationID)
	assert.Equal(t, "alice", note.SenderID)
}

func TestSendMessageRoomScope(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "lobby", models.ConversationTypeRoom, "alice", "bob")

	f.send(t, "lobby", "alice", "hi")
	got := f.bus.take()
	require.NotEmpty(t, got)
	assert.Equal(t, "room:lobby", got[0].channel)
}

func TestSendMessageRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conversation(t, "c1", models.ConversationTypeGroup, "alice", "bob")

	mutedUntil := f.now.Add(time.Hour)
	require.NoError(t, f.store.CreateConversation(ctx, models.Conversation{
		ID:   "muted",
		Type: models.ConversationTypeGroup,
		Participants: []models.Participant{
			{UserID: "alice", Role: models.RoleMember, MutedUntil: mutedUntil},
			{UserID: "bob", Role: models.RoleMember},
		},
	}))

	tests := []struct {
		name   string
		sender string
		req    models.SendMessage
		want   error
	}{
		{"missing conversation", "alice", models.SendMessage{ConversationID: "nope", Content: "x"}, apperr.ErrNotFound},
		{"not a participant", "mallory", models.SendMessage{ConversationID: "c1", Content: "x"}, apperr.ErrNotAuthorized},
		{"muted", "alice", models.SendMessage{ConversationID: "muted", Content: "x"}, apperr.ErrMuted},
		{"empty content", "alice", models.SendMessage{ConversationID: "c1", Content: "   "}, apperr.ErrValidation},
		{"too long", "alice", models.SendMessage{ConversationID: "c1", Content: strings.Repeat("я", MaxContentLength+1)}, apperr.ErrValidation},
		{"system type", "alice", models.SendMessage{ConversationID: "c1", Content: "x", Type: models.MessageTypeSystem}, apperr.ErrValidation},
		{"file without attachment", "alice", models.SendMessage{ConversationID: "c1", Type: models.MessageTypeFile}, apperr.ErrValidation},
		{"unknown attachment", "alice", models.SendMessage{ConversationID: "c1", Content: "x", AttachmentID: "missing"}, apperr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.SendMessage(ctx, tt.sender, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, f.bus.take(), "rejected sends must not publish")

	conv, err := f.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, conv.LastMessageID)
}

func TestSendMessageKeepsContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conversation(t, "c1", models.ConversationTypeGroup, "alice", "bob")

	tests := []struct {
		name          string
		input         string
		want          string
		wantFormatted string
	}{
		{"entities", "Tom & Jerry's 5 > 3", "Tom & Jerry's 5 > 3", "Tom &amp; Jerry&#39;s 5 &gt; 3"},
		{"trimmed", "  spaced out \n", "spaced out", "spaced out"},
		{"raw markup", "use <b>bold</b>", "use <b>bold</b>", "use bold"},
		{"script", "<script>alert(1)</script>", "<script>alert(1)</script>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := f.send(t, "c1", "alice", tt.input)
			assert.Equal(t, tt.want, msg.Content)
			assert.NotContains(t, msg.Formatted, "<script")
			assert.NotContains(t, msg.Formatted, "<b>")
			if tt.wantFormatted != "" {
				assert.Contains(t, msg.Formatted, tt.wantFormatted)
			}

			stored, err := f.store.GetMessage(ctx, msg.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Content)

			var published models.Message
			got := f.bus.take()
			require.NotEmpty(t, got)
			require.NoError(t, got[0].env.Decode(&published))
			assert.Equal(t, tt.want, published.Content)
		})
	}
}

func TestSendMessageMaxLength(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "c1", models.ConversationTypeGroup, "alice", "bob")

	_, err := f.coord.SendMessage(context.Background(), "alice", models.SendMessage{
		ConversationID: "c1",
		Content:        strings.Repeat("я", MaxContentLength),
	})
	assert.NoError(t, err)
}

func TestSendMessageAttachmentAndReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conversation(t, "c1", models.ConversationTypeGroup, "alice", "bob")
	f.conversation(t, "c2", models.ConversationTypeGroup, "alice", "bob")
	require.NoError(t, f.files.Save(strings.NewReader("blob"), "report"))

	file, err := f.coord.SendMessage(ctx, "alice", models.SendMessage{
		ConversationID: "c1",
		Type:           models.MessageTypeFile,
		AttachmentID:   "report",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://chat.test/files/report", file.AttachmentURL)
	assert.Empty(t, file.Formatted)

	reply, err := f.coord.SendMessage(ctx, "bob", models.SendMessage{ConversationID: "c1", Content: "thanks", ReplyTo: file.ID})
	require.NoError(t, err)
	assert.Equal(t, file.ID, reply.ReplyTo)

	elsewhere := f.send(t, "c2", "alice", "other")
	reply, err = f.coord.SendMessage(ctx, "bob", models.SendMessage{ConversationID: "c1", Content: "x", ReplyTo: elsewhere.ID})
	require.NoError(t, err)
	assert.Empty(t, reply.ReplyTo)

	reply, err = f.coord.SendMessage(ctx, "bob", models.SendMessage{ConversationID: "c1", Content: "x", ReplyTo: "missing"})
	require.NoError(t, err)
	assert.Empty(t, reply.ReplyTo)
}

func TestSendMessagePublishFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conversation(t, "c1", models.ConversationTypeGroup, "alice", "bob")
	f.bus.fail = true

	msg, err := f.coord.SendMessage(ctx, "alice", models.SendMessage{ConversationID: "c1", Content: "still saved"})
	require.NoError(t, err)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "still saved", stored.Content)
}

func TestMarkAsRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conversation(t, "c1", models.ConversationTypeGroup, "alice", "bob")
	m1 := f.send(t, "c1", "alice", "one")
	m2 := f.send(t, "c1", "alice", "two")
	f.bus.take()

	marked, err := f.coord.MarkAsRead(ctx, "c1", "bob", []string{m1.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID}, marked)

	got := f.bus.take()
	require.Len(t, got, 1)
	assert.Equal(t, models.EnvelopeMessagesRead, got[0].env.Type)
	var payload models.MessagesReadPayload
	require.NoError(t, got[0].env.Decode(&payload))
	assert.Equal(t, models.MessagesReadPayload{ReaderID: "bob", ConversationID: "c1", MessageIDs: []string{m1.ID}}, payload)

	// Marking the same message again changes nothing and publishes nothing.
	marked, err = f.coord.MarkAsRead(ctx, "c1", "bob", []string{m1.ID})
	require.NoError(t, err)
	assert.Empty(t, marked)
	assert.Empty(t, f.bus.take())

	marked, err = f.coord.MarkAsRead(ctx, "c1", "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{m2.ID}, marked)

	conv, err := f.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount["bob"])

	_, err = f.coord.MarkAsRead(ctx, "c1", "mallory", nil)
	assert.ErrorIs(t, err, apperr.ErrNotAuthorized)
}

func TestReactions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conversation(t, "c1", models.ConversationTypeGroup, "alice", "bob")
	msg := f.send(t, "c1", "alice", "react to me")
	f.bus.take()

	_, err := f.coord.AddReaction(ctx, msg.ID, "bob", "🦄")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.coord.AddReaction(ctx, msg.ID, "mallory", "👍")
	assert.ErrorIs(t, err, apperr.ErrNotAuthorized)

	_, err = f.coord.AddReaction(ctx, "missing", "bob", "👍")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	updated, err := f.coord.AddReaction(ctx, msg.ID, "bob", "👍")
	require.NoError(t, err)
	assert.Equal(t, "👍", updated.Reactions["bob"])

	got := f.bus.take()
	require.Len(t, got, 1)
	assert.Equal(t, models.EnvelopeReactionAdded, got[0].env.Type)
	var payload models.ReactionPayload
	require.NoError(t, got[0].env.Decode(&payload))
	assert.Equal(t, "bob", payload.UserID)
	assert.Equal(t, "👍", payload.Emoji)
	assert.Equal(t, "c1", payload.ConversationID)

	// Same emoji again is a no-op.
	_, err = f.coord.AddReaction(ctx, msg.ID, "bob", "👍")
	require.NoError(t, err)
	assert.Empty(t, f.bus.take())

	// Removing a different emoji leaves the reaction in place.
	updated, err = f.coord.RemoveReaction(ctx, msg.ID, "bob", "🔥")
	require.NoError(t, err)
	assert.Equal(t, "👍", updated.Reactions["bob"])
	assert.Empty(t, f.bus.take())

	updated, err = f.coord.RemoveReaction(ctx, msg.ID, "bob", "👍")
	require.NoError(t, err)
	assert.NotContains(t, updated.Reactions, "bob")

	got = f.bus.take()
	require.Len(t, got, 1)
	assert.Equal(t, models.EnvelopeReactionRemoved, got[0].env.Type)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.conversation(t, "c1", models.ConversationTypeGroup, "alice", "bob")
	f.conversation(t, "c2", models.ConversationTypeDirect, "alice", "carol")

	for range 3 {
		f.send(t, "c1", "alice", "ping")
		f.now = f.now.Add(time.Second)
	}
	f.send(t, "c2", "carol", "latest")

	convs, err := f.coord.Conversations(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)

	msgs, err := f.coord.Messages(ctx, "c1", "bob", 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[0].Seq)
	assert.Equal(t, int64(3), msgs[1].Seq)

	_, err = f.coord.Messages(ctx, "c1", "carol", 0, 0)
	assert.ErrorIs(t, err, apperr.ErrNotAuthorized)

	_, err = f.coord.Conversation(ctx, "c2", "bob")
	assert.ErrorIs(t, err, apperr.ErrNotAuthorized)
	f.bus.take()

	joined, err := f.coord.JoinConversation(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "c1", joined.Conversation.ID)
	assert.Equal(t, 0, joined.Conversation.UnreadCount["bob"])
	require.Len(t, joined.Messages, 3)
	for _, m := range joined.Messages {
		assert.Contains(t, m.ReadBy, "bob")
	}

	got := f.bus.take()
	require.Len(t, got, 2)
	assert.Equal(t, models.EnvelopeMessagesRead, got[0].env.Type)
	assert.Equal(t, models.EnvelopeDelivered, got[1].env.Type)
	assert.Equal(t, bus.ConversationChannel("c1"), got[1].channel)
	var delivered models.DeliveredPayload
	require.NoError(t, got[1].env.Decode(&delivered))
	assert.Equal(t, models.DeliveredPayload{ConversationID: "c1", UserID: "bob"}, delivered)

	// Rejoining with nothing unread still announces the delivery.
	_, err = f.coord.JoinConversation(ctx, "c1", "bob")
	require.NoError(t, err)
	got = f.bus.take()
	require.Len(t, got, 1)
	assert.Equal(t, models.EnvelopeDelivered, got[0].env.Type)
}

func TestCreateConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	conv, err := f.coord.CreateConversation(ctx, models.Conversation{
		Type:         models.ConversationTypeGroup,
		Name:         "team",
		Participants: []models.Participant{{UserID: "alice", Role: models.RoleAdmin}, {UserID: "bob"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, models.RoleMember, conv.Participants[1].Role)
	assert.True(t, conv.CreatedAt.Equal(f.now))

	tests := []struct {
		name string
		conv models.Conversation
	}{
		{"duplicate id", models.Conversation{ID: conv.ID, Participants: []models.Participant{{UserID: "alice"}}}},
		{"bad type", models.Conversation{Type: "channel", Participants: []models.Participant{{UserID: "alice"}}}},
		{"no participants", models.Conversation{Type: models.ConversationTypeGroup}},
		{"direct with three", models.Conversation{Type: models.ConversationTypeDirect, Participants: []models.Participant{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}}},
		{"bad participant id", models.Conversation{Participants: []models.Participant{{UserID: "a:b"}}}},
		{"repeated participant", models.Conversation{Participants: []models.Participant{{UserID: "a"}, {UserID: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.CreateConversation(ctx, tt.conv)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}
