package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseClientEvent(t *testing.T) {
	t.Run("send message", func(t *testing.T) {
		ev, err := ParseClientEvent(ClientFrame{
			Event: EventSendMessage,
			AckID: 3,
			Data:  json.RawMessage(`{"conversationId":"c1","content":"hi","type":"text"}`),
		})
		if err != nil {
			t.Fatalf("ParseClientEvent failed: %v", err)
		}
		msg, ok := ev.(SendMessage)
		if !ok {
			t.Fatalf("expected SendMessage, got %T", ev)
		}
		if msg.ConversationID != "c1" || msg.Content != "hi" || msg.Type != MessageTypeText {
			t.Errorf("unexpected payload: %+v", msg)
		}
	})

	t.Run("heartbeat without data", func(t *testing.T) {
		ev, err := ParseClientEvent(ClientFrame{Event: EventHeartbeat})
		if err != nil {
			t.Fatalf("ParseClientEvent failed: %v", err)
		}
		if _, ok := ev.(Heartbeat); !ok {
			t.Errorf("expected Heartbeat, got %T", ev)
		}
	})

	t.Run("mark read without ids", func(t *testing.T) {
		ev, err := ParseClientEvent(ClientFrame{
			Event: EventMarkRead,
			Data:  json.RawMessage(`{"conversationId":"c1"}`),
		})
		if err != nil {
			t.Fatalf("ParseClientEvent failed: %v", err)
		}
		mr := ev.(MarkRead)
		if mr.MessageIDs != nil {
			t.Errorf("expected nil ids, got %v", mr.MessageIDs)
		}
	})

	t.Run("update status", func(t *testing.T) {
		ev, err := ParseClientEvent(ClientFrame{
			Event: EventUpdateStatus,
			Data:  json.RawMessage(`{"status":"away"}`),
		})
		if err != nil {
			t.Fatalf("ParseClientEvent failed: %v", err)
		}
		if got, ok := ev.(UpdateStatus); !ok || got.Status != StatusAway {
			t.Errorf("unexpected event: %#v", ev)
		}
	})

	t.Run("get presence", func(t *testing.T) {
		ev, err := ParseClientEvent(ClientFrame{
			Event: EventGetPresence,
			Data:  json.RawMessage(`{"userId":"bob"}`),
		})
		if err != nil {
			t.Fatalf("ParseClientEvent failed: %v", err)
		}
		if got, ok := ev.(GetPresence); !ok || got.UserID != "bob" {
			t.Errorf("unexpected event: %#v", ev)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		_, err := ParseClientEvent(ClientFrame{Event: "ai-chat"})
		var unknown ErrUnknownEvent
		if !errors.As(err, &unknown) {
			t.Fatalf("expected ErrUnknownEvent, got %v", err)
		}
		if unknown.Event != "ai-chat" {
			t.Errorf("unexpected event name %q", unknown.Event)
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := ParseClientEvent(ClientFrame{
			Event: EventAddReaction,
			Data:  json.RawMessage(`{"messageId":42}`),
		})
		if err == nil {
			t.Fatal("expected decode error")
		}
	})
}

func TestAckMarshal(t *testing.T) {
	t.Run("success with result", func(t *testing.T) {
		data, err := json.Marshal(Ack{Success: true, Result: MarkReadResult{MessageIDs: []string{"m1"}}})
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `{"success":true,"messageIds":["m1"]}` {
			t.Errorf("unexpected ack: %s", data)
		}
	})

	t.Run("failure", func(t *testing.T) {
		data, err := json.Marshal(Ack{Error: &AckError{Code: "RATE_LIMITED", Message: "slow down", RetryAfterMs: 250}})
		if err != nil {
			t.Fatal(err)
		}
		want := `{"success":false,"error":{"code":"RATE_LIMITED","message":"slow down","retryAfterMs":250}}`
		if string(data) != want {
			t.Errorf("got %s, want %s", data, want)
		}
	})

	t.Run("empty result", func(t *testing.T) {
		data, err := json.Marshal(Ack{Success: true, Result: struct{}{}})
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `{"success":true}` {
			t.Errorf("unexpected ack: %s", data)
		}
	})
}

func TestServerFrameEventNames(t *testing.T) {
	tests := []struct {
		ev   ServerEvent
		want string
	}{
		{UserTypingEvent{}, EventUserTyping},
		{UserTypingEvent{Stopped: true}, EventUserStopTyping},
		{PresenceEvent{Online: true}, EventPresenceOnline},
		{PresenceEvent{}, EventPresenceOffline},
		{ReactionEvent{}, EventMessageReactionAdded},
		{ReactionEvent{Removed: true}, EventMessageReactionRemoved},
		{NewMessageEvent{}, EventNewMessage},
		{UserStatusEvent{}, EventPresenceUserStatus},
		{RoomMembershipEvent{}, EventUserJoinedRoom},
		{RoomMembershipEvent{Left: true}, EventUserLeftRoom},
		{MessageDeliveredEvent{}, EventMessageDelivered},
	}
	for _, tt := range tests {
		if got := NewServerFrame(tt.ev).Event; got != tt.want {
			t.Errorf("%T: got %s, want %s", tt.ev, got, tt.want)
		}
	}
}

func TestUserStatusValid(t *testing.T) {
	for _, s := range []UserStatus{StatusOnline, StatusAway, StatusBusy, StatusOffline} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []UserStatus{"", "invisible", "Online"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestJoinResultUsers(t *testing.T) {
	data, err := json.Marshal(Ack{Success: true, Result: JoinResult{Messages: []Message{}}})
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["users"]; ok {
		t.Errorf("users should be omitted outside rooms: %s", data)
	}
}

func TestConversationHelpers(t *testing.T) {
	now := time.Now()
	conv := Conversation{
		ID:   "c1",
		Type: ConversationTypeGroup,
		Participants: []Participant{
			{UserID: "alice", Role: RoleAdmin},
			{UserID: "bob", Role: RoleMember, MutedUntil: now.Add(time.Minute)},
			{UserID: "carol", Role: RoleMember, MutedUntil: now.Add(-time.Minute)},
		},
	}

	if !conv.IsParticipant("alice") || conv.IsParticipant("mallory") {
		t.Error("IsParticipant mismatch")
	}
	bob, _ := conv.Participant("bob")
	if !bob.Muted(now) {
		t.Error("bob should be muted")
	}
	carol, _ := conv.Participant("carol")
	if carol.Muted(now) {
		t.Error("carol's mute has expired")
	}
	if got := conv.Others("alice"); len(got) != 2 || got[0] != "bob" || got[1] != "carol" {
		t.Errorf("unexpected others: %v", got)
	}
	if conv.Scope() != ScopeConversation {
		t.Errorf("unexpected scope %s", conv.Scope())
	}
	conv.Type = ConversationTypeRoom
	if conv.Scope() != ScopeRoom {
		t.Errorf("unexpected scope %s", conv.Scope())
	}
}

func TestMessageMarkRead(t *testing.T) {
	msg := Message{ReadBy: []string{"alice"}}
	if msg.MarkRead("alice") {
		t.Error("alice already read the message")
	}
	if !msg.MarkRead("bob") {
		t.Error("bob should be added")
	}
	if len(msg.ReadBy) != 2 {
		t.Errorf("unexpected readBy: %v", msg.ReadBy)
	}
}
