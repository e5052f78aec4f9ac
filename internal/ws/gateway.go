package ws

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"parley/internal/apperr"
	"parley/internal/broadcast"
	"parley/internal/bus"
	"parley/internal/content"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/ratelimit"
	"parley/internal/typing"
)

const DefaultHandlerTimeout = 10 * time.Second

type Config struct {
	// Burst limits send-message and reaction events per user.
	Burst          ratelimit.Limit
	HandlerTimeout time.Duration
	QueueSize      int
}

// Gateway owns the connections attached to this instance and their channel
// membership. The lock only guards the in-memory maps, never I/O.
type Gateway struct {
	cfg      Config
	presence *presence.Registry
	coord    *broadcast.Coordinator
	typing   *typing.Tracker
	limiter  ratelimit.Limiter

	mu          sync.RWMutex
	connections map[string]*Connection
	// channel -> connection id -> connection
	channels map[string]map[string]*Connection
}

func NewGateway(
	cfg Config,
	registry *presence.Registry,
	coord *broadcast.Coordinator,
	tracker *typing.Tracker,
	limiter ratelimit.Limiter,
) *Gateway {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.Burst.Max <= 0 || cfg.Burst.Window <= 0 {
		cfg.Burst = ratelimit.Limit{Window: time.Second, Max: 10}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Gateway{
		cfg:         cfg,
		presence:    registry,
		coord:       coord,
		typing:      tracker,
		limiter:     limiter,
		connections: make(map[string]*Connection),
		channels:    make(map[string]map[string]*Connection),
	}
}

// Connect registers the connection, marks the user online and joins the
// user's private channel.
func (g *Gateway) Connect(ctx context.Context, c *Connection) error {
	if err := g.presence.SetOnline(ctx, c.UserID, c.ID); err != nil {
		if apperr.CodeOf(err) == apperr.CodeUnavailable {
			return err
		}
		slog.Error("failed to announce presence", "user_id", c.UserID, "error", err)
	}

	g.mu.Lock()
	g.connections[c.ID] = c
	g.mu.Unlock()
	g.Join(c, bus.UserChannel(c.UserID))

	c.setState(StateAuthenticated)
	c.enqueue(models.NewServerFrame(models.AuthenticatedEvent{UserID: c.UserID, ConnectionID: c.ID}))

	slog.Info("connection authenticated", "user_id", c.UserID, "connection_id", c.ID)
	return nil
}

// Disconnect removes the connection from every channel and marks the user
// offline. Already issued side effects are left alone.
func (g *Gateway) Disconnect(ctx context.Context, c *Connection) {
	c.mu.Lock()
	c.state = StateDisconnected
	joined := slices.Collect(maps.Keys(c.joined))
	c.joined = make(map[string]bool)
	c.mu.Unlock()

	g.mu.Lock()
	delete(g.connections, c.ID)
	for _, ch := range joined {
		g.removeMember(ch, c.ID)
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.HandlerTimeout)
	defer cancel()
	for _, ch := range joined {
		g.leftChannel(ctx, c.UserID, ch)
	}
	if err := g.presence.SetOffline(ctx, c.UserID); err != nil {
		slog.Error("failed to mark user offline", "user_id", c.UserID, "error", err)
	}

	slog.Info("connection closed", "user_id", c.UserID, "connection_id", c.ID)
}

// Join adds the connection to a channel. Joining a conversation or room
// moves it to the active state.
func (g *Gateway) Join(c *Connection, channel string) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.joined[channel] = true
	if channel != bus.UserChannel(c.UserID) {
		c.state = StateActive
	}
	c.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.channels[channel]
	if !ok {
		members = make(map[string]*Connection)
		g.channels[channel] = members
	}
	members[c.ID] = c
}

// Leave removes the connection from a channel and reports whether it was
// joined.
func (g *Gateway) Leave(c *Connection, channel string) bool {
	c.mu.Lock()
	joined := c.joined[channel]
	delete(c.joined, channel)
	c.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeMember(channel, c.ID)
	return joined
}

// leftChannel drops the user from the room member set once none of their
// local connections remain in the room.
func (g *Gateway) leftChannel(ctx context.Context, userID, channel string) {
	roomID, ok := strings.CutPrefix(channel, bus.RoomChannel(""))
	if !ok || g.hasUser(channel, userID) {
		return
	}
	if err := g.presence.LeaveRoom(ctx, roomID, userID); err != nil {
		slog.Error("failed to leave room", "room_id", roomID, "user_id", userID, "error", err)
	}
}

func (g *Gateway) hasUser(channel, userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.channels[channel] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// removeMember expects g.mu to be held.
func (g *Gateway) removeMember(channel, connectionID string) {
	members, ok := g.channels[channel]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(g.channels, channel)
	}
}

// Evict closes every local connection of the user. Returns how many were
// closed.
func (g *Gateway) Evict(userID string) int {
	g.mu.RLock()
	var victims []*Connection
	for _, c := range g.connections {
		if c.UserID == userID {
			victims = append(victims, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range victims {
		c.Evict()
	}
	if len(victims) > 0 {
		slog.Info("evicted user", "user_id", userID, "connections", len(victims))
	}
	return len(victims)
}

type ConnectionInfo struct {
	ID       string   `json:"id"`
	UserID   string   `json:"userId"`
	State    string   `json:"state"`
	Channels []string `json:"channels"`
}

type Stats struct {
	Connections []ConnectionInfo `json:"connections"`
	Users       int              `json:"users"`
	Channels    int              `json:"channels"`
}

func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	conns := slices.Collect(maps.Values(g.connections))
	channels := len(g.channels)
	g.mu.RUnlock()

	users := make(map[string]bool)
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		users[c.UserID] = true
		infos = append(infos, ConnectionInfo{
			ID:       c.ID,
			UserID:   c.UserID,
			State:    c.State().String(),
			Channels: c.Channels(),
		})
	}
	slices.SortFunc(infos, func(a, b ConnectionInfo) int {
		return cmp.Or(strings.Compare(a.UserID, b.UserID), strings.Compare(a.ID, b.ID))
	})

	return Stats{Connections: infos, Users: len(users), Channels: channels}
}

// members returns a snapshot of the connections joined to channel.
func (g *Gateway) members(channel string) []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Collect(maps.Values(g.channels[channel]))
}

func (g *Gateway) all() []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Collect(maps.Values(g.connections))
}

// Dispatch runs one inbound frame. Handlers run detached from the
// connection's cancellation, so a disconnect never truncates a persist or a
// publish that already started.
func (g *Gateway) Dispatch(ctx context.Context, c *Connection, frame models.ClientFrame) *models.ServerFrame {
	if !c.State().canDispatch() {
		return g.reply(frame, nil, apperr.Authentication("connection is not authenticated"))
	}

	ev, err := models.ParseClientEvent(frame)
	if err != nil {
		var unknown models.ErrUnknownEvent
		if errors.As(err, &unknown) {
			return g.reply(frame, nil, apperr.Validation("unknown event %q", unknown.Event))
		}
		return g.reply(frame, nil, apperr.Validation("invalid %s payload", frame.Event))
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.HandlerTimeout)
	defer cancel()

	result, err := g.handle(hctx, c, ev)
	if err != nil {
		slog.Debug("event failed", "event", frame.Event, "user_id", c.UserID, "error", err)
	}
	return g.reply(frame, result, err)
}

func (g *Gateway) handle(ctx context.Context, c *Connection, ev models.ClientEvent) (any, error) {
	switch e := ev.(type) {
	case models.JoinConversation:
		if err := validID(e.ConversationID); err != nil {
			return nil, err
		}
		res, err := g.coord.JoinConversation(ctx, e.ConversationID, c.UserID)
		if err != nil {
			return nil, err
		}
		g.Join(c, bus.ScopeChannel(res.Conversation.Scope(), res.Conversation.ID))
		if res.Conversation.Scope() == models.ScopeRoom {
			users, err := g.presence.JoinRoom(ctx, res.Conversation.ID, c.UserID)
			if err != nil {
				slog.Error("failed to join room", "room_id", res.Conversation.ID, "user_id", c.UserID, "error", err)
			}
			res.Users = users
		}
		return res, nil

	case models.LeaveConversation:
		g.Leave(c, bus.ConversationChannel(e.ConversationID))
		room := bus.RoomChannel(e.ConversationID)
		if g.Leave(c, room) {
			g.leftChannel(ctx, c.UserID, room)
		}
		return nil, nil

	case models.SendMessage:
		if err := g.checkBurst(ctx, c); err != nil {
			return nil, err
		}
		if err := validID(e.ConversationID); err != nil {
			return nil, err
		}
		msg, err := g.coord.SendMessage(ctx, c.UserID, e)
		if err != nil {
			return nil, err
		}
		return models.MessageResult{Message: msg}, nil

	case models.MarkRead:
		if err := validID(e.ConversationID); err != nil {
			return nil, err
		}
		ids, err := g.coord.MarkAsRead(ctx, e.ConversationID, c.UserID, e.MessageIDs)
		if err != nil {
			return nil, err
		}
		return models.MarkReadResult{MessageIDs: ids}, nil

	case models.Typing:
		scope, err := g.joinedScope(c, e.ConversationID)
		if err != nil {
			return nil, err
		}
		return nil, g.typing.StartTyping(ctx, scope, e.ConversationID, c.UserID)

	case models.StopTyping:
		scope, err := g.joinedScope(c, e.ConversationID)
		if err != nil {
			return nil, err
		}
		return nil, g.typing.StopTyping(ctx, scope, e.ConversationID, c.UserID)

	case models.Heartbeat:
		return nil, g.presence.Heartbeat(ctx, c.UserID)

	case models.AddReaction:
		if err := g.checkBurst(ctx, c); err != nil {
			return nil, err
		}
		if err := validID(e.MessageID); err != nil {
			return nil, err
		}
		msg, err := g.coord.AddReaction(ctx, e.MessageID, c.UserID, e.Emoji)
		if err != nil {
			return nil, err
		}
		return models.MessageResult{Message: msg}, nil

	case models.RemoveReaction:
		if err := g.checkBurst(ctx, c); err != nil {
			return nil, err
		}
		if err := validID(e.MessageID); err != nil {
			return nil, err
		}
		msg, err := g.coord.RemoveReaction(ctx, e.MessageID, c.UserID, e.Emoji)
		if err != nil {
			return nil, err
		}
		return models.MessageResult{Message: msg}, nil

	case models.GetOnlineUsers:
		users, err := g.presence.OnlineUsers(ctx)
		if err != nil {
			return nil, err
		}
		return models.UsersResult{Users: users}, nil

	case models.UpdateStatus:
		if err := g.presence.SetStatus(ctx, c.UserID, e.Status); err != nil {
			return nil, err
		}
		return models.StatusResult{Status: e.Status}, nil

	case models.GetPresence:
		if err := validID(e.UserID); err != nil {
			return nil, err
		}
		p, err := g.presence.Presence(ctx, e.UserID)
		if err != nil {
			return nil, err
		}
		return models.PresenceResult{Presence: p}, nil

	case models.GetTypingUsers:
		if err := validID(e.ConversationID); err != nil {
			return nil, err
		}
		conv, err := g.coord.Conversation(ctx, e.ConversationID, c.UserID)
		if err != nil {
			return nil, err
		}
		users, err := g.typing.TypingUsers(ctx, conv.Scope(), conv.ID)
		if err != nil {
			return nil, err
		}
		return models.UsersResult{Users: users}, nil
	}

	return nil, apperr.Validation("unsupported event")
}

func (g *Gateway) checkBurst(ctx context.Context, c *Connection) error {
	_, err := ratelimit.Check(ctx, g.limiter, ratelimit.KindWSMessage, c.UserID, g.cfg.Burst)
	return err
}

// joinedScope finds the scope under which the connection joined the
// conversation. Typing is only accepted in joined conversations.
func (g *Gateway) joinedScope(c *Connection, conversationID string) (string, error) {
	switch {
	case c.isJoined(bus.ConversationChannel(conversationID)):
		return models.ScopeConversation, nil
	case c.isJoined(bus.RoomChannel(conversationID)):
		return models.ScopeRoom, nil
	}
	return "", apperr.NotAuthorized("join conversation %s first", conversationID)
}

func validID(id string) error {
	if err := content.ValidateID(id); err != nil {
		return apperr.Validation("%v", err)
	}
	return nil
}

// reply builds the acknowledgement for frames that asked for one. Failed
// events without an ack id get an error event, except fire-and-forget ones.
func (g *Gateway) reply(frame models.ClientFrame, result any, err error) *models.ServerFrame {
	if frame.AckID != 0 {
		ack := models.Ack{Success: err == nil, Result: result}
		if err != nil {
			ack.Result = nil
			ack.Error = ackError(err)
		}
		return &models.ServerFrame{Event: models.EventAck, AckID: frame.AckID, Data: ack}
	}

	if err == nil {
		return nil
	}
	switch frame.Event {
	case models.EventTyping, models.EventStopTyping, models.EventHeartbeat:
		slog.Warn("event failed", "event", frame.Event, "error", err)
		return nil
	}
	if apperr.CodeOf(err) == apperr.CodeInternal {
		slog.Error("event failed", "event", frame.Event, "error", err)
	}
	out := models.NewServerFrame(models.ErrorEvent{
		Event:   frame.Event,
		Code:    string(apperr.CodeOf(err)),
		Message: apperr.Message(err),
	})
	return &out
}

func ackError(err error) *models.AckError {
	ae := &models.AckError{
		Code:    string(apperr.CodeOf(err)),
		Message: apperr.Message(err),
	}
	var e *apperr.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		ae.RetryAfterMs = e.RetryAfter.Milliseconds()
	}
	return ae
}
